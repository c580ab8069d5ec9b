// Package llm defines the Provider interface for large language model
// backends.
//
// An LLM provider wraps a remote model API (e.g., OpenAI, or anything
// reachable through any-llm) behind a uniform completion interface. Voxwire
// drives each conversation turn through Complete with a response schema, so
// the model's reply arrives as validated JSON rather than free text; streaming
// completions exist for surfaces that want incremental output.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message is a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ResponseSchema requests structured JSON output conforming to a JSON Schema.
type ResponseSchema struct {
	// Name identifies the schema to the provider.
	Name string

	// Description explains the expected output to the model.
	Description string

	// Schema is the JSON Schema the response must conform to.
	Schema map[string]any

	// Strict enables strict schema adherence where the provider supports it.
	Strict bool
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// textual content.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries everything the model needs to produce a response. Messages
// must be non-empty.
type Request struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the history. Providers without a dedicated system field prepend it as a
	// "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests the
	// provider default.
	Temperature float64

	// MaxTokens caps completion tokens; zero means provider default.
	MaxTokens int

	// Schema, when non-nil, requests structured JSON output. Content of the
	// response is then a JSON document conforming to the schema.
	Schema *ResponseSchema
}

// Response is returned by the non-streaming Complete method.
type Response struct {
	// Content is the full text of the model's reply. When Request.Schema was
	// set this is the JSON document.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or "error"
	// (with Text carrying the error message).
	FinishReason string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// StreamCompletion sends req and returns a channel emitting chunks as
	// they arrive. The channel is closed when generation finishes or ctx is
	// cancelled; callers must drain it. Errors after the stream starts are
	// surfaced as a Chunk with FinishReason "error". The returned channel is
	// never nil when error is nil.
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)

	// Name identifies the backend in logs and health reports.
	Name() string
}
