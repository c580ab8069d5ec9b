// Package voice owns the per-call session state machine and the latency
// budgeted STT → LLM → TTS turn pipeline.
package voice

import (
	"encoding/json"
	"strings"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/pkg/provider/llm"
)

// TurnDecision is the structured output contract with the language model:
// one reply plus the intent flags that drive the session state machine. The
// flags are acted on only after the audio reply has begun streaming.
type TurnDecision struct {
	// Reply is the text the agent speaks next.
	Reply string `json:"reply"`

	// LeadQualified marks the caller as a qualified lead.
	LeadQualified bool `json:"lead_qualified"`

	// NeedsTransfer hands the call to a human; the session ends in the
	// transferred state.
	NeedsTransfer bool `json:"needs_transfer"`

	// ConversationEnded closes the call after the reply plays out.
	ConversationEnded bool `json:"conversation_ended"`
}

// decisionSchema is the JSON Schema sent with every turn request.
var decisionSchema = &llm.ResponseSchema{
	Name:        "turn_decision",
	Description: "The agent's next reply and call-control flags.",
	Strict:      true,
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reply": map[string]any{
				"type":        "string",
				"description": "The exact text to speak to the caller.",
			},
			"lead_qualified": map[string]any{
				"type":        "boolean",
				"description": "True once the caller is a qualified lead.",
			},
			"needs_transfer": map[string]any{
				"type":        "boolean",
				"description": "True to hand the call to a human agent.",
			},
			"conversation_ended": map[string]any{
				"type":        "boolean",
				"description": "True when the conversation should end after this reply.",
			},
		},
		"required":             []string{"reply", "lead_qualified", "needs_transfer", "conversation_ended"},
		"additionalProperties": false,
	},
}

// parseDecision decodes the model's structured output. Markdown fencing is
// tolerated for backends that wrap JSON despite the schema instruction.
func parseDecision(content string) (TurnDecision, error) {
	raw := strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(raw, "```json"); ok {
		raw = after
	} else if after, ok := strings.CutPrefix(raw, "```"); ok {
		raw = after
	}
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")

	var d TurnDecision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return TurnDecision{}, fault.Wrap(fault.KindProviderError, err, "voice: decode turn decision")
	}
	if d.Reply == "" && !d.NeedsTransfer && !d.ConversationEnded {
		return TurnDecision{}, fault.New(fault.KindProviderError, "voice: turn decision carries no reply and no action")
	}
	return d, nil
}
