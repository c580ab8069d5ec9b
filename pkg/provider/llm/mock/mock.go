// Package mock provides a test double for the llm.Provider interface.
//
// Responses are served from a FIFO queue so tests can script multi-turn
// conversations; when the queue is empty the Default response is returned.
// Every request is recorded for later assertion.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Queue holds scripted responses, consumed one per Complete call.
	Queue []llm.Response

	// Default is returned when the queue is empty.
	Default llm.Response

	// Err, if non-nil, fails Complete and StreamCompletion.
	Err error

	// Latency delays each completion, honouring context cancellation.
	Latency time.Duration

	// Requests records every request in order.
	Requests []llm.Request
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "mock" }

// Complete records the request and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := p.next(ctx, req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamCompletion records the request and emits the next scripted response
// as a sequence of word chunks followed by a "stop" chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	resp, err := p.next(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, 8)
	go func() {
		defer close(ch)
		rest := resp.Content
		for len(rest) > 0 {
			n := len(rest)
			if n > 16 {
				n = 16
			}
			select {
			case ch <- llm.Chunk{Text: rest[:n]}:
			case <-ctx.Done():
				return
			}
			rest = rest[n:]
		}
		select {
		case ch <- llm.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Enqueue appends scripted responses. Thread-safe.
func (p *Provider) Enqueue(responses ...llm.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Queue = append(p.Queue, responses...)
}

// CallCount returns how many requests were recorded. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// LastRequest returns the most recent request, or a zero value if none.
func (p *Provider) LastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Requests) == 0 {
		return llm.Request{}
	}
	return p.Requests[len(p.Requests)-1]
}

func (p *Provider) next(ctx context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	resp := p.Default
	if len(p.Queue) > 0 {
		resp = p.Queue[0]
		p.Queue = p.Queue[1:]
	}
	err, latency := p.Err, p.Latency
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	if err != nil {
		return llm.Response{}, err
	}
	return resp, nil
}

var _ llm.Provider = (*Provider)(nil)
