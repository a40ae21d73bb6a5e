package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockTurn describes one scripted provider response.
type MockTurn struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
	Usage     *Usage
	Delay     time.Duration
}

// MockProvider is a scriptable Provider for tests. Each call to Stream
// consumes the next configured turn and records the request it received.
type MockProvider struct {
	name string
	caps Capabilities

	mu       sync.Mutex
	turns    []MockTurn
	turnIdx  int
	Requests []Request
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name: name,
		caps: Capabilities{ToolCalls: true, Streaming: true},
	}
}

// WithCapabilities overrides the default capabilities.
func (p *MockProvider) WithCapabilities(caps Capabilities) *MockProvider {
	p.caps = caps
	return p
}

// AddTurn appends a scripted turn.
func (p *MockProvider) AddTurn(turn MockTurn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turn)
}

// AddTextResponse appends a turn that streams the given text.
func (p *MockProvider) AddTextResponse(text string) {
	p.AddTurn(MockTurn{Text: text})
}

// AddToolCall appends a turn that requests a single tool call.
func (p *MockProvider) AddToolCall(id, name string, args any) {
	data, _ := json.Marshal(args)
	p.AddTurn(MockTurn{
		ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: data}},
	})
}

// AddError appends a turn that fails with err.
func (p *MockProvider) AddError(err error) {
	p.AddTurn(MockTurn{Err: err})
}

// Reset clears recorded requests and rewinds the turn script.
func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = nil
	p.turnIdx = 0
}

// CurrentTurn returns the index of the next turn to be consumed.
func (p *MockProvider) CurrentTurn() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnIdx
}

func (p *MockProvider) Name() string {
	return p.name
}

func (p *MockProvider) Credential() string {
	return "mock"
}

func (p *MockProvider) Capabilities() Capabilities {
	return p.caps
}

func (p *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	if p.turnIdx >= len(p.turns) {
		p.mu.Unlock()
		return nil, fmt.Errorf("mock provider %s: no more turns configured (call %d)", p.name, p.turnIdx+1)
	}
	turn := p.turns[p.turnIdx]
	p.turnIdx++
	p.Requests = append(p.Requests, req)
	p.mu.Unlock()

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if turn.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(turn.Delay):
			}
		}
		if turn.Err != nil {
			return turn.Err
		}

		for _, chunk := range chunkText(turn.Text, 10) {
			events <- Event{Type: EventTextDelta, Text: chunk}
		}
		for i := range turn.ToolCalls {
			call := turn.ToolCalls[i]
			events <- Event{Type: EventToolCallStart, ToolCallID: call.ID, ToolName: call.Name}
			events <- Event{Type: EventToolCall, Tool: &call}
		}

		usage := turn.Usage
		if usage == nil {
			usage = &Usage{InputTokens: 10, OutputTokens: len(turn.Text) / 4}
		}
		events <- Event{Type: EventUsage, Use: usage}
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

// chunkText splits text into chunks of at most chunkSize bytes, simulating
// streamed deltas.
func chunkText(text string, chunkSize int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > chunkSize {
		chunks = append(chunks, text[:chunkSize])
		text = text[chunkSize:]
	}
	chunks = append(chunks, text)
	return chunks
}
