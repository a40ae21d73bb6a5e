package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const defaultMaxTurns = 20

// getMaxTurns returns the max turns from request, with fallback to default.
func getMaxTurns(req Request) int {
	if req.MaxTurns > 0 {
		return req.MaxTurns
	}
	return defaultMaxTurns
}

// TurnMetrics contains metrics collected during a turn.
type TurnMetrics struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// TurnCompletedCallback is called after each turn completes with the messages
// generated during that turn (the assistant message and, if tools ran, the
// folded tool-results message). turnIndex is 0-based. Used for incremental
// conversation persistence.
type TurnCompletedCallback func(ctx context.Context, turnIndex int, messages []Message, metrics TurnMetrics) error

// Engine orchestrates provider calls and tool execution for one request.
//
// Each incoming user message drives the loop: stream a model turn, forward
// deltas to the consumer, execute any requested tools, fold the results back
// into the message list, and go again until the model stops asking for tools
// or the turn ceiling is hit.
type Engine struct {
	provider Provider
	tools    *ToolRegistry
	logger   *slog.Logger

	// onTurnCompleted is called after each turn with messages generated.
	// Protected by callbackMu so callers can swap it mid-stream.
	onTurnCompleted TurnCompletedCallback
	callbackMu      sync.RWMutex

	// refreshTools re-syncs the registry before each model turn. External
	// connections can change between turns, so the merged list is never
	// cached across turns.
	refreshTools ToolRefreshFunc

	// fallbackTool handles calls whose names miss the registry, so a
	// dispatcher that owns a whole namespace can answer for names it never
	// registered (a tool on a server that is not connected, for example).
	fallbackTool ToolFallbackFunc
}

// ToolRefreshFunc re-syncs a registry with whatever dynamic tool sources the
// caller merges in.
type ToolRefreshFunc func(reg *ToolRegistry)

// ToolFallbackFunc is consulted when a requested tool name is not in the
// registry. It returns the result content and whether it claimed the call;
// unclaimed calls fall through to the unknown-tool result.
type ToolFallbackFunc func(ctx context.Context, call ToolCall) (string, bool)

func NewEngine(provider Provider, tools *ToolRegistry) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Engine{provider: provider, tools: tools}
}

// RegisterTool adds a tool to the engine's registry.
func (e *Engine) RegisterTool(tool Tool) {
	e.tools.Register(tool)
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry {
	return e.tools
}

// SetLogger sets the debug logger for this engine.
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.logger = logger
}

// SetTurnCompletedCallback sets the callback for incremental turn completion.
// Thread-safe: can be called while streaming is in progress.
func (e *Engine) SetTurnCompletedCallback(cb TurnCompletedCallback) {
	e.callbackMu.Lock()
	e.onTurnCompleted = cb
	e.callbackMu.Unlock()
}

// SetToolRefresh registers a hook invoked before every model turn to rebuild
// the merged tool list.
func (e *Engine) SetToolRefresh(fn ToolRefreshFunc) {
	e.refreshTools = fn
}

// SetToolFallback registers the dispatcher consulted for tool names missing
// from the registry.
func (e *Engine) SetToolFallback(fn ToolFallbackFunc) {
	e.fallbackTool = fn
}

func (e *Engine) getCallback() TurnCompletedCallback {
	e.callbackMu.RLock()
	cb := e.onTurnCompleted
	e.callbackMu.RUnlock()
	return cb
}

func (e *Engine) debugf(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(msg, args...)
	}
}

// Stream runs the agentic loop and returns the event stream a consumer
// replays to its transport. The returned stream ends with io.EOF after a
// terminal EventDone; a model-call failure surfaces as the Recv error.
func (e *Engine) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		return e.runLoop(ctx, req, events)
	}), nil
}

func (e *Engine) runLoop(ctx context.Context, req Request, events chan<- Event) error {
	maxTurns := getMaxTurns(req)

	// Copy callback at start so a concurrent swap cannot tear a turn.
	callback := e.getCallback()

	for turn := 0; turn < maxTurns; turn++ {
		if e.refreshTools != nil {
			e.refreshTools(e.tools)
		}
		req.Tools = e.tools.AllSpecs()

		e.debugf("model turn", "turn", turn, "provider", e.provider.Name(), "messages", len(req.Messages), "tools", len(req.Tools))

		stream, err := e.provider.Stream(ctx, req)
		if err != nil {
			return classifyProviderError(err)
		}

		var toolCalls []ToolCall
		var textBuilder strings.Builder
		var turnMetrics TurnMetrics
		for {
			event, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				return classifyProviderError(err)
			}
			if event.Type == EventError && event.Err != nil {
				stream.Close()
				return classifyProviderError(event.Err)
			}
			switch event.Type {
			case EventUsage:
				if event.Use != nil {
					turnMetrics.InputTokens += event.Use.InputTokens
					turnMetrics.OutputTokens += event.Use.OutputTokens
				}
			case EventTextDelta:
				if event.Text != "" {
					textBuilder.WriteString(event.Text)
					events <- event
				}
			case EventToolCallStart:
				// Forwarded before arguments are known so the consumer can
				// show progress while the input JSON still streams.
				events <- event
			case EventToolCall:
				if event.Tool != nil {
					toolCalls = append(toolCalls, *event.Tool)
				}
			case EventDone:
				// Provider-level completion marker; the loop owns the
				// terminal event.
			default:
				events <- event
			}
		}
		stream.Close()

		toolCalls = ensureToolCallIDs(toolCalls)
		toolCalls = dedupeToolCalls(toolCalls)

		assistantMsg := buildAssistantMessage(textBuilder.String(), toolCalls)

		if len(toolCalls) == 0 {
			// Stop reason "end" (or anything else that isn't a tool request):
			// terminate successfully.
			if callback != nil && len(assistantMsg.Parts) > 0 {
				if err := callback(ctx, turn, []Message{assistantMsg}, turnMetrics); err != nil {
					return fmt.Errorf("persist turn %d: %w", turn, err)
				}
			}
			events <- Event{Type: EventDone}
			return nil
		}

		// Announce each dispatch with resolved arguments, in block order.
		for i := range toolCalls {
			call := toolCalls[i]
			e.debugf("tool dispatch", "turn", turn, "tool", call.Name, "call_id", call.ID)
			events <- Event{Type: EventToolCall, Tool: &call}
		}

		results := e.executeToolCalls(ctx, toolCalls, events)
		resultsMsg := ToolResultsMessage(results)

		req.Messages = append(req.Messages, assistantMsg, resultsMsg)

		// A persist failure is terminal: continuing would let the model see
		// turns the durable log never recorded, and the next request would
		// replay incomplete history.
		if callback != nil {
			turnMetrics.ToolCalls = len(toolCalls)
			if err := callback(ctx, turn, []Message{assistantMsg, resultsMsg}, turnMetrics); err != nil {
				return fmt.Errorf("persist turn %d: %w", turn, err)
			}
		}
	}

	// Turn ceiling reached. Still exactly one terminal event: the model has
	// been fed every tool result, so this is a completion, not a failure.
	e.debugf("turn ceiling reached", "max_turns", maxTurns)
	events <- Event{Type: EventDone}
	return nil
}

// buildAssistantMessage creates an assistant message with text and tool calls.
func buildAssistantMessage(text string, toolCalls []ToolCall) Message {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Type: PartText, Text: text})
	}
	for i := range toolCalls {
		call := toolCalls[i]
		parts = append(parts, Part{Type: PartToolCall, ToolCall: &call})
	}
	return Message{Role: RoleAssistant, Parts: parts}
}

// executeToolCalls executes the turn's tool calls, in parallel when there is
// more than one, and reassembles the results into original block order. The
// next model turn must not start until every result is in.
func (e *Engine) executeToolCalls(ctx context.Context, calls []ToolCall, events chan<- Event) []ToolResult {
	if len(calls) == 1 {
		return []ToolResult{e.executeSingleToolCall(ctx, calls[0], events)}
	}

	type indexedResult struct {
		index  int
		result ToolResult
	}

	var wg sync.WaitGroup
	resultChan := make(chan indexedResult, len(calls))

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c ToolCall) {
			defer wg.Done()
			resultChan <- indexedResult{index: idx, result: e.executeSingleToolCall(ctx, c, events)}
		}(i, call)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]ToolResult, len(calls))
	for r := range resultChan {
		results[r.index] = r.result
	}
	return results
}

// executeSingleToolCall resolves and runs one tool call. Faults never escape:
// unknown names and execution errors come back as error-payload results.
func (e *Engine) executeSingleToolCall(ctx context.Context, call ToolCall, events chan<- Event) ToolResult {
	tool, ok := e.tools.Get(call.Name)
	if !ok {
		if e.fallbackTool != nil {
			if content, claimed := e.fallbackTool(ctx, call); claimed {
				e.debugf("tool dispatched via fallback", "tool", call.Name, "call_id", call.ID)
				e.emitExecEnd(events, call, true)
				return ToolResult{ID: call.ID, Name: call.Name, Content: content}
			}
		}
		content := ErrorResult(fmt.Sprintf("Unknown tool: %s", call.Name))
		e.debugf("tool not registered", "tool", call.Name, "call_id", call.ID)
		e.emitExecEnd(events, call, false)
		return ToolResult{ID: call.ID, Name: call.Name, Content: content, IsError: true}
	}

	output, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		content := ErrorResult(fmt.Sprintf("Tool execution failed: %v", err))
		e.debugf("tool failed", "tool", call.Name, "call_id", call.ID, "error", err)
		e.emitExecEnd(events, call, false)
		return ToolResult{ID: call.ID, Name: call.Name, Content: content, IsError: true}
	}

	e.debugf("tool result", "tool", call.Name, "call_id", call.ID, "bytes", len(output))
	e.emitExecEnd(events, call, true)
	return ToolResult{ID: call.ID, Name: call.Name, Content: output}
}

func (e *Engine) emitExecEnd(events chan<- Event, call ToolCall, ok bool) {
	if events == nil {
		return
	}
	events <- Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, ToolSuccess: ok}
}

func ensureToolCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = fmt.Sprintf("toolcall-%d", i+1)
		}
	}
	return calls
}

func dedupeToolCalls(calls []ToolCall) []ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		id := strings.TrimSpace(call.ID)
		if id == "" {
			out = append(out, call)
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, call)
	}
	return out
}
