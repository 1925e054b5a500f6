package agent

import (
	"errors"
	"testing"

	"github.com/fluxloop/agentcore/pkg/ai"
)

// TestStreamProcessor_RebuildRule exercises P6: a provider that streams text
// deltas but finalizes with an empty content slice must have its Assistant
// message rebuilt from the accumulated deltas.
func TestStreamProcessor_RebuildRule(t *testing.T) {
	partial := &ai.AssistantMessage{Role: ai.RoleAssistant}
	events := make(chan ai.StreamEvent, 4)
	events <- ai.StreamEvent{Type: ai.StreamEventTextDelta, Delta: "Hello ", Partial: partial}
	events <- ai.StreamEvent{Type: ai.StreamEventTextDelta, Delta: "world", Partial: partial}
	close(events)

	final := &ai.AssistantMessage{Role: ai.RoleAssistant, StopReason: ai.StopReasonStop}
	wait := func() (*ai.AssistantMessage, error) { return final, nil }

	proc := NewStreamProcessor(NewEventSink(func(Event) {}), nil)
	msg, err := proc.Run(partial, events, wait)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(msg.Content) != 1 {
		t.Fatalf("rebuilt content = %#v, want one text block", msg.Content)
	}
	text, ok := msg.Content[0].(ai.TextContent)
	if !ok || text.Text != "Hello world" {
		t.Errorf("rebuilt text = %#v, want \"Hello world\"", msg.Content[0])
	}
	if !proc.HasYielded() {
		t.Error("HasYielded() = false, want true after text deltas")
	}
}

// TestStreamProcessor_RebuildRule_WithToolCall covers S6: deltas plus a
// ToolCallEnd, Done arriving with empty content — the rebuilt message must
// carry both the text and the tool call, arguments included.
func TestStreamProcessor_RebuildRule_WithToolCall(t *testing.T) {
	tc := ai.ToolCall{Type: "tool_call", ID: "call_1", Name: "search", Arguments: map[string]any{"q": "x"}}
	textPartial := &ai.AssistantMessage{Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: "Answer:"}}}
	toolPartial := &ai.AssistantMessage{Content: []ai.ContentBlock{
		ai.TextContent{Type: "text", Text: "Answer:"},
		tc,
	}}

	events := make(chan ai.StreamEvent, 4)
	events <- ai.StreamEvent{Type: ai.StreamEventTextDelta, Delta: "Answer:", Partial: textPartial}
	events <- ai.StreamEvent{Type: ai.StreamEventToolCallEnd, Partial: toolPartial}
	close(events)

	final := &ai.AssistantMessage{Role: ai.RoleAssistant, StopReason: ai.StopReasonTool}
	wait := func() (*ai.AssistantMessage, error) { return final, nil }

	proc := NewStreamProcessor(NewEventSink(func(Event) {}), nil)
	msg, err := proc.Run(&ai.AssistantMessage{}, events, wait)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(msg.Content) != 2 {
		t.Fatalf("rebuilt content = %#v, want [Text, ToolCall]", msg.Content)
	}
	if text, ok := msg.Content[0].(ai.TextContent); !ok || text.Text != "Answer:" {
		t.Errorf("content[0] = %#v, want Text(\"Answer:\")", msg.Content[0])
	}
	gotTC, ok := msg.Content[1].(ai.ToolCall)
	if !ok || gotTC.ID != "call_1" || gotTC.Name != "search" {
		t.Fatalf("content[1] = %#v, want ToolCall(search)", msg.Content[1])
	}
	if gotTC.Arguments["q"] != "x" {
		t.Errorf("rebuilt tool call arguments = %#v, want {q: x}", gotTC.Arguments)
	}
}

// TestStreamProcessor_MissedToolRescue covers the defensive rescue path: a
// tool call observed mid-stream must survive even if the provider's final
// message (non-empty content) omits it, with arguments intact.
func TestStreamProcessor_MissedToolRescue(t *testing.T) {
	tc := ai.ToolCall{Type: "tool_call", ID: "call_1", Name: "search", Arguments: map[string]any{"q": "x"}}
	toolPartial := &ai.AssistantMessage{Content: []ai.ContentBlock{tc}}

	events := make(chan ai.StreamEvent, 2)
	events <- ai.StreamEvent{Type: ai.StreamEventToolCallEnd, Partial: toolPartial}
	close(events)

	final := &ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		StopReason: ai.StopReasonStop,
		Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: "done"}},
	}
	wait := func() (*ai.AssistantMessage, error) { return final, nil }

	proc := NewStreamProcessor(NewEventSink(func(Event) {}), nil)
	msg, err := proc.Run(&ai.AssistantMessage{}, events, wait)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(msg.Content) != 2 {
		t.Fatalf("rescued content = %#v, want [Text, ToolCall]", msg.Content)
	}
	rescued, ok := msg.Content[1].(ai.ToolCall)
	if !ok || rescued.ID != "call_1" {
		t.Fatalf("content[1] = %#v, want rescued ToolCall(call_1)", msg.Content[1])
	}
	if rescued.Arguments["q"] != "x" {
		t.Errorf("rescued tool call arguments = %#v, want {q: x}", rescued.Arguments)
	}
}

// TestStreamProcessor_AbortMidStream covers S4 at the processor level: once
// the AbortToken trips, Run must stop consuming and return the accumulated
// partial text via AbortedError rather than waiting for Done.
func TestStreamProcessor_AbortMidStream(t *testing.T) {
	abort := NewAbortToken()
	events := make(chan ai.StreamEvent)

	go func() {
		events <- ai.StreamEvent{Type: ai.StreamEventTextDelta, Delta: "Par", Partial: &ai.AssistantMessage{}}
		abort.Trip()
	}()

	waitCalled := false
	wait := func() (*ai.AssistantMessage, error) {
		waitCalled = true
		return nil, errors.New("wait should not be reached")
	}

	proc := NewStreamProcessor(NewEventSink(func(Event) {}), abort)
	_, err := proc.Run(&ai.AssistantMessage{}, events, wait)

	var aborted *AbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("Run error = %v, want *AbortedError", err)
	}
	if aborted.PartialText != "Par" {
		t.Errorf("PartialText = %q, want %q", aborted.PartialText, "Par")
	}
	if waitCalled {
		t.Error("wait() was called after abort; Run should stop consuming immediately")
	}
}

// TestStreamProcessor_HasYielded_FalseWhenNoEvents covers the P5 precondition:
// a stream that never dispatches a delta before finishing reports
// HasYielded()==false, letting the caller retry it.
func TestStreamProcessor_HasYielded_FalseWhenNoEvents(t *testing.T) {
	events := make(chan ai.StreamEvent)
	close(events)
	final := &ai.AssistantMessage{Role: ai.RoleAssistant, StopReason: ai.StopReasonError, ErrorMessage: "rate limited"}
	wait := func() (*ai.AssistantMessage, error) { return final, nil }

	proc := NewStreamProcessor(NewEventSink(func(Event) {}), nil)
	if _, err := proc.Run(&ai.AssistantMessage{}, events, wait); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if proc.HasYielded() {
		t.Error("HasYielded() = true, want false when no delta was ever dispatched")
	}
}
