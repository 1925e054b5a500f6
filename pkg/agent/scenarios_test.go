package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxloop/agentcore/pkg/agent"
	"github.com/fluxloop/agentcore/pkg/ai"
	"github.com/fluxloop/agentcore/pkg/retry"
	"github.com/fluxloop/agentcore/pkg/tools"
)

// This file exercises the concrete scenarios S1–S6 from spec.md §8, one test
// per scenario, against the full Agent (not StreamProcessor in isolation —
// see stream_test.go for that).

// singleEventProvider streams a scripted sequence of events then resolves to
// a scripted final message, letting each scenario dictate the exact wire
// trace it describes.
type singleEventProvider struct {
	events   []ai.StreamEvent
	final    *ai.AssistantMessage
	err      error
	onStream func() // called synchronously when Stream is invoked
}

func (p *singleEventProvider) Name() string { return "scripted" }
func (p *singleEventProvider) Stream(_ context.Context, _ string, _ ai.Context, _ ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	if p.onStream != nil {
		p.onStream()
	}
	ch := make(chan ai.StreamEvent, len(p.events))
	for _, e := range p.events {
		ch <- e
	}
	close(ch)
	return ch, func() (*ai.AssistantMessage, error) { return p.final, p.err }
}

// S1: "Single turn, no tools".
func TestScenario_S1_SingleTurnNoTools(t *testing.T) {
	final := &ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: "Hello world"}},
		StopReason: ai.StopReasonStop,
		Usage:      ai.Usage{Input: 7, Output: 2},
	}
	prov := &singleEventProvider{
		events: []ai.StreamEvent{
			{Type: ai.StreamEventTextDelta, Delta: "Hello ", Partial: final},
			{Type: ai.StreamEventTextDelta, Delta: "world", Partial: final},
		},
		final: final,
	}
	a := agent.New(agent.Options{Provider: prov, Model: "test", Tools: tools.NewRegistry()})

	var metrics agent.TurnMetrics
	result, err := a.Prompt(context.Background(), "u", agent.Config{
		OnMetrics: func(m agent.TurnMetrics) { metrics = m },
	})
	if err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if !result.Success {
		t.Fatalf("RunResult = %#v, want success=true", result)
	}

	msgs := a.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (User, Assistant)", len(msgs))
	}
	am, ok := msgs[1].(ai.AssistantMessage)
	if !ok {
		t.Fatalf("messages[1] = %T, want ai.AssistantMessage", msgs[1])
	}
	if len(am.Content) != 1 {
		t.Fatalf("assistant content = %#v, want one text block", am.Content)
	}
	text, ok := am.Content[0].(ai.TextContent)
	if !ok || text.Text != "Hello world" {
		t.Errorf("assistant text = %#v, want \"Hello world\"", am.Content[0])
	}
	if metrics.InputTokens != 7 || metrics.OutputTokens != 2 {
		t.Errorf("tokenUsage = {in:%d,out:%d}, want {in:7,out:2}", metrics.InputTokens, metrics.OutputTokens)
	}
}

// addTool sums two numbers, exercising S2's "two-turn tool use".
type addTool struct{}

func (addTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        "add",
		Description: "add two numbers",
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"a": {Type: "number"},
				"b": {Type: "number"},
			},
		}),
	}
}

func (addTool) Execute(_ context.Context, _ string, _ map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	return tools.TextResult("5"), nil // fixed per scenario: add(2,3) = 5
}

// S2: "Two-turn tool use".
func TestScenario_S2_TwoTurnToolUse(t *testing.T) {
	turn1 := &ai.AssistantMessage{
		Role: ai.RoleAssistant,
		Content: []ai.ContentBlock{
			ai.ToolCall{Type: "tool_call", ID: "call_1", Name: "add", Arguments: map[string]any{"a": float64(2), "b": float64(3)}},
		},
		StopReason: ai.StopReasonTool,
		Usage:      ai.Usage{Input: 10, Output: 5},
	}
	turn2 := &ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: "The sum is 5."}},
		StopReason: ai.StopReasonStop,
		Usage:      ai.Usage{Input: 20, Output: 4},
	}
	prov := &callCountProvider{msgs: []*ai.AssistantMessage{turn1, turn2}}

	reg := tools.NewRegistry()
	reg.Register(addTool{})
	a := agent.New(agent.Options{Provider: prov, Model: "test", Tools: reg})

	var cumulative agent.CostUsage
	toolCallsExecuted := 0
	a.Subscribe(func(e agent.Event) {
		if e.Type == agent.EventToolEnd {
			toolCallsExecuted++
		}
		if e.Type == agent.EventTurnEnd {
			cumulative = e.CostUsage
		}
	})

	result, err := a.Prompt(context.Background(), "what is 2+3?", agent.Config{})
	if err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if !result.Success {
		t.Fatalf("RunResult = %#v, want success=true", result)
	}

	msgs := a.Messages()
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (User, Assistant(ToolUse), ToolResult, Assistant(Text))", len(msgs))
	}
	if _, ok := msgs[0].(ai.UserMessage); !ok {
		t.Errorf("messages[0] = %T, want UserMessage", msgs[0])
	}
	if _, ok := msgs[1].(ai.AssistantMessage); !ok {
		t.Errorf("messages[1] = %T, want AssistantMessage", msgs[1])
	}
	tr, ok := msgs[2].(ai.ToolResultMessage)
	if !ok || tr.ToolCallID != "call_1" {
		t.Fatalf("messages[2] = %#v, want ToolResult(call_1)", msgs[2])
	}
	final, ok := msgs[3].(ai.AssistantMessage)
	if !ok || len(final.Content) != 1 {
		t.Fatalf("messages[3] = %#v, want Assistant(Text)", msgs[3])
	}
	text, _ := final.Content[0].(ai.TextContent)
	if text.Text != "The sum is 5." {
		t.Errorf("final text = %q, want \"The sum is 5.\"", text.Text)
	}
	if toolCallsExecuted != 1 {
		t.Errorf("toolCallsExecuted = %d, want 1", toolCallsExecuted)
	}
	if cumulative.InputTokens != 30 || cumulative.OutputTokens != 9 {
		t.Errorf("cumulative tokens = {in:%d,out:%d}, want {in:30,out:9}", cumulative.InputTokens, cumulative.OutputTokens)
	}
}

// S3: "Retry before any yield". Uses a scaled-down base delay (50ms instead
// of spec.md's 1000ms) to keep the test fast; the ±20% jitter and
// maxRetries=5 default (retry.DefaultPolicy, fixed per review) are exercised
// as described.
func TestScenario_S3_RetryBeforeAnyYield(t *testing.T) {
	attempt := 0
	failThenSucceed := &retryScriptedProvider{
		attempt: &attempt,
		success: textMsg("ok"),
	}

	a := agent.New(agent.Options{Provider: failThenSucceed, Model: "test", Tools: tools.NewRegistry()})

	var retryEvent agent.Event
	var retryCount int
	a.Subscribe(func(e agent.Event) {
		if e.Type == agent.EventRetry {
			retryCount++
			retryEvent = e
		}
	})

	policy := retry.DefaultPolicy()
	policy.BaseDelay = 50 * time.Millisecond
	policy.MaxDelay = time.Second

	start := time.Now()
	result, err := a.Prompt(context.Background(), "go", agent.Config{Retry: policy})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if !result.Success {
		t.Fatalf("RunResult = %#v, want success=true after retry", result)
	}
	if retryCount != 1 {
		t.Fatalf("retry events = %d, want 1", retryCount)
	}
	if retryEvent.RetryAttempt != 1 {
		t.Errorf("RetryAttempt = %d, want 1", retryEvent.RetryAttempt)
	}
	if retryEvent.RetryDelay < 35*time.Millisecond || retryEvent.RetryDelay > 65*time.Millisecond {
		t.Errorf("RetryDelay = %v, want ~50ms ± 20%%", retryEvent.RetryDelay)
	}
	if elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want at least the retry delay to have been waited out", elapsed)
	}
}

// retryScriptedProvider fails the first Stream call with no events delivered
// (classified rate_limit), then succeeds on the second call.
type retryScriptedProvider struct {
	mu      sync.Mutex
	attempt *int
	success *ai.AssistantMessage
}

func (p *retryScriptedProvider) Name() string { return "retry-scripted" }
func (p *retryScriptedProvider) Stream(_ context.Context, _ string, _ ai.Context, _ ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	p.mu.Lock()
	n := *p.attempt
	*p.attempt++
	p.mu.Unlock()

	ch := make(chan ai.StreamEvent)
	close(ch)
	if n == 0 {
		return ch, func() (*ai.AssistantMessage, error) { return nil, errors.New("429 too many requests") }
	}
	return ch, func() (*ai.AssistantMessage, error) { return p.success, nil }
}

// hangingProvider delivers one delta on a buffered channel and then never
// closes it and never resolves wait() — the only way S4's stream ever
// finishes is via the AbortToken, not a natural Done.
type hangingProvider struct {
	delta ai.StreamEvent
}

func (p *hangingProvider) Name() string { return "hanging" }
func (p *hangingProvider) Stream(ctx context.Context, _ string, _ ai.Context, _ ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	ch := make(chan ai.StreamEvent, 1)
	ch <- p.delta
	wait := func() (*ai.AssistantMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return ch, wait
}

// S4: "Abort mid-stream".
func TestScenario_S4_AbortMidStream(t *testing.T) {
	partial := &ai.AssistantMessage{Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: "Par"}}}
	prov := &hangingProvider{delta: ai.StreamEvent{Type: ai.StreamEventTextDelta, Delta: "Par", Partial: partial}}
	a := agent.New(agent.Options{Provider: prov, Model: "test", Tools: tools.NewRegistry()})

	var interruptedEvents int
	var endEvents int
	var interruptEvt agent.Event
	var once sync.Once
	a.Subscribe(func(e agent.Event) {
		switch e.Type {
		case agent.EventMessageUpdate:
			once.Do(func() { a.Abort() })
		case agent.EventAgentInterrupted:
			interruptedEvents++
			interruptEvt = e
		case agent.EventAgentEnd:
			endEvents++
		}
	})

	result, err := a.Prompt(context.Background(), "go", agent.Config{})
	if err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if result.Success || !result.Interrupted {
		t.Fatalf("RunResult = %#v, want success=false interrupted=true", result)
	}
	if result.PartialContent != "Par" {
		t.Errorf("PartialContent = %q, want %q", result.PartialContent, "Par")
	}
	if interruptedEvents != 1 {
		t.Errorf("agent_interrupted events = %d, want exactly 1", interruptedEvents)
	}
	if interruptEvt.PartialContent != "Par" {
		t.Errorf("agent_interrupted PartialContent = %q, want %q", interruptEvt.PartialContent, "Par")
	}
	if endEvents != 0 {
		t.Errorf("agent_end events = %d, want 0 (mutually exclusive with agent_interrupted)", endEvents)
	}
	msgs := a.Messages()
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1 (only the User message; Done never arrived)", len(msgs))
	}
}

// blockingRmTool would be destructive if it ever ran; S5 exercises that a
// PreToolUse hook blocking it prevents execution entirely.
type blockingRmTool struct{ ran bool }

func (t *blockingRmTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{Name: "rm", Description: "remove a path", Parameters: tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{"path": {Type: "string"}},
	})}
}
func (t *blockingRmTool) Execute(_ context.Context, _ string, _ map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	t.ran = true
	return tools.TextResult("removed"), nil
}

type sandboxBlockHook struct{}

func (sandboxBlockHook) Name() string           { return "sandbox" }
func (sandboxBlockHook) Point() agent.HookPoint { return agent.PreToolUse }
func (sandboxBlockHook) Run(_ context.Context, hc agent.HookContext) (agent.HookOutcome, error) {
	if hc.ToolName == "rm" {
		return agent.HookOutcome{Kind: agent.HookBlock, Reason: "sandbox"}, nil
	}
	return agent.HookOutcome{Kind: agent.HookAllow}, nil
}

// S5: "Hook blocks tool".
func TestScenario_S5_HookBlocksTool(t *testing.T) {
	prov := &callCountProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg("c1", "rm", map[string]any{"path": "/"}),
		textMsg("done"),
	}}
	rm := &blockingRmTool{}
	reg := tools.NewRegistry()
	reg.Register(rm)

	hooks := agent.NewHookEngine()
	hooks.Register(sandboxBlockHook{})

	a := agent.New(agent.Options{Provider: prov, Model: "test", Tools: reg})

	result, err := a.Prompt(context.Background(), "go", agent.Config{Hooks: hooks})
	if err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if !result.Success {
		t.Fatalf("RunResult = %#v, want success=true (blocked tool doesn't fail the run)", result)
	}
	if rm.ran {
		t.Error("blocked tool executed; PreToolUse hook should have prevented it")
	}

	msgs := a.Messages()
	var toolResult *ai.ToolResultMessage
	var sawToolUse bool
	for i := range msgs {
		if tr, ok := msgs[i].(ai.ToolResultMessage); ok {
			toolResult = &tr
		}
		if am, ok := msgs[i].(ai.AssistantMessage); ok {
			for _, c := range am.Content {
				if tc, ok := c.(ai.ToolCall); ok && tc.Name == "rm" {
					sawToolUse = true
				}
			}
		}
	}
	if !sawToolUse {
		t.Error("assistant message containing the blocked ToolUse should be preserved in history")
	}
	if toolResult == nil || !toolResult.IsError {
		t.Fatalf("tool result = %#v, want isError=true", toolResult)
	}
	text, _ := toolResult.Content[0].(ai.TextContent)
	want := "Tool execution blocked: sandbox"
	if text.Text != want {
		t.Errorf("tool result content = %q, want %q", text.Text, want)
	}
}

// S6: "Provider finalizes with empty content but streamed text + tool".
func TestScenario_S6_RebuildWithStreamedToolCall(t *testing.T) {
	searchTC := ai.ToolCall{Type: "tool_call", ID: "call_1", Name: "search", Arguments: map[string]any{"q": "x"}}
	textPartial := &ai.AssistantMessage{Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: "Answer:"}}}
	toolPartial := &ai.AssistantMessage{Content: []ai.ContentBlock{
		ai.TextContent{Type: "text", Text: "Answer:"},
		searchTC,
	}}
	emptyFinal := &ai.AssistantMessage{Role: ai.RoleAssistant, StopReason: ai.StopReasonTool, Content: nil}

	turn1Prov := &singleEventProvider{
		events: []ai.StreamEvent{
			{Type: ai.StreamEventTextDelta, Delta: "Answer:", Partial: textPartial},
			{Type: ai.StreamEventToolCallEnd, Partial: toolPartial},
		},
		final: emptyFinal,
	}

	reg := tools.NewRegistry()
	searchTool := &recordingSearchTool{}
	reg.Register(searchTool)

	a := agent.New(agent.Options{Provider: &rebuildThenStopProvider{first: turn1Prov, second: textMsg("found it")}, Model: "test", Tools: reg})

	result, err := a.Prompt(context.Background(), "go", agent.Config{})
	if err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if !result.Success {
		t.Fatalf("RunResult = %#v, want success=true", result)
	}

	msgs := a.Messages()
	am, ok := msgs[1].(ai.AssistantMessage)
	if !ok {
		t.Fatalf("messages[1] = %T, want AssistantMessage", msgs[1])
	}
	if len(am.Content) != 2 {
		t.Fatalf("rebuilt content = %#v, want [Text(\"Answer:\"), ToolUse(search)]", am.Content)
	}
	if text, ok := am.Content[0].(ai.TextContent); !ok || text.Text != "Answer:" {
		t.Errorf("content[0] = %#v, want Text(\"Answer:\")", am.Content[0])
	}
	tc, ok := am.Content[1].(ai.ToolCall)
	if !ok || tc.Name != "search" || tc.Arguments["q"] != "x" {
		t.Errorf("content[1] = %#v, want ToolUse(search, {q:x})", am.Content[1])
	}
	if !searchTool.called {
		t.Error("the rescued tool call should have executed")
	}
}

// recordingSearchTool just records that it ran.
type recordingSearchTool struct{ called bool }

func (t *recordingSearchTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{Name: "search", Description: "search", Parameters: tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{"q": {Type: "string"}},
	})}
}
func (t *recordingSearchTool) Execute(_ context.Context, _ string, _ map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	t.called = true
	return tools.TextResult("result for x"), nil
}

// rebuildThenStopProvider streams turn 1 via an embedded scripted provider,
// then answers turn 2 (after the tool result comes back) with a plain
// text-stop message so the run terminates.
type rebuildThenStopProvider struct {
	mu    sync.Mutex
	calls int
	first *singleEventProvider
	second *ai.AssistantMessage
}

func (p *rebuildThenStopProvider) Name() string { return "rebuild-then-stop" }
func (p *rebuildThenStopProvider) Stream(ctx context.Context, model string, c ai.Context, opts ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.mu.Unlock()
	if n == 0 {
		return p.first.Stream(ctx, model, c, opts)
	}
	ch := make(chan ai.StreamEvent)
	close(ch)
	return ch, func() (*ai.AssistantMessage, error) { return p.second, nil }
}
