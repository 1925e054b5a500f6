package agent_test

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/fluxloop/agentcore/pkg/agent"
	"github.com/fluxloop/agentcore/pkg/ai"
	"github.com/fluxloop/agentcore/pkg/tools"
)

// This file exercises the testable properties P1-P4, P7 and P8 from spec.md §8 against
// the full Agent. Scenario-shaped behavior (S1-S6) lives in scenarios_test.go;
// StreamProcessor-internal behavior (the rebuild/rescue rule, abort, yield
// tracking) lives in stream_test.go.

// P1: every ToolUse in an assistant message has exactly one matching
// ToolResultMessage later in history, keyed by ToolCallID.
func TestInvariant_P1_ToolUseHasMatchingResult(t *testing.T) {
	prov := &callCountProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg("c1", "echo", map[string]any{"text": "a"}),
		toolCallMsg("c2", "echo", map[string]any{"text": "b"}),
		textMsg("done"),
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoToolImpl{})
	a := agent.New(agent.Options{Provider: prov, Model: "test", Tools: reg})

	if _, err := a.Prompt(context.Background(), "go", agent.Config{}); err != nil {
		t.Fatal(err)
	}

	msgs := a.Messages()
	toolUseIDs := map[string]int{}   // ID -> index of ToolUse
	toolResultIDs := map[string]int{} // ID -> index of ToolResult
	for i, m := range msgs {
		if am, ok := m.(ai.AssistantMessage); ok {
			for _, c := range am.Content {
				if tc, ok := c.(ai.ToolCall); ok {
					toolUseIDs[tc.ID] = i
				}
			}
		}
		if tr, ok := m.(ai.ToolResultMessage); ok {
			toolResultIDs[tr.ToolCallID] = i
		}
	}
	if len(toolUseIDs) != 2 {
		t.Fatalf("tool uses = %d, want 2", len(toolUseIDs))
	}
	for id, useIdx := range toolUseIDs {
		resultIdx, ok := toolResultIDs[id]
		if !ok {
			t.Errorf("ToolUse %s has no matching ToolResult", id)
			continue
		}
		if resultIdx <= useIdx {
			t.Errorf("ToolResult for %s at index %d, want after ToolUse at %d", id, resultIdx, useIdx)
		}
	}
}

// P2: cumulative token usage reported via cfg.OnMetrics equals the sum of
// every turn's individual usage.
func TestInvariant_P2_CumulativeUsageIsSumOfTurns(t *testing.T) {
	turn1 := toolCallMsg("c1", "echo", map[string]any{"text": "a"})
	turn1.Usage = ai.Usage{Input: 10, Output: 3}
	turn2 := textMsg("done")
	turn2.Usage = ai.Usage{Input: 12, Output: 5}

	prov := &callCountProvider{msgs: []*ai.AssistantMessage{turn1, turn2}}
	reg := tools.NewRegistry()
	reg.Register(&echoToolImpl{})
	a := agent.New(agent.Options{Provider: prov, Model: "test", Tools: reg})

	var sumIn, sumOut int
	var perTurnCount int
	a.Subscribe(func(e agent.Event) {
		if e.Type == agent.EventTurnEnd {
			perTurnCount++
		}
	})

	_, err := a.Prompt(context.Background(), "go", agent.Config{
		OnMetrics: func(m agent.TurnMetrics) {
			sumIn += m.InputTokens
			sumOut += m.OutputTokens
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	state := a.State()
	if sumIn != 22 || sumOut != 8 {
		t.Errorf("sum of per-turn usage = {in:%d,out:%d}, want {in:22,out:8}", sumIn, sumOut)
	}
	if state.CumulativeCost.InputTokens != 22 || state.CumulativeCost.OutputTokens != 8 {
		t.Errorf("cumulative state usage = %#v, want {in:22,out:8}", state.CumulativeCost)
	}
	if perTurnCount != 2 {
		t.Errorf("turn_end events = %d, want 2", perTurnCount)
	}
}

// P3: the lifecycle event sequence matches
// AgentStart (TurnStart (...)* TurnEnd)* (AgentEnd | AgentInterrupted), with
// AgentEnd/AgentInterrupted mutually exclusive and exactly one present.
func TestInvariant_P3_LifecycleSequence(t *testing.T) {
	prov := &callCountProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg("c1", "echo", map[string]any{"text": "a"}),
		textMsg("done"),
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoToolImpl{})
	a := agent.New(agent.Options{Provider: prov, Model: "test", Tools: reg})

	var seq []string
	a.Subscribe(func(e agent.Event) {
		switch e.Type {
		case agent.EventAgentStart, agent.EventAgentEnd, agent.EventAgentInterrupted,
			agent.EventTurnStart, agent.EventTurnEnd:
			seq = append(seq, string(e.Type))
		}
	})

	if _, err := a.Prompt(context.Background(), "go", agent.Config{}); err != nil {
		t.Fatal(err)
	}

	var sb []byte
	for _, s := range seq {
		switch s {
		case "agent_start":
			sb = append(sb, 'S')
		case "agent_end":
			sb = append(sb, 'E')
		case "agent_interrupted":
			sb = append(sb, 'I')
		case "turn_start":
			sb = append(sb, '(')
		case "turn_end":
			sb = append(sb, ')')
		}
	}
	re := regexp.MustCompile(`^S(\(\))*(E|I)$`)
	if !re.Match(sb) {
		t.Fatalf("lifecycle sequence = %q, doesn't match S(())*(E|I)", string(sb))
	}
}

// P4: Abort() at any point makes the run terminate with Interrupted=true and
// emits exactly one agent_interrupted event, never agent_end.
func TestInvariant_P4_AbortAlwaysInterrupts(t *testing.T) {
	partial := &ai.AssistantMessage{Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: "x"}}}
	prov := &hangingProvider{delta: ai.StreamEvent{Type: ai.StreamEventTextDelta, Delta: "x", Partial: partial}}
	a := agent.New(agent.Options{Provider: prov, Model: "test", Tools: tools.NewRegistry()})

	var interrupted, ended int
	var once sync.Once
	a.Subscribe(func(e agent.Event) {
		switch e.Type {
		case agent.EventMessageUpdate:
			once.Do(func() { a.Abort() })
		case agent.EventAgentInterrupted:
			interrupted++
		case agent.EventAgentEnd:
			ended++
		}
	})

	result, err := a.Prompt(context.Background(), "go", agent.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Interrupted || result.Success {
		t.Fatalf("RunResult = %#v, want interrupted=true success=false", result)
	}
	if interrupted != 1 {
		t.Errorf("agent_interrupted count = %d, want 1", interrupted)
	}
	if ended != 0 {
		t.Errorf("agent_end count = %d, want 0", ended)
	}
}

// P7: a PreToolUse Modify followed by another PreToolUse Modify shallow-merges
// into the final argument set, with the later hook winning key collisions.
type modifyHook struct {
	name string
	mods map[string]any
}

func (h modifyHook) Name() string           { return h.name }
func (h modifyHook) Point() agent.HookPoint { return agent.PreToolUse }
func (h modifyHook) Run(_ context.Context, _ agent.HookContext) (agent.HookOutcome, error) {
	return agent.HookOutcome{Kind: agent.HookModify, Modifications: h.mods}, nil
}

type capturingTool struct{ gotArgs map[string]any }

func (t *capturingTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{Name: "capture", Description: "capture args", Parameters: tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"a": {Type: "number"},
			"b": {Type: "number"},
		},
	})}
}
func (t *capturingTool) Execute(_ context.Context, _ string, args map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	t.gotArgs = args
	return tools.TextResult("ok"), nil
}

func TestInvariant_P7_HookModificationsShallowMerge(t *testing.T) {
	prov := &callCountProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg("c1", "capture", map[string]any{"a": float64(1)}),
		textMsg("done"),
	}}
	capture := &capturingTool{}
	reg := tools.NewRegistry()
	reg.Register(capture)

	hooks := agent.NewHookEngine()
	hooks.Register(modifyHook{name: "first", mods: map[string]any{"a": float64(1)}})
	hooks.Register(modifyHook{name: "second", mods: map[string]any{"b": float64(2), "a": float64(3)}})

	a := agent.New(agent.Options{Provider: prov, Model: "test", Tools: reg})
	result, err := a.Prompt(context.Background(), "go", agent.Config{Hooks: hooks})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("RunResult = %#v, want success=true", result)
	}
	if capture.gotArgs["a"] != float64(3) {
		t.Errorf("merged a = %v, want 3 (second hook wins the collision)", capture.gotArgs["a"])
	}
	if capture.gotArgs["b"] != float64(2) {
		t.Errorf("merged b = %v, want 2", capture.gotArgs["b"])
	}
}

// P8: a tool reporting details.interrupted=true terminates the run as
// interrupted and skips any remaining tool calls queued in the same turn.
type selfInterruptingTool struct{}

func (selfInterruptingTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{Name: "cancel_all", Description: "reports interrupted", Parameters: tools.MustSchema(tools.SimpleSchema{})}
}
func (selfInterruptingTool) Execute(_ context.Context, _ string, _ map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	return tools.Result{
		Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: "cancelled"}},
		Details: map[string]any{"interrupted": true},
	}, nil
}

func TestInvariant_P8_ToolReportedInterruptSkipsRemaining(t *testing.T) {
	msg := &ai.AssistantMessage{
		Role: ai.RoleAssistant,
		Content: []ai.ContentBlock{
			ai.ToolCall{Type: "tool_call", ID: "c1", Name: "cancel_all"},
			ai.ToolCall{Type: "tool_call", ID: "c2", Name: "echo", Arguments: map[string]any{"text": "never"}},
		},
		StopReason: ai.StopReasonTool,
	}
	prov := &callCountProvider{msgs: []*ai.AssistantMessage{msg}}

	reg := tools.NewRegistry()
	reg.Register(selfInterruptingTool{})
	echoTool := &echoToolImpl{}
	reg.Register(echoTool)

	a := agent.New(agent.Options{Provider: prov, Model: "test", Tools: reg})
	var echoRan bool
	a.Subscribe(func(e agent.Event) {
		if e.Type == agent.EventToolStart && e.ToolName == "echo" {
			echoRan = true
		}
	})

	result, err := a.Prompt(context.Background(), "go", agent.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Interrupted || result.Success {
		t.Fatalf("RunResult = %#v, want interrupted=true success=false", result)
	}
	if echoRan {
		t.Error("echo tool started; the second tool call in the turn should have been skipped")
	}

	msgs := a.Messages()
	var skipped *ai.ToolResultMessage
	for i := range msgs {
		if tr, ok := msgs[i].(ai.ToolResultMessage); ok && tr.ToolCallID == "c2" {
			skipped = &tr
		}
	}
	if skipped == nil || !skipped.IsError {
		t.Fatalf("ToolResult for c2 = %#v, want a skipped/error placeholder", skipped)
	}
}
