package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxloop/agentcore/pkg/ai"
	"github.com/fluxloop/agentcore/pkg/tools"
)

// HookPoint identifies where in the tool-call lifecycle a Hook runs.
type HookPoint string

const (
	PreToolUse  HookPoint = "pre_tool_use"
	PostToolUse HookPoint = "post_tool_use"
)

// HookOutcomeKind is the closed set of decisions a hook can return.
type HookOutcomeKind int

const (
	// HookAllow lets the call proceed unmodified.
	HookAllow HookOutcomeKind = iota
	// HookModify lets the call proceed with Modifications shallow-merged
	// into the tool arguments. Only meaningful at PreToolUse.
	HookModify
	// HookBlock short-circuits the call: it never reaches the tool, and a
	// synthetic error ToolResultMessage carrying Reason is recorded instead.
	// Only meaningful at PreToolUse.
	HookBlock
)

// HookOutcome is returned by Hook.Run.
type HookOutcome struct {
	Kind          HookOutcomeKind
	Modifications map[string]any
	Reason        string
}

// HookContext carries everything a hook needs to inspect or alter a tool call.
type HookContext struct {
	ToolCallID string
	ToolName   string
	Args       map[string]any

	// Post-only fields; zero at PreToolUse.
	Result   tools.Result
	IsError  bool
	Duration time.Duration
}

// Hook observes or gates a tool call at a given HookPoint.
type Hook interface {
	Name() string
	Point() HookPoint
	Run(ctx context.Context, hc HookContext) (HookOutcome, error)
}

// HookEngine runs registered hooks in registration order for a given
// HookPoint. At PreToolUse, the first Block wins and short-circuits the
// remaining hooks; Modify results are shallow-merged with later hooks
// winning on key collisions. A hook that panics or returns an error is
// logged and treated as HookAllow so a misbehaving hook never stalls the
// tool pipeline.
type HookEngine struct {
	hooks  []Hook
	logger func(msg string, args ...any)
}

// NewHookEngine returns an empty engine. Hooks run in the order Register is
// called.
func NewHookEngine() *HookEngine {
	return &HookEngine{}
}

// Register appends a hook. Not safe to call concurrently with RunPre/RunPost.
func (e *HookEngine) Register(h Hook) {
	e.hooks = append(e.hooks, h)
}

// RunPre runs every registered PreToolUse hook against a tool call, returning
// the (possibly modified) arguments and whether the call was blocked.
func (e *HookEngine) RunPre(ctx context.Context, logger func(string, ...any), tc ai.ToolCall) (args map[string]any, blocked bool, reason string) {
	args = tc.Arguments
	for _, h := range e.hooks {
		if h.Point() != PreToolUse {
			continue
		}
		outcome := e.safeRun(ctx, logger, h, HookContext{ToolCallID: tc.ID, ToolName: tc.Name, Args: args})
		switch outcome.Kind {
		case HookBlock:
			return args, true, outcome.Reason
		case HookModify:
			merged := make(map[string]any, len(args)+len(outcome.Modifications))
			for k, v := range args {
				merged[k] = v
			}
			for k, v := range outcome.Modifications {
				merged[k] = v
			}
			args = merged
		}
	}
	return args, false, ""
}

// RunPost runs every registered PostToolUse hook. Outcomes are informational;
// a PostToolUse hook cannot block or modify a result already produced.
func (e *HookEngine) RunPost(ctx context.Context, logger func(string, ...any), tc ai.ToolCall, result tools.Result, isError bool, dur time.Duration) {
	for _, h := range e.hooks {
		if h.Point() != PostToolUse {
			continue
		}
		e.safeRun(ctx, logger, h, HookContext{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Args:       tc.Arguments,
			Result:     result,
			IsError:    isError,
			Duration:   dur,
		})
	}
}

func (e *HookEngine) safeRun(ctx context.Context, logger func(string, ...any), h Hook, hc HookContext) (outcome HookOutcome) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger("hook panicked, treating as allow", "hook", h.Name(), "panic", fmt.Sprintf("%v", r))
			}
			outcome = HookOutcome{Kind: HookAllow}
		}
	}()
	out, err := h.Run(ctx, hc)
	if err != nil {
		if logger != nil {
			logger("hook errored, treating as allow", "hook", h.Name(), "error", err)
		}
		return HookOutcome{Kind: HookAllow}
	}
	return out
}
