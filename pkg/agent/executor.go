package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxloop/agentcore/pkg/ai"
	"github.com/fluxloop/agentcore/pkg/tools"
)

// ToolExecutor runs a single tool call through the full lifecycle: pre-hooks,
// schema validation, timeout-bounded execution with panic recovery, and
// output capping. Post-hooks are not run here; the caller in loop.go runs
// them via HookEngine.RunPost. It replaces the teacher's
// free-standing executeSingleTool with a reusable, independently testable
// type.
type ToolExecutor struct {
	registry  *tools.Registry
	hooks     *HookEngine
	logger    *slog.Logger
	sink      *EventSink
	outputCap int
	timeout   time.Duration
}

// NewToolExecutor builds a ToolExecutor. hooks may be nil (no hooks run).
func NewToolExecutor(registry *tools.Registry, hooks *HookEngine, logger *slog.Logger, sink *EventSink, outputCap int, timeout time.Duration) *ToolExecutor {
	if logger == nil {
		logger = defaultLogger()
	}
	return &ToolExecutor{
		registry:  registry,
		hooks:     hooks,
		logger:    logger,
		sink:      sink,
		outputCap: outputCap,
		timeout:   timeout,
	}
}

// Execute runs one tool call to completion and returns its normalized
// result and whether it represents an error. It never panics: a tool panic
// is recovered and surfaced as an error result.
func (x *ToolExecutor) Execute(ctx context.Context, tc ai.ToolCall) (result tools.Result, isError bool) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("tool panicked", "tool", tc.Name, "panic", r)
			result = tools.ErrorResult(fmt.Errorf("Tool execution error: tool %q panicked: %v", tc.Name, r))
			isError = true
		}
	}()

	tool := x.registry.Get(tc.Name)
	if tool == nil {
		return tools.ErrorResult(fmt.Errorf("Tool not found: %s", tc.Name)), true
	}

	logFn := func(msg string, args ...any) { x.logger.Warn(msg, args...) }

	if x.hooks != nil {
		x.sink.Emit(Event{Type: EventHookTriggered, ToolCallID: tc.ID, ToolName: tc.Name, HookName: "pre_tool_use"})
		args, blocked, reason := x.hooks.RunPre(ctx, logFn, tc)
		x.sink.Emit(Event{Type: EventHookCompleted, ToolCallID: tc.ID, ToolName: tc.Name, HookName: "pre_tool_use"})
		if blocked {
			return tools.ErrorResult(fmt.Errorf("Tool execution blocked: %s", reason)), true
		}
		tc.Arguments = args
	}

	params, err := tools.ValidateAndCoerce(tool, tc.Arguments)
	if err != nil {
		return tools.ErrorResult(err), true
	}

	onUpdate := func(partial tools.Result) {
		x.sink.Emit(Event{
			Type:       EventToolUpdate,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			ToolArgs:   tc.Arguments,
			ToolResult: &partial,
		})
	}

	execCtx := ctx
	if x.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	res, err := tool.Execute(execCtx, tc.ID, params, onUpdate)
	if err != nil {
		res, isError = tools.ErrorResult(fmt.Errorf("Tool execution error: %s", err)), true
	}

	res.Content = capToolOutput(res.Content, x.outputCap)

	if x.hooks != nil {
		// duration is tracked by the caller (it also owns ToolStart/ToolEnd
		// timing); post-hooks run best-effort from there via RunPost.
	}

	return res, isError
}
