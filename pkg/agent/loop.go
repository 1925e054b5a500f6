package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fluxloop/agentcore/pkg/ai"
	"github.com/fluxloop/agentcore/pkg/retry"
	"github.com/fluxloop/agentcore/pkg/tools"
)

// runLoop is the core agentic loop. It:
//  1. Sends the current conversation to the LLM (streaming) with retry on transient errors.
//  2. Executes any tool calls (with confirmation, timeout, and parallel support).
//  3. Checks for steering messages (user interruption) after each tool.
//  4. Tracks cost per turn and cumulatively.
//  5. Repeats until no tool calls and no follow-up messages.
func (a *Agent) runLoop(
	ctx context.Context,
	newMsgs []ai.Message, // nil = continue from existing context
	cfg Config,
) error {
	emit := func(e Event) {
		a.broadcast(e)
	}

	emit(Event{Type: EventAgentStart})
	defer func() {
		// P3: a run emits exactly one of AgentEnd or AgentInterrupted, never
		// both. When the AbortToken tripped, PromptMessages emits
		// AgentInterrupted itself once runLoop returns.
		a.mu.RLock()
		interrupted := a.abortToken != nil && a.abortToken.IsTripped()
		a.mu.RUnlock()
		if !interrupted {
			emit(Event{Type: EventAgentEnd, NewMessages: a.collectNew()})
		}
	}()

	// Add new messages to conversation history
	if len(newMsgs) > 0 {
		for _, m := range newMsgs {
			a.appendMsg(m)
			emit(Event{Type: EventMessageStart, Message: m})
			emit(Event{Type: EventMessageEnd, Message: m})
		}
	}

	var pendingMessages []ai.Message
	runner := NewTurnRunner(a)

	turnCount := 0
	for {
		hasToolCalls := true
		var steeringAfterTools []ai.Message

		for hasToolCalls || len(pendingMessages) > 0 {
			// ── Max-turn guard ──────────────────────────────────────────
			maxTurns := cfg.MaxTurns
			if maxTurns <= 0 {
				maxTurns = DefaultMaxTurns
			}
			if turnCount >= maxTurns {
				emit(Event{Type: EventTurnLimitReached})
				return nil
			}

			// ── Budget guard ────────────────────────────────────────────
			if cfg.MaxCostUSD > 0 {
				a.mu.RLock()
				cost := a.cumulativeCost.TotalCost
				a.mu.RUnlock()
				if cost >= cfg.MaxCostUSD {
					a.logger.Warn("budget limit reached", "cost", cost, "limit", cfg.MaxCostUSD)
					emit(Event{Type: EventTurnLimitReached})
					return nil
				}
			}

			turnCount++

			turn, err := runner.Execute(ctx, turnCount, pendingMessages, cfg, emit)
			pendingMessages = nil
			if err != nil {
				return err
			}
			if turn.Stop {
				return nil
			}

			hasToolCalls = turn.HasToolCalls
			steeringAfterTools = turn.SteeringAfterTools

			if len(steeringAfterTools) > 0 {
				pendingMessages = steeringAfterTools
				steeringAfterTools = nil
			} else if cfg.GetSteeringMessages != nil {
				msgs, _ := cfg.GetSteeringMessages()
				pendingMessages = msgs
			}
		}

		// Would stop here — check for follow-up messages
		if cfg.GetFollowUpMessages != nil {
			followUp, _ := cfg.GetFollowUpMessages()
			if len(followUp) > 0 {
				pendingMessages = followUp
				continue
			}
		}
		break
	}

	return nil
}

// ---------------------------------------------------------------------------
// Retry logic
// ---------------------------------------------------------------------------

// retryPolicy resolves cfg's retry knobs into a retry.Policy, preferring the
// explicit cfg.Retry when set and otherwise building one from the legacy
// MaxRetries/RetryBaseDelay fields.
func retryPolicy(cfg Config) retry.Policy {
	p := cfg.Retry
	if p.MaxRetries == 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = cfg.RetryBaseDelay
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = retry.DefaultPolicy().MaxDelay
	}
	return p
}

// streamResponseWithRetry calls streamResponse with classification-aware
// exponential backoff: only retry.Retryable categories are retried, and the
// delay comes from retry.Policy.Delay.
func (a *Agent) streamResponseWithRetry(
	ctx context.Context,
	cfg Config,
	emit func(Event),
) (*ai.AssistantMessage, error) {
	policy := retryPolicy(cfg)

	for attempt := 0; ; attempt++ {
		msg, hasYielded, err := a.streamResponse(ctx, cfg, emit)

		var category retry.Category
		switch {
		case err != nil:
			category = retry.Classify(err, "")
		case msg.StopReason == ai.StopReasonError:
			category = retry.Classify(nil, msg.ErrorMessage)
		default:
			return msg, nil // success
		}

		// §4.2 hard invariant: a stream that has yielded any event downstream
		// can never be retried, regardless of how the resulting error
		// classifies. Only a stream that failed before producing anything
		// may be retried.
		if hasYielded || !retry.Retryable(category) || attempt >= policy.MaxRetries {
			return msg, err
		}

		delay := policy.Delay(attempt, 0)

		a.logger.Warn("retrying LLM call",
			"attempt", attempt+1,
			"max_retries", policy.MaxRetries,
			"category", category,
			"delay", delay,
			"error", fmt.Sprintf("%v", err),
		)

		emit(Event{
			Type:         EventRetry,
			RetryAttempt: attempt + 1,
			RetryError:   err,
			RetryDelay:   delay,
		})

		select {
		case <-ctx.Done():
			return msg, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// extractMessageText pulls the concatenated TextContent out of a streamed
// message update. StreamProcessor emits *ai.AssistantMessage partials.
func extractMessageText(m ai.Message) string {
	switch am := m.(type) {
	case *ai.AssistantMessage:
		if am == nil {
			return ""
		}
		return extractText(*am)
	case ai.AssistantMessage:
		return extractText(am)
	default:
		return ""
	}
}

// streamResponse calls the provider and fans stream events to listeners. The
// returned bool reports StreamProcessor.HasYielded(): whether any event was
// dispatched downstream before this call returned, which streamResponseWithRetry
// uses to enforce §4.2's "no retry after yield" invariant.
func (a *Agent) streamResponse(
	ctx context.Context,
	cfg Config,
	emit func(Event),
) (*ai.AssistantMessage, bool, error) {
	// Snapshot history
	history := a.snapshotMessages()

	// Apply transform
	if cfg.TransformContext != nil {
		var err error
		history, err = cfg.TransformContext(history)
		if err != nil {
			return nil, false, fmt.Errorf("transform context: %w", err)
		}
	}

	// Convert to LLM messages
	llmMsgs := history
	if cfg.ConvertToLLM != nil {
		var err error
		llmMsgs, err = cfg.ConvertToLLM(history)
		if err != nil {
			return nil, false, fmt.Errorf("convert to llm: %w", err)
		}
	} else {
		llmMsgs = defaultConvertToLLM(history)
	}

	// Build tool definitions from registry
	var toolDefs []ai.ToolDefinition
	for _, t := range a.tools.All() {
		toolDefs = append(toolDefs, t.Definition())
	}

	llmCtx := ai.Context{
		SystemPrompt: a.systemPrompt,
		Messages:     llmMsgs,
		Tools:        toolDefs,
	}

	// Resolve API key
	opts := cfg.StreamOptions
	if cfg.GetAPIKey != nil {
		key, err := cfg.GetAPIKey(a.provider.Name())
		if err == nil && key != "" {
			opts.APIKey = key
		}
	}

	events, wait := a.provider.Stream(ctx, a.model, llmCtx, opts)

	// Build partial message
	partial := &ai.AssistantMessage{
		Role:      ai.RoleAssistant,
		Model:     a.model,
		Provider:  a.provider.Name(),
		Timestamp: time.Now().UnixMilli(),
	}

	emit(Event{Type: EventMessageStart, Message: partial})

	a.mu.RLock()
	abort := a.abortToken
	a.mu.RUnlock()

	// trackingEmit mirrors every event to emit() but also keeps
	// AgentState.streamingContent (spec.md §3) live for the duration of the
	// stream, so State() and an in-flight interrupt both see up-to-date text.
	trackingEmit := func(e Event) {
		if e.Type == EventMessageUpdate {
			a.setStreamingContent(extractMessageText(e.Message))
		}
		emit(e)
	}

	proc := NewStreamProcessor(NewEventSink(trackingEmit), abort)
	finalMsg, err := proc.Run(partial, events, wait)
	hasYielded := proc.HasYielded()
	if err != nil {
		var aborted *AbortedError
		if errors.As(err, &aborted) {
			partial.StopReason = ai.StopReasonAborted
			partial.ErrorMessage = aborted.Error()
			emit(Event{Type: EventMessageEnd, Message: partial})
			return partial, hasYielded, nil
		}
		return nil, hasYielded, err
	}

	emit(Event{Type: EventMessageEnd, Message: finalMsg})
	return finalMsg, hasYielded, nil
}

// ---------------------------------------------------------------------------
// Tool execution
// ---------------------------------------------------------------------------

// executeToolCalls runs tool calls, checking for steering after each.
// Supports parallel execution when cfg.MaxToolConcurrency > 1.
func (a *Agent) executeToolCalls(
	ctx context.Context,
	toolCalls []ai.ToolCall,
	cfg Config,
	emit func(Event),
) ([]ai.ToolResultMessage, []ai.Message, map[string]time.Duration, error) {
	concurrency := cfg.MaxToolConcurrency
	if concurrency <= 1 {
		results, steering, durations, err := a.executeToolCallsSequential(ctx, toolCalls, cfg, emit)
		return results, steering, durations, err
	}
	return a.executeToolCallsParallel(ctx, toolCalls, cfg, emit, concurrency)
}

// executeToolCallsSequential runs tool calls one at a time.
func (a *Agent) executeToolCallsSequential(
	ctx context.Context,
	toolCalls []ai.ToolCall,
	cfg Config,
	emit func(Event),
) ([]ai.ToolResultMessage, []ai.Message, map[string]time.Duration, error) {
	var results []ai.ToolResultMessage
	var steeringMessages []ai.Message
	durations := make(map[string]time.Duration, len(toolCalls))

	for i, tc := range toolCalls {
		// ── Confirmation hook ───────────────────────────────────────
		if cfg.ConfirmToolCall != nil {
			decision, err := cfg.ConfirmToolCall(tc.Name, tc.Arguments)
			if err != nil {
				return results, nil, durations, fmt.Errorf("confirm tool call: %w", err)
			}
			if decision == ConfirmAbort {
				emit(Event{Type: EventToolDenied, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: tc.Arguments})
				return results, nil, durations, fmt.Errorf("tool call aborted by user")
			}
			if decision == ConfirmDeny {
				emit(Event{Type: EventToolDenied, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: tc.Arguments})
				denied := ai.ToolResultMessage{
					Role:       ai.RoleToolResult,
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: "Tool call denied by user."}},
					IsError:    true,
					Timestamp:  time.Now().UnixMilli(),
				}
				results = append(results, denied)
				continue
			}
		}

		emit(Event{
			Type:       EventToolStart,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			ToolArgs:   tc.Arguments,
		})

		a.setActiveTool(tc.Name)
		toolStart := time.Now()
		result, isError, discarded := a.executeSingleToolRaceAbort(ctx, tc, cfg, emit)
		dur := time.Since(toolStart)
		if discarded {
			a.recordInterrupt(tc.Name, "")
			a.setActiveTool("")
			// The abort token tripped while this non-cancellable tool was
			// still running. Its result is dropped rather than appended to
			// history (§5: "their result is discarded if the token trips
			// before they return"); a synthetic interrupted result takes
			// its place and no further tool calls in this turn start.
			discardedResult := ai.ToolResultMessage{
				Role:       ai.RoleToolResult,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: "Tool execution discarded due to interrupt."}},
				IsError:    true,
				Details:    map[string]any{"interrupted": true},
				Timestamp:  time.Now().UnixMilli(),
			}
			results = append(results, discardedResult)
			for _, skipped := range toolCalls[i+1:] {
				skippedResult := ai.ToolResultMessage{
					Role:       ai.RoleToolResult,
					ToolCallID: skipped.ID,
					ToolName:   skipped.Name,
					Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: "Skipped due to interrupt."}},
					IsError:    true,
					Details:    map[string]any{"interrupted": true},
					Timestamp:  time.Now().UnixMilli(),
				}
				results = append(results, skippedResult)
			}
			break
		}
		durations[tc.Name] = dur
		if cfg.Hooks != nil {
			cfg.Hooks.RunPost(ctx, func(msg string, args ...any) { a.logger.Warn(msg, args...) }, tc, result, isError, dur)
		}
		a.setActiveTool("")

		emit(Event{
			Type:       EventToolEnd,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			ToolArgs:   tc.Arguments,
			ToolResult: &result,
			IsError:    isError,
		})

		contentBlocks := capToolOutput(result.Content, cfg.ToolOutputCap)

		toolResult := ai.ToolResultMessage{
			Role:       ai.RoleToolResult,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Content:    contentBlocks,
			Details:    result.Details,
			IsError:    isError,
			Timestamp:  time.Now().UnixMilli(),
		}
		results = append(results, toolResult)

		emit(Event{Type: EventMessageStart, Message: toolResult})
		emit(Event{Type: EventMessageEnd, Message: toolResult})

		// A tool that voluntarily reports details.interrupted=true trips the
		// shared abort token, same as an externally requested Abort() — the
		// remaining tool calls in this turn are then skipped below and the
		// run surfaces interrupted=true once runLoop returns.
		if resultReportsInterrupted(result) && a.abortToken != nil {
			a.abortToken.Trip()
		}

		// Re-check the abort token after every tool invocation (the
		// suspension point in §5): once tripped, do not start the next tool.
		if a.abortToken != nil && a.abortToken.IsTripped() {
			a.recordInterrupt(tc.Name, "")
			for _, skipped := range toolCalls[i+1:] {
				skippedResult := ai.ToolResultMessage{
					Role:       ai.RoleToolResult,
					ToolCallID: skipped.ID,
					ToolName:   skipped.Name,
					Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: "Skipped due to interrupt."}},
					IsError:    true,
					Details:    map[string]any{"interrupted": true},
					Timestamp:  time.Now().UnixMilli(),
				}
				results = append(results, skippedResult)
			}
			break
		}

		// Check steering after each tool (skip remaining if user interrupted)
		if cfg.GetSteeringMessages != nil {
			steering, _ := cfg.GetSteeringMessages()
			if len(steering) > 0 {
				steeringMessages = steering
				// Skip remaining tool calls with placeholder results
				for _, skipped := range toolCalls[i+1:] {
					skippedResult := ai.ToolResultMessage{
						Role:       ai.RoleToolResult,
						ToolCallID: skipped.ID,
						ToolName:   skipped.Name,
						Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: "Skipped due to user interrupt."}},
						IsError:    true,
						Timestamp:  time.Now().UnixMilli(),
					}
					results = append(results, skippedResult)
				}
				break
			}
		}
	}

	return results, steeringMessages, durations, nil
}

// executeToolCallsParallel runs tool calls concurrently with a concurrency cap.
func (a *Agent) executeToolCallsParallel(
	ctx context.Context,
	toolCalls []ai.ToolCall,
	cfg Config,
	emit func(Event),
	concurrency int,
) ([]ai.ToolResultMessage, []ai.Message, map[string]time.Duration, error) {
	type toolOutput struct {
		result   tools.Result
		isError  bool
		duration time.Duration
		denied   bool
	}

	outputs := make([]toolOutput, len(toolCalls))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, tc := range toolCalls {
		// ── Confirmation hook (serial, before dispatch) ─────────────
		if cfg.ConfirmToolCall != nil {
			decision, err := cfg.ConfirmToolCall(tc.Name, tc.Arguments)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("confirm tool call: %w", err)
			}
			if decision == ConfirmAbort {
				emit(Event{Type: EventToolDenied, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: tc.Arguments})
				return nil, nil, nil, fmt.Errorf("tool call aborted by user")
			}
			if decision == ConfirmDeny {
				emit(Event{Type: EventToolDenied, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: tc.Arguments})
				outputs[i] = toolOutput{
					result:  tools.Result{Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: "Tool call denied by user."}}},
					isError: true,
					denied:  true,
				}
				continue
			}
		}

		wg.Add(1)
		go func(idx int, tc ai.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			emit(Event{
				Type:       EventToolStart,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				ToolArgs:   tc.Arguments,
			})

			a.setActiveTool(tc.Name)
			start := time.Now()
			result, isError := a.executeSingleTool(ctx, tc, cfg, emit)
			dur := time.Since(start)
			if cfg.Hooks != nil {
				cfg.Hooks.RunPost(ctx, func(msg string, args ...any) { a.logger.Warn(msg, args...) }, tc, result, isError, dur)
			}
			a.setActiveTool("")

			outputs[idx] = toolOutput{result: result, isError: isError, duration: dur}

			emit(Event{
				Type:       EventToolEnd,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				ToolArgs:   tc.Arguments,
				ToolResult: &result,
				IsError:    isError,
			})
		}(i, tc)
	}
	wg.Wait()

	// Build results in original order.
	var results []ai.ToolResultMessage
	durations := make(map[string]time.Duration, len(toolCalls))
	for i, tc := range toolCalls {
		out := outputs[i]
		durations[tc.Name] = out.duration
		contentBlocks := capToolOutput(out.result.Content, cfg.ToolOutputCap)
		toolResult := ai.ToolResultMessage{
			Role:       ai.RoleToolResult,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Content:    contentBlocks,
			Details:    out.result.Details,
			IsError:    out.isError,
			Timestamp:  time.Now().UnixMilli(),
		}
		results = append(results, toolResult)

		emit(Event{Type: EventMessageStart, Message: toolResult})
		emit(Event{Type: EventMessageEnd, Message: toolResult})
	}

	return results, nil, durations, nil
}

// executeSingleTool looks up and runs one tool call with panic recovery and timeout.
func (a *Agent) executeSingleTool(
	ctx context.Context,
	tc ai.ToolCall,
	cfg Config,
	emit func(Event),
) (tools.Result, bool) {
	executor := NewToolExecutor(a.tools, cfg.Hooks, a.logger, NewEventSink(emit), cfg.ToolOutputCap, cfg.ToolTimeout)
	return executor.Execute(ctx, tc)
}

// executeSingleToolRaceAbort runs the tool the same way executeSingleTool
// does, but also watches the shared AbortToken while it is in flight. Tools
// that honor ctx cancellation (the common case, since executeSingleTool
// derives execCtx from ctx) simply return early and this behaves exactly
// like executeSingleTool. A tool that ignores cancellation and keeps running
// is allowed to finish, but its result is reported as discarded rather than
// returned to the caller, per §5's "non-cancellable tools run to completion
// but their result is discarded if the token trips before they return".
func (a *Agent) executeSingleToolRaceAbort(
	ctx context.Context,
	tc ai.ToolCall,
	cfg Config,
	emit func(Event),
) (result tools.Result, isError bool, discarded bool) {
	if a.abortToken == nil {
		result, isError = a.executeSingleTool(ctx, tc, cfg, emit)
		return result, isError, false
	}

	type outcome struct {
		result  tools.Result
		isError bool
	}
	done := make(chan outcome, 1)
	go func() {
		r, e := a.executeSingleTool(ctx, tc, cfg, emit)
		done <- outcome{r, e}
	}()

	select {
	case out := <-done:
		if a.abortToken.IsTripped() {
			return out.result, out.isError, true
		}
		return out.result, out.isError, false
	case <-a.abortToken.Done():
		out := <-done
		return out.result, out.isError, true
	}
}

// capToolOutput bounds a tool result's total text size before it enters
// conversation history, so one runaway tool call can't blow the context
// window on its own. cap <= 0 uses DefaultToolOutputCap.
func capToolOutput(blocks []ai.ContentBlock, limit int) []ai.ContentBlock {
	if limit <= 0 {
		limit = DefaultToolOutputCap
	}
	out := append([]ai.ContentBlock(nil), blocks...)

	total := 0
	for _, b := range out {
		if t, ok := b.(ai.TextContent); ok {
			total += len(t.Text)
		}
	}
	if total <= limit {
		return out
	}

	remaining := limit
	for i, b := range out {
		t, ok := b.(ai.TextContent)
		if !ok {
			continue
		}
		if remaining <= 0 {
			out[i] = ai.TextContent{Type: "text", Text: ""}
			continue
		}
		if len(t.Text) > remaining {
			out[i] = ai.TextContent{Type: "text", Text: t.Text[:remaining] + "\n...[truncated]"}
			remaining = 0
		} else {
			remaining -= len(t.Text)
		}
	}
	return out
}

// resultReportsInterrupted detects a tool voluntarily signaling cancellation
// via details.interrupted=true (§4.5). Details is arbitrary structured data,
// so this recognizes the two shapes tools realistically use: a raw
// map[string]any (the JSON-object convention named in the spec) or a struct
// exposing an Interrupted() bool method.
func resultReportsInterrupted(result tools.Result) bool {
	switch d := result.Details.(type) {
	case map[string]any:
		v, _ := d["interrupted"].(bool)
		return v
	case interface{ Interrupted() bool }:
		return d.Interrupted()
	default:
		return false
	}
}

// defaultConvertToLLM filters to the three message types LLMs understand.
func defaultConvertToLLM(msgs []ai.Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.GetRole() {
		case ai.RoleUser, ai.RoleAssistant, ai.RoleToolResult:
			out = append(out, m)
		}
	}
	return out
}
