package agent

import (
	"context"
	"time"

	"github.com/fluxloop/agentcore/pkg/ai"
)

// TurnResult carries everything runLoop needs to decide what happens next
// after one turn (one assistant response plus its tool calls) completes.
type TurnResult struct {
	AssistantMsg       *ai.AssistantMessage
	ToolResults        []ai.ToolResultMessage
	HasToolCalls       bool
	SteeringAfterTools []ai.Message
	// Stop is true when the turn ended in a provider error or an abort —
	// runLoop must return immediately without looping further.
	Stop bool
	// Interrupted is true when Stop was caused by an AbortToken trip (as
	// opposed to a provider error) — runLoop surfaces this as
	// RunResult.Interrupted rather than RunResult.Error.
	Interrupted bool
	// PartialContent is the accumulated assistant text in flight when the
	// turn was interrupted mid-stream (S4); empty for tool-triggered
	// interrupts, since the assistant message had already completed.
	PartialContent string
}

// TurnRunner executes one Idle→Streaming→ExecutingTools(i)→Completed step of
// the agent loop's state machine. It owns per-turn bookkeeping (cost
// tracking, context-usage estimation, metrics callback) that the teacher kept
// inline in runLoop.
type TurnRunner struct {
	agent *Agent
}

// NewTurnRunner binds a TurnRunner to the agent whose state it mutates
// (message history, cumulative cost).
func NewTurnRunner(a *Agent) *TurnRunner {
	return &TurnRunner{agent: a}
}

// Execute runs exactly one turn: it appends any pending (steering/follow-up)
// messages, streams the next assistant response with retry, executes any
// resulting tool calls, and emits TurnEnd with the accumulated cost/context
// usage. EventTurnStart is emitted at entry.
func (r *TurnRunner) Execute(
	ctx context.Context,
	turnNumber int,
	pending []ai.Message,
	cfg Config,
	emit func(Event),
) (TurnResult, error) {
	a := r.agent
	turnStart := time.Now()

	a.setCurrentTurn(turnNumber)
	emit(Event{Type: EventTurnStart})

	for _, m := range pending {
		a.appendMsg(m)
		emit(Event{Type: EventMessageStart, Message: m})
		emit(Event{Type: EventMessageEnd, Message: m})
	}

	if err := a.maybeCompact(ctx); err != nil {
		a.logger.Warn("compaction failed", "error", err)
	}

	providerStart := time.Now()
	assistantMsg, err := a.streamResponseWithRetry(ctx, cfg, emit)
	providerLatency := time.Since(providerStart)
	if err != nil {
		return TurnResult{}, err
	}
	// A stream aborted before Done never assembles Content (the rebuild rule
	// never runs), so the live mirror is the only place the partial text
	// from an abort mid-stream (S4) survives; read it before the checkpoint
	// reset below clears it.
	streamedSoFar := a.getStreamingContent()
	a.appendMsg(assistantMsg)
	a.setStreamingContent("") // checkpoint: assistant message now in history

	if assistantMsg.StopReason == ai.StopReasonError || assistantMsg.StopReason == ai.StopReasonAborted {
		interrupted := assistantMsg.StopReason == ai.StopReasonAborted
		partialContent := extractText(*assistantMsg)
		if interrupted {
			if partialContent == "" {
				partialContent = streamedSoFar
			}
			a.recordInterrupt("", partialContent)
		} else {
			a.recordTurnError(assistantMsg.ErrorMessage)
		}
		emit(Event{Type: EventTurnEnd, Message: assistantMsg})
		return TurnResult{AssistantMsg: assistantMsg, Stop: true, Interrupted: interrupted, PartialContent: partialContent}, nil
	}

	var toolCalls []ai.ToolCall
	for _, c := range assistantMsg.Content {
		if tc, ok := c.(ai.ToolCall); ok {
			toolCalls = append(toolCalls, tc)
		}
	}

	var toolResults []ai.ToolResultMessage
	var toolDurations map[string]time.Duration
	var steeringAfterTools []ai.Message
	if len(toolCalls) > 0 {
		results, steering, durations, execErr := a.executeToolCalls(ctx, toolCalls, cfg, emit)
		if execErr != nil {
			return TurnResult{}, execErr
		}
		toolResults = results
		toolDurations = durations
		steeringAfterTools = steering
		for _, tr := range toolResults {
			a.appendMsg(tr)
		}
	}

	turnCost := computeTurnCost(a.model, assistantMsg.Usage)
	a.mu.Lock()
	a.cumulativeCost.InputTokens += turnCost.InputTokens
	a.cumulativeCost.OutputTokens += turnCost.OutputTokens
	a.cumulativeCost.InputCost += turnCost.InputCost
	a.cumulativeCost.OutputCost += turnCost.OutputCost
	a.cumulativeCost.TotalCost += turnCost.TotalCost
	cumCost := a.cumulativeCost
	a.mu.Unlock()

	usage := EstimateContextTokens(a.snapshotMessages())
	turnDur := time.Since(turnStart)

	emit(Event{
		Type:         EventTurnEnd,
		Message:      assistantMsg,
		ToolResults:  toolResults,
		ContextUsage: usage,
		CostUsage:    cumCost,
		TurnDuration: turnDur,
	})

	if cfg.OnMetrics != nil {
		cfg.OnMetrics(TurnMetrics{
			TurnNumber:       turnNumber,
			ProviderLatency:  providerLatency,
			ToolDurations:    toolDurations,
			InputTokens:      assistantMsg.Usage.Input,
			OutputTokens:     assistantMsg.Usage.Output,
			CacheReadTokens:  assistantMsg.Usage.CacheRead,
			CacheWriteTokens: assistantMsg.Usage.CacheWrite,
			TotalCost:        turnCost.TotalCost,
		})
	}

	// A tool call can trip the shared AbortToken mid-turn (external Abort(),
	// or a tool voluntarily reporting details.interrupted=true) without the
	// stream itself having been aborted; recordInterrupt was already called
	// with the active tool's name at the point of detection in loop.go.
	if a.abortToken != nil && a.abortToken.IsTripped() {
		return TurnResult{
			AssistantMsg:       assistantMsg,
			ToolResults:        toolResults,
			HasToolCalls:       len(toolCalls) > 0,
			SteeringAfterTools: steeringAfterTools,
			Stop:               true,
			Interrupted:        true,
		}, nil
	}

	return TurnResult{
		AssistantMsg:       assistantMsg,
		ToolResults:        toolResults,
		HasToolCalls:       len(toolCalls) > 0,
		SteeringAfterTools: steeringAfterTools,
	}, nil
}

