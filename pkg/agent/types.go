// Package agent provides the high-level Agent type and event system.
package agent

import (
	"time"

	"github.com/fluxloop/agentcore/pkg/ai"
	"github.com/fluxloop/agentcore/pkg/retry"
	"github.com/fluxloop/agentcore/pkg/tools"
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventType identifies an agent lifecycle event.
type EventType string

const (
	// Lifecycle
	EventAgentStart       EventType = "agent_start"
	EventAgentEnd         EventType = "agent_end"
	EventAgentInterrupted EventType = "agent_interrupted"

	// Turn = one assistant response + any resulting tool calls/results
	EventTurnStart EventType = "turn_start"
	EventTurnEnd   EventType = "turn_end"

	// Message lifecycle
	EventMessageStart  EventType = "message_start"
	EventMessageUpdate EventType = "message_update"
	EventMessageEnd    EventType = "message_end"

	// Tool execution
	EventToolStart  EventType = "tool_start"
	EventToolUpdate EventType = "tool_update"
	EventToolEnd    EventType = "tool_end"
	EventToolDenied EventType = "tool_denied"

	// Hooks
	EventHookTriggered EventType = "hook_triggered"
	EventHookCompleted EventType = "hook_completed"

	// Provider retry
	EventRetry EventType = "retry"

	// Compaction
	EventCompaction EventType = "compaction"

	// Turn limit reached — loop stopped before the LLM finished naturally.
	EventTurnLimitReached EventType = "turn_limit_reached"
)

// ContextUsage carries a snapshot of estimated context token usage after a turn.
type ContextUsage struct {
	// Estimated total tokens in the current context window.
	Tokens int
	// Tokens reported by the last assistant message's usage object.
	UsageTokens int
	// Estimated tokens added after the last usage report (tool results, etc.)
	TrailingTokens int
}

// CostUsage tracks token counts and USD cost, per-turn or cumulative.
type CostUsage struct {
	InputTokens  int
	OutputTokens int
	InputCost    float64
	OutputCost   float64
	TotalCost    float64
}

// TurnMetrics is delivered to Config.OnMetrics after each turn completes.
type TurnMetrics struct {
	TurnNumber       int
	ProviderLatency  time.Duration
	ToolDurations    map[string]time.Duration
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	TotalCost        float64
}

// RunResult summarizes the outcome of one RunLoop invocation (§4.8, §7): a
// caller learns whether the run completed, was interrupted, or errored, and
// recovers the forensic data needed to resume or report an interrupted run
// without re-deriving it from events.
type RunResult struct {
	Success bool
	// Error is a human-readable message when Success is false and the run
	// was not interrupted (a provider/stream error embedded in the final
	// assistant message, or a Go-level error from the loop).
	Error string
	// Interrupted is true iff the run ended because an AbortToken tripped.
	Interrupted bool
	// PartialContent is the assistant text streamed so far when an
	// interrupted run stopped mid-stream (S4); empty otherwise.
	PartialContent string
	// ActiveTool is the tool that was running when an interrupted run
	// stopped mid-tool-execution; empty otherwise.
	ActiveTool string
	// Turn is the 1-indexed turn during which the run stopped, when known.
	Turn int
}

// CompactionEvent describes a completed context compaction.
type CompactionEvent struct {
	Summary         string
	MessagesRemoved int
	MessagesKept    int
	TokensBefore    int
	TokensAfter     int
}

// Event carries a lifecycle notification from the agent loop.
type Event struct {
	Type EventType

	// Set for message_* events
	Message ai.Message

	// Set for message_update
	StreamEvent *ai.StreamEvent

	// Set for turn_end
	ToolResults  []ai.ToolResultMessage
	ContextUsage ContextUsage // estimated context token usage after this turn
	CostUsage    CostUsage    // cumulative cost after this turn
	TurnDuration time.Duration

	// Set for compaction events
	Compaction *CompactionEvent

	// Set for tool_*/hook_* events
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
	ToolResult *tools.Result
	IsError    bool

	// Set for hook_* events
	HookName string

	// Set for retry events
	RetryAttempt int
	RetryDelay   time.Duration
	RetryError   error

	// Set for agent_end
	NewMessages []ai.Message

	// Set for agent_interrupted (§4.8 abort() contract)
	Turn           int
	ActiveTool     string
	PartialContent string
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is the observable state of the agent (read-only snapshot).
type State struct {
	SystemPrompt     string
	Model            string
	Provider         string
	Messages         []ai.Message
	IsStreaming      bool
	PendingToolCalls map[string]bool // callID → in-flight
	ActiveTool       string          // name of the tool currently executing, if any
	CurrentTurn      int             // 1-indexed turn currently in flight, 0 when idle
	StreamingContent string          // accumulated text since the last checkpoint, for interrupt forensics
	Error            string
	ContextTokens    int       // estimated context size after the last turn
	CumulativeCost   CostUsage // running total for the agent's lifetime
}

// ---------------------------------------------------------------------------
// Confirmation
// ---------------------------------------------------------------------------

// ConfirmResult is returned by Config.ConfirmToolCall to decide the fate of
// a pending tool call.
type ConfirmResult int

const (
	// ConfirmApprove runs the tool call normally.
	ConfirmApprove ConfirmResult = iota
	// ConfirmDeny records a synthetic denied tool result and continues the turn.
	ConfirmDeny
	// ConfirmAbort stops the whole run and returns an error from Prompt.
	ConfirmAbort
)

// AutoApproveAll is a Config.ConfirmToolCall implementation that approves
// every tool call unconditionally. A nil ConfirmToolCall behaves the same
// way; this exists so callers can wire auto-approval explicitly from config.
func AutoApproveAll(_ string, _ map[string]any) (ConfirmResult, error) {
	return ConfirmApprove, nil
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config holds everything needed to run the agent loop for one call.
type Config struct {
	// ConvertToLLM transforms the agent message history to the slice that gets
	// sent to the LLM. Default: keep only user/assistant/toolResult messages.
	ConvertToLLM func([]ai.Message) ([]ai.Message, error)

	// TransformContext optionally prunes / enriches messages before ConvertToLLM.
	TransformContext func([]ai.Message) ([]ai.Message, error)

	// GetAPIKey returns the API key for the named provider (for dynamic/expiring keys).
	GetAPIKey func(provider string) (string, error)

	// ConfirmToolCall is consulted before every tool call. nil auto-approves,
	// matching AutoApproveAll.
	ConfirmToolCall func(name string, args map[string]any) (ConfirmResult, error)

	// GetSteeringMessages returns interruption messages to inject between tool calls.
	// Return nil/empty to continue normally.
	GetSteeringMessages func() ([]ai.Message, error)

	// GetFollowUpMessages returns follow-up messages after the agent would otherwise stop.
	GetFollowUpMessages func() ([]ai.Message, error)

	// OnMetrics is called once per completed turn with latency/cost details.
	OnMetrics func(TurnMetrics)

	// StreamOptions passed to the provider.
	StreamOptions ai.StreamOptions

	// MaxTurns is the maximum number of LLM calls (turns) per Run.
	// Each turn = one assistant response + its tool calls.
	// 0 falls back to DefaultMaxTurns. When the limit is hit the loop stops
	// and an EventTurnLimitReached event is broadcast.
	MaxTurns int

	// MaxCostUSD stops the loop once cumulative cost reaches this amount
	// (0 = unlimited).
	MaxCostUSD float64

	// MaxRetries is the number of additional attempts made after a transient
	// provider failure before the error turn is recorded as final.
	MaxRetries int

	// RetryBaseDelay seeds the exponential backoff; 0 uses retry.DefaultPolicy's base.
	RetryBaseDelay time.Duration

	// Retry, if set, overrides MaxRetries/RetryBaseDelay with a full policy
	// (classification, max delay, jitter). Takes precedence when non-zero.
	Retry retry.Policy

	// MaxToolConcurrency caps how many tool calls from one assistant turn run
	// concurrently. <= 1 (the default) runs tool calls strictly sequentially.
	MaxToolConcurrency int

	// ToolTimeout caps how long a single tool call may run (0 = no timeout).
	ToolTimeout time.Duration

	// ToolOutputCap caps a tool result's serialized size in bytes before it's
	// stored in history (0 = DefaultToolOutputCap).
	ToolOutputCap int

	// Hooks, if non-nil, replaces the agent's default (empty) hook engine for
	// this call. Built with NewHookEngine + Register.
	Hooks *HookEngine
}

// DefaultMaxTurns is the turn cap applied when Config.MaxTurns is 0.
const DefaultMaxTurns = 100

// DefaultToolOutputCap is the byte ceiling applied to a tool's normalized
// output before it's appended to history.
const DefaultToolOutputCap = 256 * 1024

// defaultRetryBaseDelay seeds streamResponseWithRetry's backoff when
// Config.RetryBaseDelay is left at its zero value.
const defaultRetryBaseDelay = time.Second
