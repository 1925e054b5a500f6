package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxloop/agentcore/pkg/agent"
)

// Entry is one durable row in the journal table.
type Entry struct {
	ID         int64
	SessionID  string
	EventType  string
	ToolName   *string
	ToolCallID *string
	IsError    bool
	Payload    []byte // raw JSON
	CreatedAt  time.Time
}

// Filter narrows a Query call.
type Filter struct {
	SessionID string
	EventType string // empty matches any
	Since     time.Time
	Limit     int
}

// eventPayload is the JSON shape stored in Entry.Payload — a reduced,
// serialization-friendly projection of agent.Event (content blocks and
// provider-specific structs don't round-trip cleanly through JSON, so only
// the scalar/summary fields a replay or audit trail needs are kept).
type eventPayload struct {
	ContextUsage agent.ContextUsage `json:"context_usage,omitempty"`
	CostUsage    agent.CostUsage    `json:"cost_usage,omitempty"`
	TurnDuration time.Duration      `json:"turn_duration_ns,omitempty"`
	RetryAttempt int                `json:"retry_attempt,omitempty"`
	RetryDelay   time.Duration      `json:"retry_delay_ns,omitempty"`
	HookName     string             `json:"hook_name,omitempty"`
	MessageRole  string             `json:"message_role,omitempty"`
}

// EntryFromEvent projects an agent.Event into a journal Entry ready for
// Store.Append. It is the only point where this package touches pkg/agent;
// pkg/agent never imports pkg/journal.
func EntryFromEvent(sessionID string, e agent.Event) (Entry, error) {
	payload := eventPayload{
		ContextUsage: e.ContextUsage,
		CostUsage:    e.CostUsage,
		TurnDuration: e.TurnDuration,
		RetryAttempt: e.RetryAttempt,
		RetryDelay:   e.RetryDelay,
		HookName:     e.HookName,
	}
	if e.Message != nil {
		payload.MessageRole = string(e.Message.GetRole())
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal journal payload: %w", err)
	}

	entry := Entry{
		SessionID: sessionID,
		EventType: string(e.Type),
		IsError:   e.IsError,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
	if e.ToolName != "" {
		entry.ToolName = &e.ToolName
	}
	if e.ToolCallID != "" {
		entry.ToolCallID = &e.ToolCallID
	}
	return entry, nil
}
