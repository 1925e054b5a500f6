package journal

import (
	"encoding/json"
	"testing"

	"github.com/fluxloop/agentcore/pkg/agent"
)

func TestEntryFromEventProjectsToolFields(t *testing.T) {
	ev := agent.Event{
		Type:       agent.EventToolEnd,
		ToolName:   "bash",
		ToolCallID: "call-1",
		IsError:    true,
	}

	entry, err := EntryFromEvent("sess-1", ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.SessionID != "sess-1" || entry.EventType != "tool_end" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.ToolName == nil || *entry.ToolName != "bash" {
		t.Fatalf("expected tool name bash, got %v", entry.ToolName)
	}
	if entry.ToolCallID == nil || *entry.ToolCallID != "call-1" {
		t.Fatalf("expected tool call id call-1, got %v", entry.ToolCallID)
	}
	if !entry.IsError {
		t.Fatalf("expected IsError true")
	}

	var decoded map[string]any
	if err := json.Unmarshal(entry.Payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
}

func TestEntryFromEventOmitsUnsetToolFields(t *testing.T) {
	ev := agent.Event{Type: agent.EventTurnEnd}

	entry, err := EntryFromEvent("sess-2", ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ToolName != nil || entry.ToolCallID != nil {
		t.Fatalf("expected nil tool fields, got %+v", entry)
	}
}
