package journal

import (
	"strings"
	"testing"
	"time"
)

func TestInsertQueryIncludesAllColumns(t *testing.T) {
	toolName := "bash"
	e := Entry{
		SessionID: "sess-1",
		EventType: "tool_end",
		ToolName:  &toolName,
		IsError:   true,
		Payload:   []byte(`{"foo":"bar"}`),
	}

	query, args := insertQuery("agent_events", e)

	if !strings.Contains(query, "INSERT INTO agent_events") {
		t.Fatalf("expected insert into agent_events, got %q", query)
	}
	if len(args) != 6 {
		t.Fatalf("expected 6 args, got %d", len(args))
	}
	if args[0] != "sess-1" || args[1] != "tool_end" {
		t.Fatalf("unexpected leading args: %v", args[:2])
	}
}

func TestSelectQueryFiltersAndDefaultsLimit(t *testing.T) {
	query, args := selectQuery("agent_events", Filter{SessionID: "sess-1"})

	if !strings.Contains(query, "WHERE session_id = $1") {
		t.Fatalf("expected session_id filter, got %q", query)
	}
	if !strings.Contains(query, "LIMIT $2") {
		t.Fatalf("expected default limit as second arg, got %q", query)
	}
	if len(args) != 2 || args[1] != 100 {
		t.Fatalf("expected default limit 100, got args %v", args)
	}
}

func TestSelectQueryWithAllFilters(t *testing.T) {
	since := time.Unix(0, 0)
	query, args := selectQuery("agent_events", Filter{
		SessionID: "sess-1",
		EventType: "turn_end",
		Since:     since,
		Limit:     25,
	})

	for _, clause := range []string{"session_id = $1", "event_type = $2", "created_at >= $3", "LIMIT $4"} {
		if !strings.Contains(query, clause) {
			t.Fatalf("expected clause %q in query %q", clause, query)
		}
	}
	if len(args) != 4 || args[3] != 25 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestSelectQueryNoFiltersSelectsEverythingWithinLimit(t *testing.T) {
	query, args := selectQuery("agent_events", Filter{})

	if strings.Contains(query, "WHERE") {
		t.Fatalf("expected no WHERE clause, got %q", query)
	}
	if len(args) != 1 || args[0] != 100 {
		t.Fatalf("expected only the default limit arg, got %v", args)
	}
}
