package journal

import (
	"fmt"
	"strings"
)

// insertQuery builds the INSERT statement and its positional args for e.
// Kept as a pure function (table name in, SQL+args out) so it's testable
// without a live connection.
func insertQuery(table string, e Entry) (string, []any) {
	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, event_type, tool_name, tool_call_id, is_error, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, table)
	return query, []any{e.SessionID, e.EventType, e.ToolName, e.ToolCallID, e.IsError, e.Payload}
}

// selectQuery builds a SELECT statement for filter. Clauses are added only
// for fields filter actually sets, so an empty Filter selects entries of
// every session (limit-bounded).
func selectQuery(table string, filter Filter) (string, []any) {
	var where []string
	var args []any

	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf("SELECT id, session_id, event_type, tool_name, tool_call_id, is_error, payload, created_at FROM %s", table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	return query, args
}
