package store

import (
	"database/sql"
)

const toolCallColumns = `id, session_id, iteration_id, timestamp, tool_name,
	arguments, success, duration_ms, message_id`

// AddToolCall appends one tool call record.
func (s *Store) AddToolCall(tc *ToolCall) error {
	return s.inTx(func(tx *sql.Tx) error {
		return insertToolCall(tx, tc)
	})
}

// AddToolCalls appends a batch of tool call records in one transaction.
func (s *Store) AddToolCalls(calls []*ToolCall) error {
	if len(calls) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		for _, tc := range calls {
			if err := insertToolCall(tx, tc); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertToolCall(tx *sql.Tx, tc *ToolCall) error {
	var duration any
	if tc.DurationMS != nil {
		duration = *tc.DurationMS
	}
	_, err := tx.Exec(`INSERT INTO tool_calls (`+toolCallColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.SessionID, tc.IterationID, fmtTime(tc.Timestamp), tc.ToolName,
		tc.Arguments, tc.Success, duration, tc.MessageID)
	return err
}

// ToolCallsFor returns the tool calls of one iteration in timestamp order.
// With an empty iterationID it returns every tool call of the session.
func (s *Store) ToolCallsFor(sessionID, iterationID string) ([]*ToolCall, error) {
	query := `SELECT ` + toolCallColumns + ` FROM tool_calls WHERE session_id = ?`
	args := []any{sessionID}
	if iterationID != "" {
		query += ` AND iteration_id = ?`
		args = append(args, iterationID)
	}
	query += ` ORDER BY timestamp`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*ToolCall
	for rows.Next() {
		tc := &ToolCall{}
		var ts string
		var duration sql.NullInt64
		if err := rows.Scan(&tc.ID, &tc.SessionID, &tc.IterationID, &ts, &tc.ToolName,
			&tc.Arguments, &tc.Success, &duration, &tc.MessageID); err != nil {
			return nil, err
		}
		tc.Timestamp = parseTime(ts)
		tc.DurationMS = nullInt64Ptr(duration)
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}
