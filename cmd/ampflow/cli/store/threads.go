package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateThread inserts a thread for a session.
func (s *Store) CreateThread(t *Thread) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO threads (id, session_id, created_at) VALUES (?, ?, ?)`,
			t.ID, t.SessionID, fmtTime(t.CreatedAt))
		return err
	})
}

// ThreadsFor returns a session's threads in creation order.
func (s *Store) ThreadsFor(sessionID string) ([]*Thread, error) {
	rows, err := s.db.Query(`SELECT id, session_id, created_at
		FROM threads WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t := &Thread{}
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(createdAt)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// AppendThreadMessage appends a message with the next index in the thread.
// The index is assigned inside the insert transaction so concurrent
// appenders cannot create gaps or duplicates.
func (s *Store) AppendThreadMessage(m *ThreadMessage) error {
	return s.inTx(func(tx *sql.Tx) error {
		var maxIdx sql.NullInt64
		if err := tx.QueryRow(`SELECT MAX(idx) FROM thread_messages WHERE thread_id = ?`,
			m.ThreadID).Scan(&maxIdx); err != nil {
			return err
		}
		m.Idx = 0
		if maxIdx.Valid {
			m.Idx = int(maxIdx.Int64) + 1
		}
		_, err := tx.Exec(`INSERT INTO thread_messages (id, thread_id, idx, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.ThreadID, m.Idx, string(m.Role), m.Content, fmtTime(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting thread message: %w", err)
		}
		return nil
	})
}

// ThreadMessages returns a thread's messages in index order.
func (s *Store) ThreadMessages(threadID string) ([]*ThreadMessage, error) {
	rows, err := s.db.Query(`SELECT id, thread_id, idx, role, content, created_at
		FROM thread_messages WHERE thread_id = ? ORDER BY idx`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*ThreadMessage
	for rows.Next() {
		m := &ThreadMessage{}
		var role, createdAt string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Idx, &role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.Role = MessageRole(role)
		m.CreatedAt = parseTime(createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetThread returns a thread by id.
func (s *Store) GetThread(id string) (*Thread, error) {
	t := &Thread{}
	var createdAt string
	err := s.db.QueryRow(`SELECT id, session_id, created_at FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.SessionID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}
