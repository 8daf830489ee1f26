package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

const sessionColumns = `id, name, prompt, repo_root, base_branch, branch, workspace_path,
	status, mode, script_command, model_override, thread_id, batch_run_id, created_at, last_run_at`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess *Session) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Name, sess.Prompt, sess.RepoRoot, sess.BaseBranch, sess.Branch,
			sess.WorkspacePath, string(sess.Status), string(sess.Mode), sess.ScriptCommand,
			sess.ModelOverride, sess.ThreadID, sess.BatchRunID,
			fmtTime(sess.CreatedAt), fmtTimePtr(sess.LastRunAt))
		if err != nil {
			return fmt.Errorf("inserting session %s: %w", sess.ID, err)
		}
		return nil
	})
}

// GetSession returns a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions ordered by creation time, newest first.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus transitions a session's status and stamps last_run_at.
func (s *Store) UpdateSessionStatus(id string, status SessionStatus) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE sessions SET status = ?, last_run_at = ? WHERE id = ?`,
			string(status), fmtTime(time.Now()), id)
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

// UpdateSessionThreadID persists the external agent thread id for a session.
func (s *Store) UpdateSessionThreadID(id, threadID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE sessions SET thread_id = ? WHERE id = ?`, threadID, id)
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

// DeleteSession removes a session. Iterations, tool calls, threads, and
// messages cascade.
func (s *Store) DeleteSession(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

// AddFollowUpPrompt records a follow-up prompt for a session.
func (s *Store) AddFollowUpPrompt(p *FollowUpPrompt) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO follow_up_prompts (id, session_id, prompt, created_at)
			VALUES (?, ?, ?, ?)`, p.ID, p.SessionID, p.Prompt, fmtTime(p.CreatedAt))
		return err
	})
}

// FollowUpPromptsFor returns a session's follow-up prompts in order.
func (s *Store) FollowUpPromptsFor(sessionID string) ([]*FollowUpPrompt, error) {
	rows, err := s.db.Query(`SELECT id, session_id, prompt, created_at
		FROM follow_up_prompts WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prompts []*FollowUpPrompt
	for rows.Next() {
		p := &FollowUpPrompt{}
		var createdAt string
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Prompt, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	sess := &Session{}
	var status, mode, createdAt string
	var lastRunAt sql.NullString
	err := row.Scan(&sess.ID, &sess.Name, &sess.Prompt, &sess.RepoRoot, &sess.BaseBranch,
		&sess.Branch, &sess.WorkspacePath, &status, &mode, &sess.ScriptCommand,
		&sess.ModelOverride, &sess.ThreadID, &sess.BatchRunID, &createdAt, &lastRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.Mode = SessionMode(mode)
	sess.CreatedAt = parseTime(createdAt)
	sess.LastRunAt = parseTimePtr(lastRunAt)
	return sess, nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
