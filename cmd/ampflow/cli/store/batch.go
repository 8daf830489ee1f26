package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const batchItemColumns = `id, run_id, repo_path, prompt, status, session_id,
	started_at, finished_at, commit_sha, token_total, tool_call_count, error_text`

// CreateBatchRun inserts a run and its queued items in one transaction.
func (s *Store) CreateBatchRun(run *BatchRun, items []*BatchItem) error {
	defaults, err := json.Marshal(run.Defaults)
	if err != nil {
		return fmt.Errorf("encoding run defaults: %w", err)
	}
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO batch_runs (id, defaults, concurrency, status, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			run.ID, string(defaults), run.Concurrency, string(run.Status), fmtTime(run.CreatedAt)); err != nil {
			return fmt.Errorf("inserting batch run %s: %w", run.ID, err)
		}
		for _, item := range items {
			if _, err := tx.Exec(`INSERT INTO batch_items (`+batchItemColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				item.ID, item.RunID, item.RepoPath, item.Prompt, string(item.Status),
				item.SessionID, fmtTimePtr(item.StartedAt), fmtTimePtr(item.FinishedAt),
				item.CommitSHA, item.TokenTotal, item.ToolCallCount, item.ErrorText); err != nil {
				return fmt.Errorf("inserting batch item %s: %w", item.ID, err)
			}
		}
		return nil
	})
}

// GetBatchRun returns a run by id.
func (s *Store) GetBatchRun(id string) (*BatchRun, error) {
	run := &BatchRun{}
	var defaults, status, createdAt string
	err := s.db.QueryRow(`SELECT id, defaults, concurrency, status, created_at
		FROM batch_runs WHERE id = ?`, id).
		Scan(&run.ID, &defaults, &run.Concurrency, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defaults), &run.Defaults); err != nil {
		return nil, fmt.Errorf("parsing run defaults: %w", err)
	}
	run.Status = BatchRunStatus(status)
	run.CreatedAt = parseTime(createdAt)
	return run, nil
}

// UpdateBatchRunStatus transitions a run's status.
func (s *Store) UpdateBatchRunStatus(id string, status BatchRunStatus) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE batch_runs SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

// BatchItems returns a run's items, optionally filtered by status.
// Items come back in insertion (plan) order.
func (s *Store) BatchItems(runID string, filter BatchItemStatus) ([]*BatchItem, error) {
	query := `SELECT ` + batchItemColumns + ` FROM batch_items WHERE run_id = ?`
	args := []any{runID}
	if filter != "" {
		query += ` AND status = ?`
		args = append(args, string(filter))
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*BatchItem
	for rows.Next() {
		item, err := scanBatchItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetBatchItem returns an item by id.
func (s *Store) GetBatchItem(id string) (*BatchItem, error) {
	row := s.db.QueryRow(`SELECT `+batchItemColumns+` FROM batch_items WHERE id = ?`, id)
	item, err := scanBatchItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// MarkBatchItemRunning transitions a queued item to running and stamps its
// start time. Returns ErrNotFound if the item is not queued, which keeps
// the transition exclusive under concurrent schedulers.
func (s *Store) MarkBatchItemRunning(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE batch_items SET status = ?, started_at = ?
			WHERE id = ? AND status = ?`,
			string(ItemRunning), fmtTime(time.Now()), id, string(ItemQueued))
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

// FinishBatchItem writes an item's terminal state.
func (s *Store) FinishBatchItem(item *BatchItem) error {
	if !item.Status.IsTerminal() {
		return fmt.Errorf("batch item %s: status %q is not terminal", item.ID, item.Status)
	}
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE batch_items SET
				status = ?, session_id = ?, finished_at = ?, commit_sha = ?,
				token_total = ?, tool_call_count = ?, error_text = ?
			WHERE id = ?`,
			string(item.Status), item.SessionID, fmtTimePtr(item.FinishedAt),
			item.CommitSHA, item.TokenTotal, item.ToolCallCount, item.ErrorText, item.ID)
		if err != nil {
			return err
		}
		return requireRow(res, item.ID)
	})
}

// CountRunningItems returns how many of a run's items are currently in
// status running.
func (s *Store) CountRunningItems(runID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM batch_items WHERE run_id = ? AND status = ?`,
		runID, string(ItemRunning)).Scan(&n)
	return n, err
}

func scanBatchItem(row scanner) (*BatchItem, error) {
	item := &BatchItem{}
	var status string
	var startedAt, finishedAt sql.NullString
	err := row.Scan(&item.ID, &item.RunID, &item.RepoPath, &item.Prompt, &status,
		&item.SessionID, &startedAt, &finishedAt, &item.CommitSHA, &item.TokenTotal,
		&item.ToolCallCount, &item.ErrorText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Status = BatchItemStatus(status)
	item.StartedAt = parseTimePtr(startedAt)
	item.FinishedAt = parseTimePtr(finishedAt)
	return item, nil
}
