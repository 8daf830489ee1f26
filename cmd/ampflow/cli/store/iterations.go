package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const iterationColumns = `id, session_id, start_time, end_time, commit_sha, changed_files,
	exit_code, test_result, prompt_tokens, completion_tokens, total_tokens, model,
	agent_version, command_line, raw_output`

// CreateIteration inserts a new iteration row, normally with only the start
// fields populated.
func (s *Store) CreateIteration(it *Iteration) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO iterations (`+iterationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.SessionID, fmtTime(it.StartTime), fmtTimePtr(it.EndTime), it.CommitSHA,
			it.ChangedFiles, it.ExitCode, string(it.TestResult), it.PromptTokens,
			it.CompletionTokens, it.TotalTokens, it.Model, it.AgentVersion,
			it.CommandLine, it.RawOutput)
		if err != nil {
			return fmt.Errorf("inserting iteration %s: %w", it.ID, err)
		}
		return nil
	})
}

// FinishIteration writes the end-of-turn fields. An iteration that already
// has an end time is immutable; finishing it twice is an error.
func (s *Store) FinishIteration(it *Iteration) error {
	if it.EndTime == nil {
		return errors.New("finish iteration: end time not set")
	}
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE iterations SET
				end_time = ?, commit_sha = ?, changed_files = ?, exit_code = ?,
				test_result = ?, prompt_tokens = ?, completion_tokens = ?,
				total_tokens = ?, model = ?, agent_version = ?, command_line = ?,
				raw_output = ?
			WHERE id = ? AND end_time IS NULL`,
			fmtTimePtr(it.EndTime), it.CommitSHA, it.ChangedFiles, it.ExitCode,
			string(it.TestResult), it.PromptTokens, it.CompletionTokens, it.TotalTokens,
			it.Model, it.AgentVersion, it.CommandLine, it.RawOutput, it.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("iteration %s not found or already finished", it.ID)
		}
		return nil
	})
}

// GetIteration returns an iteration by id.
func (s *Store) GetIteration(id string) (*Iteration, error) {
	row := s.db.QueryRow(`SELECT `+iterationColumns+` FROM iterations WHERE id = ?`, id)
	return scanIteration(row)
}

// IterationsFor returns a session's iterations ordered by start time.
func (s *Store) IterationsFor(sessionID string) ([]*Iteration, error) {
	rows, err := s.db.Query(`SELECT `+iterationColumns+`
		FROM iterations WHERE session_id = ? ORDER BY start_time`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var iterations []*Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		iterations = append(iterations, it)
	}
	return iterations, rows.Err()
}

func scanIteration(row scanner) (*Iteration, error) {
	it := &Iteration{}
	var startTime, testResult string
	var endTime sql.NullString
	err := row.Scan(&it.ID, &it.SessionID, &startTime, &endTime, &it.CommitSHA,
		&it.ChangedFiles, &it.ExitCode, &testResult, &it.PromptTokens,
		&it.CompletionTokens, &it.TotalTokens, &it.Model, &it.AgentVersion,
		&it.CommandLine, &it.RawOutput)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	it.StartTime = parseTime(startTime)
	it.EndTime = parseTimePtr(endTime)
	it.TestResult = TestResult(testResult)
	return it, nil
}
