package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one schema version step. Statements run inside a single
// transaction together with the migrations-table bookkeeping row.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "initial schema",
		SQL: `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		repo_root TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		branch TEXT NOT NULL,
		workspace_path TEXT NOT NULL,
		status TEXT NOT NULL,
		mode TEXT NOT NULL,
		script_command TEXT DEFAULT '',
		model_override TEXT DEFAULT '',
		thread_id TEXT DEFAULT '',
		batch_run_id TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		last_run_at TEXT,
		UNIQUE (repo_root, branch)
	);

	CREATE TABLE IF NOT EXISTS iterations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		commit_sha TEXT DEFAULT '',
		changed_files INTEGER DEFAULT 0,
		exit_code INTEGER DEFAULT 0,
		test_result TEXT DEFAULT '',
		prompt_tokens INTEGER DEFAULT 0,
		completion_tokens INTEGER DEFAULT 0,
		total_tokens INTEGER DEFAULT 0,
		model TEXT DEFAULT '',
		agent_version TEXT DEFAULT '',
		command_line TEXT DEFAULT '',
		raw_output TEXT DEFAULT '',
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_iterations_session ON iterations(session_id, start_time);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		iteration_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT DEFAULT '{}',
		success INTEGER NOT NULL DEFAULT 1,
		duration_ms INTEGER,
		message_id TEXT DEFAULT '',
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		FOREIGN KEY (iteration_id) REFERENCES iterations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_iteration ON tool_calls(iteration_id);

	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS thread_messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (thread_id, idx),
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS follow_up_prompts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS batch_runs (
		id TEXT PRIMARY KEY,
		defaults TEXT NOT NULL DEFAULT '{}',
		concurrency INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batch_items (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		session_id TEXT DEFAULT '',
		started_at TEXT,
		finished_at TEXT,
		commit_sha TEXT DEFAULT '',
		token_total INTEGER DEFAULT 0,
		tool_call_count INTEGER DEFAULT 0,
		error_text TEXT DEFAULT '',
		FOREIGN KEY (run_id) REFERENCES batch_runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_batch_items_run ON batch_items(run_id, status);
	`,
	},
}

// migrate applies pending migrations in version order. Applied versions are
// recorded in the migrations table.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.Query(`SELECT version FROM migrations`)
	if err != nil {
		return fmt.Errorf("reading applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		err := s.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.SQL); err != nil {
				return fmt.Errorf("applying migration %d (%s): %w", m.Version, m.Name, err)
			}
			_, err := tx.Exec(`INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Name, fmtTime(time.Now()))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}
