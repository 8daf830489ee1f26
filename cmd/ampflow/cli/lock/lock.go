// Package lock implements a cross-process session lock: a file per session
// under <config>/locks, created atomically, with stale-owner detection via a
// process liveness probe.
//
// The lock is cooperative within a process and mandatory across processes:
// every workspace-mutating operation runs under it, read-only queries do not.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
	"github.com/ampflow/cli/cmd/ampflow/cli/validation"
)

// ErrAlreadyLocked is returned when another live process holds the lock.
var ErrAlreadyLocked = errors.New("session already locked")

// Record is the JSON payload stored in a lock file.
type Record struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	CreatedTS string `json:"created_ts"`
	Hostname  string `json:"hostname"`
}

// Lock is a held session lock. Release it with Release.
type Lock struct {
	sessionID string
	path      string
}

// lockPath returns the lock file path for a session.
func lockPath(sessionID string) (string, error) {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	dir, err := paths.LocksDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sessionID+".lock"), nil
}

// Acquire takes the session lock, or fails with ErrAlreadyLocked when a
// live process holds it. A lock whose owner pid is no longer alive is
// treated as stale and removed first.
func Acquire(ctx context.Context, sessionID string) (*Lock, error) {
	path, err := lockPath(sessionID)
	if err != nil {
		return nil, err
	}

	if existing, readErr := readRecord(path); readErr == nil {
		if pidAlive(existing.PID) {
			return nil, fmt.Errorf("%w: held by pid %d on %s since %s",
				ErrAlreadyLocked, existing.PID, existing.Hostname, existing.CreatedTS)
		}
		logging.Warn(ctx, "removing stale session lock",
			"session_id", sessionID, "dead_pid", existing.PID)
		_ = os.Remove(path)
	}

	hostname, _ := os.Hostname()
	record := Record{
		SessionID: sessionID,
		PID:       os.Getpid(),
		CreatedTS: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostname,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding lock record: %w", err)
	}

	// O_EXCL makes creation atomic: exactly one process wins the race.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // session id validated
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: lock file %s exists", ErrAlreadyLocked, path)
		}
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("closing lock file: %w", err)
	}

	return &Lock{sessionID: sessionID, path: path}, nil
}

// Release removes the lock file. Releasing a lock now owned by a different
// pid logs a warning but still removes it (best effort).
func (l *Lock) Release(ctx context.Context) {
	if record, err := readRecord(l.path); err == nil && record.PID != os.Getpid() {
		logging.Warn(ctx, "releasing lock owned by another pid",
			"session_id", l.sessionID, "owner_pid", record.PID)
	}
	_ = os.Remove(l.path)
}

// WithLock runs fn while holding the session lock. The lock is released on
// every exit path, including panic.
func WithLock(ctx context.Context, sessionID string, fn func() error) error {
	l, err := Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer l.Release(ctx)
	return fn()
}

// CleanupStale scans all lock files and removes those whose owner pid is no
// longer alive. Returns the number removed.
func CleanupStale(ctx context.Context) (int, error) {
	dir, err := paths.LocksDir()
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading locks dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		record, readErr := readRecord(path)
		if readErr != nil {
			// Unreadable or corrupt lock: treat as stale.
			if os.Remove(path) == nil {
				removed++
			}
			continue
		}
		if !pidAlive(record.PID) {
			logging.Info(ctx, "removed stale lock",
				"session_id", record.SessionID, "dead_pid", record.PID)
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// readRecord parses a lock file.
func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is under the locks dir
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parsing lock file %s: %w", path, err)
	}
	return &record, nil
}

// pidAlive probes a pid with signal 0. On POSIX, ESRCH means the process is
// gone; EPERM means it exists but belongs to another user, which we must
// treat as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
