package gitx

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Retry schedule for transient failures: exponential base 1s, cap 10s,
// jitter up to 200ms, three attempts total.
const (
	maxAttempts    = 3
	retryBase      = 1 * time.Second
	retryCap       = 10 * time.Second
	retryJitterMax = 200 * time.Millisecond
)

// staleLockAge is how old a .git lock file must be before it is assumed
// abandoned and removed between retries.
const staleLockAge = 5 * time.Minute

// transientSignatures are stderr substrings that indicate a failure worth
// retrying: lock contention, another git process, network flakes, busy
// devices, and worktree add/remove races.
var transientSignatures = []string{
	"index.lock",
	"head.lock",
	"config.lock",
	"shallow.lock",
	"another git process",
	"unable to create",
	"timed out",
	"connection refused",
	"connection reset",
	"network is unreachable",
	"could not resolve host",
	"device or resource busy",
	"already exists",
	"missing but already registered worktree",
	"is missing",
}

// IsTransient reports whether an error looks like transient git contention
// that a retry may resolve.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// backoffDelay returns the delay before retry attempt n (0-based).
func backoffDelay(attempt int) time.Duration {
	d := retryBase << attempt
	if d > retryCap {
		d = retryCap
	}
	return d + time.Duration(rand.Int63n(int64(retryJitterMax))) //nolint:gosec // jitter, not crypto
}

// execWithRetry runs Exec, retrying transient failures up to maxAttempts.
// Between attempts it clears stale lock files under the repository's .git.
func (d *Driver) execWithRetry(ctx context.Context, dir string, args ...string) (*Result, error) {
	var res *Result
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err = d.Exec(ctx, dir, 0, args...)
		if err == nil || !IsTransient(err) {
			return res, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		d.cleanupStaleLocks(ctx, dir)
		select {
		case <-time.After(backoffDelay(attempt)):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	return res, err
}

// cleanupStaleLocks removes lock files under .git older than staleLockAge.
// Best effort: a lock we cannot stat or remove is left alone.
func (d *Driver) cleanupStaleLocks(ctx context.Context, dir string) {
	gitDir, err := d.output(ctx, dir, "rev-parse", "--git-dir")
	if err != nil {
		return
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(dir, gitDir)
	}

	cutoff := time.Now().Add(-staleLockAge)
	_ = filepath.Walk(gitDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || info == nil || info.IsDir() {
			return nil //nolint:nilerr // best-effort scan
		}
		if strings.HasSuffix(path, ".lock") && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
		return nil
	})
}
