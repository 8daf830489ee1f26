package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/ampflow/cli/cmd/ampflow/cli/gitx"
	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
)

// maxSummaryFiles bounds how many files DIFF_SUMMARY.md details.
const maxSummaryFiles = 20

// maxExcerptLines bounds the changed-line excerpt per file.
const maxExcerptLines = 8

// LastStatus is the JSON payload of AGENT_CONTEXT/LAST_STATUS.json, the
// machine-readable record of the most recent iteration the agent can read
// at the start of its next turn.
type LastStatus struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	CommitSHA    string `json:"commit_sha,omitempty"`
	ChangedFiles int    `json:"changed_files"`
	ExitCode     int    `json:"exit_code"`
	TestResult   string `json:"test_result,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

// ensureContextDir creates the AGENT_CONTEXT directory inside a workspace.
func ensureContextDir(workspacePath string) (string, error) {
	dir := paths.ContextDir(workspacePath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating context dir: %w", err)
	}
	return dir, nil
}

// writeSessionFile writes SESSION.md: the session metadata the agent sees.
// Idempotent; overwrites the previous content.
func writeSessionFile(sess *store.Session, authorName, authorEmail string) error {
	dir, err := ensureContextDir(sess.WorkspacePath)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", sess.ID)
	fmt.Fprintf(&b, "- Name: %s\n", sess.Name)
	if authorName != "" {
		fmt.Fprintf(&b, "- Author: %s <%s>\n", authorName, authorEmail)
	}
	fmt.Fprintf(&b, "- Branch: %s\n", sess.Branch)
	fmt.Fprintf(&b, "- Base branch: %s\n", sess.BaseBranch)
	fmt.Fprintf(&b, "- Repository: %s\n", sess.RepoRoot)
	fmt.Fprintf(&b, "- Mode: %s\n", sess.Mode)
	fmt.Fprintf(&b, "- Status: %s\n", sess.Status)
	if sess.ScriptCommand != "" {
		fmt.Fprintf(&b, "- Test script: `%s`\n", sess.ScriptCommand)
	}
	fmt.Fprintf(&b, "- Created: %s\n", sess.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\n## Task\n\n%s\n", sess.Prompt)

	return writeContextFile(dir, paths.SessionFileName, b.String())
}

// writeDiffSummary writes DIFF_SUMMARY.md: per-file line counts and a short
// changed-line excerpt for everything the session branch has accumulated
// over its branchpoint.
func writeDiffSummary(ctx context.Context, git *gitx.Driver, sess *store.Session) error {
	dir, err := ensureContextDir(sess.WorkspacePath)
	if err != nil {
		return err
	}

	info, err := git.BranchInfo(ctx, sess.WorkspacePath, sess.BaseBranch)
	if err != nil {
		return writeContextFile(dir, paths.DiffSummaryFileName, "# Diff summary\n\nNo branch information available.\n")
	}

	var b strings.Builder
	b.WriteString("# Diff summary\n\n")
	fmt.Fprintf(&b, "Branch `%s` is %d ahead, %d behind `%s` (branchpoint `%.12s`).\n\n",
		sess.Branch, info.Ahead, info.Behind, sess.BaseBranch, info.BranchpointSHA)

	files := changedSinceBranchpoint(ctx, git, sess.WorkspacePath, info.BranchpointSHA)
	if len(files) == 0 {
		b.WriteString("No changes since branchpoint.\n")
		return writeContextFile(dir, paths.DiffSummaryFileName, b.String())
	}

	shown := files
	if len(shown) > maxSummaryFiles {
		shown = shown[:maxSummaryFiles]
	}
	for _, path := range shown {
		before := fileAtRev(ctx, git, sess.WorkspacePath, info.BranchpointSHA, path)
		after := fileOnDisk(sess.WorkspacePath, path)
		added, deleted, excerpt := summarizeChange(before, after)
		fmt.Fprintf(&b, "## %s (+%d/-%d)\n\n", path, added, deleted)
		if excerpt != "" {
			b.WriteString("```\n")
			b.WriteString(excerpt)
			b.WriteString("```\n\n")
		}
	}
	if len(files) > maxSummaryFiles {
		fmt.Fprintf(&b, "... and %d more files\n", len(files)-maxSummaryFiles)
	}

	return writeContextFile(dir, paths.DiffSummaryFileName, b.String())
}

// appendIterationLog appends one entry to ITERATION_LOG.md.
func appendIterationLog(workspacePath, entry string) error {
	dir, err := ensureContextDir(workspacePath)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, paths.IterationLogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path under the workspace context dir
	if err != nil {
		return fmt.Errorf("opening iteration log: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "## %s\n\n%s\n\n", time.Now().UTC().Format(time.RFC3339), entry); err != nil {
		return fmt.Errorf("appending iteration log: %w", err)
	}
	return nil
}

// writeLastStatus writes LAST_STATUS.json.
func writeLastStatus(workspacePath string, status *LastStatus) error {
	dir, err := ensureContextDir(workspacePath)
	if err != nil {
		return err
	}
	status.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding last status: %w", err)
	}
	return writeContextFile(dir, paths.LastStatusFileName, string(data)+"\n")
}

// writeRebaseHelp writes REBASE_HELP.md listing unresolved paths and the
// commands that resume or abandon the rebase.
func writeRebaseHelp(workspacePath string, files []string) error {
	dir, err := ensureContextDir(workspacePath)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("# Rebase conflict\n\n")
	b.WriteString("The rebase onto the base branch stopped on conflicts in:\n\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nResolve each file, stage the result, then continue the merge.\n")
	b.WriteString("Aborting restores the branch to its pre-rebase state.\n")
	return writeContextFile(dir, paths.RebaseHelpFileName, b.String())
}

// removeRebaseHelp deletes REBASE_HELP.md once no rebase is outstanding.
func removeRebaseHelp(workspacePath string) {
	_ = os.Remove(filepath.Join(paths.ContextDir(workspacePath), paths.RebaseHelpFileName))
}

func writeContextFile(dir, name, content string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// changedSinceBranchpoint lists paths changed between the branchpoint and
// the working tree.
func changedSinceBranchpoint(ctx context.Context, git *gitx.Driver, workspacePath, branchpoint string) []string {
	res, err := git.Exec(ctx, workspacePath, 0, "diff", "--name-only", branchpoint)
	if err != nil {
		return nil
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// fileAtRev returns a file's content at a revision, empty when it did not
// exist there.
func fileAtRev(ctx context.Context, git *gitx.Driver, workspacePath, rev, path string) string {
	res, err := git.Exec(ctx, workspacePath, 0, "show", rev+":"+path)
	if err != nil {
		return ""
	}
	return res.Stdout
}

func fileOnDisk(workspacePath, path string) string {
	data, err := os.ReadFile(filepath.Join(workspacePath, path)) //nolint:gosec // path comes from git diff output
	if err != nil {
		return ""
	}
	return string(data)
}

// summarizeChange computes a line-level diff between two file versions and
// returns added/deleted counts plus a short excerpt of changed lines.
func summarizeChange(before, after string) (added, deleted int, excerpt string) {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var lines []string
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if n == 0 && d.Text != "" {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
			lines = appendExcerpt(lines, "+", d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += n
			lines = appendExcerpt(lines, "-", d.Text)
		case diffmatchpatch.DiffEqual:
		}
	}
	if len(lines) > 0 {
		excerpt = strings.Join(lines, "\n") + "\n"
	}
	return added, deleted, excerpt
}

func appendExcerpt(lines []string, sign, text string) []string {
	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		if len(lines) >= maxExcerptLines {
			return lines
		}
		lines = append(lines, sign+line)
	}
	return lines
}
