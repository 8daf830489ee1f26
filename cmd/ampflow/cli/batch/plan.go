// Package batch executes a plan of many sessions under a concurrency
// bound: queue persistence, slot-based scheduling, failure classification,
// and cooperative abort.
package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ampflow/cli/cmd/ampflow/cli/store"
)

// PlanItem is one matrix entry: a repository and the prompt to run in it,
// with optional per-item overrides of the plan defaults.
type PlanItem struct {
	Repo          string `json:"repo"`
	Prompt        string `json:"prompt"`
	BaseBranch    string `json:"base_branch,omitempty"`
	ScriptCommand string `json:"script_command,omitempty"`
	Model         string `json:"model,omitempty"`
	TimeoutSec    int    `json:"timeout_sec,omitempty"`
	MergeOnPass   *bool  `json:"merge_on_pass,omitempty"`
}

// Plan is the full batch description.
type Plan struct {
	Concurrency int                 `json:"concurrency"`
	Defaults    store.BatchDefaults `json:"defaults"`
	Matrix      []PlanItem          `json:"matrix"`
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied plan path
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates plan JSON.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks the plan's structural constraints.
func (p *Plan) Validate() error {
	if p.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", p.Concurrency)
	}
	if p.Defaults.TimeoutSec < 0 {
		return fmt.Errorf("defaults.timeout_sec must be nonnegative, got %d", p.Defaults.TimeoutSec)
	}
	if p.Defaults.Retries < 0 {
		return fmt.Errorf("defaults.retries must be nonnegative, got %d", p.Defaults.Retries)
	}
	if len(p.Matrix) == 0 {
		return fmt.Errorf("matrix is empty")
	}
	for i, item := range p.Matrix {
		if strings.TrimSpace(item.Repo) == "" {
			return fmt.Errorf("matrix[%d]: repo is required", i)
		}
		if strings.TrimSpace(item.Prompt) == "" {
			return fmt.Errorf("matrix[%d]: prompt is required", i)
		}
		if item.TimeoutSec < 0 {
			return fmt.Errorf("matrix[%d]: timeout_sec must be nonnegative", i)
		}
	}
	return nil
}

// effective is a matrix item with the plan defaults folded in.
type effective struct {
	Repo          string
	Prompt        string
	BaseBranch    string
	ScriptCommand string
	Model         string
	TimeoutSec    int
	Retries       int
	MergeOnPass   bool
}

// resolve folds plan defaults into one matrix item.
func (p *Plan) resolve(item PlanItem) effective {
	e := effective{
		Repo:          item.Repo,
		Prompt:        item.Prompt,
		BaseBranch:    item.BaseBranch,
		ScriptCommand: item.ScriptCommand,
		Model:         item.Model,
		TimeoutSec:    item.TimeoutSec,
		Retries:       p.Defaults.Retries,
		MergeOnPass:   p.Defaults.MergeOnPass,
	}
	if e.BaseBranch == "" {
		e.BaseBranch = p.Defaults.BaseBranch
	}
	if e.ScriptCommand == "" {
		e.ScriptCommand = p.Defaults.ScriptCommand
	}
	if e.Model == "" {
		e.Model = p.Defaults.Model
	}
	if e.TimeoutSec == 0 {
		e.TimeoutSec = p.Defaults.TimeoutSec
	}
	if item.MergeOnPass != nil {
		e.MergeOnPass = *item.MergeOnPass
	}
	return e
}

// Summary renders a human-readable plan overview for dry runs.
func (p *Plan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch plan: %d items, concurrency %d\n", len(p.Matrix), p.Concurrency)
	if p.Defaults.MergeOnPass {
		b.WriteString("Merge on pass: enabled\n")
	}
	for i, item := range p.Matrix {
		e := p.resolve(item)
		fmt.Fprintf(&b, "%3d. %s — %s", i+1, e.Repo, firstPromptLine(e.Prompt))
		if e.Model != "" {
			fmt.Fprintf(&b, " [model %s]", e.Model)
		}
		if e.TimeoutSec > 0 {
			fmt.Fprintf(&b, " [timeout %ds]", e.TimeoutSec)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func firstPromptLine(prompt string) string {
	line := prompt
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	const maxLen = 70
	if len(line) > maxLen {
		line = line[:maxLen] + "..."
	}
	return line
}
