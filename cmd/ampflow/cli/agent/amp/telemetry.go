package amp

import (
	"bufio"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Telemetry is the structured record extracted from agent output.
// Token counts of zero mean "absent"; values from multiple frames are
// summed, not replaced.
type Telemetry struct {
	Exit             int
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Model            string
	AgentVersion     string
	ThreadID         string
	ToolCalls        []ParsedToolCall
}

// ParsedToolCall is one tool invocation reconstructed from the stream.
type ParsedToolCall struct {
	Name       string
	Arguments  string // JSON-encoded argument object, "{}" when unknown
	Success    bool
	DurationMS *int64
	Timestamp  time.Time
}

// pairingWindow is the maximum start/finish timestamp distance for two
// frames to be considered the same tool call.
const pairingWindow = 5 * time.Minute

// scannerBufferSize handles very long single lines in agent output (10MB).
const scannerBufferSize = 10 * 1024 * 1024

// Parse consumes the agent's mixed stdout/stderr text line by line and
// returns the telemetry record. Malformed JSON on one line never affects
// later lines; unrecognized lines are ignored. Empty input yields an empty
// record with exit 0.
func Parse(output string) *Telemetry {
	p := &parser{record: &Telemetry{}}

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !p.consumeJSON(line) {
			p.consumeText(line)
		}
	}

	p.flush()
	return p.record
}

// pendingCall is a started tool call waiting for its finish frame.
type pendingCall struct {
	id        string
	name      string
	arguments string
	timestamp time.Time
}

type parser struct {
	record  *Telemetry
	pending []pendingCall
}

// jsonFrame is the union of every JSON shape the agent is known to emit.
// Dispatch is by shape match on which fields are populated.
type jsonFrame struct {
	// Tool-call intent: {name, arguments}
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`

	// Tool-call batch: {tool_calls: [{type: function, function: {...}}]}
	ToolCalls []struct {
		Type     string `json:"type"`
		Function struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`

	// Legacy function-call: {function_call: {name, arguments}}
	FunctionCall *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function_call"`

	// Explicit start/finish: {tool, event: tool_start|tool_finish}
	Tool       string `json:"tool"`
	Event      string `json:"event"`
	DurationMS *int64 `json:"duration_ms"`
	Status     string `json:"status"`

	// Tool result: {type: tool_result, id, content, duration?}
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Content  json.RawMessage `json:"content"`
	Duration *int64          `json:"duration"`
	Error    json.RawMessage `json:"error"`

	// Token usage in its several spellings.
	Tokens     *tokenCounts `json:"tokens"`
	TokenUsage *tokenCounts `json:"token_usage"`
	Usage      *tokenCounts `json:"usage"`
	tokenCounts

	// Metadata frames.
	Model        string `json:"model"`
	AgentVersion string `json:"agent_version"`
	Version      string `json:"version"`
	ThreadID     string `json:"thread_id"`

	Timestamp string `json:"timestamp"`
}

// tokenCounts covers both prompt/completion and input/output spellings.
type tokenCounts struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	Prompt           int64 `json:"prompt"`
	Completion       int64 `json:"completion"`
	Total            int64 `json:"total"`
}

func (t *tokenCounts) prompt() int64 {
	if t.PromptTokens > 0 {
		return t.PromptTokens
	}
	if t.InputTokens > 0 {
		return t.InputTokens
	}
	return t.Prompt
}

func (t *tokenCounts) completion() int64 {
	if t.CompletionTokens > 0 {
		return t.CompletionTokens
	}
	if t.OutputTokens > 0 {
		return t.OutputTokens
	}
	return t.Completion
}

func (t *tokenCounts) total() int64 {
	if t.TotalTokens > 0 {
		return t.TotalTokens
	}
	return t.Total
}

func (t *tokenCounts) empty() bool {
	return t.prompt() == 0 && t.completion() == 0 && t.total() == 0
}

// consumeJSON attempts to interpret one line as a JSON frame. Returns
// false when the line is not valid JSON (the text fallbacks then run);
// valid JSON of unrecognized shape returns true and is dropped.
func (p *parser) consumeJSON(line string) bool {
	if !strings.HasPrefix(line, "{") {
		return false
	}
	var frame jsonFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return false
	}

	ts := parseFrameTime(frame.Timestamp)

	switch {
	case frame.Event == "tool_start" && frame.Tool != "":
		p.addPending(pendingCall{name: frame.Tool, arguments: "{}", timestamp: ts})

	case frame.Event == "tool_finish" && frame.Tool != "":
		p.finishByName(frame.Tool, ts, frame.DurationMS, frame.Status != "error" && frame.Status != "failed")

	case frame.Type == "tool_result":
		success := len(frame.Error) == 0 || string(frame.Error) == "null"
		p.finishByID(frame.ID, ts, frame.Duration, success)

	case len(frame.ToolCalls) > 0:
		for _, tc := range frame.ToolCalls {
			if tc.Function.Name == "" {
				continue
			}
			p.addPending(pendingCall{
				name:      tc.Function.Name,
				arguments: rawArgs(tc.Function.Arguments),
				timestamp: ts,
			})
		}

	case frame.FunctionCall != nil && frame.FunctionCall.Name != "":
		p.addPending(pendingCall{
			name:      frame.FunctionCall.Name,
			arguments: rawArgs(frame.FunctionCall.Arguments),
			timestamp: ts,
		})

	case frame.Name != "" && frame.Arguments != nil:
		p.addPending(pendingCall{
			id:        frame.ID,
			name:      frame.Name,
			arguments: rawArgs(frame.Arguments),
			timestamp: ts,
		})
	}

	// Token usage may co-occur with any of the shapes above.
	for _, counts := range []*tokenCounts{frame.Tokens, frame.TokenUsage, frame.Usage} {
		if counts != nil && !counts.empty() {
			p.addTokens(counts)
		}
	}
	if !frame.tokenCounts.empty() {
		p.addTokens(&frame.tokenCounts)
	}

	if frame.Model != "" && p.record.Model == "" {
		p.record.Model = frame.Model
	}
	if v := firstNonEmpty(frame.AgentVersion, frame.Version); v != "" && p.record.AgentVersion == "" {
		p.record.AgentVersion = v
	}
	if frame.ThreadID != "" && p.record.ThreadID == "" {
		p.record.ThreadID = frame.ThreadID
	}

	return true
}

// Text-log fallback patterns for agents running without JSON output.
var (
	// [2024-01-01T10:00:00Z] Using grep tool with args: {"pattern": "x"}
	reUsingTool = regexp.MustCompile(`^\[([^\]]+)\]\s+Using\s+(\S+)\s+tool(?:\s+with\s+args:\s+(\{.*\}))?`)

	// [2024-01-01T10:00:05Z] grep tool completed in 5000ms
	reToolCompleted = regexp.MustCompile(`^\[([^\]]+)\]\s+(\S+)\s+tool\s+(completed|failed).*?(\d+)\s*ms`)

	// Tool grep started
	reToolStarted = regexp.MustCompile(`^Tool\s+(\S+)\s+started`)

	// Tool grep done in 123ms / grep done in 123ms
	reToolDone = regexp.MustCompile(`^(?:Tool\s+)?(\S+)\s+done\s+in\s+(\d+)\s*ms`)

	// <invoke name="grep"> inside a <function_calls> block
	reInvoke = regexp.MustCompile(`<invoke\s+name="([^"]+)"`)

	// Prompt tokens: 20, Completion tokens: 10, Total: 30
	reTokenSummary = regexp.MustCompile(`(?i)prompt[_ ]tokens:?\s*(\d+)\D+?(?:completion|output)[_ ]tokens:?\s*(\d+)(?:\D+?total:?\s*(\d+))?`)

	// input_tokens: 5, output_tokens: 5
	reTokenInOut = regexp.MustCompile(`(?i)input[_ ]tokens:?\s*(\d+)\D+?output[_ ]tokens:?\s*(\d+)`)

	// amp version 1.2.3 / amp v1.2.3
	reVersion = regexp.MustCompile(`(?i)\bamp\s+(?:version\s+|v)(\d+\.\d+\.\d+\S*)`)
)

// consumeText matches one non-JSON line against the text-log patterns.
func (p *parser) consumeText(line string) {
	if m := reUsingTool.FindStringSubmatch(line); m != nil {
		ts, ok := parseTextTime(m[1])
		if !ok {
			return // invalid timestamp: skip rather than match greedily
		}
		args := m[3]
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		p.addPending(pendingCall{name: m[2], arguments: args, timestamp: ts})
		return
	}

	if m := reToolCompleted.FindStringSubmatch(line); m != nil {
		ts, ok := parseTextTime(m[1])
		if !ok {
			return
		}
		duration, _ := strconv.ParseInt(m[4], 10, 64)
		p.finishByName(m[2], ts, &duration, m[3] != "failed")
		return
	}

	if m := reToolStarted.FindStringSubmatch(line); m != nil {
		p.addPending(pendingCall{name: m[1], arguments: "{}"})
		return
	}

	if m := reToolDone.FindStringSubmatch(line); m != nil {
		duration, _ := strconv.ParseInt(m[2], 10, 64)
		p.finishByName(m[1], time.Time{}, &duration, !strings.Contains(strings.ToLower(line), "failed"))
		return
	}

	if m := reInvoke.FindStringSubmatch(line); m != nil {
		p.addPending(pendingCall{name: m[1], arguments: "{}"})
		return
	}

	if m := reTokenSummary.FindStringSubmatch(line); m != nil {
		prompt, _ := strconv.ParseInt(m[1], 10, 64)
		completion, _ := strconv.ParseInt(m[2], 10, 64)
		p.record.PromptTokens += prompt
		p.record.CompletionTokens += completion
		if m[3] != "" {
			total, _ := strconv.ParseInt(m[3], 10, 64)
			p.record.TotalTokens += total
		} else {
			p.record.TotalTokens += prompt + completion
		}
		return
	}

	if m := reTokenInOut.FindStringSubmatch(line); m != nil {
		input, _ := strconv.ParseInt(m[1], 10, 64)
		output, _ := strconv.ParseInt(m[2], 10, 64)
		p.record.PromptTokens += input
		p.record.CompletionTokens += output
		p.record.TotalTokens += input + output
		return
	}

	if m := reVersion.FindStringSubmatch(line); m != nil && p.record.AgentVersion == "" {
		p.record.AgentVersion = m[1]
	}
}

// addPending records a started tool call awaiting its finish.
func (p *parser) addPending(call pendingCall) {
	p.pending = append(p.pending, call)
}

// addTokens sums one token frame into the record. A frame without an
// explicit total contributes prompt+completion.
func (p *parser) addTokens(counts *tokenCounts) {
	prompt := counts.prompt()
	completion := counts.completion()
	total := counts.total()
	if total == 0 {
		total = prompt + completion
	}
	p.record.PromptTokens += prompt
	p.record.CompletionTokens += completion
	p.record.TotalTokens += total
}

// finishByName pairs a finish event with the pending start of the same
// tool name whose timestamp is closest, within the pairing window.
// An unmatched finish is emitted on its own with empty args.
func (p *parser) finishByName(name string, ts time.Time, durationMS *int64, success bool) {
	best := -1
	var bestDelta time.Duration
	for i, call := range p.pending {
		if call.name != name {
			continue
		}
		delta := absDuration(ts.Sub(call.timestamp))
		if delta > pairingWindow {
			continue
		}
		if best == -1 || delta < bestDelta {
			best = i
			bestDelta = delta
		}
	}

	if best == -1 {
		p.record.ToolCalls = append(p.record.ToolCalls, ParsedToolCall{
			Name:       name,
			Arguments:  "{}",
			Success:    success,
			DurationMS: durationMS,
			Timestamp:  ts,
		})
		return
	}

	call := p.pending[best]
	p.pending = append(p.pending[:best], p.pending[best+1:]...)
	p.record.ToolCalls = append(p.record.ToolCalls, ParsedToolCall{
		Name:       call.name,
		Arguments:  call.arguments,
		Success:    success,
		DurationMS: durationMS,
		Timestamp:  call.timestamp,
	})
}

// finishByID pairs a tool_result with its pending call by id, falling back
// to the closest pending timestamp.
func (p *parser) finishByID(id string, ts time.Time, durationMS *int64, success bool) {
	best := -1
	if id != "" {
		for i, call := range p.pending {
			if call.id == id {
				best = i
				break
			}
		}
	}
	if best == -1 {
		var bestDelta time.Duration
		for i, call := range p.pending {
			delta := absDuration(ts.Sub(call.timestamp))
			if delta > pairingWindow {
				continue
			}
			if best == -1 || delta < bestDelta {
				best = i
				bestDelta = delta
			}
		}
	}

	if best == -1 {
		// A result with no pending start at all still proves a call ran.
		p.record.ToolCalls = append(p.record.ToolCalls, ParsedToolCall{
			Name:       "unknown",
			Arguments:  "{}",
			Success:    success,
			DurationMS: durationMS,
			Timestamp:  ts,
		})
		return
	}

	call := p.pending[best]
	p.pending = append(p.pending[:best], p.pending[best+1:]...)
	p.record.ToolCalls = append(p.record.ToolCalls, ParsedToolCall{
		Name:       call.name,
		Arguments:  call.arguments,
		Success:    success,
		DurationMS: durationMS,
		Timestamp:  call.timestamp,
	})
}

// flush emits pending starts that never saw a finish: success with no
// duration.
func (p *parser) flush() {
	for _, call := range p.pending {
		p.record.ToolCalls = append(p.record.ToolCalls, ParsedToolCall{
			Name:      call.name,
			Arguments: call.arguments,
			Success:   true,
			Timestamp: call.timestamp,
		})
	}
	p.pending = nil
}

// rawArgs normalizes a raw JSON arguments value into a JSON object string.
// Some agents double-encode arguments as a JSON string.
func rawArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	s := string(raw)
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil && json.Valid([]byte(inner)) {
			return inner
		}
	}
	if json.Valid(raw) {
		return s
	}
	return "{}"
}

// parseFrameTime parses a JSON frame timestamp, returning zero time when
// absent or malformed.
func parseFrameTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseTextTime parses a bracketed-timestamp prefix from text logs.
// Returns ok=false for invalid timestamps so the pattern is skipped.
func parseTextTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
