package amp

import (
	"reflect"
	"strings"
	"testing"
)

func TestParse_Empty(t *testing.T) {
	rec := Parse("")
	if rec.Exit != 0 {
		t.Errorf("Exit = %d, want 0", rec.Exit)
	}
	if len(rec.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %d, want none", len(rec.ToolCalls))
	}
	if rec.TotalTokens != 0 {
		t.Errorf("TotalTokens = %d, want 0", rec.TotalTokens)
	}
}

func TestParse_TokenFramesAreSummed(t *testing.T) {
	output := strings.Join([]string{
		`{"tokens":{"prompt":10,"completion":5,"total":15},"model":"m"}`,
		`Prompt tokens: 20, Completion tokens: 10, Total: 30`,
		`{"usage":{"input_tokens":5,"output_tokens":5}}`,
	}, "\n")

	rec := Parse(output)
	if rec.PromptTokens != 35 {
		t.Errorf("PromptTokens = %d, want 35", rec.PromptTokens)
	}
	if rec.CompletionTokens != 20 {
		t.Errorf("CompletionTokens = %d, want 20", rec.CompletionTokens)
	}
	if rec.TotalTokens != 55 {
		t.Errorf("TotalTokens = %d, want 55", rec.TotalTokens)
	}
	if rec.Model != "m" {
		t.Errorf("Model = %q, want m", rec.Model)
	}
}

func TestParse_ToolStartFinishPairing(t *testing.T) {
	output := strings.Join([]string{
		`{"tool":"grep","event":"tool_start","timestamp":"2026-03-14T10:00:00Z"}`,
		`{"tool":"grep","event":"tool_finish","timestamp":"2026-03-14T10:00:05Z","duration_ms":5000}`,
	}, "\n")

	rec := Parse(output)
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(rec.ToolCalls))
	}
	call := rec.ToolCalls[0]
	if call.Name != "grep" || !call.Success {
		t.Errorf("call = %+v, want successful grep", call)
	}
	if call.DurationMS == nil || *call.DurationMS != 5000 {
		t.Errorf("DurationMS = %v, want 5000", call.DurationMS)
	}
}

func TestParse_ToolFinishFailed(t *testing.T) {
	output := strings.Join([]string{
		`{"tool":"edit","event":"tool_start","timestamp":"2026-03-14T10:00:00Z"}`,
		`{"tool":"edit","event":"tool_finish","timestamp":"2026-03-14T10:00:01Z","status":"error"}`,
	}, "\n")

	rec := Parse(output)
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(rec.ToolCalls))
	}
	if rec.ToolCalls[0].Success {
		t.Error("expected failed tool call")
	}
}

func TestParse_UnmatchedFinish(t *testing.T) {
	rec := Parse(`{"tool":"bash","event":"tool_finish","timestamp":"2026-03-14T10:00:00Z"}`)
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(rec.ToolCalls))
	}
	call := rec.ToolCalls[0]
	if call.Name != "bash" || call.Arguments != "{}" {
		t.Errorf("call = %+v, want bash with empty args", call)
	}
}

func TestParse_UnpairedStartFlushedAsSuccess(t *testing.T) {
	rec := Parse(`{"tool":"grep","event":"tool_start","timestamp":"2026-03-14T10:00:00Z"}`)
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(rec.ToolCalls))
	}
	call := rec.ToolCalls[0]
	if !call.Success {
		t.Error("flushed start should default to success")
	}
	if call.DurationMS != nil {
		t.Error("flushed start should carry no duration")
	}
}

func TestParse_PairingWindowExpires(t *testing.T) {
	// Finish ten minutes after the start: outside the window, so two
	// records result (the unmatched finish plus the flushed start).
	output := strings.Join([]string{
		`{"tool":"grep","event":"tool_start","timestamp":"2026-03-14T10:00:00Z"}`,
		`{"tool":"grep","event":"tool_finish","timestamp":"2026-03-14T10:10:00Z"}`,
	}, "\n")

	rec := Parse(output)
	if len(rec.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %d, want 2", len(rec.ToolCalls))
	}
}

func TestParse_ToolCallBatchAndResultByID(t *testing.T) {
	output := strings.Join([]string{
		`{"id":"call_1","name":"read_file","arguments":{"path":"main.go"},"timestamp":"2026-03-14T10:00:00Z"}`,
		`{"type":"tool_result","id":"call_1","content":"ok","duration":250,"timestamp":"2026-03-14T10:00:01Z"}`,
	}, "\n")

	rec := Parse(output)
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(rec.ToolCalls))
	}
	call := rec.ToolCalls[0]
	if call.Name != "read_file" {
		t.Errorf("Name = %q, want read_file", call.Name)
	}
	if call.Arguments != `{"path":"main.go"}` {
		t.Errorf("Arguments = %q", call.Arguments)
	}
	if call.DurationMS == nil || *call.DurationMS != 250 {
		t.Errorf("DurationMS = %v, want 250", call.DurationMS)
	}
}

func TestParse_ToolResultWithError(t *testing.T) {
	output := strings.Join([]string{
		`{"id":"call_9","name":"bash","arguments":{"cmd":"false"},"timestamp":"2026-03-14T10:00:00Z"}`,
		`{"type":"tool_result","id":"call_9","error":{"message":"exit 1"},"timestamp":"2026-03-14T10:00:01Z"}`,
	}, "\n")

	rec := Parse(output)
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(rec.ToolCalls))
	}
	if rec.ToolCalls[0].Success {
		t.Error("tool_result with error should be a failure")
	}
}

func TestParse_DoubleEncodedArguments(t *testing.T) {
	output := `{"tool_calls":[{"type":"function","function":{"name":"grep","arguments":"{\"pattern\":\"x\"}"}}]}`
	rec := Parse(output)
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(rec.ToolCalls))
	}
	if rec.ToolCalls[0].Arguments != `{"pattern":"x"}` {
		t.Errorf("Arguments = %q, want decoded object", rec.ToolCalls[0].Arguments)
	}
}

func TestParse_TextLogPairing(t *testing.T) {
	output := strings.Join([]string{
		`[2026-03-14T10:00:00Z] Using grep tool with args: {"pattern": "x"}`,
		`[2026-03-14T10:00:05Z] grep tool completed in 5000ms`,
	}, "\n")

	rec := Parse(output)
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(rec.ToolCalls))
	}
	call := rec.ToolCalls[0]
	if call.Name != "grep" || !call.Success {
		t.Errorf("call = %+v, want successful grep", call)
	}
	if call.Arguments != `{"pattern": "x"}` {
		t.Errorf("Arguments = %q", call.Arguments)
	}
	if call.DurationMS == nil || *call.DurationMS != 5000 {
		t.Errorf("DurationMS = %v, want 5000", call.DurationMS)
	}
}

func TestParse_TextLogInvalidTimestampSkipped(t *testing.T) {
	rec := Parse(`[not-a-time] Using grep tool with args: {"pattern": "x"}`)
	if len(rec.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %d, want 0 for invalid timestamp", len(rec.ToolCalls))
	}
}

func TestParse_MalformedJSONIgnored(t *testing.T) {
	output := strings.Join([]string{
		`{"tokens":{"prompt":10,`,
		`{"tokens":{"prompt":10,"completion":5}}`,
	}, "\n")

	rec := Parse(output)
	if rec.PromptTokens != 10 || rec.CompletionTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", rec.PromptTokens, rec.CompletionTokens)
	}
	if rec.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15 (derived)", rec.TotalTokens)
	}
}

func TestParse_Metadata(t *testing.T) {
	output := strings.Join([]string{
		`{"agent_version":"1.2.3","thread_id":"T-0199a8c3"}`,
		`{"agent_version":"9.9.9"}`,
	}, "\n")

	rec := Parse(output)
	if rec.AgentVersion != "1.2.3" {
		t.Errorf("AgentVersion = %q, want first value to win", rec.AgentVersion)
	}
	if rec.ThreadID != "T-0199a8c3" {
		t.Errorf("ThreadID = %q", rec.ThreadID)
	}
}

func TestParse_TextVersionLine(t *testing.T) {
	rec := Parse("amp version 1.4.0 (build abc)")
	if rec.AgentVersion != "1.4.0" {
		t.Errorf("AgentVersion = %q, want 1.4.0", rec.AgentVersion)
	}
}

func TestParse_InvokeBlock(t *testing.T) {
	rec := Parse(`<invoke name="edit_file">`)
	if len(rec.ToolCalls) != 1 || rec.ToolCalls[0].Name != "edit_file" {
		t.Errorf("ToolCalls = %+v, want one edit_file call", rec.ToolCalls)
	}
}

// mergeTelemetry combines two records the way a caller parsing a stream in
// chunks would: token counts sum, metadata is first-wins, tool calls append.
func mergeTelemetry(a, b *Telemetry) *Telemetry {
	merged := &Telemetry{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
		Model:            firstNonEmpty(a.Model, b.Model),
		AgentVersion:     firstNonEmpty(a.AgentVersion, b.AgentVersion),
		ThreadID:         firstNonEmpty(a.ThreadID, b.ThreadID),
	}
	merged.ToolCalls = append(append([]ParsedToolCall{}, a.ToolCalls...), b.ToolCalls...)
	return merged
}

// Parsing a transcript whole must agree with parsing it in two chunks and
// merging the halves, for every chunk boundary that keeps a start/finish
// pair together.
func TestParse_ChunkedOutputMerges(t *testing.T) {
	segments := []string{
		`{"tokens":{"prompt":20,"completion":10,"total":30},"model":"default"}` + "\n",
		`{"thread_id":"T-1","agent_version":"1.2.3"}` + "\n",
		`{"tool":"edit_file","event":"tool_start","timestamp":"2026-03-01T10:00:00Z"}` + "\n" +
			`{"tool":"edit_file","event":"tool_finish","duration_ms":1000,"timestamp":"2026-03-01T10:00:01Z"}` + "\n",
		`{"tokens":{"prompt":15,"completion":10,"total":25}}` + "\n",
	}
	whole := Parse(strings.Join(segments, ""))

	if whole.PromptTokens != 35 || whole.CompletionTokens != 20 || whole.TotalTokens != 55 {
		t.Fatalf("whole tokens = %d/%d/%d, want 35/20/55",
			whole.PromptTokens, whole.CompletionTokens, whole.TotalTokens)
	}
	if whole.Model != "default" || whole.ThreadID != "T-1" || whole.AgentVersion != "1.2.3" {
		t.Fatalf("whole metadata = %q/%q/%q", whole.Model, whole.ThreadID, whole.AgentVersion)
	}
	if len(whole.ToolCalls) != 1 || whole.ToolCalls[0].DurationMS == nil || *whole.ToolCalls[0].DurationMS != 1000 {
		t.Fatalf("whole ToolCalls = %+v, want one paired edit_file call", whole.ToolCalls)
	}

	for cut := 1; cut < len(segments); cut++ {
		first := Parse(strings.Join(segments[:cut], ""))
		second := Parse(strings.Join(segments[cut:], ""))
		merged := mergeTelemetry(first, second)
		if !reflect.DeepEqual(merged, whole) {
			t.Errorf("cut after segment %d: merged = %+v, whole = %+v", cut, merged, whole)
		}
	}
}
