package telemetry

import "testing"

func TestParseEmptyInput(t *testing.T) {
	rec := Parse("   \n\n  ")
	if rec.HasTokens || len(rec.ToolCalls) != 0 {
		t.Errorf("expected empty record, got %+v", rec)
	}
}

func TestParseToolCallIntent(t *testing.T) {
	rec := Parse(`{"name": "grep", "arguments": {"pattern": "foo"}}`)
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(rec.ToolCalls))
	}
	if rec.ToolCalls[0].Name != "grep" || !rec.ToolCalls[0].Success {
		t.Errorf("unexpected tool call: %+v", rec.ToolCalls[0])
	}
}

func TestParseToolCallBatch(t *testing.T) {
	rec := Parse(`{"tool_calls": [{"type": "function", "function": {"name": "bash", "arguments": {"cmd": "ls"}}}]}`)
	if len(rec.ToolCalls) != 1 || rec.ToolCalls[0].Name != "bash" {
		t.Fatalf("unexpected tool calls: %+v", rec.ToolCalls)
	}
}

func TestParseStartFinishPairing(t *testing.T) {
	input := `{"tool": "grep", "event": "tool_start", "timestamp": "2026-01-01T00:00:00Z"}
{"tool": "grep", "event": "tool_finish", "timestamp": "2026-01-01T00:00:05Z", "duration_ms": 5000}`
	rec := Parse(input)
	if len(rec.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(rec.ToolCalls))
	}
	tc := rec.ToolCalls[0]
	if !tc.Success || tc.DurationMS == nil || *tc.DurationMS != 5000 {
		t.Errorf("unexpected paired call: %+v", tc)
	}
}

func TestParseUnpairedStartDefaultsSuccess(t *testing.T) {
	rec := Parse(`{"tool": "grep", "event": "tool_start", "timestamp": "2026-01-01T00:00:00Z"}`)
	if len(rec.ToolCalls) != 1 || !rec.ToolCalls[0].Success || rec.ToolCalls[0].DurationMS != nil {
		t.Errorf("unexpected unpaired start: %+v", rec.ToolCalls)
	}
}

func TestParseTokenSummation(t *testing.T) {
	input := `{"usage": {"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150}, "model": "claude-sonnet"}
{"tokens": {"prompt": 10, "completion": 5, "total": 15}}`
	rec := Parse(input)
	if rec.PromptTokens != 110 || rec.CompletionTokens != 55 || rec.TotalTokens != 165 {
		t.Errorf("unexpected token sums: %+v", rec)
	}
	if rec.Model != "claude-sonnet" {
		t.Errorf("Model = %q, want claude-sonnet", rec.Model)
	}
}

func TestParseTokenSummationMixedKeysAndSources(t *testing.T) {
	input := `{"tokens":{"prompt":10,"completion":5,"total":15},"model":"m"}
Prompt tokens: 20, Completion tokens: 10, Total: 30
{"usage":{"input_tokens":5,"output_tokens":5}}`
	rec := Parse(input)
	if rec.PromptTokens != 35 || rec.CompletionTokens != 20 || rec.TotalTokens != 55 {
		t.Errorf("unexpected token sums: %+v", rec)
	}
}

func TestParseThreadID(t *testing.T) {
	rec := Parse(`{"thread_id": "thr_abc123"}`)
	if rec.ThreadID != "thr_abc123" {
		t.Errorf("ThreadID = %q, want thr_abc123", rec.ThreadID)
	}
}

func TestParseNestedThreadID(t *testing.T) {
	rec := Parse(`{"thread": {"id": "thr_nested"}}`)
	if rec.ThreadID != "thr_nested" {
		t.Errorf("ThreadID = %q, want thr_nested", rec.ThreadID)
	}
}

func TestParseModelOnlyFrame(t *testing.T) {
	rec := Parse(`{"model": "gpt-4o"}`)
	if rec.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", rec.Model)
	}
}

func TestParseMalformedJSONDoesNotAffectLaterLines(t *testing.T) {
	input := "{not valid json\n" + `{"model": "claude-haiku"}`
	rec := Parse(input)
	if rec.Model != "claude-haiku" {
		t.Errorf("Model = %q, want claude-haiku (malformed line should be skipped)", rec.Model)
	}
}

func TestParseTextLogBracketPattern(t *testing.T) {
	input := `[2026-01-01T00:00:00Z] Using grep tool with args: {"pattern":"foo"}
[2026-01-01T00:00:03Z] grep tool completed in 3000ms`
	rec := Parse(input)
	if len(rec.ToolCalls) != 1 || !rec.ToolCalls[0].Success {
		t.Fatalf("unexpected calls: %+v", rec.ToolCalls)
	}
}

func TestParseTokenSummaryText(t *testing.T) {
	rec := Parse("Prompt tokens: 20, Completion tokens: 10, Total: 30")
	if rec.PromptTokens != 20 || rec.CompletionTokens != 10 || rec.TotalTokens != 30 {
		t.Errorf("unexpected sums: %+v", rec)
	}
}

func TestTruncateShortString(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate = %q, want hello", got)
	}
}

func TestTruncateLongString(t *testing.T) {
	got := Truncate("abcdefghij", 4)
	if got != "abcd…" {
		t.Errorf("Truncate = %q, want abcd…", got)
	}
}
