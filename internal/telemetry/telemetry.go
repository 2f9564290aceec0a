// Package telemetry turns an agent subprocess's mixed stdout/stderr text
// into a structured record: token usage, model/version identification,
// and paired tool-call start/finish events. Parse performs no I/O; where
// the input carries no timestamp for a tool call, it reads the current
// time instead, so its output is not fully determined by its input.
package telemetry

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"
)

// ToolCall is one paired (or deliberately unpaired) tool invocation
// extracted from the stream.
type ToolCall struct {
	Name       string
	ArgsJSON   string
	Success    bool
	DurationMS *int64
	Timestamp  time.Time
}

// Record is the parser's output: a telemetry summary of one agent run.
type Record struct {
	Exit             int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	HasTokens        bool
	Model            string
	AgentVersion     string
	ThreadID         string
	ToolCalls        []ToolCall
}

// pendingCall is a tool invocation seen but not yet matched to its finish.
type pendingCall struct {
	name           string
	args           string
	timestamp      time.Time
	matched        bool
	finished       bool
	success        bool
	durationMS     *int64
	unpairedFinish bool
}

const pairingWindow = 5 * time.Minute

// Parse consumes text line by line and builds a Record. Malformed JSON or
// an unrecognized shape on one line never affects the lines around it.
// Empty or whitespace-only input yields an empty Record.
func Parse(text string) Record {
	var rec Record
	var pending []*pendingCall

	lines := strings.Split(text, "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if parseJSONLine(line, &rec, &pending) {
			continue
		}
		parseTextLine(line, &rec, &pending)
	}

	rec.ToolCalls = finalizeCalls(pending)
	return rec
}

func parseJSONLine(line string, rec *Record, pending *[]*pendingCall) bool {
	if !strings.HasPrefix(line, "{") {
		return false
	}
	var frame map[string]interface{}
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return false
	}

	handled := false

	// Tool-call batch: {tool_calls: [{type: function, function: {name, arguments}}]}
	if raw, ok := frame["tool_calls"]; ok {
		if arr, ok := raw.([]interface{}); ok {
			for _, item := range arr {
				m, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				fn, _ := m["function"].(map[string]interface{})
				if fn == nil {
					continue
				}
				addPendingStart(pending, stringField(fn, "name"), argsOf(fn["arguments"]), time.Now())
			}
			handled = true
		}
	}

	// Legacy function-call: {function_call: {name, arguments}}
	if fc, ok := frame["function_call"].(map[string]interface{}); ok {
		addPendingStart(pending, stringField(fc, "name"), argsOf(fc["arguments"]), time.Now())
		handled = true
	}

	// Explicit start/finish: {tool, event: tool_start|tool_finish, ...}
	if ev, ok := frame["event"].(string); ok {
		tool := stringField(frame, "tool")
		switch ev {
		case "tool_start":
			addPendingStart(pending, tool, argsOf(frame["args"]), frameTime(frame))
			handled = true
		case "tool_finish":
			matchFinish(pending, tool, frameTime(frame), success(frame), durationOf(frame))
			handled = true
		}
	}

	// Tool result: {type: tool_result, id, content, duration?}
	if t, _ := frame["type"].(string); t == "tool_result" {
		matchFinishByID(pending, stringField(frame, "id"), frameTime(frame), success(frame), durationOf(frame))
		handled = true
	}

	// Token usage: {tokens:{...}} | {token_usage:{...}} | {usage:{...}} | bare fields
	if tokens, model, ok := extractTokens(frame); ok {
		rec.PromptTokens += tokens.prompt
		rec.CompletionTokens += tokens.completion
		rec.TotalTokens += tokens.total
		rec.HasTokens = true
		if model != "" && rec.Model == "" {
			rec.Model = model
		}
		handled = true
	}

	// Model-only frame: {model} without tokens.
	if rec.Model == "" {
		if m := stringField(frame, "model"); m != "" {
			rec.Model = m
			handled = true
		}
	}

	// Thread identifier: bare {thread_id} or nested {thread: {id}}.
	if rec.ThreadID == "" {
		if id := stringField(frame, "thread_id"); id != "" {
			rec.ThreadID = id
			handled = true
		} else if thread, ok := frame["thread"].(map[string]interface{}); ok {
			if id := stringField(thread, "id"); id != "" {
				rec.ThreadID = id
				handled = true
			}
		}
	}

	// Tool-call intent: {name, arguments} without other markers.
	if !handled {
		if name := stringField(frame, "name"); name != "" {
			if _, hasArgs := frame["arguments"]; hasArgs {
				addPendingStart(pending, name, argsOf(frame["arguments"]), time.Now())
				handled = true
			}
		}
	}

	return handled
}

type tokenCounts struct {
	prompt, completion, total int
}

func extractTokens(frame map[string]interface{}) (tokenCounts, string, bool) {
	for _, key := range []string{"tokens", "token_usage", "usage"} {
		if nested, ok := frame[key].(map[string]interface{}); ok {
			tc := tokenCounts{
				prompt:     intField(nested, "prompt_tokens", "prompt", "input_tokens"),
				completion: intField(nested, "completion_tokens", "completion", "output_tokens"),
				total:      intField(nested, "total_tokens", "total"),
			}
			if tc.total == 0 {
				tc.total = tc.prompt + tc.completion
			}
			if tc.prompt != 0 || tc.completion != 0 || tc.total != 0 {
				return tc, stringField(frame, "model"), true
			}
		}
	}
	// Bare {prompt_tokens, completion_tokens, total_tokens} or
	// {input_tokens, output_tokens}.
	tc := tokenCounts{
		prompt:     intField(frame, "prompt_tokens", "input_tokens"),
		completion: intField(frame, "completion_tokens", "output_tokens"),
		total:      intField(frame, "total_tokens"),
	}
	if tc.total == 0 {
		tc.total = tc.prompt + tc.completion
	}
	if tc.prompt != 0 || tc.completion != 0 || tc.total != 0 {
		return tc, stringField(frame, "model"), true
	}
	return tokenCounts{}, "", false
}

func intField(m map[string]interface{}, keys ...string) int {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

func stringField(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func argsOf(v interface{}) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func frameTime(frame map[string]interface{}) time.Time {
	if s := stringField(frame, "timestamp"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Now()
}

func success(frame map[string]interface{}) bool {
	if _, hasErr := frame["error"]; hasErr {
		return false
	}
	return true
}

func durationOf(frame map[string]interface{}) *int64 {
	v, ok := frame["duration"]
	if !ok {
		v, ok = frame["duration_ms"]
	}
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		d := int64(n)
		return &d
	}
	return nil
}

func addPendingStart(pending *[]*pendingCall, name, args string, ts time.Time) {
	if name == "" {
		return
	}
	*pending = append(*pending, &pendingCall{name: name, args: args, timestamp: ts})
}

// matchFinish pairs a finish event to the pending start with the smallest
// absolute timestamp difference within the 5-minute pairing window.
func matchFinish(pending *[]*pendingCall, name string, ts time.Time, ok bool, durMS *int64) {
	best := -1
	var bestDiff time.Duration
	for i, p := range *pending {
		if p.matched || p.name != name {
			continue
		}
		diff := ts.Sub(p.timestamp)
		if diff < 0 {
			diff = -diff
		}
		if diff > pairingWindow {
			continue
		}
		if best == -1 || diff < bestDiff {
			best = i
			bestDiff = diff
		}
	}
	if best >= 0 {
		(*pending)[best].matched = true
		(*pending)[best].finished = true
		(*pending)[best].success = ok
		(*pending)[best].durationMS = durMS
		return
	}
	// Unpaired finish: emitted with empty args.
	*pending = append(*pending, &pendingCall{name: name, timestamp: ts, matched: true, finished: true, success: ok, durationMS: durMS, unpairedFinish: true})
}

func matchFinishByID(pending *[]*pendingCall, id string, ts time.Time, ok bool, durMS *int64) {
	// Tool results carry an id, not a name; pair against the closest
	// unmatched pending call by timestamp regardless of name.
	best := -1
	var bestDiff time.Duration
	for i, p := range *pending {
		if p.matched {
			continue
		}
		diff := ts.Sub(p.timestamp)
		if diff < 0 {
			diff = -diff
		}
		if diff > pairingWindow {
			continue
		}
		if best == -1 || diff < bestDiff {
			best = i
			bestDiff = diff
		}
	}
	if best >= 0 {
		(*pending)[best].matched = true
		(*pending)[best].finished = true
		(*pending)[best].success = ok
		(*pending)[best].durationMS = durMS
		return
	}
	*pending = append(*pending, &pendingCall{name: id, timestamp: ts, matched: true, finished: true, success: ok, durationMS: durMS, unpairedFinish: true})
}

func finalizeCalls(pending []*pendingCall) []ToolCall {
	var out []ToolCall
	for _, p := range pending {
		tc := ToolCall{
			Name:      p.name,
			ArgsJSON:  p.args,
			Timestamp: p.timestamp,
		}
		if tc.ArgsJSON == "" {
			tc.ArgsJSON = "{}"
		}
		if p.finished {
			tc.Success = p.success
			tc.DurationMS = p.durationMS
		} else {
			// Unpaired starts are emitted as success=true with no duration.
			tc.Success = true
		}
		out = append(out, tc)
	}
	return out
}

// --- text-log fallback battery ---

var (
	reBracketUsing   = regexp.MustCompile(`^\[([^\]]+)\]\s+Using\s+(\S+)\s+tool with args:\s+(\{.*\})\s*$`)
	reBracketDone    = regexp.MustCompile(`^\[([^\]]+)\]\s+(\S+)\s+tool completed.*?(\d+)\s*ms\s*$`)
	reToolStarted    = regexp.MustCompile(`^Tool\s+(\S+)\s+started\s*$`)
	reToolDone       = regexp.MustCompile(`^Tool\s+(\S+)\s+done in\s+(\d+)\s*ms\s*$`)
	reInvoke         = regexp.MustCompile(`<invoke name="([^"]+)">`)
	reTokenSummary   = regexp.MustCompile(`(?i)prompt tokens:\s*(\d+),\s*completion tokens:\s*(\d+),\s*total:\s*(\d+)`)
	reInputOutputTok = regexp.MustCompile(`(?i)input_tokens[:=]\s*(\d+).*?output_tokens[:=]\s*(\d+)`)
)

func parseTextLine(line string, rec *Record, pending *[]*pendingCall) {
	if m := reBracketUsing.FindStringSubmatch(line); m != nil {
		if ts, err := time.Parse(time.RFC3339, m[1]); err == nil {
			addPendingStart(pending, m[2], m[3], ts)
		}
		return
	}
	if m := reBracketDone.FindStringSubmatch(line); m != nil {
		if ts, err := time.Parse(time.RFC3339, m[1]); err == nil {
			ms, _ := strconv.ParseInt(m[3], 10, 64)
			matchFinish(pending, m[2], ts, true, &ms)
		}
		return
	}
	if m := reToolStarted.FindStringSubmatch(line); m != nil {
		addPendingStart(pending, m[1], "", time.Now())
		return
	}
	if m := reToolDone.FindStringSubmatch(line); m != nil {
		ms, _ := strconv.ParseInt(m[2], 10, 64)
		matchFinish(pending, m[1], time.Now(), true, &ms)
		return
	}
	if m := reInvoke.FindStringSubmatch(line); m != nil {
		addPendingStart(pending, m[1], "", time.Now())
		return
	}
	if m := reTokenSummary.FindStringSubmatch(line); m != nil {
		p, _ := strconv.Atoi(m[1])
		c, _ := strconv.Atoi(m[2])
		t, _ := strconv.Atoi(m[3])
		rec.PromptTokens += p
		rec.CompletionTokens += c
		rec.TotalTokens += t
		rec.HasTokens = true
		return
	}
	if m := reInputOutputTok.FindStringSubmatch(line); m != nil {
		p, _ := strconv.Atoi(m[1])
		c, _ := strconv.Atoi(m[2])
		rec.PromptTokens += p
		rec.CompletionTokens += c
		rec.TotalTokens += p + c
		rec.HasTokens = true
		return
	}
}

// Truncate shortens s to at most n runes (not bytes), rune-safe for
// wide/CJK display width, appending an ellipsis marker when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	out := string(runes[:n])
	// Avoid splitting a wide rune in half at the cut boundary.
	for len(out) > 0 && width.LookupRune([]rune(out)[len([]rune(out))-1]).Kind() == width.EastAsianWide && len(runes) > n {
		out = string(runes[:n-1])
		break
	}
	return out + "…"
}
