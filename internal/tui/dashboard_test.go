package tui

import (
	"testing"

	"github.com/session-forge/forge/internal/metrics"
	"github.com/session-forge/forge/internal/store"
)

func TestApplyEventUpdatesMatchingRowStatus(t *testing.T) {
	m := New(nil, []*store.BatchItem{
		{ID: "item1", SessionID: "sess1", RepoPath: "/repo", Prompt: "fix it", Status: store.ItemRunning},
	})

	m.applyEvent(metrics.Event{
		Session: "sess1",
		Kind:    metrics.KindIterationEnd,
		Payload: metrics.IterationEndPayload{Outcome: metrics.OutcomeSuccess},
	})

	if got := m.rows[0].status; got != store.ItemSuccess {
		t.Errorf("status = %q, want success", got)
	}
}

func TestApplyEventAccumulatesTokens(t *testing.T) {
	m := New(nil, []*store.BatchItem{
		{ID: "item1", SessionID: "sess1", RepoPath: "/repo", Prompt: "fix it", Status: store.ItemRunning},
	})

	m.applyEvent(metrics.Event{
		Session: "sess1",
		Kind:    metrics.KindLLMUsage,
		Payload: metrics.LLMUsagePayload{Total: 42},
	})
	m.applyEvent(metrics.Event{
		Session: "sess1",
		Kind:    metrics.KindLLMUsage,
		Payload: metrics.LLMUsagePayload{Total: 8},
	})

	if got := m.rows[0].tokens; got != 50 {
		t.Errorf("tokens = %d, want 50", got)
	}
}

func TestApplyEventIgnoresUnmatchedSession(t *testing.T) {
	m := New(nil, []*store.BatchItem{
		{ID: "item1", SessionID: "sess1", RepoPath: "/repo", Prompt: "fix it", Status: store.ItemQueued},
	})

	m.applyEvent(metrics.Event{Session: "other", Kind: metrics.KindToolCall, Payload: metrics.ToolCallPayload{ToolName: "bash"}})

	if got := m.rows[0].status; got != store.ItemQueued {
		t.Errorf("status = %q, want unchanged queued", got)
	}
	if len(m.feed) != 1 {
		t.Errorf("len(feed) = %d, want 1 (feed line still recorded)", len(m.feed))
	}
}
