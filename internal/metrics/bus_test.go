package metrics

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Write(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type failingSink struct{}

func (failingSink) Write(Event) error { return errors.New("boom") }

type panickingSink struct{}

func (panickingSink) Write(Event) error { panic("kaboom") }

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBus()
	rec := &recordingSink{}
	b.Subscribe(rec)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindUserMessage, Session: "s1", Iteration: "i1", Payload: UserMessagePayload{Text: "hi"}})
	}
	if len(rec.events) != 5 {
		t.Fatalf("len(events) = %d, want 5", len(rec.events))
	}
	for i, e := range rec.events {
		if e.Sequence != uint64(i+1) {
			t.Errorf("events[%d].Sequence = %d, want %d", i, e.Sequence, i+1)
		}
	}
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	b := NewBus()
	rec := &recordingSink{}
	b.Subscribe(failingSink{})
	b.Subscribe(rec)

	b.Publish(Event{Kind: KindUserMessage, Session: "s1"})
	if len(rec.events) != 1 {
		t.Fatalf("expected sibling sink to still receive event, got %d", len(rec.events))
	}
}

func TestPanickingSinkIsContained(t *testing.T) {
	b := NewBus()
	rec := &recordingSink{}
	b.Subscribe(panickingSink{})
	b.Subscribe(rec)

	b.Publish(Event{Kind: KindUserMessage, Session: "s1"})
	if len(rec.events) != 1 {
		t.Fatalf("expected sibling sink to still receive event despite panic, got %d", len(rec.events))
	}
}

func TestFileSinkAppendsNDJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 3; i++ {
		if err := sink.Write(Event{Kind: KindToolCall, Session: "s1", Payload: ToolCallPayload{ToolName: "grep"}}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if sink.next != 4 {
		t.Errorf("next = %d, want 4", sink.next)
	}
}
