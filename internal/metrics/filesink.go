package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// fileRecord is the on-disk shape for one line of the event log.
// Grounded on internal/nudge/queue.go's JSON-record convention, extended
// here to a single append-only file instead of one file per message
// since the event volume (many events per iteration) favors a log over
// a directory of small files.
type fileRecord struct {
	Sequence  uint64      `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Kind      Kind        `json:"kind"`
	Session   string      `json:"session"`
	Iteration string      `json:"iteration,omitempty"`
	Payload   interface{} `json:"payload"`
}

// FileSink appends each event as one JSON line to a file, tagged with a
// sequence number private to this sink (independent of the bus's own
// Event.Sequence, so a second FileSink on a different path starts its own
// count from 1).
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	next uint64
}

// NewFileSink opens (creating or appending to) the file at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open metrics log: %w", err)
	}
	return &FileSink{f: f, next: 1}, nil
}

// Write appends e as one JSON line.
func (s *FileSink) Write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := fileRecord{
		Sequence:  s.next,
		Timestamp: time.Now().UTC(),
		Kind:      e.Kind,
		Session:   e.Session,
		Iteration: e.Iteration,
		Payload:   e.Payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.next++
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
