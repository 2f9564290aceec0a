package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/session-forge/forge/internal/logx"
)

// Sink is the one-method interface every subscriber implements, in the
// spirit of the teacher's doctor.Check uniform-interface idiom: many
// heterogeneous sinks (store, file, future webhook) behind one shape.
type Sink interface {
	Write(Event) error
}

// Bus is an in-process publish/subscribe event bus. Publish is safe for
// concurrent use; Publish holds a single lock across all sinks so that
// events for one (session, iteration) are delivered to every sink in the
// order they were published, matching the sibling delivery order for any
// other (session, iteration) pair interleaved on the same bus.
type Bus struct {
	mu    sync.Mutex
	seq   uint64
	sinks []Sink
	log   *logx.Logger
}

// NewBus returns an empty Bus. Register sinks with Subscribe before
// publishing.
func NewBus() *Bus {
	return &Bus{log: logx.Default}
}

// Subscribe registers a sink. Not safe to call concurrently with Publish.
func (b *Bus) Subscribe(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Publish assigns the next monotonic sequence number and timestamp-less
// delivery metadata, then hands the event to every sink in registration
// order. A sink that returns an error is logged and skipped; it never
// blocks or fails the publisher, and never affects delivery to the other
// sinks.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e.Sequence = atomic.AddUint64(&b.seq, 1)
	for _, s := range b.sinks {
		if err := writeSafely(s, e); err != nil {
			b.log.Warnf("metrics sink failed for %s event (session=%s iteration=%s seq=%d): %v",
				e.Kind, e.Session, e.Iteration, e.Sequence, err)
		}
	}
}

// writeSafely isolates a panicking sink from the publisher and its
// siblings, converting the panic into the same logged-and-skipped path
// as a returned error.
func writeSafely(s Sink, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return s.Write(e)
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return fmt.Sprintf("sink panicked: %v", p.v) }
