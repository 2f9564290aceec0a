package metrics

import (
	"encoding/json"
	"fmt"

	"github.com/session-forge/forge/internal/store"
)

// StoreSink writes events into the rows of their corresponding store
// tables. Event kinds with no dedicated table (file_edit, test_result,
// user_message, iteration lifecycle markers) are folded into the
// iteration row's aggregate fields or skipped, since §3's data model
// has no line-item table for them — the file sink is the durable
// per-event record for those kinds.
type StoreSink struct {
	st *store.Store
}

// NewStoreSink wraps an open Store as a Sink.
func NewStoreSink(st *store.Store) *StoreSink {
	return &StoreSink{st: st}
}

// Write dispatches e to the store method matching its kind.
func (s *StoreSink) Write(e Event) error {
	switch e.Kind {
	case KindToolCall:
		p, ok := e.Payload.(ToolCallPayload)
		if !ok {
			return fmt.Errorf("tool_call payload has unexpected type %T", e.Payload)
		}
		// p.Arguments already holds JSON text; store it as is.
		args := p.Arguments
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		_, err := s.st.RecordToolCall(&store.ToolCall{
			SessionID:   e.Session,
			IterationID: e.Iteration,
			Timestamp:   p.End,
			ToolName:    p.ToolName,
			ArgsJSON:    args,
			Success:     p.Success,
			DurationMS:  p.Duration.Milliseconds(),
		})
		return err

	case KindLLMUsage:
		// Token/cost aggregates land on the iteration row itself via
		// internal/iteration's FinishIteration call, not here, to avoid a
		// double write racing the iteration engine's own commit.
		return nil

	default:
		// iteration_start/iteration_end/user_message/file_edit/test_result:
		// no dedicated store table per §3; the file sink is authoritative
		// for these. iteration_end's outcome/exit code are already written
		// by internal/iteration's FinishIteration call, not by this sink,
		// to avoid a double write racing the iteration engine's own commit.
		return nil
	}
}
