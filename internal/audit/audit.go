package audit

import (
	"context"

	"github.com/rs/zerolog/log"

	"pulseflow/internal/events"
	"pulseflow/internal/store"
)

// Writer drains a bus subscription into the lifecycle_log table. It runs
// outside the core pipeline: a write failure is logged and the event is
// lost, never surfaced to the emitting transition.
type Writer struct {
	store store.Store
}

func NewWriter(st store.Store) *Writer { return &Writer{store: st} }

func (w *Writer) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := w.store.AppendLifecycle(ctx, ev); err != nil {
				log.Error().Err(err).Int64("record_id", ev.RecordID).Msg("append lifecycle log")
			}
		}
	}
}

// LogEvents writes one structured log line per lifecycle event.
func LogEvents(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			log.Info().
				Int64("record_id", ev.RecordID).
				Int64("workflow_id", ev.WorkflowID).
				Str("event_type", string(ev.Type)).
				Str("status", ev.Status).
				Str("message", ev.Message).
				Msg("lifecycle event")
		}
	}
}
