package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"pulseflow/internal/clock"
	"pulseflow/internal/domain"
	"pulseflow/internal/events"
	"pulseflow/internal/retry"
	"pulseflow/internal/store"
)

// Handler processes one record payload. An error return is an application
// failure: it drives the failed/dead transition and never aborts the batch.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type envelope struct {
	Type string `json:"type"`
}

// Executor claims and processes one batch of eligible records for a
// workflow. Records are handled in creation order; a claim lost to a
// concurrent executor is skipped silently.
type Executor struct {
	store      store.Store
	handlers   map[string]Handler
	bus        *events.Bus
	policy     retry.Policy
	clock      clock.Clock
	batchSize  int
	instanceID string
}

func New(st store.Store, handlers map[string]Handler, bus *events.Bus, policy retry.Policy, clk clock.Clock, batchSize int, instanceID string) *Executor {
	if batchSize < 1 {
		batchSize = 25
	}
	return &Executor{
		store:      st,
		handlers:   handlers,
		bus:        bus,
		policy:     policy,
		clock:      clk,
		batchSize:  batchSize,
		instanceID: instanceID,
	}
}

// Run executes one pass for wf. Only infrastructure faults (store
// unreachable) surface as errors; per-record failures are contained.
func (e *Executor) Run(ctx context.Context, wf domain.Workflow) error {
	now := e.clock.Now()
	recs, err := e.store.FetchEligible(ctx, wf.StartingTime, e.batchSize)
	if err != nil {
		return fmt.Errorf("fetch eligible records: %w", err)
	}

	for _, rec := range recs {
		// failed records wait out their backoff window
		if rec.Status == domain.RecordFailed && now.Sub(rec.StatusChangedAt) < e.policy.Delay(rec.ProcessingAttempts) {
			continue
		}
		claimed, err := e.store.ClaimRecord(ctx, rec.ID, rec.Status, wf.ID, e.instanceID, now)
		if err != nil {
			return fmt.Errorf("claim record %d: %w", rec.ID, err)
		}
		if !claimed {
			continue
		}
		e.process(ctx, wf, rec)
	}
	return nil
}

func (e *Executor) process(ctx context.Context, wf domain.Workflow, rec domain.Record) {
	e.bus.Emit(events.Event{
		RecordID:   rec.ID,
		WorkflowID: wf.ID,
		Type:       events.ProcessingStart,
		Status:     string(domain.RecordProcessing),
		At:         e.clock.Now(),
	})

	err := e.dispatch(ctx, rec.Payload)
	now := e.clock.Now()

	if err == nil {
		if ok, serr := e.store.CompleteRecord(ctx, rec.ID, now); serr != nil || !ok {
			log.Error().Err(serr).Int64("record_id", rec.ID).Bool("matched", ok).Msg("complete record")
			return
		}
		e.bus.Emit(events.Event{
			RecordID:   rec.ID,
			WorkflowID: wf.ID,
			Type:       events.Completed,
			Status:     string(domain.RecordCompleted),
			At:         now,
		})
		return
	}

	attempts := rec.ProcessingAttempts + 1
	dead := e.policy.Exhausted(attempts)
	if ok, serr := e.store.FailRecord(ctx, rec.ID, err.Error(), dead, now); serr != nil || !ok {
		log.Error().Err(serr).Int64("record_id", rec.ID).Bool("matched", ok).Msg("fail record")
		return
	}

	evType, status := events.Failed, domain.RecordFailed
	if dead {
		evType, status = events.DeadLettered, domain.RecordDead
	}
	e.bus.Emit(events.Event{
		RecordID:   rec.ID,
		WorkflowID: wf.ID,
		Type:       evType,
		Status:     string(status),
		Message:    err.Error(),
		At:         now,
	})
	log.Warn().
		Int64("record_id", rec.ID).
		Int64("workflow_id", wf.ID).
		Int("attempts", attempts).
		Str("status", string(status)).
		Msg("record processing failed")
}

func (e *Executor) dispatch(ctx context.Context, payload json.RawMessage) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	h, ok := e.handlers[env.Type]
	if !ok {
		return fmt.Errorf("no handler for payload type %q", env.Type)
	}
	return h.Handle(ctx, payload)
}
