package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"pulseflow/internal/clock"
	"pulseflow/internal/domain"
	"pulseflow/internal/events"
	"pulseflow/internal/store"
)

// Sweeper reclaims records stuck in processing beyond the threshold,
// presuming the executor that claimed them crashed or hung. It only
// touches records, never workflows, and is idempotent: a pass that fails
// midway simply retries on the next tick.
type Sweeper struct {
	store     store.Store
	bus       *events.Bus
	clock     clock.Clock
	interval  time.Duration
	threshold time.Duration
	stop      chan struct{}
}

func New(st store.Store, bus *events.Bus, clk clock.Clock, interval, threshold time.Duration) *Sweeper {
	return &Sweeper{
		store:     st,
		bus:       bus,
		clock:     clk,
		interval:  interval,
		threshold: threshold,
		stop:      make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Dur("threshold", s.threshold).Msg("recovery sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx, s.clock.Now()); err != nil {
				log.Error().Err(err).Msg("sweep pass failed; retrying next tick")
			} else if n > 0 {
				log.Info().Int("recovered", n).Msg("reset stuck records")
			}
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stop)
}

// Sweep runs one recovery pass at the given instant and returns the
// number of records reset. The per-record reset is a compare-and-swap on
// status AND the observed status-change timestamp, so an executor
// completing the record at the same moment wins the race.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.threshold)
	stuck, err := s.store.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stuck records: %w", err)
	}

	reset := 0
	for _, rec := range stuck {
		ok, err := s.store.ResetStuck(ctx, rec.ID, rec.StatusChangedAt, now)
		if err != nil {
			return reset, fmt.Errorf("reset record %d: %w", rec.ID, err)
		}
		if !ok {
			// the record moved on since we read it; nothing to recover
			continue
		}
		var wfID int64
		if rec.WorkflowID != nil {
			wfID = *rec.WorkflowID
		}
		s.bus.Emit(events.Event{
			RecordID:   rec.ID,
			WorkflowID: wfID,
			Type:       events.RecordRecovered,
			Status:     string(domain.RecordPending),
			Message:    store.RecoveredMessage,
			At:         now,
		})
		reset++
	}
	return reset, nil
}
