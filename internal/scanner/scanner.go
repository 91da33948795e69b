package scanner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"pulseflow/internal/clock"
	"pulseflow/internal/domain"
	"pulseflow/internal/executor"
	"pulseflow/internal/store"
)

// Scanner periodically finds due workflows, claims each one and runs the
// executor over its records. Claiming is an atomic idle|initialized ->
// running transition; a lost claim means another scanner instance owns
// this cycle.
type Scanner struct {
	store    store.Store
	exec     *executor.Executor
	clock    clock.Clock
	interval time.Duration
	stop     chan struct{}
}

func New(st store.Store, exec *executor.Executor, clk clock.Clock, interval time.Duration) *Scanner {
	return &Scanner{
		store:    st,
		exec:     exec,
		clock:    clk,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (s *Scanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("workflow scanner started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx, s.clock.Now())
		}
	}
}

func (s *Scanner) Stop() {
	close(s.stop)
}

// Tick runs one scan pass at the given instant. Exposed so tests can
// drive the scanner from a virtual clock instead of a wall ticker.
func (s *Scanner) Tick(ctx context.Context, now time.Time) {
	wfs, err := s.store.ListRunnableWorkflows(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list runnable workflows")
		return
	}

	for _, wf := range wfs {
		if !Due(wf, now) {
			continue
		}
		claimed, err := s.store.ClaimWorkflow(ctx, wf.ID)
		if err != nil {
			log.Error().Err(err).Int64("workflow_id", wf.ID).Msg("claim workflow")
			continue
		}
		if !claimed {
			// another scanner instance won this cycle
			continue
		}

		if err := s.exec.Run(ctx, wf); err != nil {
			// Fail-safe: the workflow stays 'running' so it cannot be
			// rescheduled into duplicate concurrent processing. An operator
			// resets it via the API once the store is healthy again.
			log.Error().Err(err).Int64("workflow_id", wf.ID).Msg("executor fault; workflow left running")
			continue
		}

		finished := s.clock.Now()
		if err := s.store.FinishWorkflow(ctx, wf.ID, finished); err != nil {
			log.Error().Err(err).Int64("workflow_id", wf.ID).Msg("finish workflow")
			continue
		}
		log.Info().
			Int64("workflow_id", wf.ID).
			Time("last_execution_time", finished).
			Msg("workflow pass complete")
	}
}

// Due reports whether a workflow should run at the given instant. Cron
// workflows are due once the schedule has fired since the last completed
// pass (or since starting_time for a never-run workflow); interval
// workflows once interval_seconds have elapsed. A never-run interval
// workflow is due immediately.
func Due(wf domain.Workflow, now time.Time) bool {
	if wf.CronExpr != nil {
		sched, err := cron.ParseStandard(*wf.CronExpr)
		if err != nil {
			log.Error().Err(err).Int64("workflow_id", wf.ID).Str("cron_expr", *wf.CronExpr).Msg("invalid cron expression")
			return false
		}
		base := wf.StartingTime
		if wf.LastExecutionTime != nil {
			base = *wf.LastExecutionTime
		}
		return !sched.Next(base).After(now)
	}
	if wf.LastExecutionTime == nil {
		return true
	}
	return now.Sub(*wf.LastExecutionTime) >= time.Duration(wf.IntervalSeconds)*time.Second
}

// ValidateCron validates an optional workflow cron expression.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
