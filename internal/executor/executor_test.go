package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"pulseflow/internal/clock"
	"pulseflow/internal/domain"
	"pulseflow/internal/events"
	"pulseflow/internal/retry"
	"pulseflow/internal/store"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type handlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f handlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return store.NewSQLiteStore(db)
}

func testWorkflow(t *testing.T, st store.Store, startingTime time.Time) domain.Workflow {
	t.Helper()
	id, err := st.CreateWorkflow(context.Background(), domain.Workflow{
		UserEmail:       "ops@example.com",
		IntervalSeconds: 10,
		StartingTime:    startingTime,
		IsActive:        true,
		CreatedAt:       startingTime,
	})
	require.NoError(t, err)
	wf, err := st.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	return wf
}

func insert(t *testing.T, st store.Store, payload string, at time.Time) int64 {
	t.Helper()
	id, err := st.InsertRecord(context.Background(), json.RawMessage(payload), at)
	require.NoError(t, err)
	return id
}

func drain(ch <-chan events.Event) []events.Event {
	var evs []events.Event
	for {
		select {
		case ev := <-ch:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func TestRunProcessesBatchInOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	clk := clock.NewFake(base)
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	var order []int
	handlers := map[string]Handler{
		"ok": handlerFunc(func(ctx context.Context, payload json.RawMessage) error {
			var p struct {
				N int `json:"n"`
			}
			_ = json.Unmarshal(payload, &p)
			order = append(order, p.N)
			return nil
		}),
	}

	wf := testWorkflow(t, st, base.Add(-time.Hour))
	var ids []int64
	for n := 1; n <= 3; n++ {
		ids = append(ids, insert(t, st, fmt.Sprintf(`{"type":"ok","n":%d}`, n), base.Add(time.Duration(n)*time.Second)))
	}

	exec := New(st, handlers, bus, retry.Default(), clk, 25, "exec-1")
	require.NoError(t, exec.Run(ctx, wf))

	assert.Equal(t, []int{1, 2, 3}, order, "creation order within the batch")
	for _, id := range ids {
		rec, err := st.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.RecordCompleted, rec.Status)
		require.NotNil(t, rec.WorkflowID)
		assert.Equal(t, wf.ID, *rec.WorkflowID)
	}

	evs := drain(ch)
	starts, completions := 0, 0
	for _, ev := range evs {
		switch ev.Type {
		case events.ProcessingStart:
			starts++
		case events.Completed:
			completions++
		}
	}
	assert.Equal(t, 3, starts)
	assert.Equal(t, 3, completions)
}

func TestFailureIsIsolatedPerRecord(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	clk := clock.NewFake(base)
	bus := events.NewBus()

	handlers := map[string]Handler{
		"ok":   handlerFunc(func(context.Context, json.RawMessage) error { return nil }),
		"boom": handlerFunc(func(context.Context, json.RawMessage) error { return fmt.Errorf("boom") }),
	}

	wf := testWorkflow(t, st, base.Add(-time.Hour))
	good1 := insert(t, st, `{"type":"ok"}`, base.Add(1*time.Second))
	bad := insert(t, st, `{"type":"boom"}`, base.Add(2*time.Second))
	good2 := insert(t, st, `{"type":"ok"}`, base.Add(3*time.Second))

	exec := New(st, handlers, bus, retry.Default(), clk, 25, "exec-1")
	require.NoError(t, exec.Run(ctx, wf))

	for _, id := range []int64{good1, good2} {
		rec, err := st.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.RecordCompleted, rec.Status)
	}
	rec, err := st.GetRecord(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordFailed, rec.Status)
	assert.Equal(t, 1, rec.ProcessingAttempts)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "boom", *rec.ErrorMessage)
}

func TestDeadLetterAtAttemptCap(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	clk := clock.NewFake(base)
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	handlers := map[string]Handler{
		"boom": handlerFunc(func(context.Context, json.RawMessage) error { return fmt.Errorf("boom") }),
	}
	wf := testWorkflow(t, st, base.Add(-time.Hour))
	id := insert(t, st, `{"type":"boom"}`, base)

	policy := retry.Default() // cap 4
	exec := New(st, handlers, bus, policy, clk, 25, "exec-1")

	for attempt := 1; attempt <= 4; attempt++ {
		require.NoError(t, exec.Run(ctx, wf))
		rec, err := st.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attempt, rec.ProcessingAttempts)
		if attempt < 4 {
			assert.Equal(t, domain.RecordFailed, rec.Status)
		} else {
			assert.Equal(t, domain.RecordDead, rec.Status, "4th failure dead-letters, never failed")
		}
		clk.Advance(31 * time.Minute) // clear any backoff window
	}

	var sawDeadLetter bool
	for _, ev := range drain(ch) {
		if ev.Type == events.DeadLettered {
			sawDeadLetter = true
			assert.Equal(t, string(domain.RecordDead), ev.Status)
		}
	}
	assert.True(t, sawDeadLetter)

	// dead is terminal: another pass leaves it alone
	require.NoError(t, exec.Run(ctx, wf))
	rec, err := st.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordDead, rec.Status)
	assert.Equal(t, 4, rec.ProcessingAttempts)
}

func TestBackoffRespected(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	clk := clock.NewFake(base)
	bus := events.NewBus()

	calls := 0
	handlers := map[string]Handler{
		"flaky": handlerFunc(func(context.Context, json.RawMessage) error {
			calls++
			if calls == 1 {
				return fmt.Errorf("transient")
			}
			return nil
		}),
	}
	wf := testWorkflow(t, st, base.Add(-time.Hour))
	id := insert(t, st, `{"type":"flaky"}`, base)

	exec := New(st, handlers, bus, retry.Default(), clk, 25, "exec-1")
	require.NoError(t, exec.Run(ctx, wf))

	rec, err := st.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.RecordFailed, rec.Status)

	// inside the 1-minute backoff window: not re-claimed
	clk.Advance(30 * time.Second)
	require.NoError(t, exec.Run(ctx, wf))
	rec, err = st.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordFailed, rec.Status)
	assert.Equal(t, 1, calls)

	// past the window: re-claimed and completed
	clk.Advance(31 * time.Second)
	require.NoError(t, exec.Run(ctx, wf))
	rec, err = st.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordCompleted, rec.Status)
	assert.Equal(t, 2, calls)
}

func TestUnknownPayloadTypeIsApplicationError(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	clk := clock.NewFake(base)
	bus := events.NewBus()

	wf := testWorkflow(t, st, base.Add(-time.Hour))
	id := insert(t, st, `{"type":"nope"}`, base)

	exec := New(st, map[string]Handler{}, bus, retry.Default(), clk, 25, "exec-1")
	require.NoError(t, exec.Run(ctx, wf), "missing handler never aborts the batch")

	rec, err := st.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "no handler")
}

func TestRecordsBeforeStartingTimeIgnored(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	clk := clock.NewFake(base)
	bus := events.NewBus()

	handlers := map[string]Handler{
		"ok": handlerFunc(func(context.Context, json.RawMessage) error { return nil }),
	}
	wf := testWorkflow(t, st, base) // starting_time = base
	early := insert(t, st, `{"type":"ok"}`, base.Add(-time.Minute))

	exec := New(st, handlers, bus, retry.Default(), clk, 25, "exec-1")
	require.NoError(t, exec.Run(ctx, wf))

	rec, err := st.GetRecord(ctx, early)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordPending, rec.Status)
}

type faultyStore struct {
	store.Store
}

func (f faultyStore) FetchEligible(ctx context.Context, startingTime time.Time, limit int) ([]domain.Record, error) {
	return nil, fmt.Errorf("store unreachable")
}

func TestInfrastructureFaultSurfaces(t *testing.T) {
	st := testStore(t)
	clk := clock.NewFake(base)
	bus := events.NewBus()
	wf := testWorkflow(t, st, base)

	exec := New(faultyStore{st}, map[string]Handler{}, bus, retry.Default(), clk, 25, "exec-1")
	err := exec.Run(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unreachable")
}
