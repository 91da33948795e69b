package api

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"pulseflow/internal/clock"
	"pulseflow/internal/domain"
	"pulseflow/internal/events"
	"pulseflow/internal/store"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testServer(t *testing.T) (http.Handler, store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	st := store.NewSQLiteStore(db)
	return NewServer(st, events.NewBus(), clock.NewFake(base)), st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestInsertRecord(t *testing.T) {
	h, st := testServer(t)

	w := do(t, h, "POST", "/api/records", `{"payload":{"type":"http","url":"http://example.com"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"id"`)

	recs, err := st.ListRecentRecords(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.RecordPending, recs[0].Status, "ingestion always creates pending")
}

func TestInsertRecordRequiresPayload(t *testing.T) {
	h, _ := testServer(t)
	w := do(t, h, "POST", "/api/records", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRecordNotFound(t *testing.T) {
	h, _ := testServer(t)
	w := do(t, h, "GET", "/api/records/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateWorkflowValidation(t *testing.T) {
	h, _ := testServer(t)

	w := do(t, h, "POST", "/api/workflows", `{"interval_seconds":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "user_email required")

	w = do(t, h, "POST", "/api/workflows", `{"user_email":"a@b.c","interval_seconds":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "interval must be positive")

	w = do(t, h, "POST", "/api/workflows", `{"user_email":"a@b.c","interval_seconds":10,"cron_expr":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "cron must parse")
}

func TestCreateAndGetWorkflow(t *testing.T) {
	h, _ := testServer(t)

	w := do(t, h, "POST", "/api/workflows", `{"user_email":"a@b.c","interval_seconds":30,"starting_time":"2025-03-10T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, "GET", "/api/workflows/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"user_email":"a@b.c"`)
	assert.Contains(t, body, `"current_status":"initialized"`)
}

func TestUpdateWorkflowResetsRunning(t *testing.T) {
	h, st := testServer(t)
	ctx := context.Background()

	w := do(t, h, "POST", "/api/workflows", `{"user_email":"a@b.c","interval_seconds":30}`)
	require.Equal(t, http.StatusCreated, w.Code)

	ok, err := st.ClaimWorkflow(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	w = do(t, h, "PUT", "/api/workflows/1", `{"reset":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	wf, err := st.GetWorkflow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowIdle, wf.CurrentStatus)
	assert.Nil(t, wf.LastExecutionTime)
}

func TestUpdateWorkflowDeactivates(t *testing.T) {
	h, st := testServer(t)

	w := do(t, h, "POST", "/api/workflows", `{"user_email":"a@b.c","interval_seconds":30}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, "PUT", "/api/workflows/1", `{"is_active":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	wf, err := st.GetWorkflow(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, wf.IsActive, "deactivation excludes from scanning without deleting history")
}

func TestMetrics(t *testing.T) {
	h, _ := testServer(t)

	do(t, h, "POST", "/api/records", `{"payload":{"type":"ok"}}`)
	w := do(t, h, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "pulseflow_up 1")
	assert.Contains(t, body, `pulseflow_records{status="pending"} 1`)
}

func TestHealth(t *testing.T) {
	h, _ := testServer(t)
	w := do(t, h, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}
