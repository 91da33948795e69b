package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"pulseflow/internal/clock"
	"pulseflow/internal/domain"
	"pulseflow/internal/events"
	"pulseflow/internal/scanner"
	"pulseflow/internal/store"
)

// Server is the thin collaborator surface over the engine: record
// ingestion, workflow configuration, and the dashboard event stream. All
// record processing happens in the scanner/executor/sweeper loops, never
// here.
type Server struct {
	store store.Store
	bus   *events.Bus
	clock clock.Clock
}

func NewServer(st store.Store, bus *events.Bus, clk clock.Clock) http.Handler {
	return NewServerWithDebug(st, bus, clk, false)
}

func NewServerWithDebug(st store.Store, bus *events.Bus, clk clock.Clock, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	s := &Server{store: st, bus: bus, clock: clk}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/records", s.insertRecord)
	r.Get("/api/records", s.listRecords)
	r.Get("/api/records/{id}", s.getRecord)

	r.Post("/api/workflows", s.createWorkflow)
	r.Get("/api/workflows", s.listWorkflows)
	r.Get("/api/workflows/{id}", s.getWorkflow)
	r.Put("/api/workflows/{id}", s.updateWorkflow)
	r.Delete("/api/workflows/{id}", s.deleteWorkflow)

	r.Get("/api/events/stream", s.streamEvents)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "pulseflow_up 1\n")
	for _, st := range []domain.RecordStatus{domain.RecordPending, domain.RecordProcessing, domain.RecordCompleted, domain.RecordFailed, domain.RecordDead} {
		fmt.Fprintf(w, "pulseflow_records{status=%q} %d\n", st, counts[st])
	}
	fmt.Fprintf(w, "pulseflow_events_dropped %d\n", s.bus.Dropped())
}

type insertRecordReq struct {
	Payload json.RawMessage `json:"payload"`
}

type insertRecordResp struct {
	ID int64 `json:"id"`
}

// insertRecord is the ingestion write path: records always enter pending.
func (s *Server) insertRecord(w http.ResponseWriter, r *http.Request) {
	var req insertRecordReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", 400)
		return
	}
	id, err := s.store.InsertRecord(r.Context(), req.Payload, s.clock.Now())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, insertRecordResp{ID: id})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", 400)
		return
	}
	rec, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, recordView(rec))
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	recs, err := s.store.ListRecentRecords(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		views = append(views, recordView(rec))
	}
	writeJSON(w, 200, views)
}

func recordView(rec domain.Record) map[string]any {
	v := map[string]any{
		"id":                  rec.ID,
		"status":              string(rec.Status),
		"processing_attempts": rec.ProcessingAttempts,
		"created_at":          rec.CreatedAt.Format(time.RFC3339),
		"status_changed_at":   rec.StatusChangedAt.Format(time.RFC3339),
	}
	if rec.WorkflowID != nil {
		v["workflow_id"] = *rec.WorkflowID
	}
	if rec.ProcessedAt != nil {
		v["processed_at"] = rec.ProcessedAt.Format(time.RFC3339)
	}
	if rec.ErrorMessage != nil {
		v["error_message"] = *rec.ErrorMessage
	}
	return v
}

type workflowReq struct {
	UserEmail       string  `json:"user_email"`
	IntervalSeconds int     `json:"interval_seconds"`
	CronExpr        *string `json:"cron_expr"`
	StartingTime    string  `json:"starting_time"`
	IsActive        *bool   `json:"is_active"`
	Reset           bool    `json:"reset"`
}

type workflowResp struct {
	ID int64 `json:"id"`
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserEmail == "" {
		http.Error(w, "user_email is required", 400)
		return
	}
	if req.IntervalSeconds <= 0 {
		http.Error(w, "interval_seconds must be positive", 400)
		return
	}
	if req.CronExpr != nil {
		if err := scanner.ValidateCron(*req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
	}

	now := s.clock.Now()
	startingTime := now
	if req.StartingTime != "" {
		t, err := time.Parse(time.RFC3339, req.StartingTime)
		if err != nil {
			http.Error(w, "invalid starting_time: "+err.Error(), 400)
			return
		}
		startingTime = t.UTC()
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	id, err := s.store.CreateWorkflow(r.Context(), domain.Workflow{
		UserEmail:       req.UserEmail,
		IntervalSeconds: req.IntervalSeconds,
		CronExpr:        req.CronExpr,
		StartingTime:    startingTime,
		CurrentStatus:   domain.WorkflowInitialized,
		IsActive:        active,
		CreatedAt:       now,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, workflowResp{ID: id})
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]map[string]any, 0, len(wfs))
	for _, wf := range wfs {
		views = append(views, workflowView(wf))
	}
	writeJSON(w, 200, views)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", 400)
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, workflowView(wf))
}

func workflowView(wf domain.Workflow) map[string]any {
	v := map[string]any{
		"id":               wf.ID,
		"user_email":       wf.UserEmail,
		"interval_seconds": wf.IntervalSeconds,
		"starting_time":    wf.StartingTime.Format(time.RFC3339),
		"current_status":   string(wf.CurrentStatus),
		"is_active":        wf.IsActive,
		"created_at":       wf.CreatedAt.Format(time.RFC3339),
	}
	if wf.CronExpr != nil {
		v["cron_expr"] = *wf.CronExpr
	}
	if wf.LastExecutionTime != nil {
		v["last_execution_time"] = wf.LastExecutionTime.Format(time.RFC3339)
	}
	return v
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", 400)
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req workflowReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Reset {
		// operator remediation for a workflow fail-safed in 'running'
		if _, err := s.store.ResetWorkflow(r.Context(), id); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
	}

	if req.UserEmail != "" {
		wf.UserEmail = req.UserEmail
	}
	if req.IntervalSeconds > 0 {
		wf.IntervalSeconds = req.IntervalSeconds
	}
	if req.CronExpr != nil {
		if *req.CronExpr == "" {
			wf.CronExpr = nil
		} else {
			if err := scanner.ValidateCron(*req.CronExpr); err != nil {
				http.Error(w, "invalid cron expression: "+err.Error(), 400)
				return
			}
			wf.CronExpr = req.CronExpr
		}
	}
	if req.StartingTime != "" {
		t, err := time.Parse(time.RFC3339, req.StartingTime)
		if err != nil {
			http.Error(w, "invalid starting_time: "+err.Error(), 400)
			return
		}
		wf.StartingTime = t.UTC()
	}
	if req.IsActive != nil {
		wf.IsActive = *req.IsActive
	}

	if err := s.store.UpdateWorkflow(r.Context(), wf); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	wf, err = s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, workflowView(wf))
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", 400)
		return
	}
	if err := s.store.DeleteWorkflow(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamEvents feeds a bus subscription to the client as server-sent
// events. The subscription buffer is bounded: a slow client drops events
// rather than stalling the engine.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", 500)
		return
	}
	ch, cancel := s.bus.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			fl.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
