package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"pulseflow/internal/domain"
	"pulseflow/internal/events"
)

// RecoveredMessage is written to error_message when the sweeper resets a
// stuck record.
const RecoveredMessage = "recovered from stuck state"

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS workflows (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_email TEXT NOT NULL,
  interval_seconds INTEGER NOT NULL CHECK(interval_seconds > 0),
  cron_expr TEXT,
  starting_time DATETIME NOT NULL,
  last_execution_time DATETIME,
  current_status TEXT NOT NULL CHECK(current_status IN ('initialized','running','idle','disabled')) DEFAULT 'initialized',
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_runnable ON workflows(is_active, current_status);
CREATE TABLE IF NOT EXISTS records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  payload BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed','dead')) DEFAULT 'pending',
  workflow_id INTEGER,
  claimed_by TEXT,
  processed_at DATETIME,
  status_changed_at DATETIME NOT NULL,
  error_message TEXT,
  processing_attempts INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  FOREIGN KEY(workflow_id) REFERENCES workflows(id)
);
CREATE INDEX IF NOT EXISTS idx_records_eligible ON records(status, created_at);
CREATE INDEX IF NOT EXISTS idx_records_stuck ON records(status, status_changed_at);
CREATE TABLE IF NOT EXISTS lifecycle_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  workflow_id INTEGER NOT NULL,
  record_id INTEGER NOT NULL,
  event_type TEXT NOT NULL,
  status TEXT NOT NULL,
  message TEXT,
  created_at DATETIME NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the persistence surface for workflows, records and the
// lifecycle log. Claim methods return (false, nil) when the conditional
// update matched zero rows: the race was lost, which is never an error.
type Store interface {
	// Records
	InsertRecord(ctx context.Context, payload json.RawMessage, now time.Time) (int64, error)
	GetRecord(ctx context.Context, id int64) (domain.Record, error)
	ListRecentRecords(ctx context.Context, limit int) ([]domain.Record, error)
	FetchEligible(ctx context.Context, startingTime time.Time, limit int) ([]domain.Record, error)
	ClaimRecord(ctx context.Context, id int64, from domain.RecordStatus, workflowID int64, claimedBy string, now time.Time) (bool, error)
	CompleteRecord(ctx context.Context, id int64, now time.Time) (bool, error)
	FailRecord(ctx context.Context, id int64, errMsg string, dead bool, now time.Time) (bool, error)
	ListStuck(ctx context.Context, cutoff time.Time) ([]domain.Record, error)
	ResetStuck(ctx context.Context, id int64, seenChangedAt, now time.Time) (bool, error)
	StatusCounts(ctx context.Context) (map[domain.RecordStatus]int, error)

	// Workflows
	CreateWorkflow(ctx context.Context, wf domain.Workflow) (int64, error)
	GetWorkflow(ctx context.Context, id int64) (domain.Workflow, error)
	ListWorkflows(ctx context.Context) ([]domain.Workflow, error)
	ListRunnableWorkflows(ctx context.Context) ([]domain.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf domain.Workflow) error
	DeleteWorkflow(ctx context.Context, id int64) error
	ClaimWorkflow(ctx context.Context, id int64) (bool, error)
	FinishWorkflow(ctx context.Context, id int64, now time.Time) error
	ResetWorkflow(ctx context.Context, id int64) (bool, error)

	// Lifecycle log (observer-owned table)
	AppendLifecycle(ctx context.Context, ev events.Event) error
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

const recordCols = `id,payload,status,workflow_id,claimed_by,processed_at,status_changed_at,error_message,processing_attempts,created_at`

func scanRecord(row interface{ Scan(...any) error }) (domain.Record, error) {
	var r domain.Record
	var wfID sql.NullInt64
	var claimedBy, errMsg sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(&r.ID, &r.Payload, &r.Status, &wfID, &claimedBy, &processedAt, &r.StatusChangedAt, &errMsg, &r.ProcessingAttempts, &r.CreatedAt)
	if err != nil {
		return domain.Record{}, err
	}
	if wfID.Valid {
		v := wfID.Int64
		r.WorkflowID = &v
	}
	if claimedBy.Valid {
		s := claimedBy.String
		r.ClaimedBy = &s
	}
	if processedAt.Valid {
		t := processedAt.Time
		r.ProcessedAt = &t
	}
	if errMsg.Valid {
		s := errMsg.String
		r.ErrorMessage = &s
	}
	return r, nil
}

func (s *sqliteStore) InsertRecord(ctx context.Context, payload json.RawMessage, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO records (payload, status, status_changed_at, created_at)
VALUES (?, 'pending', ?, ?)`, []byte(payload), now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetRecord(ctx context.Context, id int64) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM records WHERE id=?`, id)
	return scanRecord(row)
}

func (s *sqliteStore) ListRecentRecords(ctx context.Context, limit int) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordCols+` FROM records ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// FetchEligible returns pending and failed records created at or after
// startingTime, oldest first. Backoff filtering of failed records is the
// caller's concern: eligibility by attempt count is policy, not storage.
func (s *sqliteStore) FetchEligible(ctx context.Context, startingTime time.Time, limit int) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordCols+` FROM records
WHERE status IN ('pending','failed') AND created_at >= ?
ORDER BY created_at ASC, id ASC
LIMIT ?`, startingTime, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *sqliteStore) ClaimRecord(ctx context.Context, id int64, from domain.RecordStatus, workflowID int64, claimedBy string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE records
SET status='processing', workflow_id=?, claimed_by=?, status_changed_at=?
WHERE id=? AND status=?`, workflowID, claimedBy, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) CompleteRecord(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE records
SET status='completed', processed_at=?, status_changed_at=?, error_message=NULL
WHERE id=? AND status='processing'`, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) FailRecord(ctx context.Context, id int64, errMsg string, dead bool, now time.Time) (bool, error) {
	status := domain.RecordFailed
	if dead {
		status = domain.RecordDead
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE records
SET status=?, processing_attempts=processing_attempts+1, error_message=?, processed_at=?, status_changed_at=?
WHERE id=? AND status='processing'`, status, errMsg, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ListStuck(ctx context.Context, cutoff time.Time) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordCols+` FROM records
WHERE status='processing' AND status_changed_at <= ?
ORDER BY status_changed_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ResetStuck reverts processing -> pending, keyed on status AND the
// timestamp the sweeper observed, so an executor finishing the record at
// the same instant wins instead of being clobbered.
func (s *sqliteStore) ResetStuck(ctx context.Context, id int64, seenChangedAt, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE records
SET status='pending', processing_attempts=processing_attempts+1, error_message=?, claimed_by=NULL, status_changed_at=?
WHERE id=? AND status='processing' AND status_changed_at=?`, RecoveredMessage, now, id, seenChangedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) StatusCounts(ctx context.Context) (map[domain.RecordStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.RecordStatus]int)
	for rows.Next() {
		var st domain.RecordStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

const workflowCols = `id,user_email,interval_seconds,cron_expr,starting_time,last_execution_time,current_status,is_active,created_at`

func scanWorkflow(row interface{ Scan(...any) error }) (domain.Workflow, error) {
	var w domain.Workflow
	var cronExpr sql.NullString
	var lastExec sql.NullTime
	err := row.Scan(&w.ID, &w.UserEmail, &w.IntervalSeconds, &cronExpr, &w.StartingTime, &lastExec, &w.CurrentStatus, &w.IsActive, &w.CreatedAt)
	if err != nil {
		return domain.Workflow{}, err
	}
	if cronExpr.Valid {
		s := cronExpr.String
		w.CronExpr = &s
	}
	if lastExec.Valid {
		t := lastExec.Time
		w.LastExecutionTime = &t
	}
	return w, nil
}

func (s *sqliteStore) CreateWorkflow(ctx context.Context, wf domain.Workflow) (int64, error) {
	status := wf.CurrentStatus
	if status == "" {
		status = domain.WorkflowInitialized
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO workflows (user_email, interval_seconds, cron_expr, starting_time, current_status, is_active, created_at)
VALUES (?,?,?,?,?,?,?)`,
		wf.UserEmail, wf.IntervalSeconds, wf.CronExpr, wf.StartingTime, status, wf.IsActive, wf.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetWorkflow(ctx context.Context, id int64) (domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowCols+` FROM workflows WHERE id=?`, id)
	return scanWorkflow(row)
}

func (s *sqliteStore) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	return s.queryWorkflows(ctx, `SELECT `+workflowCols+` FROM workflows ORDER BY id ASC`)
}

// ListRunnableWorkflows returns active workflows not currently claimed by
// a scanner, ordered by ascending id for deterministic, fair selection.
// Dueness (interval or cron elapsed) is judged by the scanner against its
// clock.
func (s *sqliteStore) ListRunnableWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	return s.queryWorkflows(ctx, `
SELECT `+workflowCols+` FROM workflows
WHERE is_active=1 AND current_status != 'running'
ORDER BY id ASC`)
}

func (s *sqliteStore) queryWorkflows(ctx context.Context, q string, args ...any) ([]domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wfs []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		wfs = append(wfs, w)
	}
	return wfs, rows.Err()
}

func (s *sqliteStore) UpdateWorkflow(ctx context.Context, wf domain.Workflow) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE workflows
SET user_email=?, interval_seconds=?, cron_expr=?, starting_time=?, is_active=?
WHERE id=?`, wf.UserEmail, wf.IntervalSeconds, wf.CronExpr, wf.StartingTime, wf.IsActive, wf.ID)
	return err
}

func (s *sqliteStore) DeleteWorkflow(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id=?`, id)
	return err
}

// ClaimWorkflow transitions idle|initialized -> running. This conditional
// update is the sole guard against duplicate concurrent runs of one
// workflow.
func (s *sqliteStore) ClaimWorkflow(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE workflows
SET current_status='running'
WHERE id=? AND current_status IN ('idle','initialized')`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishWorkflow records a completed pass: last_execution_time only ever
// advances, and only for a pass that ran to completion.
func (s *sqliteStore) FinishWorkflow(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE workflows
SET current_status='idle', last_execution_time=?
WHERE id=? AND current_status='running'`, now, id)
	return err
}

// ResetWorkflow is the operator remediation path for a workflow left
// running after an infrastructure fault. last_execution_time is not
// advanced: the pass did not complete.
func (s *sqliteStore) ResetWorkflow(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE workflows SET current_status='idle' WHERE id=? AND current_status='running'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) AppendLifecycle(ctx context.Context, ev events.Event) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO lifecycle_log (workflow_id, record_id, event_type, status, message, created_at)
VALUES (?,?,?,?,?,?)`, ev.WorkflowID, ev.RecordID, string(ev.Type), ev.Status, ev.Message, ev.At)
	return err
}
