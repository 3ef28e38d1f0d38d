// Package synclog persists the bookkeeping that makes sync runs resumable
// and idempotent: one orders_sync_log row per attempted window, and one
// pipeline_run_summaries row per profiler invocation. The profiler plans
// exclusively from the contents of these tables.
package synclog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/fault"
	"github.com/spindleworks/spindle/window"
)

// Status is the lifecycle state of one sync-log row.
type Status string

const (
	StatusRunning Status = "running"
	StatusPartial Status = "partial"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal is true of statuses that end a window attempt.
func (s Status) Terminal() bool { return s != StatusRunning }

// Entry is one attempt to execute one window, as persisted.
type Entry struct {
	ID             int64       `db:"id"`
	PipelineID     string      `db:"pipeline_id"`
	StoreCode      string      `db:"store_code"`
	CostCenter     string      `db:"cost_center"`
	FromDate       window.Date `db:"from_date"`
	ToDate         window.Date `db:"to_date"`
	RunID          string      `db:"run_id"`
	RunEnv         string      `db:"run_env"`
	Status         Status      `db:"status"`
	AttemptNo      int         `db:"attempt_no"`
	OrdersPulledAt *time.Time  `db:"orders_pulled_at"`
	SalesPulledAt  *time.Time  `db:"sales_pulled_at"`
	ErrorMessage   string      `db:"error_message"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

// Span returns the window this Entry covers.
func (e Entry) Span() window.Span { return window.Span{From: e.FromDate, To: e.ToDate} }

// OpenWindow describes the row inserted when a window begins executing.
type OpenWindow struct {
	PipelineID string
	StoreCode  string
	CostCenter string
	RunID      string
	RunEnv     string
	Window     window.Span
}

// Store reads and writes orders_sync_log.
type Store struct {
	db *sqlx.DB
}

// NewStore returns a Store over |db|.
func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

// Open inserts a |running| row for the window with the next attempt number
// for its (pipeline, store, window) key, and returns its id. A duplicate of
// the unique (pipeline, store, from, to, run) key fails with a Conflict
// fault, which callers treat as "this run already holds the window".
func (s *Store) Open(ctx context.Context, w OpenWindow) (int64, error) {
	var attempt int
	var err = s.db.GetContext(ctx, &attempt, s.db.Rebind(`
		SELECT COALESCE(MAX(attempt_no), 0) FROM orders_sync_log
		WHERE pipeline_id = ? AND store_code = ? AND from_date = ? AND to_date = ?`),
		w.PipelineID, w.StoreCode, w.Window.From, w.Window.To)
	if err != nil {
		return 0, fmt.Errorf("querying prior attempts: %w", err)
	}

	var now = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO orders_sync_log
			(pipeline_id, store_code, cost_center, from_date, to_date,
			 run_id, run_env, status, attempt_no, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`),
		w.PipelineID, w.StoreCode, w.CostCenter, w.Window.From, w.Window.To,
		w.RunID, w.RunEnv, StatusRunning, attempt+1, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fault.Errorf(fault.Conflict,
				"window %s already open for run %s", w.Window, w.RunID)
		}
		return 0, fmt.Errorf("inserting sync-log row: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		// Drivers without LastInsertId (pgx) re-read the row by its unique key.
		return s.lookupID(ctx, w)
	}
	return id, nil
}

func (s *Store) lookupID(ctx context.Context, w OpenWindow) (int64, error) {
	var id int64
	var err = s.db.GetContext(ctx, &id, s.db.Rebind(`
		SELECT id FROM orders_sync_log
		WHERE pipeline_id = ? AND store_code = ? AND from_date = ? AND to_date = ? AND run_id = ?`),
		w.PipelineID, w.StoreCode, w.Window.From, w.Window.To, w.RunID)
	if err != nil {
		return 0, fmt.Errorf("reading back sync-log id: %w", err)
	}
	return id, nil
}

// Resume returns the id of the row this run already opened for the window.
// It recovers the Conflict arm of Open: a retried invocation of the same run
// re-attaches to its existing row instead of inserting a second one.
func (s *Store) Resume(ctx context.Context, w OpenWindow) (int64, error) {
	return s.lookupID(ctx, w)
}

// MarkOrdersPulled records the orders artifact download instant.
func (s *Store) MarkOrdersPulled(ctx context.Context, id int64) error {
	return s.touch(ctx, id, "orders_pulled_at")
}

// MarkSalesPulled records the sales artifact download instant.
func (s *Store) MarkSalesPulled(ctx context.Context, id int64) error {
	return s.touch(ctx, id, "sales_pulled_at")
}

func (s *Store) touch(ctx context.Context, id int64, column string) error {
	var now = time.Now().UTC()
	var _, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE orders_sync_log SET `+column+` = ?, updated_at = ? WHERE id = ?`),
		now, now, id)
	if err != nil {
		return fmt.Errorf("marking %s: %w", column, err)
	}
	return nil
}

// Finalize writes the terminal status and error message of the row.
func (s *Store) Finalize(ctx context.Context, id int64, status Status, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize to non-terminal status %q", status)
	}
	var _, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE orders_sync_log SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?`),
		status, truncate(errMsg, 500), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finalizing sync-log row %d: %w", id, err)
	}
	return nil
}

// SuccessesFor returns every window of the (pipeline, store) pair that has a
// success row in any run, ordered by from_date. The profiler derives
// last_success_to as the maximum To of the result.
func (s *Store) SuccessesFor(ctx context.Context, pipelineID, storeCode string) ([]window.Span, error) {
	var spans []window.Span
	var err = s.db.SelectContext(ctx, &spans, s.db.Rebind(`
		SELECT DISTINCT from_date, to_date FROM orders_sync_log
		WHERE pipeline_id = ? AND store_code = ? AND status = ?
		ORDER BY from_date ASC, to_date ASC`),
		pipelineID, storeCode, StatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("querying success windows: %w", err)
	}
	return spans, nil
}

// IsCovered is true if a success row exactly matching the window exists.
func (s *Store) IsCovered(ctx context.Context, pipelineID, storeCode string, w window.Span) (bool, error) {
	var n int
	var err = s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT COUNT(*) FROM orders_sync_log
		WHERE pipeline_id = ? AND store_code = ? AND from_date = ? AND to_date = ? AND status = ?`),
		pipelineID, storeCode, w.From, w.To, StatusSuccess)
	if err != nil {
		return false, fmt.Errorf("checking window coverage: %w", err)
	}
	return n > 0, nil
}

// ReapOrphans finalizes running rows whose last update is older than
// |olderThan| as failed. A running row that old belonged to a run which died
// without finalizing; reaping it lets the next plan re-attempt the window.
func (s *Store) ReapOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	var cutoff = time.Now().UTC().Add(-olderThan)
	var res, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE orders_sync_log SET status = ?, error_message = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`),
		StatusFailed, "orphaned: no terminal update within watchdog bound",
		time.Now().UTC(), StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reaping orphaned rows: %w", err)
	}
	var n, _ = res.RowsAffected()
	if n > 0 {
		log.WithFields(log.Fields{"rows": n, "olderThan": olderThan}).
			Warn("reaped orphaned running sync-log rows")
	}
	return n, nil
}

// CancelRunning finalizes every still-running row of |runID| as failed with
// message "cancelled". The profiler calls it after a cancellation drain
// expires; a row abandoned mid-flight would otherwise sit running until the
// orphan watchdog reaps it hours later.
func (s *Store) CancelRunning(ctx context.Context, runID string) (int64, error) {
	var res, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE orders_sync_log SET status = ?, error_message = ?, updated_at = ?
		WHERE run_id = ? AND status = ?`),
		StatusFailed, "cancelled", time.Now().UTC(), runID, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("cancelling running rows of %s: %w", runID, err)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}

// Get reads one Entry by id.
func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	var e Entry
	var err = s.db.GetContext(ctx, &e, s.db.Rebind(
		`SELECT * FROM orders_sync_log WHERE id = ?`), id)
	if err != nil {
		return Entry{}, fmt.Errorf("reading sync-log row %d: %w", id, err)
	}
	return e, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// isUniqueViolation recognizes unique-constraint errors from Postgres
// (SQLSTATE 23505) and from the SQLite driver used in tests.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
