package synclog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/spindleworks/spindle/window"
)

// RunStatus is the rolled-up outcome of one profiler invocation.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunOK      RunStatus = "ok"
	RunPartial RunStatus = "partial"
	RunWarning RunStatus = "warning"
	RunError   RunStatus = "error"
)

// Rollup folds the terminal statuses of every executed window into a single
// run status:
//   - every window succeeded (or none ran) |ok|
//   - failures with no success at all     |error|
//   - partials but no failure             |partial|
//   - successes mixed with failures       |warning|
func Rollup(statuses []Status) RunStatus {
	var hasSuccess, hasPartial, hasFailed bool
	for _, s := range statuses {
		switch s {
		case StatusSuccess:
			hasSuccess = true
		case StatusPartial:
			hasPartial = true
		case StatusFailed:
			hasFailed = true
		}
	}
	switch {
	case hasFailed && hasSuccess:
		return RunWarning
	case hasFailed:
		return RunError
	case hasPartial:
		return RunPartial
	default:
		return RunOK
	}
}

// Phase is one recorded stage of a run, embedded as JSON in the summary row.
type Phase struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Detail     string    `json:"detail,omitempty"`
}

// StoreMetrics aggregates per-store window outcomes within a run.
type StoreMetrics struct {
	Succeeded  int    `json:"succeeded"`
	Partial    int    `json:"partial"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	RowsStaged int64  `json:"rows_staged"`
	LastError  string `json:"last_error,omitempty"`
}

// Metrics aggregates a whole run, embedded as JSON in the summary row.
type Metrics struct {
	WindowsPlanned int                     `json:"windows_planned"`
	WindowsRun     int                     `json:"windows_run"`
	Succeeded      int                     `json:"succeeded"`
	Partial        int                     `json:"partial"`
	Failed         int                     `json:"failed"`
	Skipped        int                     `json:"skipped"`
	RowsStaged     int64                   `json:"rows_staged"`
	RowsMerged     int64                   `json:"rows_merged"`
	PerStore       map[string]StoreMetrics `json:"per_store,omitempty"`
}

// RunSummary is one pipeline_run_summaries row.
type RunSummary struct {
	ID            int64       `db:"id"`
	PipelineName  string      `db:"pipeline_name"`
	RunID         string      `db:"run_id"`
	RunEnv        string      `db:"run_env"`
	ReportDate    window.Date `db:"report_date"`
	StartedAt     time.Time   `db:"started_at"`
	FinishedAt    *time.Time  `db:"finished_at"`
	OverallStatus RunStatus   `db:"overall_status"`
	RawPhases     []byte      `db:"phases"`
	RawMetrics    []byte      `db:"metrics"`
	SummaryText   string      `db:"summary_text"`
}

// Phases decodes the embedded phase list.
func (r RunSummary) Phases() ([]Phase, error) {
	if len(r.RawPhases) == 0 {
		return nil, nil
	}
	var out []Phase
	if err := json.Unmarshal(r.RawPhases, &out); err != nil {
		return nil, fmt.Errorf("decoding run phases: %w", err)
	}
	return out, nil
}

// Metrics decodes the embedded metrics document.
func (r RunSummary) Metrics() (Metrics, error) {
	var out Metrics
	if len(r.RawMetrics) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.RawMetrics, &out); err != nil {
		return out, fmt.Errorf("decoding run metrics: %w", err)
	}
	return out, nil
}

// Runs reads and writes pipeline_run_summaries.
type Runs struct {
	db *sqlx.DB
}

// NewRuns returns a Runs store over |db|.
func NewRuns(db *sqlx.DB) *Runs { return &Runs{db: db} }

// Open inserts a |running| summary row and returns its generated run id.
func (r *Runs) Open(ctx context.Context, pipelineName, runEnv string, reportDate window.Date) (string, error) {
	var runID = uuid.NewString()
	var _, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO pipeline_run_summaries
			(pipeline_name, run_id, run_env, report_date, started_at, overall_status, summary_text)
		VALUES (?, ?, ?, ?, ?, ?, '')`),
		pipelineName, runID, runEnv, reportDate, time.Now().UTC(), RunRunning)
	if err != nil {
		return "", fmt.Errorf("opening run summary: %w", err)
	}
	return runID, nil
}

// Close finalizes the summary row with its rolled-up status, phases, metrics,
// and a human-readable summary.
func (r *Runs) Close(ctx context.Context, runID string, status RunStatus,
	phases []Phase, metrics Metrics, summaryText string) error {

	rawPhases, err := json.Marshal(phases)
	if err != nil {
		return fmt.Errorf("encoding run phases: %w", err)
	}
	rawMetrics, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("encoding run metrics: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pipeline_run_summaries
		SET finished_at = ?, overall_status = ?, phases = ?, metrics = ?, summary_text = ?
		WHERE run_id = ?`),
		time.Now().UTC(), status, rawPhases, rawMetrics, summaryText, runID)
	if err != nil {
		return fmt.Errorf("closing run summary %s: %w", runID, err)
	}
	return nil
}

// Downgrade moves a closed run from |from| to |to|, and is a no-op when the
// run's status has moved on in the meantime. The dispatcher uses it to record
// delivery trouble on an otherwise clean run without clobbering a status some
// other actor already wrote.
func (r *Runs) Downgrade(ctx context.Context, runID string, from, to RunStatus) error {
	var _, err = r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pipeline_run_summaries SET overall_status = ?
		WHERE run_id = ? AND overall_status = ?`),
		to, runID, from)
	if err != nil {
		return fmt.Errorf("downgrading run %s to %s: %w", runID, to, err)
	}
	return nil
}

// Get reads one summary row by run id.
func (r *Runs) Get(ctx context.Context, runID string) (RunSummary, error) {
	var out RunSummary
	var err = r.db.GetContext(ctx, &out, r.db.Rebind(
		`SELECT * FROM pipeline_run_summaries WHERE run_id = ?`), runID)
	if err != nil {
		return RunSummary{}, fmt.Errorf("reading run summary %s: %w", runID, err)
	}
	return out, nil
}

// Latest returns the most recent summary row of |pipelineName|, or sql.ErrNoRows.
func (r *Runs) Latest(ctx context.Context, pipelineName string) (RunSummary, error) {
	var out RunSummary
	var err = r.db.GetContext(ctx, &out, r.db.Rebind(`
		SELECT * FROM pipeline_run_summaries WHERE pipeline_name = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`), pipelineName)
	if err != nil {
		return RunSummary{}, fmt.Errorf("reading latest run of %s: %w", pipelineName, err)
	}
	return out, nil
}
