package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/spindleworks/spindle/browser"
	"github.com/spindleworks/spindle/fault"
	"github.com/spindleworks/spindle/ingest"
	"github.com/spindleworks/spindle/registry"
	"github.com/spindleworks/spindle/session"
	"github.com/spindleworks/spindle/synclog"
	"github.com/spindleworks/spindle/window"
)

const engineSchema = `
CREATE TABLE orders_sync_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	pipeline_id      TEXT NOT NULL,
	store_code       TEXT NOT NULL,
	cost_center      TEXT NOT NULL,
	from_date        DATE NOT NULL,
	to_date          DATE NOT NULL,
	run_id           TEXT NOT NULL,
	run_env          TEXT NOT NULL,
	status           TEXT NOT NULL,
	attempt_no       INTEGER NOT NULL,
	orders_pulled_at TIMESTAMP,
	sales_pulled_at  TIMESTAMP,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	UNIQUE (pipeline_id, store_code, from_date, to_date, run_id)
);

CREATE TABLE stg_td_orders (
	store_code TEXT NOT NULL,
	order_number TEXT NOT NULL,
	order_date DATE NOT NULL,
	cost_center TEXT,
	customer_name TEXT,
	customer_phone TEXT,
	due_date DATE,
	order_status TEXT,
	garment_count REAL,
	total_amount REAL,
	paid_amount REAL,
	balance_amount REAL,
	default_due_date DATE,
	due_days_delta INTEGER,
	due_date_flag TEXT,
	complete_processing_by DATE,
	source_system TEXT,
	run_id TEXT,
	run_date DATE,
	is_duplicate BOOLEAN NOT NULL DEFAULT FALSE,
	is_edited_order BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (store_code, order_number, order_date)
);

CREATE TABLE stg_td_sales (
	store_code TEXT NOT NULL,
	order_number TEXT NOT NULL,
	payment_date DATE NOT NULL,
	cost_center TEXT,
	payment_amount REAL,
	payment_mode TEXT,
	receipt_number TEXT,
	delivery_date DATE,
	source_system TEXT,
	run_id TEXT,
	run_date DATE,
	is_duplicate BOOLEAN NOT NULL DEFAULT FALSE,
	is_edited_order BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (store_code, order_number, payment_date)
);

CREATE TABLE stg_uc_orders (
	store_code TEXT NOT NULL,
	order_number TEXT NOT NULL,
	invoice_date DATE NOT NULL,
	cost_center TEXT,
	invoice_number TEXT,
	customer_name TEXT,
	customer_phone TEXT,
	taxable_amount REAL,
	cgst REAL,
	sgst REAL,
	tax_amount REAL,
	invoice_total REAL,
	order_status TEXT,
	default_due_date DATE,
	due_days_delta INTEGER,
	due_date_flag TEXT,
	complete_processing_by DATE,
	source_system TEXT,
	run_id TEXT,
	run_date DATE,
	is_duplicate BOOLEAN NOT NULL DEFAULT FALSE,
	is_edited_order BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (store_code, order_number, invoice_date)
);

CREATE TABLE orders (
	cost_center TEXT NOT NULL,
	order_number TEXT NOT NULL,
	order_date DATE NOT NULL,
	store_code TEXT,
	source_system TEXT,
	customer_name TEXT,
	customer_phone TEXT,
	order_status TEXT,
	garment_count REAL,
	total_amount REAL,
	paid_amount REAL,
	balance_amount REAL,
	invoice_number TEXT,
	taxable_amount REAL,
	tax_amount REAL,
	invoice_total REAL,
	due_date DATE,
	default_due_date DATE,
	due_days_delta INTEGER,
	due_date_flag TEXT,
	complete_processing_by DATE,
	run_id TEXT,
	run_date DATE,
	UNIQUE (cost_center, order_number, order_date)
);

CREATE TABLE td_sales (
	cost_center TEXT NOT NULL,
	order_number TEXT NOT NULL,
	payment_date DATE NOT NULL,
	store_code TEXT,
	source_system TEXT,
	payment_amount REAL,
	payment_mode TEXT,
	receipt_number TEXT,
	delivery_date DATE,
	run_id TEXT,
	run_date DATE,
	UNIQUE (cost_center, order_number, payment_date)
);
`

func engineDB(t *testing.T) *sqlx.DB {
	var db, err = sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.MustExec(engineSchema)
	return db
}

func engineClock(t *testing.T) *window.Clock {
	var loc, err = time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return window.FixedClock(time.Date(2026, 3, 10, 9, 0, 0, 0, loc), loc)
}

func buildXLSX(t *testing.T, rows [][]interface{}) []byte {
	var f = excelize.NewFile()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func tdOrdersArtifact(t *testing.T) browser.Artifact {
	return browser.Artifact{
		Name: "TD010_td_orders_20260301_20260307.xlsx",
		Data: buildXLSX(t, [][]interface{}{
			{"Order No", "Order Date", "Customer Name", "Status", "Total Amount", "Paid Amount", "Balance"},
			{"TD-1001", "01/03/2026", "Asha Rao", "Ready", "1180", "500", "680"},
			{"TD-1002", "02/03/2026", "Vikram Iyer", "Processing", "900", "900", "0"},
		}),
	}
}

func tdSalesArtifact(t *testing.T) browser.Artifact {
	return browser.Artifact{
		Name: "TD010_td_sales_20260301_20260307.xlsx",
		Data: buildXLSX(t, [][]interface{}{
			{"Order No", "Payment Date", "Amount", "Payment Mode", "Receipt No", "Delivery Date"},
			{"TD-1001", "03/03/2026", "500", "UPI", "RC-9", "04/03/2026"},
		}),
	}
}

func ucGSTArtifact(t *testing.T) browser.Artifact {
	return browser.Artifact{
		Name: "UC002_uc_gst_20260301_20260307.xlsx",
		Data: buildXLSX(t, [][]interface{}{
			{"Order No", "Invoice No", "Invoice Date", "Customer Name",
				"Taxable Amount", "CGST", "SGST", "Invoice Total", "Status"},
			{"UC-7", "INV-7", "02/03/2026", "B Kumar", "1000", "90", "90", "1180", "Invoiced"},
		}),
	}
}

// nopSession satisfies browser.Session for stub flows that never touch the
// page. Only state serialization and closing are exercised by the engine.
type nopSession struct{ browser.Session }

func (nopSession) SaveState(context.Context) ([]byte, error) {
	return []byte(`{"cookies":[],"origins":[]}`), nil
}
func (nopSession) Close() error { return nil }

type stubLauncher struct {
	launches int
	lastOpts browser.SessionOptions
}

func (l *stubLauncher) Launch(ctx context.Context, opts browser.SessionOptions) (browser.Session, error) {
	l.launches++
	l.lastOpts = opts
	return nopSession{}, nil
}
func (l *stubLauncher) Close() error { return nil }

type stubTDFlow struct {
	ensureErr   error
	ordersArt   browser.Artifact
	salesArt    browser.Artifact
	ordersErrs  []error // consumed per call; nil entry = success
	salesErr    error
	onOrders    func()
	ordersCalls int
	salesCalls  int
}

func (f *stubTDFlow) EnsureSession(ctx context.Context, s browser.Session) error {
	return f.ensureErr
}

func (f *stubTDFlow) DownloadOrders(ctx context.Context, s browser.Session, w window.Span) (browser.Artifact, error) {
	f.ordersCalls++
	if f.onOrders != nil {
		f.onOrders()
	}
	if len(f.ordersErrs) > 0 {
		var err = f.ordersErrs[0]
		f.ordersErrs = f.ordersErrs[1:]
		if err != nil {
			return browser.Artifact{}, err
		}
	}
	return f.ordersArt, nil
}

func (f *stubTDFlow) DownloadSales(ctx context.Context, s browser.Session, w window.Span) (browser.Artifact, error) {
	f.salesCalls++
	if f.salesErr != nil {
		return browser.Artifact{}, f.salesErr
	}
	return f.salesArt, nil
}

type stubUCFlow struct {
	ensureErr error
	art       browser.Artifact
	noData    bool
	gstErr    error
	gstCalls  int
}

func (f *stubUCFlow) EnsureSession(ctx context.Context, s browser.Session) error {
	return f.ensureErr
}

func (f *stubUCFlow) DownloadGST(ctx context.Context, s browser.Session, w window.Span) (browser.Artifact, bool, error) {
	f.gstCalls++
	if f.gstErr != nil {
		return browser.Artifact{}, false, f.gstErr
	}
	return f.art, f.noData, nil
}

var fastBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

func newTestTD(t *testing.T, db *sqlx.DB, flow tdFlow) (*TD, *stubLauncher) {
	var mgr, err = session.NewManager(t.TempDir())
	require.NoError(t, err)
	var l = &stubLauncher{}
	var e = NewTD(Deps{
		Log:         synclog.NewStore(db),
		Loader:      ingest.NewLoader(db, 0),
		Sessions:    mgr,
		Launcher:    l,
		Clock:       engineClock(t),
		DownloadDir: t.TempDir(),
	})
	e.backoff = fastBackoff
	e.newFlow = func(registry.Store, string) tdFlow { return flow }
	return e, l
}

func newTestUC(t *testing.T, db *sqlx.DB, flow ucFlow) (*UC, *stubLauncher) {
	var mgr, err = session.NewManager(t.TempDir())
	require.NoError(t, err)
	var l = &stubLauncher{}
	var e = NewUC(Deps{
		Log:         synclog.NewStore(db),
		Loader:      ingest.NewLoader(db, 0),
		Sessions:    mgr,
		Launcher:    l,
		Clock:       engineClock(t),
		DownloadDir: t.TempDir(),
	})
	e.backoff = fastBackoff
	e.newFlow = func(registry.Store, string) ucFlow { return flow }
	return e, l
}

func tdJob() Job {
	return Job{
		Store: registry.Store{
			StoreCode:  "TD010",
			SyncGroup:  registry.GroupTD,
			CostCenter: "CC-010",
			StartDate:  window.MustDate("2026-01-01"),
		},
		Window: window.Span{From: window.MustDate("2026-03-01"), To: window.MustDate("2026-03-07")},
		RunID:  "run-0001",
		RunEnv: "prod",
	}
}

func ucJob() Job {
	var j = tdJob()
	j.Store.StoreCode = "UC002"
	j.Store.SyncGroup = registry.GroupUC
	j.Store.CostCenter = "CC-002"
	return j
}

func logEntry(t *testing.T, db *sqlx.DB, id int64) synclog.Entry {
	var e, err = synclog.NewStore(db).Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func countOf(t *testing.T, db *sqlx.DB, query string, args ...interface{}) int {
	var n int
	require.NoError(t, db.Get(&n, db.Rebind(query), args...))
	return n
}

func TestTDWindowSucceeds(t *testing.T) {
	var db = engineDB(t)
	var flow = &stubTDFlow{ordersArt: tdOrdersArtifact(t), salesArt: tdSalesArtifact(t)}
	var e, l = newTestTD(t, db, flow)

	var out = e.Run(context.Background(), tdJob())
	require.NoError(t, out.Err)
	require.Equal(t, synclog.StatusSuccess, out.Status)
	require.Equal(t, int64(3), out.Staged)
	require.Equal(t, int64(3), out.Merged)
	require.Equal(t, []string{
		"TD010_td_orders_20260301_20260307.xlsx",
		"TD010_td_sales_20260301_20260307.xlsx",
	}, out.Artifacts)
	require.Equal(t, 1, l.launches)

	var entry = logEntry(t, db, out.LogID)
	require.Equal(t, synclog.StatusSuccess, entry.Status)
	require.NotNil(t, entry.OrdersPulledAt)
	require.NotNil(t, entry.SalesPulledAt)
	require.Empty(t, entry.ErrorMessage)

	require.Equal(t, 2, countOf(t, db, "SELECT COUNT(*) FROM orders"))
	require.Equal(t, 1, countOf(t, db, "SELECT COUNT(*) FROM td_sales"))

	// The browser's storage state was persisted for the next run.
	var _, ok = e.Sessions.Load("TD010")
	require.True(t, ok)
}

func TestTDSalesFailureIsPartial(t *testing.T) {
	var db = engineDB(t)
	var flow = &stubTDFlow{
		ordersArt: tdOrdersArtifact(t),
		salesErr:  fault.Errorf(fault.Download, "report never became ready"),
	}
	var e, _ = newTestTD(t, db, flow)

	var out = e.Run(context.Background(), tdJob())
	require.Error(t, out.Err)
	require.Equal(t, synclog.StatusPartial, out.Status)
	require.Equal(t, int64(2), out.Staged)
	require.Equal(t, 1, flow.salesCalls, "non-transient failures are not retried")

	var entry = logEntry(t, db, out.LogID)
	require.Equal(t, synclog.StatusPartial, entry.Status)
	require.NotNil(t, entry.OrdersPulledAt)
	require.Nil(t, entry.SalesPulledAt)
	require.Contains(t, entry.ErrorMessage, "report never became ready")

	require.Equal(t, 2, countOf(t, db, "SELECT COUNT(*) FROM orders"))
	require.Equal(t, 0, countOf(t, db, "SELECT COUNT(*) FROM td_sales"))
}

func TestTDOrdersFailureIsFailed(t *testing.T) {
	var db = engineDB(t)
	var flow = &stubTDFlow{
		ordersErrs: []error{fault.Errorf(fault.LayoutDrift, "report frame missing")},
	}
	var e, _ = newTestTD(t, db, flow)

	var out = e.Run(context.Background(), tdJob())
	require.Error(t, out.Err)
	require.Equal(t, synclog.StatusFailed, out.Status)
	require.Zero(t, out.Staged)
	require.Zero(t, flow.salesCalls)

	var entry = logEntry(t, db, out.LogID)
	require.Equal(t, synclog.StatusFailed, entry.Status)
	require.Nil(t, entry.OrdersPulledAt)
	require.Equal(t, 0, countOf(t, db, "SELECT COUNT(*) FROM orders"))
}

func TestTDTransportFailuresRetry(t *testing.T) {
	var db = engineDB(t)
	var flow = &stubTDFlow{
		ordersArt: tdOrdersArtifact(t),
		salesArt:  tdSalesArtifact(t),
		ordersErrs: []error{
			fault.Errorf(fault.Transport, "net::ERR_CONNECTION_RESET"),
			fault.Errorf(fault.Transport, "net::ERR_CONNECTION_RESET"),
			nil,
		},
	}
	var e, l = newTestTD(t, db, flow)

	var out = e.Run(context.Background(), tdJob())
	require.NoError(t, out.Err)
	require.Equal(t, synclog.StatusSuccess, out.Status)

	// The adapter retried once within the first engine attempt, then the
	// engine backed off and re-ran on a third fresh context.
	require.Equal(t, 3, flow.ordersCalls)
	require.Equal(t, 3, l.launches)
	require.Equal(t, 2, countOf(t, db, "SELECT COUNT(*) FROM orders"))
}

func TestTDAuthFailureClearsSavedSession(t *testing.T) {
	var db = engineDB(t)
	var flow = &stubTDFlow{ensureErr: fault.Errorf(fault.Auth, "landing page lacks store code")}
	var e, _ = newTestTD(t, db, flow)
	require.NoError(t, e.Sessions.Save("TD010", []byte(`{"cookies":[],"origins":[]}`)))

	var out = e.Run(context.Background(), tdJob())
	require.Equal(t, synclog.StatusFailed, out.Status)

	var entry = logEntry(t, db, out.LogID)
	require.Contains(t, entry.ErrorMessage, "auth")

	var _, ok = e.Sessions.Load("TD010")
	require.False(t, ok, "rejected session state must be cleared")
}

func TestTDWindowResumesRowHeldByRun(t *testing.T) {
	var db = engineDB(t)
	var job = tdJob()
	var store = synclog.NewStore(db)

	// A prior invocation of the same run already opened this window.
	held, err := store.Open(context.Background(), synclog.OpenWindow{
		PipelineID: string(PipelineTD),
		StoreCode:  job.Store.StoreCode,
		CostCenter: job.Store.CostCenter,
		RunID:      job.RunID,
		RunEnv:     job.RunEnv,
		Window:     job.Window,
	})
	require.NoError(t, err)

	var flow = &stubTDFlow{ordersArt: tdOrdersArtifact(t), salesArt: tdSalesArtifact(t)}
	var e, _ = newTestTD(t, db, flow)

	var out = e.Run(context.Background(), job)
	require.Equal(t, synclog.StatusSuccess, out.Status)
	require.Equal(t, held, out.LogID)
	require.Equal(t, 1, countOf(t, db, "SELECT COUNT(*) FROM orders_sync_log"))
}

func TestTDCancellationFinalizesCancelled(t *testing.T) {
	var db = engineDB(t)
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var flow = &stubTDFlow{
		onOrders:   cancel,
		ordersErrs: []error{context.Canceled},
	}
	var e, _ = newTestTD(t, db, flow)

	var out = e.Run(ctx, tdJob())
	require.Equal(t, synclog.StatusFailed, out.Status)
	require.Equal(t, 1, flow.ordersCalls, "cancelled windows are not retried")

	var entry = logEntry(t, db, out.LogID)
	require.Equal(t, synclog.StatusFailed, entry.Status)
	require.Equal(t, "cancelled", entry.ErrorMessage)
}

func TestUCWindowSucceeds(t *testing.T) {
	var db = engineDB(t)
	var flow = &stubUCFlow{art: ucGSTArtifact(t)}
	var e, _ = newTestUC(t, db, flow)

	var out = e.Run(context.Background(), ucJob())
	require.NoError(t, out.Err)
	require.Equal(t, synclog.StatusSuccess, out.Status)
	require.Equal(t, int64(1), out.Staged)
	require.Equal(t, []string{"UC002_uc_gst_20260301_20260307.xlsx"}, out.Artifacts)

	var entry = logEntry(t, db, out.LogID)
	require.Equal(t, synclog.StatusSuccess, entry.Status)
	require.NotNil(t, entry.OrdersPulledAt)

	var source string
	require.NoError(t, db.Get(&source, db.Rebind(
		"SELECT source_system FROM orders WHERE order_number = ?"), "UC-7"))
	require.Equal(t, "UClean", source)
}

func TestUCNoDataWindowIsSuccess(t *testing.T) {
	var db = engineDB(t)
	var flow = &stubUCFlow{noData: true}
	var e, _ = newTestUC(t, db, flow)

	var out = e.Run(context.Background(), ucJob())
	require.NoError(t, out.Err)
	require.Equal(t, synclog.StatusSuccess, out.Status)
	require.Zero(t, out.Staged)
	require.Empty(t, out.Artifacts)

	var entry = logEntry(t, db, out.LogID)
	require.Equal(t, synclog.StatusSuccess, entry.Status)
	require.Nil(t, entry.OrdersPulledAt)
	require.Equal(t, 0, countOf(t, db, "SELECT COUNT(*) FROM orders"))
}

func TestUCFailureIsFailed(t *testing.T) {
	var db = engineDB(t)
	var flow = &stubUCFlow{gstErr: fault.Errorf(fault.Timeout, "report table never settled")}
	var e, _ = newTestUC(t, db, flow)

	var out = e.Run(context.Background(), ucJob())
	require.Error(t, out.Err)
	require.Equal(t, synclog.StatusFailed, out.Status)
	require.Equal(t, 1, flow.gstCalls)

	var entry = logEntry(t, db, out.LogID)
	require.Equal(t, synclog.StatusFailed, entry.Status)
	require.Contains(t, entry.ErrorMessage, "timeout")
}
