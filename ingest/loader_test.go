package ingest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/window"
	"github.com/spindleworks/spindle/workbook"
)

const loaderSchema = `
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

CREATE TABLE stg_bank (
	row_id TEXT NOT NULL,
	txn_date DATE,
	description TEXT,
	debit REAL,
	credit REAL,
	balance REAL,
	cost_center TEXT,
	store_code TEXT,
	source_system TEXT,
	run_id TEXT,
	run_date DATE,
	UNIQUE (row_id)
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

CREATE TABLE bank (
	row_id TEXT NOT NULL,
	cost_center TEXT,
	store_code TEXT,
	source_system TEXT,
	txn_date DATE,
	description TEXT,
	debit REAL,
	credit REAL,
	balance REAL,
	run_id TEXT,
	run_date DATE,
	UNIQUE (row_id)
);
`

func loaderDB(t *testing.T) *sqlx.DB {
	var db, err = sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(loaderSchema)
	require.NoError(t, err)
	return db
}

var loaderRunDate = window.MustDate("2026-03-08")

func tdOrderRow(runID, order string, date window.Date, status string) workbook.Row {
	return workbook.Row{
		"store_code":             "TD001",
		"order_number":           order,
		"order_date":             date,
		"cost_center":            "CC-TD001",
		"customer_name":          "A Customer",
		"customer_phone":         "9876543210",
		"due_date":               date.AddDays(3),
		"order_status":           status,
		"garment_count":          float64(4),
		"total_amount":           float64(900),
		"paid_amount":            float64(400),
		"balance_amount":         float64(500),
		"default_due_date":       date.AddDays(3),
		"due_days_delta":         0,
		"due_date_flag":          "Normal Delivery",
		"complete_processing_by": date.AddDays(2),
		"source_system":          "tumbledry",
		"run_id":                 runID,
		"run_date":               loaderRunDate,
	}
}

func ucInvoiceRow(runID, order string, date window.Date) workbook.Row {
	return workbook.Row{
		"store_code":             "UC002",
		"order_number":           order,
		"invoice_date":           date,
		"cost_center":            "CC-UC002",
		"invoice_number":         "INV-" + order,
		"customer_name":          "B Customer",
		"customer_phone":         "9123456780",
		"taxable_amount":         float64(1000),
		"cgst":                   float64(90),
		"sgst":                   float64(90),
		"tax_amount":             float64(180),
		"invoice_total":          float64(1180),
		"order_status":           "Invoiced",
		"default_due_date":       date.AddDays(3),
		"due_days_delta":         0,
		"due_date_flag":          "Normal Delivery",
		"complete_processing_by": date.AddDays(2),
		"source_system":          "uclean",
		"run_id":                 runID,
		"run_date":               loaderRunDate,
	}
}

func bankRow(runID, rowID, description string) workbook.Row {
	return workbook.Row{
		"row_id":        rowID,
		"txn_date":      window.MustDate("2026-03-02"),
		"description":   description,
		"debit":         float64(0),
		"credit":        float64(2500),
		"balance":       float64(104500),
		"cost_center":   "CC-TD001",
		"store_code":    "TD001",
		"source_system": "bank",
		"run_id":        runID,
		"run_date":      loaderRunDate,
	}
}

func countRows(t *testing.T, db *sqlx.DB, query string, args ...interface{}) int {
	var n int
	require.NoError(t, db.Get(&n, db.Rebind(query), args...))
	return n
}

func TestLoadTDOrdersRoundTrip(t *testing.T) {
	var db = loaderDB(t)
	// A two-row batch size forces the three fixtures through two chunks.
	var loader = NewLoader(db, 2)
	var ctx = context.Background()

	// TD-1002 appears twice under different order dates: the CRM re-issued
	// it, so both rows are duplicates and both are edited editions.
	var rows = []workbook.Row{
		tdOrderRow("run-0001", "TD-1001", window.MustDate("2026-03-01"), "Processing"),
		tdOrderRow("run-0001", "TD-1002", window.MustDate("2026-03-02"), "Ready"),
		tdOrderRow("run-0001", "TD-1002", window.MustDate("2026-03-03"), "Ready"),
	}
	stats, err := loader.Load(ctx, TDOrdersRoute, rows, "run-0001", "TD001")
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Staged)
	require.Equal(t, int64(3), stats.Merged)
	require.Equal(t, int64(2), stats.Duplicates)
	require.Equal(t, int64(2), stats.Edited)

	require.Equal(t, 3, countRows(t, db, "SELECT COUNT(*) FROM orders"))
	require.Equal(t, 2, countRows(t, db, "SELECT COUNT(*) FROM stg_td_orders WHERE is_duplicate"))
	require.Equal(t, 2, countRows(t, db, "SELECT COUNT(*) FROM stg_td_orders WHERE is_edited_order"))
	require.Equal(t, 0, countRows(t, db,
		"SELECT COUNT(*) FROM stg_td_orders WHERE order_number = ? AND (is_duplicate OR is_edited_order)", "TD-1001"))

	// Re-running the window under a later run updates in place. TD-1001
	// progressed to Delivered; nothing else changes.
	rows = []workbook.Row{
		tdOrderRow("run-0002", "TD-1001", window.MustDate("2026-03-01"), "Delivered"),
		tdOrderRow("run-0002", "TD-1002", window.MustDate("2026-03-02"), "Ready"),
		tdOrderRow("run-0002", "TD-1002", window.MustDate("2026-03-03"), "Ready"),
	}
	stats, err = loader.Load(ctx, TDOrdersRoute, rows, "run-0002", "TD001")
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Staged)

	require.Equal(t, 3, countRows(t, db, "SELECT COUNT(*) FROM orders"))
	require.Equal(t, 3, countRows(t, db, "SELECT COUNT(*) FROM stg_td_orders"))

	var got struct {
		OrderStatus string      `db:"order_status"`
		OrderDate   window.Date `db:"order_date"`
		DueDate     window.Date `db:"due_date"`
		RunID       string      `db:"run_id"`
	}
	require.NoError(t, db.Get(&got, db.Rebind(
		"SELECT order_status, order_date, due_date, run_id FROM orders WHERE order_number = ?"), "TD-1001"))
	require.Equal(t, "Delivered", got.OrderStatus)
	require.Equal(t, window.MustDate("2026-03-01"), got.OrderDate)
	require.Equal(t, window.MustDate("2026-03-04"), got.DueDate)
	require.Equal(t, "run-0002", got.RunID)
}

func TestLoadUCInvoiceMapping(t *testing.T) {
	var db = loaderDB(t)
	var loader = NewLoader(db, 0)

	var rows = []workbook.Row{ucInvoiceRow("run-0003", "UC-7", window.MustDate("2026-03-02"))}
	stats, err := loader.Load(context.Background(), UCGSTRoute, rows, "run-0003", "UC002")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Staged)
	require.Equal(t, int64(1), stats.Merged)

	var got struct {
		OrderDate    window.Date     `db:"order_date"`
		DueDate      window.Date     `db:"due_date"`
		TotalAmount  float64         `db:"total_amount"`
		InvoiceTotal float64         `db:"invoice_total"`
		TaxAmount    float64         `db:"tax_amount"`
		GarmentCount sql.NullFloat64 `db:"garment_count"`
		SourceSystem string          `db:"source_system"`
	}
	require.NoError(t, db.Get(&got, db.Rebind(
		"SELECT order_date, due_date, total_amount, invoice_total, tax_amount, garment_count, source_system"+
			" FROM orders WHERE order_number = ?"), "UC-7"))

	// The invoice date is the order date in the unified table, and the
	// derived default due date stands in for a delivery commitment.
	require.Equal(t, window.MustDate("2026-03-02"), got.OrderDate)
	require.Equal(t, window.MustDate("2026-03-05"), got.DueDate)
	require.Equal(t, float64(1180), got.TotalAmount)
	require.Equal(t, float64(1180), got.InvoiceTotal)
	require.Equal(t, float64(180), got.TaxAmount)
	require.False(t, got.GarmentCount.Valid)
	require.Equal(t, "uclean", got.SourceSystem)
}

func TestLoadBankUpserts(t *testing.T) {
	var db = loaderDB(t)
	var loader = NewLoader(db, 0)
	var ctx = context.Background()

	var rows = []workbook.Row{
		bankRow("run-0004", "row-a", "NEFT CR 2500"),
		bankRow("run-0004", "row-b", "NEFT CR 2500"),
	}
	stats, err := loader.Load(ctx, BankRoute, rows, "run-0004", "TD001")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Staged)
	require.Equal(t, int64(2), stats.Merged)
	require.Zero(t, stats.Duplicates)
	require.Zero(t, stats.Edited)

	// The same statement lines arrive again with a corrected description.
	rows = []workbook.Row{
		bankRow("run-0005", "row-a", "NEFT CR 2500 REF 881"),
		bankRow("run-0005", "row-b", "NEFT CR 2500 REF 882"),
	}
	_, err = loader.Load(ctx, BankRoute, rows, "run-0005", "TD001")
	require.NoError(t, err)

	require.Equal(t, 2, countRows(t, db, "SELECT COUNT(*) FROM bank"))
	var desc string
	require.NoError(t, db.Get(&desc, db.Rebind("SELECT description FROM bank WHERE row_id = ?"), "row-a"))
	require.Equal(t, "NEFT CR 2500 REF 881", desc)
}

func TestLoadNothing(t *testing.T) {
	var loader = NewLoader(loaderDB(t), 0)
	stats, err := loader.Load(context.Background(), TDOrdersRoute, nil, "run-0006", "TD001")
	require.NoError(t, err)
	require.Zero(t, stats)
}
