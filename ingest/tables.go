// Package ingest moves parsed workbook rows into the relational store: an
// idempotent UPSERT into the staging table of the pipeline, duplicate and
// edited-order flagging over the staged batch, and a merge into the
// production tables, all inside one transaction per artifact.
package ingest

// Column describes one insertable column of an ingest target table.
type Column struct {
	// The Name of the column, which doubles as the workbook row key the
	// staged value is read from.
	Name string
	// Key is true if the column is part of the table's business key, the
	// conflict target of its upsert.
	Key bool
	// Frozen is true for columns written on insert but never rewritten by
	// a conflict update (provenance columns like source_system).
	Frozen bool
}

// Table describes an ingest target. Columns list exactly the insert surface;
// automatic columns (sequence ids, flag columns maintained by separate
// statements) are not included.
type Table struct {
	Name    string
	Columns []Column
}

// KeyColumns returns the names of the business-key columns in order.
func (t *Table) KeyColumns() []string {
	var out []string
	for _, c := range t.Columns {
		if c.Key {
			out = append(out, c.Name)
		}
	}
	return out
}

// UpdatableColumns returns the non-key, non-frozen column names: the set a
// conflict update rewrites.
func (t *Table) UpdatableColumns() []string {
	var out []string
	for _, c := range t.Columns {
		if !c.Key && !c.Frozen {
			out = append(out, c.Name)
		}
	}
	return out
}

// ColumnNames returns every insertable column name in order.
func (t *Table) ColumnNames() []string {
	var out = make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

func (t *Table) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Staging tables. Business keys follow the persisted schema constraints.

var StgTDOrders = &Table{
	Name: "stg_td_orders",
	Columns: []Column{
		{Name: "store_code", Key: true},
		{Name: "order_number", Key: true},
		{Name: "order_date", Key: true},
		{Name: "cost_center"},
		{Name: "customer_name"},
		{Name: "customer_phone"},
		{Name: "due_date"},
		{Name: "order_status"},
		{Name: "garment_count"},
		{Name: "total_amount"},
		{Name: "paid_amount"},
		{Name: "balance_amount"},
		{Name: "default_due_date"},
		{Name: "due_days_delta"},
		{Name: "due_date_flag"},
		{Name: "complete_processing_by"},
		{Name: "source_system", Frozen: true},
		{Name: "run_id"},
		{Name: "run_date"},
	},
}

var StgTDSales = &Table{
	Name: "stg_td_sales",
	Columns: []Column{
		{Name: "store_code", Key: true},
		{Name: "order_number", Key: true},
		{Name: "payment_date", Key: true},
		{Name: "cost_center"},
		{Name: "payment_amount"},
		{Name: "payment_mode"},
		{Name: "receipt_number"},
		{Name: "delivery_date"},
		{Name: "source_system", Frozen: true},
		{Name: "run_id"},
		{Name: "run_date"},
	},
}

var StgUCOrders = &Table{
	Name: "stg_uc_orders",
	Columns: []Column{
		{Name: "store_code", Key: true},
		{Name: "order_number", Key: true},
		{Name: "invoice_date", Key: true},
		{Name: "cost_center"},
		{Name: "invoice_number"},
		{Name: "customer_name"},
		{Name: "customer_phone"},
		{Name: "taxable_amount"},
		{Name: "cgst"},
		{Name: "sgst"},
		{Name: "tax_amount"},
		{Name: "invoice_total"},
		{Name: "order_status"},
		{Name: "default_due_date"},
		{Name: "due_days_delta"},
		{Name: "due_date_flag"},
		{Name: "complete_processing_by"},
		{Name: "source_system", Frozen: true},
		{Name: "run_id"},
		{Name: "run_date"},
	},
}

var StgBank = &Table{
	Name: "stg_bank",
	Columns: []Column{
		{Name: "row_id", Key: true},
		{Name: "txn_date"},
		{Name: "description"},
		{Name: "debit"},
		{Name: "credit"},
		{Name: "balance"},
		{Name: "cost_center"},
		{Name: "store_code"},
		{Name: "source_system", Frozen: true},
		{Name: "run_id"},
		{Name: "run_date"},
	},
}

// Production tables. A single orders table unifies both CRMs; columns only
// one system provides are null for the other.

var Orders = &Table{
	Name: "orders",
	Columns: []Column{
		{Name: "cost_center", Key: true},
		{Name: "order_number", Key: true},
		{Name: "order_date", Key: true},
		{Name: "store_code", Frozen: true},
		{Name: "source_system", Frozen: true},
		{Name: "customer_name"},
		{Name: "customer_phone"},
		{Name: "order_status"},
		{Name: "garment_count"},
		{Name: "total_amount"},
		{Name: "paid_amount"},
		{Name: "balance_amount"},
		{Name: "invoice_number"},
		{Name: "taxable_amount"},
		{Name: "tax_amount"},
		{Name: "invoice_total"},
		{Name: "due_date"},
		{Name: "default_due_date"},
		{Name: "due_days_delta"},
		{Name: "due_date_flag"},
		{Name: "complete_processing_by"},
		{Name: "run_id"},
		{Name: "run_date"},
	},
}

var TDSales = &Table{
	Name: "td_sales",
	Columns: []Column{
		{Name: "cost_center", Key: true},
		{Name: "order_number", Key: true},
		{Name: "payment_date", Key: true},
		{Name: "store_code", Frozen: true},
		{Name: "source_system", Frozen: true},
		{Name: "payment_amount"},
		{Name: "payment_mode"},
		{Name: "receipt_number"},
		{Name: "delivery_date"},
		{Name: "run_id"},
		{Name: "run_date"},
	},
}

var Bank = &Table{
	Name: "bank",
	Columns: []Column{
		{Name: "row_id", Key: true},
		{Name: "cost_center", Frozen: true},
		{Name: "store_code", Frozen: true},
		{Name: "source_system", Frozen: true},
		{Name: "txn_date"},
		{Name: "description"},
		{Name: "debit"},
		{Name: "credit"},
		{Name: "balance"},
		{Name: "run_id"},
		{Name: "run_date"},
	},
}

// Merge describes how a staged batch feeds one production table.
type Merge struct {
	Source *Table
	Target *Table
	// ColumnMap overrides the source expression of a target column. Target
	// columns without an override read the same-named source column, or
	// NULL when the source has no such column.
	ColumnMap map[string]string
}

// Route is the full ingest path of one artifact kind.
type Route struct {
	Staging *Table
	// EditionDate is the staging date column that distinguishes editions
	// of the same order; empty disables duplicate/edited flagging.
	EditionDate string
	Merges      []Merge
}

var TDOrdersRoute = Route{
	Staging:     StgTDOrders,
	EditionDate: "order_date",
	Merges: []Merge{{
		Source: StgTDOrders,
		Target: Orders,
	}},
}

var TDSalesRoute = Route{
	Staging:     StgTDSales,
	EditionDate: "payment_date",
	Merges: []Merge{{
		Source: StgTDSales,
		Target: TDSales,
	}},
}

// UCGSTRoute maps GST invoices into the unified orders table; the invoice
// date serves as the order date, and the date-planning fields derived off
// it carry over.
var UCGSTRoute = Route{
	Staging:     StgUCOrders,
	EditionDate: "invoice_date",
	Merges: []Merge{{
		Source: StgUCOrders,
		Target: Orders,
		ColumnMap: map[string]string{
			"order_date":   "invoice_date",
			"due_date":     "default_due_date",
			"total_amount": "invoice_total",
		},
	}},
}

var BankRoute = Route{
	Staging: StgBank,
	Merges: []Merge{{
		Source: StgBank,
		Target: Bank,
	}},
}
