package workbook

import (
	"github.com/spindleworks/spindle/window"
)

// TDOrders is the TumbleDry Order Report layout.
var TDOrders = &Layout{
	Name: "td_orders",
	Fields: []Field{
		{Name: "order_number", Aliases: []string{"Order No", "Order Number", "Order #"},
			Type: String, Required: true, Key: true},
		{Name: "order_date", Aliases: []string{"Order Date", "Booking Date"},
			Type: Date, Required: true, Key: true},
		{Name: "customer_name", Aliases: []string{"Customer Name", "Customer"}, Type: String},
		{Name: "customer_phone", Aliases: []string{"Phone", "Mobile", "Contact No"}, Type: Phone},
		{Name: "due_date", Aliases: []string{"Due Date", "Promised Date"}, Type: Date},
		{Name: "order_status", Aliases: []string{"Status", "Order Status"}, Type: String},
		{Name: "garment_count", Aliases: []string{"Garments", "Pieces", "Qty"}, Type: Number},
		{Name: "total_amount", Aliases: []string{"Total Amount", "Gross Amount", "Total"},
			Type: Number, Required: true},
		{Name: "paid_amount", Aliases: []string{"Paid Amount", "Advance", "Amount Paid"}, Type: Number},
		{Name: "balance_amount", Aliases: []string{"Balance", "Balance Amount", "Due Amount"}, Type: Number},
	},
	Derive: deriveTDOrders,
}

// TDSales is the TumbleDry Sales & Delivery Report layout.
var TDSales = &Layout{
	Name: "td_sales",
	Fields: []Field{
		{Name: "order_number", Aliases: []string{"Order No", "Order Number", "Order #"},
			Type: String, Required: true, Key: true},
		{Name: "payment_date", Aliases: []string{"Payment Date", "Paid On", "Receipt Date"},
			Type: Date, Required: true, Key: true},
		{Name: "payment_amount", Aliases: []string{"Amount", "Paid Amount", "Payment Amount"},
			Type: Number, Required: true},
		{Name: "payment_mode", Aliases: []string{"Payment Mode", "Mode", "Payment Type"}, Type: String},
		{Name: "receipt_number", Aliases: []string{"Receipt No", "Receipt Number"}, Type: String},
		{Name: "delivery_date", Aliases: []string{"Delivery Date", "Delivered On"}, Type: Date},
	},
}

// UCGST is the UClean GST Report layout.
var UCGST = &Layout{
	Name: "uc_gst",
	Fields: []Field{
		{Name: "order_number", Aliases: []string{"Order No", "Order Number", "Order Id"},
			Type: String, Required: true, Key: true},
		{Name: "invoice_number", Aliases: []string{"Invoice No", "Invoice Number"}, Type: String},
		{Name: "invoice_date", Aliases: []string{"Invoice Date", "Bill Date"},
			Type: Date, Required: true, Key: true},
		{Name: "customer_name", Aliases: []string{"Customer Name", "Customer"}, Type: String},
		{Name: "customer_phone", Aliases: []string{"Phone", "Mobile", "Contact No"}, Type: Phone},
		{Name: "taxable_amount", Aliases: []string{"Taxable Amount", "Taxable Value"}, Type: Number},
		{Name: "cgst", Aliases: []string{"CGST", "CGST Amount"}, Type: Number},
		{Name: "sgst", Aliases: []string{"SGST", "SGST Amount"}, Type: Number},
		{Name: "invoice_total", Aliases: []string{"Invoice Total", "Total Amount", "Total"},
			Type: Number, Required: true},
		{Name: "order_status", Aliases: []string{"Status", "Order Status"}, Type: String},
	},
	Derive: deriveUCGST,
}

// Bank is the bank statement export layout.
var Bank = &Layout{
	Name: "bank",
	Fields: []Field{
		{Name: "row_id", Aliases: []string{"Row ID", "Txn ID", "Transaction ID", "Reference No"},
			Type: String, Required: true, Key: true},
		{Name: "txn_date", Aliases: []string{"Transaction Date", "Txn Date", "Value Date"},
			Type: Date, Required: true},
		{Name: "description", Aliases: []string{"Description", "Narration", "Particulars"}, Type: String},
		{Name: "debit", Aliases: []string{"Debit", "Withdrawal"}, Type: Number},
		{Name: "credit", Aliases: []string{"Credit", "Deposit"}, Type: Number},
		{Name: "balance", Aliases: []string{"Balance", "Closing Balance"}, Type: Number},
	},
}

// deriveTDOrders fills the delivery-planning fields. A missing due date
// defaults to order_date + 3 days before the deltas are computed, so a
// defaulted row always classifies as Normal Delivery.
func deriveTDOrders(row Row, clock *window.Clock) []string {
	orderDate, ok := row["order_date"].(window.Date)
	if !ok {
		return nil
	}
	var defaultDue = orderDate.AddDays(3)
	if row["due_date"] == nil {
		row["due_date"] = defaultDue
	}
	var dueDate = row["due_date"].(window.Date)

	row["default_due_date"] = defaultDue
	var delta = defaultDue.DaysUntil(dueDate)
	row["due_days_delta"] = delta
	row["due_date_flag"] = dueDateFlag(delta)
	row["complete_processing_by"] = defaultDue.AddDays(-1)
	return nil
}

func dueDateFlag(delta int) string {
	switch {
	case delta > 0:
		return "Date Extended"
	case delta < 0:
		return "Express Delivery"
	default:
		return "Normal Delivery"
	}
}

// deriveUCGST computes the combined tax and the delivery-planning fields off
// the invoice date, which doubles as the order date downstream.
func deriveUCGST(row Row, clock *window.Clock) []string {
	cgst, _ := row["cgst"].(float64)
	sgst, _ := row["sgst"].(float64)
	row["tax_amount"] = cgst + sgst

	invoiceDate, ok := row["invoice_date"].(window.Date)
	if !ok {
		return nil
	}
	var defaultDue = invoiceDate.AddDays(3)
	row["default_due_date"] = defaultDue
	row["due_days_delta"] = 0
	row["due_date_flag"] = dueDateFlag(0)
	row["complete_processing_by"] = defaultDue.AddDays(-1)
	return nil
}
