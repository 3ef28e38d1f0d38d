// Package workbook turns downloaded report spreadsheets into canonical,
// typed rows ready for staging. Parsing is forgiving where the CRMs are
// sloppy (header spellings, number formatting, stray columns) and strict
// where correctness demands it (dedup key columns, required headers).
package workbook

import (
	"bytes"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/spindleworks/spindle/fault"
	"github.com/spindleworks/spindle/window"
)

// Type is the coercion applied to a column's cells.
type Type int

const (
	String Type = iota
	Date
	Number
	Phone
)

// Field is one canonical column of a report layout.
type Field struct {
	// Name is the canonical snake_case column name.
	Name string
	// Aliases are the header spellings the CRMs emit, matched after
	// normalization (case, punctuation, and spacing folded).
	Aliases []string
	// Type selects the cell coercion.
	Type Type
	// Required means a workbook without this column cannot be staged.
	Required bool
	// Key marks dedup-key columns; a cell that fails coercion in a key
	// column rejects the whole row instead of nulling the value.
	Key bool
}

// Layout is the column map and row derivation of one report kind.
type Layout struct {
	Name   string
	Fields []Field
	// Derive fills computed fields after coercion and injection. It may
	// assume key columns are present and typed. Returned strings are
	// recorded as row warnings.
	Derive func(row Row, clock *window.Clock) []string
}

// Row is one coerced spreadsheet row keyed by canonical column name.
// Values are string, float64, window.Date, or nil.
type Row map[string]interface{}

// Inject carries the run-scoped fields stamped onto every row.
type Inject struct {
	CostCenter   string
	StoreCode    string
	RunID        string
	RunDate      window.Date
	SourceSystem string
}

// Result is the outcome of parsing one artifact.
type Result struct {
	Rows     []Row
	Warnings []string
	Rejected int
}

// Parse reads the first sheet of the workbook in |data|, locates the header
// row, and coerces every data row per |layout|. Missing required columns
// fail with a schema fault; individual bad cells degrade per column policy.
func Parse(data []byte, layout *Layout, inj Inject, clock *window.Clock) (*Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Errorf(fault.Parse, "opening workbook: %v", err)
	}
	defer f.Close()

	var sheets = f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fault.Errorf(fault.Schema, "workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fault.Errorf(fault.Parse, "reading sheet %s: %v", sheets[0], err)
	}

	headerIdx, columns, warnings := locateHeader(rows, layout)
	if headerIdx < 0 {
		return nil, fault.Errorf(fault.Schema,
			"no header row recognized in %s workbook", layout.Name)
	}
	if missing := missingRequired(layout, columns); len(missing) != 0 {
		return nil, fault.Errorf(fault.Schema,
			"%s workbook is missing required columns: %s",
			layout.Name, strings.Join(missing, ", "))
	}

	var out = Result{Warnings: warnings}
	for i := headerIdx + 1; i < len(rows); i++ {
		if blankRow(rows[i]) {
			continue
		}
		row, rowWarnings, err := coerceRow(rows[i], columns, layout, clock)
		out.Warnings = append(out.Warnings, rowWarnings...)
		if err != nil {
			out.Rejected++
			log.WithFields(log.Fields{
				"layout": layout.Name, "row": i + 1, "err": err,
			}).Warn("rejecting workbook row")
			continue
		}

		row["cost_center"] = inj.CostCenter
		row["store_code"] = inj.StoreCode
		row["run_id"] = inj.RunID
		row["run_date"] = inj.RunDate
		row["source_system"] = inj.SourceSystem

		if layout.Derive != nil {
			out.Warnings = append(out.Warnings, layout.Derive(row, clock)...)
		}
		out.Rows = append(out.Rows, row)
	}
	return &out, nil
}

// column binds a spreadsheet column index to a layout field.
type column struct {
	index int
	field Field
}

// locateHeader scans the leading rows for the one that matches the most
// field aliases, requiring at least two matches. It returns the header row
// index, the resolved column bindings, and warnings for unknown columns.
func locateHeader(rows [][]string, layout *Layout) (int, []column, []string) {
	const scanLimit = 15

	var bestIdx = -1
	var bestCount int
	for i := 0; i < len(rows) && i < scanLimit; i++ {
		var count int
		for _, cell := range rows[i] {
			if _, ok := matchField(layout, cell); ok {
				count++
			}
		}
		if count >= 2 && count > bestCount {
			bestIdx, bestCount = i, count
		}
	}
	if bestIdx < 0 {
		return -1, nil, nil
	}

	var columns []column
	var warnings []string
	var seen = map[string]bool{}
	for idx, cell := range rows[bestIdx] {
		var norm = normalizeHeader(cell)
		if norm == "" {
			continue
		}
		field, ok := matchField(layout, cell)
		if !ok {
			warnings = append(warnings,
				fmt.Sprintf("ignoring unknown column %q", strings.TrimSpace(cell)))
			continue
		}
		if seen[field.Name] {
			warnings = append(warnings,
				fmt.Sprintf("duplicate column for %s; keeping the first", field.Name))
			continue
		}
		seen[field.Name] = true
		columns = append(columns, column{index: idx, field: field})
	}
	return bestIdx, columns, warnings
}

func matchField(layout *Layout, header string) (Field, bool) {
	var norm = normalizeHeader(header)
	if norm == "" {
		return Field{}, false
	}
	for _, f := range layout.Fields {
		for _, alias := range f.Aliases {
			if norm == normalizeHeader(alias) {
				return f, true
			}
		}
	}
	return Field{}, false
}

// normalizeHeader folds case, punctuation, and internal whitespace so that
// "Order No.", "ORDER NO" and "order  no" all compare equal.
func normalizeHeader(s string) string {
	var b strings.Builder
	var lastSpace = true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func missingRequired(layout *Layout, columns []column) []string {
	var have = map[string]bool{}
	for _, c := range columns {
		have[c.field.Name] = true
	}
	var missing []string
	for _, f := range layout.Fields {
		if f.Required && !have[f.Name] {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// coerceRow applies each bound column's coercion. A key-column failure
// rejects the row; any other failure records a warning and nulls or zeroes
// the value per type.
func coerceRow(cells []string, columns []column, layout *Layout, clock *window.Clock) (Row, []string, error) {
	var row = Row{}
	var warnings []string
	for _, c := range columns {
		var raw string
		if c.index < len(cells) {
			raw = strings.TrimSpace(cells[c.index])
		}
		value, err := coerceCell(raw, c.field.Type, clock)
		if err != nil {
			if c.field.Key {
				return nil, warnings, fmt.Errorf("key column %s: %w", c.field.Name, err)
			}
			warnings = append(warnings, fmt.Sprintf(
				"%s: %v; substituting %s", c.field.Name, err, substituteName(c.field.Type)))
			value = substitute(c.field.Type)
		}
		if c.field.Key && value == nil {
			return nil, warnings, fmt.Errorf("key column %s is empty", c.field.Name)
		}
		row[c.field.Name] = value
	}
	return row, warnings, nil
}

func substitute(t Type) interface{} {
	if t == Number {
		return float64(0)
	}
	return nil
}

func substituteName(t Type) string {
	if t == Number {
		return "0"
	}
	return "null"
}
