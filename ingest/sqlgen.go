package ingest

import (
	"fmt"
	"strings"
)

// Statements are generated with ? placeholders and rebound to the driver's
// convention at execution time, so one generator serves Postgres in
// production and SQLite in tests.

// UpsertStatement returns an INSERT ... ON CONFLICT DO UPDATE statement for
// |table| covering |rows| parameter rows, placeholders row-major in column
// order. Key columns are the conflict target; every updatable column is
// rewritten from the excluded row.
func UpsertStatement(table *Table, rows int) (string, error) {
	if rows < 1 {
		return "", fmt.Errorf("upsert of %d rows", rows)
	}
	var keys = table.KeyColumns()
	if len(keys) == 0 {
		return "", fmt.Errorf("table %s has no key columns", table.Name)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table.Name)
	b.WriteString(" (")
	b.WriteString(strings.Join(table.ColumnNames(), ", "))
	b.WriteString(")\nVALUES ")
	var row = "(" + placeholders(len(table.Columns)) + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(",\n       ")
		}
		b.WriteString(row)
	}
	b.WriteString("\nON CONFLICT (")
	b.WriteString(strings.Join(keys, ", "))
	b.WriteString(") DO UPDATE SET\n  ")
	b.WriteString(strings.Join(excludedUpdates(table), ",\n  "))
	return b.String(), nil
}

// MergeStatement returns the INSERT ... SELECT ... ON CONFLICT DO UPDATE
// statement that moves one staged batch into the merge target. It takes two
// parameters: run_id and store_code, scoping the batch.
func MergeStatement(m Merge) (string, error) {
	var keys = m.Target.KeyColumns()
	if len(keys) == 0 {
		return "", fmt.Errorf("table %s has no key columns", m.Target.Name)
	}

	var selects = make([]string, 0, len(m.Target.Columns))
	for _, c := range m.Target.Columns {
		switch {
		case m.ColumnMap[c.Name] != "":
			selects = append(selects, m.ColumnMap[c.Name]+" AS "+c.Name)
		case m.Source.hasColumn(c.Name):
			selects = append(selects, c.Name)
		default:
			selects = append(selects, "NULL AS "+c.Name)
		}
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(m.Target.Name)
	b.WriteString(" (")
	b.WriteString(strings.Join(m.Target.ColumnNames(), ", "))
	b.WriteString(")\nSELECT ")
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString("\nFROM ")
	b.WriteString(m.Source.Name)
	b.WriteString("\nWHERE run_id = ? AND store_code = ?")
	b.WriteString("\nON CONFLICT (")
	b.WriteString(strings.Join(keys, ", "))
	b.WriteString(") DO UPDATE SET\n  ")
	b.WriteString(strings.Join(excludedUpdates(m.Target), ",\n  "))
	return b.String(), nil
}

// DuplicateFlagStatement marks staged rows of one (run, store) batch whose
// (store_code, order_number) occurs more than once: the same order staged
// under several dates. Parameters: run_id, store_code, run_id, store_code.
func DuplicateFlagStatement(table *Table) string {
	return fmt.Sprintf(`UPDATE %s SET is_duplicate = TRUE
WHERE run_id = ? AND store_code = ? AND (store_code, order_number) IN (
  SELECT store_code, order_number FROM %s
  WHERE run_id = ? AND store_code = ?
  GROUP BY store_code, order_number HAVING COUNT(*) > 1)`, table.Name, table.Name)
}

// EditedFlagStatement marks staged rows whose (store_code, order_number)
// appears under more than one distinct |dateCol| in the batch, meaning the
// CRM re-issued the order under a new date. Parameters as for
// DuplicateFlagStatement.
func EditedFlagStatement(table *Table, dateCol string) string {
	return fmt.Sprintf(`UPDATE %s SET is_edited_order = TRUE
WHERE run_id = ? AND store_code = ? AND (store_code, order_number) IN (
  SELECT store_code, order_number FROM %s
  WHERE run_id = ? AND store_code = ?
  GROUP BY store_code, order_number HAVING COUNT(DISTINCT %s) > 1)`,
		table.Name, table.Name, dateCol)
}

func excludedUpdates(table *Table) []string {
	var out []string
	for _, c := range table.UpdatableColumns() {
		out = append(out, c+" = excluded."+c)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
