package ingest

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/workbook"
)

// DefaultBatchSize is the number of rows bound into one upsert statement
// when INGEST_BATCH_SIZE is not configured.
const DefaultBatchSize = 3000

// Stats summarizes one artifact's ingestion.
type Stats struct {
	Staged     int64
	Merged     int64
	Duplicates int64
	Edited     int64
}

// Loader executes ingest routes. One Loader is shared by all engines; it
// holds no per-artifact state.
type Loader struct {
	db        *sqlx.DB
	batchSize int
}

// NewLoader returns a Loader over |db| staging up to |batchSize| rows per
// statement (DefaultBatchSize when zero).
func NewLoader(db *sqlx.DB, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Loader{db: db, batchSize: batchSize}
}

// Load stages |rows| and merges them into production, all in one
// transaction: either the artifact lands in full or not at all. Re-running
// the same window re-stages identical keys and leaves production unchanged
// apart from refreshed run columns.
func (l *Loader) Load(ctx context.Context, route Route, rows []workbook.Row, runID, storeCode string) (Stats, error) {
	var stats Stats
	if len(rows) == 0 {
		return stats, nil
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("beginning ingest transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(rows); start += l.batchSize {
		var end = start + l.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		var chunk = rows[start:end]

		stmt, err := UpsertStatement(route.Staging, len(chunk))
		if err != nil {
			return stats, err
		}
		var args = make([]interface{}, 0, len(chunk)*len(route.Staging.Columns))
		for _, row := range chunk {
			for _, col := range route.Staging.Columns {
				args = append(args, row[col.Name])
			}
		}
		if _, err = tx.ExecContext(ctx, l.db.Rebind(stmt), args...); err != nil {
			return stats, fmt.Errorf("staging into %s: %w", route.Staging.Name, err)
		}
		stats.Staged += int64(len(chunk))
	}

	if route.EditionDate != "" {
		res, err := tx.ExecContext(ctx, l.db.Rebind(DuplicateFlagStatement(route.Staging)),
			runID, storeCode, runID, storeCode)
		if err != nil {
			return stats, fmt.Errorf("flagging duplicates in %s: %w", route.Staging.Name, err)
		}
		stats.Duplicates, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, l.db.Rebind(EditedFlagStatement(route.Staging, route.EditionDate)),
			runID, storeCode, runID, storeCode)
		if err != nil {
			return stats, fmt.Errorf("flagging edited orders in %s: %w", route.Staging.Name, err)
		}
		stats.Edited, _ = res.RowsAffected()
	}

	for _, m := range route.Merges {
		stmt, err := MergeStatement(m)
		if err != nil {
			return stats, err
		}
		res, err := tx.ExecContext(ctx, l.db.Rebind(stmt), runID, storeCode)
		if err != nil {
			return stats, fmt.Errorf("merging %s into %s: %w", m.Source.Name, m.Target.Name, err)
		}
		var n, _ = res.RowsAffected()
		stats.Merged += n
	}

	if err = tx.Commit(); err != nil {
		return stats, fmt.Errorf("committing ingest: %w", err)
	}
	log.WithFields(log.Fields{
		"staging": route.Staging.Name,
		"store":   storeCode,
		"staged":  stats.Staged,
		"merged":  stats.Merged,
	}).Info("ingested artifact")
	return stats, nil
}
