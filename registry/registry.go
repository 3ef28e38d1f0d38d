// Package registry is the read-only façade over store_master. It surfaces
// the active, sync-enabled stores of a sync group together with their frozen
// SyncConfig, and is consulted once per profiler run.
package registry

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/window"
)

// Group partitions stores by the CRM they sync from.
type Group string

const (
	GroupTD  Group = "TD"
	GroupUC  Group = "UC"
	GroupAll Group = "ALL"
)

// ParseGroup validates a sync-group argument.
func ParseGroup(s string) (Group, error) {
	switch Group(s) {
	case GroupTD, GroupUC, GroupAll:
		return Group(s), nil
	default:
		return "", fmt.Errorf("invalid sync group %q (expected TD, UC, or ALL)", s)
	}
}

// Store is one physical location as recorded in store_master. It's immutable
// for the duration of a run.
type Store struct {
	StoreCode  string      `db:"store_code"`
	SyncGroup  Group       `db:"sync_group"`
	CostCenter string      `db:"cost_center"`
	StartDate  window.Date `db:"start_date"`
	SyncOrders bool        `db:"sync_orders_flag"`
	IsActive   bool        `db:"is_active"`

	Config SyncConfig `db:"-"`
}

type storeRow struct {
	Store
	RawConfig   []byte `db:"sync_config"`
	RawOverride []byte `db:"sync_config_overrides"`
}

// Registry reads store_master.
type Registry struct {
	db *sqlx.DB
}

// NewRegistry returns a Registry over |db|.
func NewRegistry(db *sqlx.DB) *Registry { return &Registry{db: db} }

// EligibleStores returns the active stores with sync_orders_flag set,
// filtered to |group| (GroupAll selects every group) and, when non-empty,
// to the single |explicitCode|. Stores whose sync_config fails to decode or
// validate are skipped with a warning rather than failing the fleet.
func (r *Registry) EligibleStores(ctx context.Context, group Group, explicitCode string) ([]Store, error) {
	var q = `
		SELECT store_code, sync_group, cost_center, start_date,
		       sync_orders_flag, is_active, sync_config, sync_config_overrides
		FROM store_master
		WHERE is_active AND sync_orders_flag`
	var args []interface{}

	if group != "" && group != GroupAll {
		q += ` AND sync_group = ?`
		args = append(args, string(group))
	}
	if explicitCode != "" {
		q += ` AND store_code = ?`
		args = append(args, explicitCode)
	}
	q += ` ORDER BY store_code ASC`

	var rows []storeRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("querying store_master: %w", err)
	}

	var out = make([]Store, 0, len(rows))
	for _, row := range rows {
		var cfg, err = decodeSyncConfig(row.RawConfig, row.RawOverride)
		if err != nil {
			log.WithFields(log.Fields{
				"store": row.StoreCode,
				"error": err,
			}).Warn("skipping store with invalid sync_config")
			continue
		}
		var store = row.Store
		store.Config = cfg
		out = append(out, store)
	}
	return out, nil
}
