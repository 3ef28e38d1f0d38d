package profiler

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/minio/highwayhash"

	"github.com/spindleworks/spindle/engine"
)

// Locker gates (store, pipeline) jobs so that concurrent profiler
// invocations, possibly on different hosts, never run the same job twice.
type Locker interface {
	// TryLock attempts to acquire |key| without blocking, and reports
	// whether it was acquired.
	TryLock(ctx context.Context, key int64) (bool, error)
	// Unlock releases a key previously acquired through TryLock.
	Unlock(ctx context.Context, key int64) error
}

// lockKeySeed is a fixed 32 bytes (as required by HighwayHash) read from
// /dev/random. DO NOT MODIFY this value, as every profiler host must derive
// identical advisory lock ids.
var lockKeySeed, _ = hex.DecodeString("a19f8f4f3c1d28e6b07d54a2c9e3715fd8b4a6c20e9f13755b86d4e7f0a2c918")

// LockKey derives the advisory lock id of one (pipeline, store) job.
func LockKey(pipeline engine.Pipeline, storeCode string) int64 {
	return int64(highwayhash.Sum64([]byte(string(pipeline)+"/"+storeCode), lockKeySeed))
}

// AdvisoryLocker takes PostgreSQL session advisory locks. Each acquired key
// pins its own pooled connection: pg_advisory_unlock must run on the session
// that took the lock, and returning the connection to the pool early would
// hand the held lock to an arbitrary borrower.
type AdvisoryLocker struct {
	db *sqlx.DB

	mu    sync.Mutex
	conns map[int64]*sql.Conn
}

// NewAdvisoryLocker returns an AdvisoryLocker over |db|.
func NewAdvisoryLocker(db *sqlx.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, conns: make(map[int64]*sql.Conn)}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, key int64) (bool, error) {
	var conn, err = l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("reserving lock connection: %w", err)
	}

	var acquired bool
	if err = conn.QueryRowContext(ctx,
		l.db.Rebind("SELECT pg_try_advisory_lock(?)"), key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("acquiring advisory lock %d: %w", key, err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}

	l.mu.Lock()
	l.conns[key] = conn
	l.mu.Unlock()
	return true, nil
}

func (l *AdvisoryLocker) Unlock(ctx context.Context, key int64) error {
	l.mu.Lock()
	var conn = l.conns[key]
	delete(l.conns, key)
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	var _, err = conn.ExecContext(ctx,
		l.db.Rebind("SELECT pg_advisory_unlock(?)"), key)
	if closeErr := conn.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("releasing advisory lock %d: %w", key, err)
	}
	return nil
}

// ProcessLocker serializes jobs within one process. It stands in for
// AdvisoryLocker in tests and in deployments running a single profiler.
type ProcessLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewProcessLocker returns an empty ProcessLocker.
func NewProcessLocker() *ProcessLocker {
	return &ProcessLocker{held: make(map[int64]bool)}
}

func (l *ProcessLocker) TryLock(_ context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *ProcessLocker) Unlock(_ context.Context, key int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
