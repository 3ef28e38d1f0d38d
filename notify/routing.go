package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Scope decides whether a profile emits one fleet-wide email or one email
// per participating store.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopePerStore Scope = "per_store"
)

// AttachMode decides which run documents ride along with each email.
type AttachMode string

const (
	// AttachNone sends body-only emails.
	AttachNone AttachMode = "none"
	// AttachPerStorePDF attaches the single PDF bound to the email's store.
	// A per-store email without its PDF is not sent.
	AttachPerStorePDF AttachMode = "per_store_pdf"
	// AttachAll attaches every document in the email's scope.
	AttachAll AttachMode = "all"
)

// Profile binds a pipeline to a delivery scope and attach mode. Routing is
// DB-resident so operators adjust it without a deploy.
type Profile struct {
	ID         int64      `db:"id"`
	Name       string     `db:"name"`
	Pipeline   string     `db:"pipeline_name"`
	Scope      Scope      `db:"scope"`
	AttachMode AttachMode `db:"attach_mode"`
	IsActive   bool       `db:"is_active"`
}

// Template holds the subject and body sources of a profile's emails.
type Template struct {
	ID        int64  `db:"id"`
	ProfileID int64  `db:"profile_id"`
	Subject   string `db:"subject"`
	Body      string `db:"body"`
	IsActive  bool   `db:"is_active"`
}

// Recipient is one address a profile delivers to. StoreCode is null for
// global recipients and set for store-scoped ones.
type Recipient struct {
	ID        int64          `db:"id"`
	ProfileID int64          `db:"profile_id"`
	StoreCode sql.NullString `db:"store_code"`
	Email     string         `db:"email"`
	Env       string         `db:"env"`
	IsActive  bool           `db:"is_active"`
}

// Document is a recorded artifact produced by the reporting collaborator,
// bound to a run (and optionally a store) through its reference keys.
type Document struct {
	ID        int64  `db:"id"`
	Path      string `db:"path"`
	Type      string `db:"doc_type"`
	Subtype   string `db:"doc_subtype"`
	RunID     string `db:"ref_run_id"`
	Pipeline  string `db:"ref_pipeline"`
	StoreCode string `db:"ref_store_code"`
}

// Routing reads the notification routing tables and the dispatch log.
type Routing struct {
	db *sqlx.DB
}

// NewRouting returns a Routing store over |db|.
func NewRouting(db *sqlx.DB) *Routing { return &Routing{db: db} }

// ActiveProfiles returns the active profiles bound to |pipelineName|.
func (r *Routing) ActiveProfiles(ctx context.Context, pipelineName string) ([]Profile, error) {
	var out []Profile
	var err = r.db.SelectContext(ctx, &out, r.db.Rebind(`
		SELECT id, name, pipeline_name, scope, attach_mode, is_active
		FROM notification_profiles
		WHERE pipeline_name = ? AND is_active
		ORDER BY id ASC`), pipelineName)
	if err != nil {
		return nil, fmt.Errorf("querying profiles of %s: %w", pipelineName, err)
	}
	return out, nil
}

// ActiveTemplate returns the profile's active template, or sql.ErrNoRows.
func (r *Routing) ActiveTemplate(ctx context.Context, profileID int64) (Template, error) {
	var out Template
	var err = r.db.GetContext(ctx, &out, r.db.Rebind(`
		SELECT id, profile_id, subject, body, is_active
		FROM notification_templates
		WHERE profile_id = ? AND is_active
		ORDER BY id ASC LIMIT 1`), profileID)
	if err != nil {
		return Template{}, fmt.Errorf("querying template of profile %d: %w", profileID, err)
	}
	return out, nil
}

// ActiveRecipients returns the profile's active recipients for |env|,
// ordered by address for stable delivery lists.
func (r *Routing) ActiveRecipients(ctx context.Context, profileID int64, env string) ([]Recipient, error) {
	var out []Recipient
	var err = r.db.SelectContext(ctx, &out, r.db.Rebind(`
		SELECT id, profile_id, store_code, email, env, is_active
		FROM notification_recipients
		WHERE profile_id = ? AND env = ? AND is_active
		ORDER BY email ASC`), profileID, env)
	if err != nil {
		return nil, fmt.Errorf("querying recipients of profile %d: %w", profileID, err)
	}
	return out, nil
}

// DocumentsForRun returns every document whose reference keys bind it
// to |runID|.
func (r *Routing) DocumentsForRun(ctx context.Context, runID string) ([]Document, error) {
	var out []Document
	var err = r.db.SelectContext(ctx, &out, r.db.Rebind(`
		SELECT id, path, doc_type, doc_subtype, ref_run_id, ref_pipeline, ref_store_code
		FROM documents
		WHERE ref_run_id = ?
		ORDER BY id ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("querying documents of run %s: %w", runID, err)
	}
	return out, nil
}

// AlreadyDispatched reports whether |profileID| has a dispatch-log row for
// |runID|. The dispatcher no-ops on such profiles, making a second invocation
// for the same run safe.
func (r *Routing) AlreadyDispatched(ctx context.Context, runID string, profileID int64) (bool, error) {
	var n int
	var err = r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COUNT(*) FROM notification_dispatch_log
		WHERE run_id = ? AND profile_id = ?`), runID, profileID)
	if err != nil {
		return false, fmt.Errorf("checking dispatch log: %w", err)
	}
	return n > 0, nil
}

// RecordDispatch writes the profile's dispatch-log row with delivery counts.
func (r *Routing) RecordDispatch(ctx context.Context, runID string, profileID int64, sent, failed int) error {
	var _, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO notification_dispatch_log
			(run_id, profile_id, dispatched_at, emails_sent, emails_failed)
		VALUES (?, ?, ?, ?, ?)`),
		runID, profileID, time.Now().UTC(), sent, failed)
	if err != nil {
		return fmt.Errorf("recording dispatch of profile %d: %w", profileID, err)
	}
	return nil
}
