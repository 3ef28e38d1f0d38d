// Package browser drives the CRM web interfaces through a narrow Session
// capability set, and implements the two concrete report-download flows on
// top of it. Flows never touch Playwright types directly, so tests script
// them against an in-memory fake.
package browser

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/fault"
)

// Session is the capability set a flow needs from a live browser context.
// Every method accepts a Context and returns promptly once it is cancelled.
type Session interface {
	// Navigate loads |url| and waits for the DOM to be ready.
	Navigate(ctx context.Context, url string) error
	// CurrentURL returns the page's current address.
	CurrentURL() string
	// Fill replaces the value of the input matched by |selector|.
	Fill(ctx context.Context, selector, value string) error
	// Click clicks the element matched by |selector|.
	Click(ctx context.Context, selector string) error
	// ClickRole clicks the element with ARIA |role| and accessible |name|.
	ClickRole(ctx context.Context, role, name string) error
	// EnterFrame scopes all subsequent selectors to the iframe matched by
	// |selector|, until ExitFrame.
	EnterFrame(selector string) error
	// ExitFrame returns selector scope to the top-level page.
	ExitFrame()
	// WaitVisible blocks until |selector| has a visible match, or |timeout|.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// WaitGone blocks until |selector| has no visible match, or |timeout|.
	WaitGone(ctx context.Context, selector string, timeout time.Duration) error
	// IsVisible reports whether |selector| currently has a visible match.
	IsVisible(ctx context.Context, selector string) (bool, error)
	// VisibleText returns the inner text of the first match of |selector|.
	VisibleText(ctx context.Context, selector string) (string, error)
	// RowTexts returns the visible text of each table row under |selector|.
	RowTexts(ctx context.Context, selector string) ([]string, error)
	// ExpectDownload runs |trigger| and captures the download it provokes,
	// returning the file's bytes and the site's suggested filename.
	ExpectDownload(ctx context.Context, trigger func() error) ([]byte, string, error)
	// SaveState serializes the context's storage state (cookies, origins).
	SaveState(ctx context.Context) ([]byte, error)
	// Close releases the page and its browser context.
	Close() error
}

// SessionOptions configure one Session.
type SessionOptions struct {
	// StorageStatePath, when set, seeds the context from a saved session.
	StorageStatePath string
}

// Launcher opens Sessions against a shared browser process.
type Launcher interface {
	Launch(ctx context.Context, opts SessionOptions) (Session, error)
	Close() error
}

// Artifact is one downloaded report persisted to the download directory.
type Artifact struct {
	Name string // canonical filename
	Path string // absolute path on disk
	Data []byte // file contents
}

// Run launches a Session, executes |fn| with it, and closes it. A transport
// failure is retried exactly once on a brand-new browser context; a second
// failure, and every other failure kind, surfaces to the caller.
func Run(ctx context.Context, l Launcher, opts SessionOptions, fn func(Session) error) error {
	var err = runOnce(ctx, l, opts, fn)
	if err == nil || !fault.Retryable(err) || ctx.Err() != nil {
		return err
	}
	log.WithField("err", err).Warn("transport failure; retrying once on a fresh browser context")
	return runOnce(ctx, l, opts, fn)
}

func runOnce(ctx context.Context, l Launcher, opts SessionOptions, fn func(Session) error) error {
	s, err := l.Launch(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			log.WithField("err", closeErr).Warn("closing browser session")
		}
	}()
	return fn(s)
}
