// Package fault classifies failures of the sync data plane into the small
// set of kinds which drive retry, halting, and rollup decisions. Kinds are a
// taxonomy layered over ordinary wrapped errors: callers keep building
// context with fmt.Errorf("...: %w", err) chains, and KindOf recovers the
// classification from anywhere in the chain.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind enumerates the failure classes of the data plane.
type Kind int

const (
	// None marks an error that carries no classification.
	None Kind = iota
	// Auth is a login or session failure that persists after re-login.
	Auth
	// LayoutDrift is a required UI control that no locator fallback can find.
	LayoutDrift
	// Timeout is an exceeded deadline on hydration, matching, or any wait.
	Timeout
	// Download is an expected download event that never arrived.
	Download
	// Transport is a network or TLS failure. It is the only kind retried.
	Transport
	// Schema is a workbook whose required columns are missing.
	Schema
	// Parse is a workbook row or cell that cannot be coerced.
	Parse
	// Conflict is a unique-key collision; callers treat it as resumable.
	Conflict
	// FatalConfig is invalid process configuration. It alone aborts the process.
	FatalConfig
	// Cancelled is a cooperative shutdown observed mid-operation.
	Cancelled
)

var kindNames = [...]string{
	None:        "none",
	Auth:        "auth",
	LayoutDrift: "layout-drift",
	Timeout:     "timeout",
	Download:    "download",
	Transport:   "transport",
	Schema:      "schema",
	Parse:       "parse",
	Conflict:    "conflict",
	FatalConfig: "fatal-config",
	Cancelled:   "cancelled",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is an error annotated with a Kind. It wraps an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Errorf returns an error of |kind| wrapping fmt.Errorf(format, args...).
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap annotates |err| with |kind|. It returns nil if |err| is nil, and
// leaves an already-classified error alone.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the classification of |err|: the Kind of the outermost
// *Error in its chain, Cancelled for context cancellation, Timeout for an
// exceeded context deadline, and None otherwise (including nil).
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return None
}

// Is reports whether |err| classifies as |kind|.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether |err| is transient and worth another attempt in
// the same run. Only transport failures qualify.
func Retryable(err error) bool { return KindOf(err) == Transport }
