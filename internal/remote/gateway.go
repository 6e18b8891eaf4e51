// Package remote defines the boundary to the remote record store.
//
// The Gateway interface is all the sync engine knows about the backend. This
// package provides an HTTP client for it, an in-memory implementation, and an
// HTTP handler that serves the in-memory store (used by tests and
// `jsync devserver`).
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/journalsync/internal/record"
)

// Ack confirms a pushed record. UpdatedAt is the version the remote now holds.
type Ack struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullResult is the answer to PullSince. Cursor is opaque to callers and may
// be empty when the remote does not issue cursors.
type PullResult struct {
	Records []*record.Record `json:"records"`
	Cursor  string           `json:"cursor,omitempty"`
}

// Gateway is the remote record store.
//
// Push must be idempotent: pushing a version the remote already holds is a
// successful no-op.
type Gateway interface {
	Push(ctx context.Context, rec *record.Record) (Ack, error)
	PullSince(ctx context.Context, ownerID, cursor string) (PullResult, error)
}

// Common errors returned by gateways.
var (
	// ErrTransient marks a failure that is expected to succeed on a later
	// attempt: timeouts, refused connections, 5xx responses.
	ErrTransient = errors.New("transient network error")

	// ErrRejected is returned when the remote refuses a record outright
	// (malformed, wrong owner). Retrying the same record will not help.
	ErrRejected = errors.New("rejected by remote")

	// ErrUnauthorized is returned when the remote refuses the credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error describes a failed gateway call.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a network failure worth retrying on the
// next sync cycle. Context cancellation counts, since the cycle was cut short
// rather than refused.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return false
}

// IsRejected reports whether the remote refused the request permanently.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrUnauthorized)
}
