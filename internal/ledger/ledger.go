// Package ledger persists per-turn usage records so that a later,
// independently invoked usage query can display them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vnmchuo/usage-meter/internal/stats"
)

var (
	// ErrNotFound is returned by Read when no record exists for the key. A
	// query racing an in-flight write also sees ErrNotFound.
	ErrNotFound = errors.New("usage record not found")

	ErrInvalidKey = errors.New("invalid turn key")
)

// ReadError reports a stored record that exists but cannot be read back.
// It is never used for a missing record.
type ReadError struct {
	Key string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read usage record %q: %v", e.Key, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Store is keyed by turn identifier. Write overwrites any previous record
// for the key and is all-or-nothing from a reader's point of view.
type Store interface {
	Write(ctx context.Context, key string, r stats.Record) error
	Read(ctx context.Context, key string) (stats.Record, error)
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
