// Package state declares interfaces for persisting coordinator state.
//
// Two records survive restarts: the distribution cursor (the next resource
// id to hand out) and the per-account ban table. Implementations live in
// this package (file, memory) and in the postgres subpackage.
package state

import (
	"context"
	"errors"

	"github.com/JakeFAU/commentary-coordinator/internal/commentary"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("state record not found")

// CursorStore persists the monotonic distribution cursor.
type CursorStore interface {
	// LoadCursor returns the persisted next resource id, or ErrNotFound
	// when nothing has been saved yet.
	LoadCursor(ctx context.Context) (int64, error)
	// SaveCursor records the next resource id to hand out.
	SaveCursor(ctx context.Context, next int64) error
}

// StatusStore persists the account ban table keyed by account email.
type StatusStore interface {
	// LoadStatuses returns the persisted ban table. A store with no
	// record returns an empty map, not an error.
	LoadStatuses(ctx context.Context) (map[string]commentary.AccountStatus, error)
	// SaveStatuses replaces the persisted ban table.
	SaveStatuses(ctx context.Context, statuses map[string]commentary.AccountStatus) error
}

// Store is the full persistence surface the coordinator wires at startup.
type Store interface {
	CursorStore
	StatusStore
	// Close releases any underlying resources.
	Close()
}
