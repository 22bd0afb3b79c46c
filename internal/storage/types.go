package storage

import (
	"context"
	"errors"
	"time"

	"bilisub/internal/subscription"
)

var (
	ErrNotFound    = errors.New("subscription not found")
	ErrUnavailable = errors.New("subscription store unavailable")
	ErrClosed      = errors.New("subscription store closed")
)

// Store is the persistence API used by the poller and the commands.
//
// Merge must be atomic per record: concurrent merges touching different
// fields of the same record must not lose updates.
type Store interface {
	Get(ctx context.Context, cat subscription.Category, id int64) (subscription.Record, error)
	ListAll(ctx context.Context) (subscription.Snapshot, error)
	ListByOwner(ctx context.Context, owner string) ([]subscription.Record, error)
	Merge(ctx context.Context, cat subscription.Category, id int64, p subscription.Patch) error

	// Subscribe creates rec if missing (watermarks taken from rec) and adds
	// owner. It reports whether owner was newly added.
	Subscribe(ctx context.Context, rec subscription.Record, owner string) (added bool, err error)
	// Unsubscribe removes owner from every record with the given id and
	// deletes records left without owners. It returns the affected keys.
	Unsubscribe(ctx context.Context, id int64, owner string) ([]subscription.Key, error)

	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "sqlite" (or empty): SQLite database file
//   - "file": JSON snapshot file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
