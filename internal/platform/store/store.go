// Package store defines the transactional persistence boundary shared by the
// memory, LevelDB, Postgres and Fabric backends.
//
// A Tx exposes the domain repositories over one atomic unit of work. Audit
// events appended through a Tx receive their sequence number and hash chain
// link when the transaction commits, so the trail is gap-free across all
// patients regardless of how transactions interleave.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/records"
)

// ErrReadOnly is returned by write methods of a Tx opened with View.
var ErrReadOnly = errors.New("store: read-only transaction")

type Tx interface {
	identity.Repository
	access.Repository
	records.Repository
	audit.Repository

	// Now is the store clock, truncated to microseconds.
	Now() time.Time
	// Lock takes a backend lock on key held until the transaction ends.
	// Backends with a single writer treat it as a no-op.
	Lock(ctx context.Context, key string) error
}

type Store interface {
	// Update runs fn in a read-write transaction. It commits if fn returns nil
	// and discards every write otherwise.
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Clock truncates now to the precision every backend can round-trip.
func Clock(now func() time.Time) func() time.Time {
	if now == nil {
		now = time.Now
	}
	return func() time.Time {
		return now().UTC().Truncate(time.Microsecond)
	}
}

// Chain links pending events after head in order and returns the new head.
func Chain(head audit.Head, pending []*audit.Event) audit.Head {
	for _, e := range pending {
		head = audit.Link(head, e)
	}
	return head
}
