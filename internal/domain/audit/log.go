// Package audit holds the tamper-evident event trail. Domain components emit
// events through an Emitter bound to the current store transaction; the store
// chains and persists them atomically with the rest of the transaction.
package audit

import (
	"context"
	"time"
)

type Repository interface {
	// AppendEvent queues e for the current transaction. Seq and hashes are
	// filled in on commit.
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]*Event, error)
}

type Emitter interface {
	Emit(ctx context.Context, e *Event) error
}

// Log is an Emitter for a single transaction. It remembers what it emitted so
// the caller can publish the events once the transaction has committed.
type Log struct {
	repo    Repository
	now     func() time.Time
	emitted []*Event
}

func NewLog(repo Repository, now func() time.Time) *Log {
	return &Log{repo: repo, now: now}
}

func (l *Log) Emit(ctx context.Context, e *Event) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now()
	}
	if err := l.repo.AppendEvent(ctx, e); err != nil {
		return err
	}
	l.emitted = append(l.emitted, e)
	return nil
}

func (l *Log) Emitted() []*Event {
	return l.emitted
}
