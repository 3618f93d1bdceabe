// Package eventbus fans committed audit events out to observers. Publishing
// happens after commit; the stored trail stays the source of truth.
package eventbus

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/audit"
)

type Publisher interface {
	Publish(ctx context.Context, events []*audit.Event) error
}

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, events []*audit.Event) error {
	for _, e := range events {
		evt := p.logger.Info().
			Uint64("seq", e.Seq).
			Str("event", string(e.Type)).
			Str("address", e.Address).
			Str("hash", e.Hash)
		if e.PatientID != "" {
			evt = evt.Str("patient_id", e.PatientID)
		}
		if e.DoctorID != "" {
			evt = evt.Str("doctor_id", e.DoctorID)
		}
		if e.DoctorAddress != "" {
			evt = evt.Str("doctor_address", e.DoctorAddress)
		}
		if e.RecordID != "" {
			evt = evt.Str("record_id", e.RecordID)
		}
		evt.Msg("audit event")
	}
	return nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events []*audit.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, []*audit.Event) error { return nil }
