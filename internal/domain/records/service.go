// Package records is the per-patient, append-only medical record ledger.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledgererr"
)

type Ledger struct {
	records    Repository
	identities identity.Repository
	access     *access.Table
	events     audit.Emitter
	sealer     Sealer
	now        func() time.Time
}

// NewLedger builds a Ledger. A nil sealer stores payloads as given.
func NewLedger(records Repository, identities identity.Repository, acl *access.Table, events audit.Emitter, sealer Sealer, now func() time.Time) *Ledger {
	if sealer == nil {
		sealer = plainSealer{}
	}
	return &Ledger{
		records:    records,
		identities: identities,
		access:     acl,
		events:     events,
		sealer:     sealer,
		now:        now,
	}
}

// Append adds a record to the patient's ledger on behalf of caller. The
// timestamp never goes backwards within a patient, even if the clock does.
func (l *Ledger) Append(ctx context.Context, caller, patientID, recordID, data string) (*MedicalRecord, error) {
	recordID, err := ledgererr.CleanID("record_id", recordID)
	if err != nil {
		return nil, err
	}
	if err := l.authorize(ctx, caller, patientID); err != nil {
		return nil, err
	}

	ts := l.now()
	last, err := l.records.LastRecord(ctx, patientID)
	switch {
	case err == nil:
		if last.Timestamp.After(ts) {
			ts = last.Timestamp
		}
	case !errors.Is(err, ledgererr.ErrNotFound):
		return nil, fmt.Errorf("append record: %w", err)
	}

	sealed, err := l.sealer.Seal(data)
	if err != nil {
		return nil, fmt.Errorf("append record: seal: %w", err)
	}
	stored := &MedicalRecord{
		RecordID:  recordID,
		PatientID: patientID,
		Data:      sealed,
		Timestamp: ts,
		AddedBy:   caller,
	}
	if err := l.records.AppendRecord(ctx, stored); err != nil {
		return nil, fmt.Errorf("append record: %w", err)
	}
	if err := l.events.Emit(ctx, &audit.Event{
		Type:      audit.RecordAdded,
		Address:   caller,
		PatientID: patientID,
		RecordID:  recordID,
	}); err != nil {
		return nil, fmt.Errorf("append record: %w", err)
	}

	out := *stored
	out.Data = data
	return &out, nil
}

// List returns the patient's records oldest first. An empty ledger is not an
// error.
func (l *Ledger) List(ctx context.Context, caller, patientID string) ([]*MedicalRecord, error) {
	if err := l.authorize(ctx, caller, patientID); err != nil {
		return nil, err
	}
	stored, err := l.records.ListRecords(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	out := make([]*MedicalRecord, 0, len(stored))
	for _, r := range stored {
		data, err := l.sealer.Open(r.Data)
		if err != nil {
			return nil, fmt.Errorf("list records: open record %d: %w", r.Seq, err)
		}
		cp := *r
		cp.Data = data
		out = append(out, &cp)
	}
	return out, nil
}

// authorize passes the patient's own address and any doctor address holding a
// current grant.
func (l *Ledger) authorize(ctx context.Context, caller, patientID string) error {
	p, err := l.identities.PatientByID(ctx, patientID)
	if errors.Is(err, ledgererr.ErrNotFound) {
		return fmt.Errorf("patient %s: %w", patientID, ledgererr.ErrUnknownPatient)
	}
	if err != nil {
		return fmt.Errorf("resolve patient: %w", err)
	}
	if caller != "" && p.Address == caller {
		return nil
	}
	ok, err := l.access.Check(ctx, patientID, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s on patient %s: %w", caller, patientID, ledgererr.ErrUnauthorized)
	}
	return nil
}
