// Package access is the grant table deciding which doctors may read and
// append a patient's records. Only the patient's registered address may change
// it.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledgererr"
)

type Table struct {
	grants     Repository
	identities identity.Repository
	events     audit.Emitter
	now        func() time.Time
}

func NewTable(grants Repository, identities identity.Repository, events audit.Emitter, now func() time.Time) *Table {
	return &Table{grants: grants, identities: identities, events: events, now: now}
}

func (t *Table) Grant(ctx context.Context, caller, patientID, doctorAddress string) error {
	if _, err := t.requireOwner(ctx, caller, patientID); err != nil {
		return err
	}
	doctorAddress, err := ledgererr.CleanID("doctor_address", doctorAddress)
	if err != nil {
		return err
	}
	if _, err := t.identities.DoctorByAddress(ctx, doctorAddress); err != nil {
		if errors.Is(err, ledgererr.ErrNotFound) {
			return fmt.Errorf("doctor %s: %w", doctorAddress, ledgererr.ErrUnknownDoctor)
		}
		return fmt.Errorf("grant access: %w", err)
	}

	if err := t.grants.PutGrant(ctx, &Grant{
		PatientID:     patientID,
		DoctorAddress: doctorAddress,
		Granted:       true,
		UpdatedAt:     t.now(),
	}); err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	return t.events.Emit(ctx, &audit.Event{
		Type:          audit.AccessGranted,
		Address:       caller,
		PatientID:     patientID,
		DoctorAddress: doctorAddress,
	})
}

// Revoke clears the grant. Revoking a pair that was never granted succeeds.
func (t *Table) Revoke(ctx context.Context, caller, patientID, doctorAddress string) error {
	if _, err := t.requireOwner(ctx, caller, patientID); err != nil {
		return err
	}
	doctorAddress, err := ledgererr.CleanID("doctor_address", doctorAddress)
	if err != nil {
		return err
	}

	if err := t.grants.PutGrant(ctx, &Grant{
		PatientID:     patientID,
		DoctorAddress: doctorAddress,
		Granted:       false,
		UpdatedAt:     t.now(),
	}); err != nil {
		return fmt.Errorf("revoke access: %w", err)
	}
	return t.events.Emit(ctx, &audit.Event{
		Type:          audit.AccessRevoked,
		Address:       caller,
		PatientID:     patientID,
		DoctorAddress: doctorAddress,
	})
}

// Check reports whether doctorAddress currently holds a grant for patientID.
// Unknown patients, unknown doctors and absent grants all read as false.
func (t *Table) Check(ctx context.Context, patientID, doctorAddress string) (bool, error) {
	g, err := t.grants.GrantFor(ctx, patientID, doctorAddress)
	if errors.Is(err, ledgererr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check access: %w", err)
	}
	return g.Granted, nil
}

// Grantees lists the doctors currently granted access. Owner only.
func (t *Table) Grantees(ctx context.Context, caller, patientID string) ([]string, error) {
	if _, err := t.requireOwner(ctx, caller, patientID); err != nil {
		return nil, err
	}
	doctors, err := t.grants.GrantedDoctors(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list grantees: %w", err)
	}
	if doctors == nil {
		doctors = []string{}
	}
	return doctors, nil
}

// requireOwner resolves patientID and checks caller registered it. An unknown
// patient has no owner, so it is reported as NotOwner as well.
func (t *Table) requireOwner(ctx context.Context, caller, patientID string) (*identity.Patient, error) {
	p, err := t.identities.PatientByID(ctx, patientID)
	if errors.Is(err, ledgererr.ErrNotFound) {
		return nil, fmt.Errorf("patient %s: %w", patientID, ledgererr.ErrNotOwner)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}
	if p.Address != caller {
		return nil, fmt.Errorf("patient %s: %w", patientID, ledgererr.ErrNotOwner)
	}
	return p, nil
}
