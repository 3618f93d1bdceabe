package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/ledgererr"
)

// Registry maps addresses to patient and doctor identities and back.
type Registry struct {
	repo   Repository
	events audit.Emitter
	now    func() time.Time
}

func NewRegistry(repo Repository, events audit.Emitter, now func() time.Time) *Registry {
	return &Registry{repo: repo, events: events, now: now}
}

// -- Patient --

func (r *Registry) RegisterPatient(ctx context.Context, caller, patientID string) (*Patient, error) {
	caller, err := ledgererr.CleanID("caller address", caller)
	if err != nil {
		return nil, err
	}
	patientID, err = ledgererr.CleanID("patient_id", patientID)
	if err != nil {
		return nil, err
	}

	if _, err := r.repo.PatientByAddress(ctx, caller); err == nil {
		return nil, fmt.Errorf("address %s already owns a patient: %w", caller, ledgererr.ErrAlreadyRegistered)
	} else if !errors.Is(err, ledgererr.ErrNotFound) {
		return nil, fmt.Errorf("register patient: %w", err)
	}
	if _, err := r.repo.PatientByID(ctx, patientID); err == nil {
		return nil, fmt.Errorf("patient id %s is taken: %w", patientID, ledgererr.ErrAlreadyRegistered)
	} else if !errors.Is(err, ledgererr.ErrNotFound) {
		return nil, fmt.Errorf("register patient: %w", err)
	}

	p := &Patient{ID: patientID, Address: caller, Exists: true, RegisteredAt: r.now()}
	if err := r.repo.InsertPatient(ctx, p); err != nil {
		return nil, fmt.Errorf("register patient: %w", err)
	}
	if err := r.events.Emit(ctx, &audit.Event{
		Type:      audit.PatientRegistered,
		Address:   caller,
		PatientID: patientID,
	}); err != nil {
		return nil, fmt.Errorf("register patient: %w", err)
	}
	return p, nil
}

// PatientByAddress returns the patient owned by address. Unregistered
// addresses yield a Patient with Exists=false and no error.
func (r *Registry) PatientByAddress(ctx context.Context, address string) (*Patient, error) {
	p, err := r.repo.PatientByAddress(ctx, address)
	if errors.Is(err, ledgererr.ErrNotFound) {
		return &Patient{}, nil
	}
	return p, err
}

func (r *Registry) PatientByID(ctx context.Context, patientID string) (*Patient, error) {
	p, err := r.repo.PatientByID(ctx, patientID)
	if errors.Is(err, ledgererr.ErrNotFound) {
		return &Patient{}, nil
	}
	return p, err
}

// -- Doctor --

func (r *Registry) RegisterDoctor(ctx context.Context, caller, doctorID, name, specialization string) (*Doctor, error) {
	caller, err := ledgererr.CleanID("caller address", caller)
	if err != nil {
		return nil, err
	}
	doctorID, err = ledgererr.CleanID("doctor_id", doctorID)
	if err != nil {
		return nil, err
	}
	if name, err = ledgererr.CleanText("name", name); err != nil {
		return nil, err
	}
	if specialization, err = ledgererr.CleanText("specialization", specialization); err != nil {
		return nil, err
	}

	if _, err := r.repo.DoctorByAddress(ctx, caller); err == nil {
		return nil, fmt.Errorf("address %s already owns a doctor: %w", caller, ledgererr.ErrAlreadyRegistered)
	} else if !errors.Is(err, ledgererr.ErrNotFound) {
		return nil, fmt.Errorf("register doctor: %w", err)
	}
	if _, err := r.repo.DoctorByID(ctx, doctorID); err == nil {
		return nil, fmt.Errorf("doctor id %s is taken: %w", doctorID, ledgererr.ErrAlreadyRegistered)
	} else if !errors.Is(err, ledgererr.ErrNotFound) {
		return nil, fmt.Errorf("register doctor: %w", err)
	}

	d := &Doctor{
		ID:             doctorID,
		Address:        caller,
		Name:           name,
		Specialization: specialization,
		Exists:         true,
		RegisteredAt:   r.now(),
	}
	if err := r.repo.InsertDoctor(ctx, d); err != nil {
		return nil, fmt.Errorf("register doctor: %w", err)
	}
	if err := r.events.Emit(ctx, &audit.Event{
		Type:     audit.DoctorRegistered,
		Address:  caller,
		DoctorID: doctorID,
	}); err != nil {
		return nil, fmt.Errorf("register doctor: %w", err)
	}
	return d, nil
}

func (r *Registry) DoctorByAddress(ctx context.Context, address string) (*Doctor, error) {
	d, err := r.repo.DoctorByAddress(ctx, address)
	if errors.Is(err, ledgererr.ErrNotFound) {
		return &Doctor{}, nil
	}
	return d, err
}

func (r *Registry) DoctorByID(ctx context.Context, doctorID string) (*Doctor, error) {
	d, err := r.repo.DoctorByID(ctx, doctorID)
	if errors.Is(err, ledgererr.ErrNotFound) {
		return &Doctor{}, nil
	}
	return d, err
}
