package identity

import "context"

// Repository is the dual index of identities. Lookups return
// ledgererr.ErrNotFound for absent entries; inserts return
// ledgererr.ErrAlreadyRegistered when either index is already taken.
type Repository interface {
	PatientByAddress(ctx context.Context, address string) (*Patient, error)
	PatientByID(ctx context.Context, patientID string) (*Patient, error)
	InsertPatient(ctx context.Context, p *Patient) error

	DoctorByAddress(ctx context.Context, address string) (*Doctor, error)
	DoctorByID(ctx context.Context, doctorID string) (*Doctor, error)
	InsertDoctor(ctx context.Context, d *Doctor) error
}
