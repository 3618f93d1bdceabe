package records

import "context"

type Repository interface {
	// AppendRecord stores r at the end of the patient's sequence and sets r.Seq.
	AppendRecord(ctx context.Context, r *MedicalRecord) error
	// LastRecord returns ledgererr.ErrNotFound for a patient with no records.
	LastRecord(ctx context.Context, patientID string) (*MedicalRecord, error)
	// ListRecords returns the patient's records in append order.
	ListRecords(ctx context.Context, patientID string) ([]*MedicalRecord, error)
}

// Sealer protects record payloads at rest. Open must accept anything Seal
// produced.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

type plainSealer struct{}

func (plainSealer) Seal(s string) (string, error) { return s, nil }
func (plainSealer) Open(s string) (string, error) { return s, nil }
