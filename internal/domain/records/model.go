package records

import "time"

// MedicalRecord is one immutable entry in a patient's ledger. Seq is the
// 0-based append position within the patient.
type MedicalRecord struct {
	Seq       int       `json:"seq"`
	RecordID  string    `json:"record_id"`
	PatientID string    `json:"patient_id"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	AddedBy   string    `json:"added_by"`
}
