package access

import "time"

// Grant is the current authorization state of one (patient, doctor) pair.
// Missing rows read as not granted.
type Grant struct {
	PatientID     string    `json:"patient_id"`
	DoctorAddress string    `json:"doctor_address"`
	Granted       bool      `json:"granted"`
	UpdatedAt     time.Time `json:"updated_at"`
}
