package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	PatientRegistered Type = "PatientRegistered"
	DoctorRegistered  Type = "DoctorRegistered"
	AccessGranted     Type = "AccessGranted"
	AccessRevoked     Type = "AccessRevoked"
	RecordAdded       Type = "RecordAdded"
)

// GenesisHash is the PrevHash of the first event in a trail.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// Event is one entry of the append-only audit trail. Seq, PrevHash and Hash
// are assigned by the store when the surrounding transaction commits.
type Event struct {
	Seq           uint64    `json:"seq"`
	Type          Type      `json:"type"`
	Address       string    `json:"address"`
	PatientID     string    `json:"patient_id,omitempty"`
	DoctorID      string    `json:"doctor_id,omitempty"`
	DoctorAddress string    `json:"doctor_address,omitempty"`
	RecordID      string    `json:"record_id,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash"`
}

// Head is the position of the last committed event.
type Head struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// GenesisHead is the head of an empty trail.
func GenesisHead() Head {
	return Head{Seq: 0, Hash: GenesisHash}
}

type hashBody struct {
	Seq           uint64 `json:"seq"`
	Type          Type   `json:"type"`
	Address       string `json:"address"`
	PatientID     string `json:"patient_id"`
	DoctorID      string `json:"doctor_id"`
	DoctorAddress string `json:"doctor_address"`
	RecordID      string `json:"record_id"`
	RecordedAt    string `json:"recorded_at"`
}

// ComputeHash returns sha256(prevHash || canonical body) in hex.
func (e *Event) ComputeHash() string {
	body, _ := json.Marshal(hashBody{
		Seq:           e.Seq,
		Type:          e.Type,
		Address:       e.Address,
		PatientID:     e.PatientID,
		DoctorID:      e.DoctorID,
		DoctorAddress: e.DoctorAddress,
		RecordID:      e.RecordID,
		RecordedAt:    e.RecordedAt.UTC().Format(time.RFC3339Nano),
	})
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Link places e directly after head and returns the new head.
func Link(head Head, e *Event) Head {
	e.Seq = head.Seq + 1
	e.PrevHash = head.Hash
	e.Hash = e.ComputeHash()
	return Head{Seq: e.Seq, Hash: e.Hash}
}

// Verify checks that events continue the trail at head: sequence numbers are
// contiguous and every hash matches its body and predecessor. It returns the
// head after the last event.
func Verify(head Head, events []*Event) (Head, error) {
	for _, e := range events {
		if e.Seq != head.Seq+1 {
			return head, fmt.Errorf("audit: event seq %d follows %d", e.Seq, head.Seq)
		}
		if e.PrevHash != head.Hash {
			return head, fmt.Errorf("audit: event %d prev_hash mismatch", e.Seq)
		}
		if e.ComputeHash() != e.Hash {
			return head, fmt.Errorf("audit: event %d hash mismatch", e.Seq)
		}
		head = Head{Seq: e.Seq, Hash: e.Hash}
	}
	return head, nil
}
