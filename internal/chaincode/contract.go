// Package chaincode exposes the gateway as a Fabric contract. World state is
// the store; the invoking client identity is the caller address.
package chaincode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/gateway"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/store/fabricstore"
)

// LedgerContract holds no state between invocations. Record payloads are not
// sealed on chain: every endorser must produce the same write set, which a
// random-nonce cipher would break.
type LedgerContract struct {
	contractapi.Contract
	Logger zerolog.Logger
}

func NewLedgerContract(logger zerolog.Logger) *LedgerContract {
	c := &LedgerContract{Logger: logger}
	c.Name = "medledger"
	return c
}

func (c *LedgerContract) service(ctx contractapi.TransactionContextInterface) *gateway.Service {
	return gateway.NewService(fabricstore.New(ctx.GetStub()), nil, nil, c.Logger)
}

// callerAddress derives a fixed-width address from the client's MSP and
// certificate identity. The raw identity string is too long to serve as one.
func callerAddress(ctx contractapi.TransactionContextInterface) (string, error) {
	ci := ctx.GetClientIdentity()
	if ci == nil {
		return "", fmt.Errorf("no client identity")
	}
	id, err := ci.GetID()
	if err != nil {
		return "", fmt.Errorf("get client id: %w", err)
	}
	msp, err := ci.GetMSPID()
	if err != nil {
		return "", fmt.Errorf("get client msp: %w", err)
	}
	sum := sha256.Sum256([]byte(msp + "/" + id))
	return "0x" + hex.EncodeToString(sum[:20]), nil
}

// -- DTOs --

type Patient struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	Exists       bool   `json:"exists"`
	RegisteredAt string `json:"registeredAt"`
}

type Doctor struct {
	ID             string `json:"id"`
	Address        string `json:"address"`
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
	Exists         bool   `json:"exists"`
	RegisteredAt   string `json:"registeredAt"`
}

type MedicalRecord struct {
	Seq       int    `json:"seq"`
	RecordID  string `json:"recordId"`
	PatientID string `json:"patientId"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
	AddedBy   string `json:"addedBy"`
}

type AuditReport struct {
	Valid bool   `json:"valid"`
	Count uint64 `json:"count"`
	Head  string `json:"head"`
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toPatient(p *identity.Patient) *Patient {
	return &Patient{ID: p.ID, Address: p.Address, Exists: p.Exists, RegisteredAt: formatTime(p.RegisteredAt)}
}

func toDoctor(d *identity.Doctor) *Doctor {
	return &Doctor{
		ID:             d.ID,
		Address:        d.Address,
		Name:           d.Name,
		Specialization: d.Specialization,
		Exists:         d.Exists,
		RegisteredAt:   formatTime(d.RegisteredAt),
	}
}

func toRecord(r *records.MedicalRecord) *MedicalRecord {
	return &MedicalRecord{
		Seq:       r.Seq,
		RecordID:  r.RecordID,
		PatientID: r.PatientID,
		Data:      r.Data,
		Timestamp: formatTime(r.Timestamp),
		AddedBy:   r.AddedBy,
	}
}

// -- Transactions --

// CallerAddress returns the address the ledger knows the invoking client by.
func (c *LedgerContract) CallerAddress(ctx contractapi.TransactionContextInterface) (string, error) {
	return callerAddress(ctx)
}

func (c *LedgerContract) RegisterPatient(ctx contractapi.TransactionContextInterface, patientID string) error {
	caller, err := callerAddress(ctx)
	if err != nil {
		return err
	}
	_, err = c.service(ctx).RegisterPatient(context.Background(), caller, patientID)
	return err
}

func (c *LedgerContract) RegisterDoctor(ctx contractapi.TransactionContextInterface, doctorID, name, specialization string) error {
	caller, err := callerAddress(ctx)
	if err != nil {
		return err
	}
	_, err = c.service(ctx).RegisterDoctor(context.Background(), caller, doctorID, name, specialization)
	return err
}

func (c *LedgerContract) GetPatient(ctx contractapi.TransactionContextInterface, address string) (*Patient, error) {
	p, err := c.service(ctx).GetPatient(context.Background(), address)
	if err != nil {
		return nil, err
	}
	return toPatient(p), nil
}

func (c *LedgerContract) GetPatientByID(ctx contractapi.TransactionContextInterface, patientID string) (*Patient, error) {
	p, err := c.service(ctx).GetPatientByID(context.Background(), patientID)
	if err != nil {
		return nil, err
	}
	return toPatient(p), nil
}

func (c *LedgerContract) GetDoctor(ctx contractapi.TransactionContextInterface, address string) (*Doctor, error) {
	d, err := c.service(ctx).GetDoctor(context.Background(), address)
	if err != nil {
		return nil, err
	}
	return toDoctor(d), nil
}

func (c *LedgerContract) GetDoctorByID(ctx contractapi.TransactionContextInterface, doctorID string) (*Doctor, error) {
	d, err := c.service(ctx).GetDoctorByID(context.Background(), doctorID)
	if err != nil {
		return nil, err
	}
	return toDoctor(d), nil
}

func (c *LedgerContract) AddMedicalRecord(ctx contractapi.TransactionContextInterface, patientID, recordID, data string) (*MedicalRecord, error) {
	caller, err := callerAddress(ctx)
	if err != nil {
		return nil, err
	}
	r, err := c.service(ctx).AddMedicalRecord(context.Background(), caller, patientID, recordID, data)
	if err != nil {
		return nil, err
	}
	return toRecord(r), nil
}

func (c *LedgerContract) GetMedicalRecords(ctx contractapi.TransactionContextInterface, patientID string) ([]*MedicalRecord, error) {
	caller, err := callerAddress(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := c.service(ctx).GetMedicalRecords(context.Background(), caller, patientID)
	if err != nil {
		return nil, err
	}
	out := make([]*MedicalRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, toRecord(r))
	}
	return out, nil
}

func (c *LedgerContract) GrantAccess(ctx contractapi.TransactionContextInterface, patientID, doctorAddress string) error {
	caller, err := callerAddress(ctx)
	if err != nil {
		return err
	}
	return c.service(ctx).GrantAccess(context.Background(), caller, patientID, doctorAddress)
}

func (c *LedgerContract) RevokeAccess(ctx contractapi.TransactionContextInterface, patientID, doctorAddress string) error {
	caller, err := callerAddress(ctx)
	if err != nil {
		return err
	}
	return c.service(ctx).RevokeAccess(context.Background(), caller, patientID, doctorAddress)
}

func (c *LedgerContract) CheckAccess(ctx contractapi.TransactionContextInterface, patientID, doctorAddress string) (bool, error) {
	return c.service(ctx).CheckAccess(context.Background(), patientID, doctorAddress)
}

func (c *LedgerContract) ListGrantees(ctx contractapi.TransactionContextInterface, patientID string) ([]string, error) {
	caller, err := callerAddress(ctx)
	if err != nil {
		return nil, err
	}
	return c.service(ctx).ListGrantees(context.Background(), caller, patientID)
}

func (c *LedgerContract) VerifyAuditTrail(ctx contractapi.TransactionContextInterface) (*AuditReport, error) {
	r, err := c.service(ctx).VerifyAuditTrail(context.Background())
	if err != nil {
		return nil, err
	}
	return &AuditReport{Valid: r.Valid, Count: r.Count, Head: r.Head.Hash, Error: r.Error}, nil
}
