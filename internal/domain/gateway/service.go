// Package gateway is the single entry point for ledger operations. Each call
// resolves identities, authorizes, mutates or reads, and records the audit
// event inside one store transaction while holding the patient's lock.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledgererr"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/eventbus"
	"github.com/medledger/medledger/internal/platform/store"
)

// verifyPageSize bounds each read while walking the audit trail.
const verifyPageSize = 1000

// lookupable reports whether s can name a stored identity. Registration
// rejects anything else, and some backends refuse such keys outright.
func lookupable(s string) bool {
	return utf8.ValidString(s) && strings.IndexFunc(s, unicode.IsControl) < 0
}

type Service struct {
	store     store.Store
	locks     *keyLock
	sealer    records.Sealer
	publisher eventbus.Publisher
	logger    zerolog.Logger
}

// NewService wires a gateway over st. sealer and publisher may be nil.
func NewService(st store.Store, sealer records.Sealer, publisher eventbus.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = eventbus.Discard{}
	}
	return &Service{
		store:     st,
		locks:     newKeyLock(),
		sealer:    sealer,
		publisher: publisher,
		logger:    logger,
	}
}

// components are the domain services bound to one transaction.
type components struct {
	log      *audit.Log
	registry *identity.Registry
	acl      *access.Table
	ledger   *records.Ledger
}

func (s *Service) bind(tx store.Tx) *components {
	log := audit.NewLog(tx, tx.Now)
	acl := access.NewTable(tx, tx, log, tx.Now)
	return &components{
		log:      log,
		registry: identity.NewRegistry(tx, log, tx.Now),
		acl:      acl,
		ledger:   records.NewLedger(tx, tx, acl, log, s.sealer, tx.Now),
	}
}

// update runs fn in a write transaction holding keys both in process and in
// the store. Events emitted by fn are published once the commit succeeds.
func (s *Service) update(ctx context.Context, keys []string, fn func(ctx context.Context, c *components) error) error {
	release, err := s.locks.lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer release()

	var emitted []*audit.Event
	err = s.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, k := range sortedUnique(keys) {
			if err := tx.Lock(ctx, k); err != nil {
				return fmt.Errorf("lock %s: %w", k, err)
			}
		}
		c := s.bind(tx)
		if err := fn(ctx, c); err != nil {
			return err
		}
		emitted = c.log.Emitted()
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, emitted)
	return nil
}

// view runs fn in a read transaction holding keys in process.
func (s *Service) view(ctx context.Context, keys []string, fn func(ctx context.Context, c *components) error) error {
	if len(keys) > 0 {
		release, err := s.locks.lock(ctx, keys...)
		if err != nil {
			return err
		}
		defer release()
	}
	return s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, s.bind(tx))
	})
}

func (s *Service) publish(ctx context.Context, events []*audit.Event) {
	if len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), events); err != nil {
		s.logger.Error().Err(err).
			Uint64("seq", events[len(events)-1].Seq).
			Msg("failed to publish audit events")
	}
}

// -- Identity --

func (s *Service) RegisterPatient(ctx context.Context, caller, patientID string) (*identity.Patient, error) {
	caller, err := ledgererr.CleanID("caller address", caller)
	if err != nil {
		return nil, err
	}
	if patientID, err = ledgererr.CleanID("patient_id", patientID); err != nil {
		return nil, err
	}

	var p *identity.Patient
	err = s.update(ctx, []string{patientKey(patientID), patientAddrKey(caller)}, func(ctx context.Context, c *components) error {
		var err error
		p, err = c.registry.RegisterPatient(ctx, caller, patientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) RegisterDoctor(ctx context.Context, caller, doctorID, name, specialization string) (*identity.Doctor, error) {
	caller, err := ledgererr.CleanID("caller address", caller)
	if err != nil {
		return nil, err
	}
	if doctorID, err = ledgererr.CleanID("doctor_id", doctorID); err != nil {
		return nil, err
	}

	var d *identity.Doctor
	err = s.update(ctx, []string{doctorKey(doctorID), doctorAddrKey(caller)}, func(ctx context.Context, c *components) error {
		var err error
		d, err = c.registry.RegisterDoctor(ctx, caller, doctorID, name, specialization)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetPatient returns the patient registered by address. Unknown addresses
// yield Exists=false, not an error.
func (s *Service) GetPatient(ctx context.Context, address string) (*identity.Patient, error) {
	if !lookupable(address) {
		return &identity.Patient{}, nil
	}
	var p *identity.Patient
	err := s.view(ctx, nil, func(ctx context.Context, c *components) error {
		var err error
		p, err = c.registry.PatientByAddress(ctx, strings.TrimSpace(address))
		return err
	})
	return p, err
}

func (s *Service) GetPatientByID(ctx context.Context, patientID string) (*identity.Patient, error) {
	if !lookupable(patientID) {
		return &identity.Patient{}, nil
	}
	var p *identity.Patient
	err := s.view(ctx, nil, func(ctx context.Context, c *components) error {
		var err error
		p, err = c.registry.PatientByID(ctx, strings.TrimSpace(patientID))
		return err
	})
	return p, err
}

func (s *Service) GetDoctor(ctx context.Context, address string) (*identity.Doctor, error) {
	if !lookupable(address) {
		return &identity.Doctor{}, nil
	}
	var d *identity.Doctor
	err := s.view(ctx, nil, func(ctx context.Context, c *components) error {
		var err error
		d, err = c.registry.DoctorByAddress(ctx, strings.TrimSpace(address))
		return err
	})
	return d, err
}

func (s *Service) GetDoctorByID(ctx context.Context, doctorID string) (*identity.Doctor, error) {
	if !lookupable(doctorID) {
		return &identity.Doctor{}, nil
	}
	var d *identity.Doctor
	err := s.view(ctx, nil, func(ctx context.Context, c *components) error {
		var err error
		d, err = c.registry.DoctorByID(ctx, strings.TrimSpace(doctorID))
		return err
	})
	return d, err
}

// -- Records --

func (s *Service) AddMedicalRecord(ctx context.Context, caller, patientID, recordID, data string) (*records.MedicalRecord, error) {
	patientID, err := ledgererr.CleanID("patient_id", patientID)
	if err != nil {
		return nil, err
	}

	var rec *records.MedicalRecord
	err = s.update(ctx, []string{patientKey(patientID)}, func(ctx context.Context, c *components) error {
		var err error
		rec, err = c.ledger.Append(ctx, strings.TrimSpace(caller), patientID, recordID, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) GetMedicalRecords(ctx context.Context, caller, patientID string) ([]*records.MedicalRecord, error) {
	patientID = strings.TrimSpace(patientID)

	var out []*records.MedicalRecord
	err := s.view(ctx, []string{patientKey(patientID)}, func(ctx context.Context, c *components) error {
		var err error
		out, err = c.ledger.List(ctx, strings.TrimSpace(caller), patientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// -- Access --

func (s *Service) GrantAccess(ctx context.Context, caller, patientID, doctorAddress string) error {
	patientID, err := ledgererr.CleanID("patient_id", patientID)
	if err != nil {
		return err
	}
	doctorAddress = strings.TrimSpace(doctorAddress)

	return s.update(ctx, []string{patientKey(patientID), doctorAddrKey(doctorAddress)}, func(ctx context.Context, c *components) error {
		return c.acl.Grant(ctx, strings.TrimSpace(caller), patientID, doctorAddress)
	})
}

func (s *Service) RevokeAccess(ctx context.Context, caller, patientID, doctorAddress string) error {
	patientID, err := ledgererr.CleanID("patient_id", patientID)
	if err != nil {
		return err
	}

	return s.update(ctx, []string{patientKey(patientID)}, func(ctx context.Context, c *components) error {
		return c.acl.Revoke(ctx, strings.TrimSpace(caller), patientID, strings.TrimSpace(doctorAddress))
	})
}

// CheckAccess reports whether doctorAddress holds a current grant. Absent
// patients, doctors and grants all read as false.
func (s *Service) CheckAccess(ctx context.Context, patientID, doctorAddress string) (bool, error) {
	patientID = strings.TrimSpace(patientID)
	if !lookupable(patientID) || !lookupable(doctorAddress) {
		return false, nil
	}

	var ok bool
	err := s.view(ctx, []string{patientKey(patientID)}, func(ctx context.Context, c *components) error {
		var err error
		ok, err = c.acl.Check(ctx, patientID, strings.TrimSpace(doctorAddress))
		return err
	})
	return ok, err
}

func (s *Service) ListGrantees(ctx context.Context, caller, patientID string) ([]string, error) {
	patientID = strings.TrimSpace(patientID)
	if !lookupable(patientID) {
		return nil, fmt.Errorf("patient %q: %w", patientID, ledgererr.ErrNotOwner)
	}

	var out []string
	err := s.view(ctx, []string{patientKey(patientID)}, func(ctx context.Context, c *components) error {
		var err error
		out, err = c.acl.Grantees(ctx, strings.TrimSpace(caller), patientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// -- Audit --

// Events returns committed audit events with seq greater than after.
func (s *Service) Events(ctx context.Context, after uint64, limit int) ([]*audit.Event, error) {
	var out []*audit.Event
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListEvents(ctx, after, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if out == nil {
		out = []*audit.Event{}
	}
	return out, nil
}

type AuditReport struct {
	Valid bool       `json:"valid"`
	Count uint64     `json:"count"`
	Head  audit.Head `json:"head"`
	Error string     `json:"error,omitempty"`
}

// VerifyAuditTrail walks the whole trail from genesis and checks every link.
// A broken chain is reported in the result; err is reserved for store
// failures.
func (s *Service) VerifyAuditTrail(ctx context.Context) (*AuditReport, error) {
	head := audit.GenesisHead()
	for {
		page, err := s.Events(ctx, head.Seq, verifyPageSize)
		if err != nil {
			return nil, err
		}
		next, verr := audit.Verify(head, page)
		if verr != nil {
			return &AuditReport{Valid: false, Count: next.Seq, Head: next, Error: verr.Error()}, nil
		}
		head = next
		if len(page) < verifyPageSize {
			break
		}
	}
	return &AuditReport{Valid: true, Count: head.Seq, Head: head}, nil
}
