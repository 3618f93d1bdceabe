// Package memstore is an in-process Store. Transactions buffer their writes
// and apply them under a short commit lock, so transactions touching
// different patients run concurrently.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledgererr"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/store"
)

type grantKey struct {
	patientID     string
	doctorAddress string
}

type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	patientsByAddr map[string]*identity.Patient
	patientsByID   map[string]*identity.Patient
	doctorsByAddr  map[string]*identity.Doctor
	doctorsByID    map[string]*identity.Doctor
	grants         map[grantKey]*access.Grant
	records        map[string][]*records.MedicalRecord
	events         []*audit.Event
	head           audit.Head
}

var _ store.Store = (*Store)(nil)

// New returns an empty store. A nil clock uses time.Now.
func New(now func() time.Time) *Store {
	return &Store{
		now:            store.Clock(now),
		patientsByAddr: make(map[string]*identity.Patient),
		patientsByID:   make(map[string]*identity.Patient),
		doctorsByAddr:  make(map[string]*identity.Doctor),
		doctorsByID:    make(map[string]*identity.Doctor),
		grants:         make(map[grantKey]*access.Grant),
		records:        make(map[string][]*records.MedicalRecord),
		head:           audit.GenesisHead(),
	}
}

func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := newTx(s, false)
	if err := fn(ctx, t); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, newTx(s, true))
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// commit validates the buffered identities against committed state, then
// applies every write and chains the pending events.
func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range t.patients {
		if _, ok := s.patientsByAddr[p.Address]; ok {
			return fmt.Errorf("patient address %s: %w", p.Address, ledgererr.ErrAlreadyRegistered)
		}
		if _, ok := s.patientsByID[p.ID]; ok {
			return fmt.Errorf("patient id %s: %w", p.ID, ledgererr.ErrAlreadyRegistered)
		}
	}
	for _, d := range t.doctors {
		if _, ok := s.doctorsByAddr[d.Address]; ok {
			return fmt.Errorf("doctor address %s: %w", d.Address, ledgererr.ErrAlreadyRegistered)
		}
		if _, ok := s.doctorsByID[d.ID]; ok {
			return fmt.Errorf("doctor id %s: %w", d.ID, ledgererr.ErrAlreadyRegistered)
		}
	}
	for pid, recs := range t.records {
		if len(recs) > 0 && recs[0].Seq != len(s.records[pid]) {
			return fmt.Errorf("memstore: concurrent append to patient %s", pid)
		}
	}

	for _, p := range t.patients {
		s.patientsByAddr[p.Address] = p
		s.patientsByID[p.ID] = p
	}
	for _, d := range t.doctors {
		s.doctorsByAddr[d.Address] = d
		s.doctorsByID[d.ID] = d
	}
	for k, g := range t.grants {
		s.grants[k] = g
	}
	for pid, recs := range t.records {
		s.records[pid] = append(s.records[pid], recs...)
	}
	s.head = store.Chain(s.head, t.events)
	for _, e := range t.events {
		cp := *e
		s.events = append(s.events, &cp)
	}
	return nil
}

// tx buffers writes until commit. Reads see the buffer first.
type tx struct {
	s        *Store
	readOnly bool

	patients []*identity.Patient
	doctors  []*identity.Doctor
	grants   map[grantKey]*access.Grant
	records  map[string][]*records.MedicalRecord
	events   []*audit.Event
}

func newTx(s *Store, readOnly bool) *tx {
	return &tx{
		s:        s,
		readOnly: readOnly,
		grants:   make(map[grantKey]*access.Grant),
		records:  make(map[string][]*records.MedicalRecord),
	}
}

func (t *tx) Now() time.Time { return t.s.now() }

func (t *tx) Lock(ctx context.Context, _ string) error { return ctx.Err() }

// -- Identities --

func (t *tx) PatientByAddress(_ context.Context, address string) (*identity.Patient, error) {
	for _, p := range t.patients {
		if p.Address == address {
			cp := *p
			return &cp, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if p, ok := t.s.patientsByAddr[address]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ledgererr.ErrNotFound
}

func (t *tx) PatientByID(_ context.Context, patientID string) (*identity.Patient, error) {
	for _, p := range t.patients {
		if p.ID == patientID {
			cp := *p
			return &cp, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if p, ok := t.s.patientsByID[patientID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ledgererr.ErrNotFound
}

func (t *tx) InsertPatient(ctx context.Context, p *identity.Patient) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, err := t.PatientByAddress(ctx, p.Address); err == nil {
		return fmt.Errorf("patient address %s: %w", p.Address, ledgererr.ErrAlreadyRegistered)
	}
	if _, err := t.PatientByID(ctx, p.ID); err == nil {
		return fmt.Errorf("patient id %s: %w", p.ID, ledgererr.ErrAlreadyRegistered)
	}
	cp := *p
	t.patients = append(t.patients, &cp)
	return nil
}

func (t *tx) DoctorByAddress(_ context.Context, address string) (*identity.Doctor, error) {
	for _, d := range t.doctors {
		if d.Address == address {
			cp := *d
			return &cp, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if d, ok := t.s.doctorsByAddr[address]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, ledgererr.ErrNotFound
}

func (t *tx) DoctorByID(_ context.Context, doctorID string) (*identity.Doctor, error) {
	for _, d := range t.doctors {
		if d.ID == doctorID {
			cp := *d
			return &cp, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if d, ok := t.s.doctorsByID[doctorID]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, ledgererr.ErrNotFound
}

func (t *tx) InsertDoctor(ctx context.Context, d *identity.Doctor) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, err := t.DoctorByAddress(ctx, d.Address); err == nil {
		return fmt.Errorf("doctor address %s: %w", d.Address, ledgererr.ErrAlreadyRegistered)
	}
	if _, err := t.DoctorByID(ctx, d.ID); err == nil {
		return fmt.Errorf("doctor id %s: %w", d.ID, ledgererr.ErrAlreadyRegistered)
	}
	cp := *d
	t.doctors = append(t.doctors, &cp)
	return nil
}

// -- Grants --

func (t *tx) GrantFor(_ context.Context, patientID, doctorAddress string) (*access.Grant, error) {
	k := grantKey{patientID, doctorAddress}
	if g, ok := t.grants[k]; ok {
		cp := *g
		return &cp, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if g, ok := t.s.grants[k]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, ledgererr.ErrNotFound
}

func (t *tx) PutGrant(_ context.Context, g *access.Grant) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	cp := *g
	t.grants[grantKey{g.PatientID, g.DoctorAddress}] = &cp
	return nil
}

func (t *tx) GrantedDoctors(_ context.Context, patientID string) ([]string, error) {
	state := make(map[string]bool)
	t.s.mu.RLock()
	for k, g := range t.s.grants {
		if k.patientID == patientID {
			state[k.doctorAddress] = g.Granted
		}
	}
	t.s.mu.RUnlock()
	for k, g := range t.grants {
		if k.patientID == patientID {
			state[k.doctorAddress] = g.Granted
		}
	}

	var out []string
	for addr, granted := range state {
		if granted {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out, nil
}

// -- Records --

func (t *tx) AppendRecord(_ context.Context, r *records.MedicalRecord) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	t.s.mu.RLock()
	committed := len(t.s.records[r.PatientID])
	t.s.mu.RUnlock()

	r.Seq = committed + len(t.records[r.PatientID])
	cp := *r
	t.records[r.PatientID] = append(t.records[r.PatientID], &cp)
	return nil
}

func (t *tx) LastRecord(_ context.Context, patientID string) (*records.MedicalRecord, error) {
	if pending := t.records[patientID]; len(pending) > 0 {
		cp := *pending[len(pending)-1]
		return &cp, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	list := t.s.records[patientID]
	if len(list) == 0 {
		return nil, ledgererr.ErrNotFound
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (t *tx) ListRecords(_ context.Context, patientID string) ([]*records.MedicalRecord, error) {
	t.s.mu.RLock()
	committed := t.s.records[patientID]
	out := make([]*records.MedicalRecord, 0, len(committed)+len(t.records[patientID]))
	for _, r := range committed {
		cp := *r
		out = append(out, &cp)
	}
	t.s.mu.RUnlock()
	for _, r := range t.records[patientID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// -- Audit --

func (t *tx) AppendEvent(_ context.Context, e *audit.Event) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	t.events = append(t.events, e)
	return nil
}

func (t *tx) ListEvents(_ context.Context, afterSeq uint64, limit int) ([]*audit.Event, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	if afterSeq >= uint64(len(t.s.events)) {
		return nil, nil
	}
	var out []*audit.Event
	// Seq n lives at index n-1.
	for i := int(afterSeq); i < len(t.s.events); i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *t.s.events[i]
		out = append(out, &cp)
	}
	return out, nil
}
