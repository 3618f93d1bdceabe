package records

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledgererr"
)

// -- Mocks --

type mockRecordRepo struct {
	byPatient map[string][]*MedicalRecord
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{byPatient: make(map[string][]*MedicalRecord)}
}

func (m *mockRecordRepo) AppendRecord(_ context.Context, r *MedicalRecord) error {
	r.Seq = len(m.byPatient[r.PatientID])
	cp := *r
	m.byPatient[r.PatientID] = append(m.byPatient[r.PatientID], &cp)
	return nil
}

func (m *mockRecordRepo) LastRecord(_ context.Context, patientID string) (*MedicalRecord, error) {
	list := m.byPatient[patientID]
	if len(list) == 0 {
		return nil, ledgererr.ErrNotFound
	}
	return list[len(list)-1], nil
}

func (m *mockRecordRepo) ListRecords(_ context.Context, patientID string) ([]*MedicalRecord, error) {
	return m.byPatient[patientID], nil
}

type mockIdentities struct {
	patients map[string]*identity.Patient
	doctors  map[string]*identity.Doctor
}

func (m *mockIdentities) PatientByAddress(_ context.Context, address string) (*identity.Patient, error) {
	for _, p := range m.patients {
		if p.Address == address {
			return p, nil
		}
	}
	return nil, ledgererr.ErrNotFound
}

func (m *mockIdentities) PatientByID(_ context.Context, id string) (*identity.Patient, error) {
	if p, ok := m.patients[id]; ok {
		return p, nil
	}
	return nil, ledgererr.ErrNotFound
}

func (m *mockIdentities) InsertPatient(_ context.Context, p *identity.Patient) error {
	m.patients[p.ID] = p
	return nil
}

func (m *mockIdentities) DoctorByAddress(_ context.Context, address string) (*identity.Doctor, error) {
	if d, ok := m.doctors[address]; ok {
		return d, nil
	}
	return nil, ledgererr.ErrNotFound
}

func (m *mockIdentities) DoctorByID(_ context.Context, id string) (*identity.Doctor, error) {
	for _, d := range m.doctors {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, ledgererr.ErrNotFound
}

func (m *mockIdentities) InsertDoctor(_ context.Context, d *identity.Doctor) error {
	m.doctors[d.Address] = d
	return nil
}

type mockGrantRepo struct {
	grants map[[2]string]bool
}

func (m *mockGrantRepo) GrantFor(_ context.Context, patientID, doctorAddress string) (*access.Grant, error) {
	granted, ok := m.grants[[2]string{patientID, doctorAddress}]
	if !ok {
		return nil, ledgererr.ErrNotFound
	}
	return &access.Grant{PatientID: patientID, DoctorAddress: doctorAddress, Granted: granted}, nil
}

func (m *mockGrantRepo) PutGrant(_ context.Context, g *access.Grant) error {
	m.grants[[2]string{g.PatientID, g.DoctorAddress}] = g.Granted
	return nil
}

func (m *mockGrantRepo) GrantedDoctors(context.Context, string) ([]string, error) {
	return nil, nil
}

type mockEmitter struct {
	events []*audit.Event
}

func (m *mockEmitter) Emit(_ context.Context, e *audit.Event) error {
	m.events = append(m.events, e)
	return nil
}

// prefixSealer is reversible and visibly changes the stored form.
type prefixSealer struct{}

func (prefixSealer) Seal(s string) (string, error) { return "sealed:" + s, nil }
func (prefixSealer) Open(s string) (string, error) {
	if !strings.HasPrefix(s, "sealed:") {
		return "", errors.New("not sealed")
	}
	return strings.TrimPrefix(s, "sealed:"), nil
}

type fixture struct {
	ledger  *Ledger
	table   *access.Table
	repo    *mockRecordRepo
	emitter *mockEmitter
	clock   time.Time
}

func newFixture(sealer Sealer) *fixture {
	f := &fixture{
		repo:    newMockRecordRepo(),
		emitter: &mockEmitter{},
		clock:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	ids := &mockIdentities{
		patients: map[string]*identity.Patient{
			"P1": {ID: "P1", Address: "0xA", Exists: true},
			"P2": {ID: "P2", Address: "0xE", Exists: true},
		},
		doctors: map[string]*identity.Doctor{"0xB": {ID: "D1", Address: "0xB", Exists: true}},
	}
	now := func() time.Time { return f.clock }
	f.table = access.NewTable(&mockGrantRepo{grants: map[[2]string]bool{}}, ids, f.emitter, now)
	f.ledger = NewLedger(f.repo, ids, f.table, f.emitter, sealer, now)
	return f
}

// -- Tests --

func TestLedger_OwnerAppendsWithoutGrant(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	rec, err := f.ledger.Append(ctx, "0xA", "P1", "R1", "blood test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Seq != 0 || rec.AddedBy != "0xA" || rec.Data != "blood test" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if !rec.Timestamp.Equal(f.clock) {
		t.Errorf("expected timestamp %v, got %v", f.clock, rec.Timestamp)
	}
	if len(f.emitter.events) != 1 || f.emitter.events[0].Type != audit.RecordAdded {
		t.Fatalf("expected one RecordAdded event, got %v", f.emitter.events)
	}
	if f.emitter.events[0].RecordID != "R1" || f.emitter.events[0].PatientID != "P1" {
		t.Errorf("unexpected event fields: %+v", f.emitter.events[0])
	}
}

func TestLedger_DoctorNeedsGrant(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	if _, err := f.ledger.Append(ctx, "0xB", "P1", "R1", "x"); !errors.Is(err, ledgererr.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.ledger.List(ctx, "0xB", "P1"); !errors.Is(err, ledgererr.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on list, got %v", err)
	}

	if err := f.table.Grant(ctx, "0xA", "P1", "0xB"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := f.ledger.Append(ctx, "0xB", "P1", "R1", "x"); err != nil {
		t.Fatalf("expected append after grant, got %v", err)
	}
	list, err := f.ledger.List(ctx, "0xB", "P1")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one record, got %v (err %v)", list, err)
	}

	if err := f.table.Revoke(ctx, "0xA", "P1", "0xB"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.ledger.List(ctx, "0xB", "P1"); !errors.Is(err, ledgererr.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized after revoke, got %v", err)
	}
}

func TestLedger_GrantIsPerPatient(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.table.Grant(ctx, "0xA", "P1", "0xB")

	if _, err := f.ledger.Append(ctx, "0xB", "P2", "R1", "x"); !errors.Is(err, ledgererr.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for other patient, got %v", err)
	}
	// Another patient's owner is not a grantee either.
	if _, err := f.ledger.List(ctx, "0xE", "P1"); !errors.Is(err, ledgererr.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLedger_UnknownPatient(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	_, err := f.ledger.Append(ctx, "0xA", "Nobody", "R1", "x")
	if !errors.Is(err, ledgererr.ErrUnknownPatient) {
		t.Errorf("expected ErrUnknownPatient, got %v", err)
	}
	if !errors.Is(err, ledgererr.ErrNotFound) {
		t.Errorf("expected ErrUnknownPatient to also be ErrNotFound")
	}
	if _, err := f.ledger.List(ctx, "0xA", "Nobody"); !errors.Is(err, ledgererr.ErrUnknownPatient) {
		t.Errorf("expected ErrUnknownPatient on list, got %v", err)
	}
}

func TestLedger_EmptyListIsNotError(t *testing.T) {
	f := newFixture(nil)
	list, err := f.ledger.List(context.Background(), "0xA", "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("expected empty non-nil list, got %v", list)
	}
}

func TestLedger_TimestampsNeverDecrease(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	f.ledger.Append(ctx, "0xA", "P1", "R1", "a")
	f.clock = f.clock.Add(-time.Hour)
	f.ledger.Append(ctx, "0xA", "P1", "R2", "b")
	f.clock = f.clock.Add(2 * time.Hour)
	f.ledger.Append(ctx, "0xA", "P1", "R3", "c")

	list, err := f.ledger.List(ctx, "0xA", "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].Timestamp.Before(list[i-1].Timestamp) {
			t.Errorf("record %d timestamp %v before record %d %v", i, list[i].Timestamp, i-1, list[i-1].Timestamp)
		}
		if list[i].Seq != i {
			t.Errorf("expected seq %d, got %d", i, list[i].Seq)
		}
	}
	if list[0].RecordID != "R1" || list[1].RecordID != "R2" || list[2].RecordID != "R3" {
		t.Errorf("records out of append order: %s %s %s", list[0].RecordID, list[1].RecordID, list[2].RecordID)
	}
}

func TestLedger_DuplicateRecordIDsKept(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	f.ledger.Append(ctx, "0xA", "P1", "R1", "first")
	f.ledger.Append(ctx, "0xA", "P1", "R1", "second")

	list, _ := f.ledger.List(ctx, "0xA", "P1")
	if len(list) != 2 {
		t.Fatalf("expected both records kept, got %d", len(list))
	}
	if list[0].Data != "first" || list[1].Data != "second" {
		t.Errorf("unexpected data: %q %q", list[0].Data, list[1].Data)
	}
}

func TestLedger_SealsAtRest(t *testing.T) {
	f := newFixture(prefixSealer{})
	ctx := context.Background()

	rec, err := f.ledger.Append(ctx, "0xA", "P1", "R1", "blood test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Data != "blood test" {
		t.Errorf("expected caller to see plaintext, got %q", rec.Data)
	}
	if stored := f.repo.byPatient["P1"][0].Data; stored != "sealed:blood test" {
		t.Errorf("expected sealed payload in repo, got %q", stored)
	}

	list, err := f.ledger.List(ctx, "0xA", "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if list[0].Data != "blood test" {
		t.Errorf("expected plaintext on read, got %q", list[0].Data)
	}
}

func TestLedger_RejectsEmptyRecordID(t *testing.T) {
	f := newFixture(nil)
	_, err := f.ledger.Append(context.Background(), "0xA", "P1", "  ", "x")
	if !errors.Is(err, ledgererr.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}
