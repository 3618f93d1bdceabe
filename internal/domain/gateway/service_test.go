package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/ledgererr"
	"github.com/medledger/medledger/internal/platform/hipaa"
	"github.com/medledger/medledger/internal/platform/store"
	"github.com/medledger/medledger/internal/platform/store/levelstore"
	"github.com/medledger/medledger/internal/platform/store/memstore"
)

// -- Fixtures --

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events []*audit.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.err
}

func (p *recordingPublisher) published() []*audit.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*audit.Event(nil), p.events...)
}

type backend struct {
	name string
	open func(t *testing.T, now func() time.Time) store.Store
}

var backends = []backend{
	{"memory", func(t *testing.T, now func() time.Time) store.Store {
		return memstore.New(now)
	}},
	{"leveldb", func(t *testing.T, now func() time.Time) store.Store {
		s, err := levelstore.OpenStorage(storage.NewMemStorage(), now)
		if err != nil {
			t.Fatalf("open leveldb: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	clock := newTestClock()
	return NewService(memstore.New(clock.Now), nil, nil, zerolog.Nop()), clock
}

func mustRegisterPatient(t *testing.T, svc *Service, addr, id string) {
	t.Helper()
	if _, err := svc.RegisterPatient(context.Background(), addr, id); err != nil {
		t.Fatalf("register patient %s: %v", id, err)
	}
}

func mustRegisterDoctor(t *testing.T, svc *Service, addr, id string) {
	t.Helper()
	if _, err := svc.RegisterDoctor(context.Background(), addr, id, "Dr. "+id, "Cardiology"); err != nil {
		t.Fatalf("register doctor %s: %v", id, err)
	}
}

// -- End-to-end --

func TestService_EndToEnd(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			clock := newTestClock()
			svc := NewService(b.open(t, clock.Now), nil, nil, zerolog.Nop())
			ctx := context.Background()

			mustRegisterPatient(t, svc, "0xA", "P1")
			mustRegisterDoctor(t, svc, "0xB", "D1")

			ok, err := svc.CheckAccess(ctx, "P1", "0xB")
			if err != nil || ok {
				t.Fatalf("expected no access before grant, got %v err=%v", ok, err)
			}

			if _, err := svc.AddMedicalRecord(ctx, "0xB", "P1", "R0", "x"); !errors.Is(err, ledgererr.ErrUnauthorized) {
				t.Fatalf("expected Unauthorized, got %v", err)
			}

			if err := svc.GrantAccess(ctx, "0xA", "P1", "0xB"); err != nil {
				t.Fatalf("grant: %v", err)
			}

			rec, err := svc.AddMedicalRecord(ctx, "0xB", "P1", "R1", "blood test")
			if err != nil {
				t.Fatalf("add record: %v", err)
			}
			if rec.Timestamp.IsZero() {
				t.Error("expected a timestamp on the appended record")
			}

			recs, err := svc.GetMedicalRecords(ctx, "0xA", "P1")
			if err != nil {
				t.Fatalf("get records: %v", err)
			}
			if len(recs) != 1 {
				t.Fatalf("expected 1 record, got %d", len(recs))
			}
			got := recs[0]
			if got.RecordID != "R1" || got.PatientID != "P1" || got.Data != "blood test" || got.AddedBy != "0xB" {
				t.Errorf("unexpected record %+v", got)
			}

			if err := svc.RevokeAccess(ctx, "0xA", "P1", "0xB"); err != nil {
				t.Fatalf("revoke: %v", err)
			}
			if _, err := svc.GetMedicalRecords(ctx, "0xB", "P1"); !errors.Is(err, ledgererr.ErrUnauthorized) {
				t.Fatalf("expected Unauthorized after revoke, got %v", err)
			}

			// Failed operations leave no trace in the trail.
			events, err := svc.Events(ctx, 0, 0)
			if err != nil {
				t.Fatalf("events: %v", err)
			}
			want := []audit.Type{
				audit.PatientRegistered,
				audit.DoctorRegistered,
				audit.AccessGranted,
				audit.RecordAdded,
				audit.AccessRevoked,
			}
			if len(events) != len(want) {
				t.Fatalf("expected %d events, got %d", len(want), len(events))
			}
			for i, e := range events {
				if e.Type != want[i] {
					t.Errorf("event %d: expected %s, got %s", i, want[i], e.Type)
				}
				if e.Seq != uint64(i+1) {
					t.Errorf("event %d: expected seq %d, got %d", i, i+1, e.Seq)
				}
			}

			report, err := svc.VerifyAuditTrail(ctx)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if !report.Valid || report.Count != 5 || report.Head.Hash != events[4].Hash {
				t.Errorf("unexpected report %+v", report)
			}
		})
	}
}

// -- Identity --

func TestService_RegisterPatientTwice(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegisterPatient(t, svc, "0xA", "P1")

	tests := []struct {
		name, addr, id string
	}{
		{"same address same id", "0xA", "P1"},
		{"same address new id", "0xA", "P2"},
		{"new address taken id", "0xF", "P1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.RegisterPatient(ctx, tt.addr, tt.id); !errors.Is(err, ledgererr.ErrAlreadyRegistered) {
				t.Errorf("expected AlreadyRegistered, got %v", err)
			}
		})
	}

	p, err := svc.GetPatient(ctx, "0xF")
	if err != nil || p.Exists {
		t.Errorf("expected 0xF to stay unregistered, got %+v err=%v", p, err)
	}
}

func TestService_RegisterDoctorTwice(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegisterDoctor(t, svc, "0xB", "D1")

	if _, err := svc.RegisterDoctor(ctx, "0xB", "D2", "n", "s"); !errors.Is(err, ledgererr.ErrAlreadyRegistered) {
		t.Errorf("expected AlreadyRegistered for reused address, got %v", err)
	}
	if _, err := svc.RegisterDoctor(ctx, "0xC", "D1", "n", "s"); !errors.Is(err, ledgererr.ErrAlreadyRegistered) {
		t.Errorf("expected AlreadyRegistered for reused id, got %v", err)
	}
}

func TestService_PatientAndDoctorNamespacesAreSeparate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustRegisterPatient(t, svc, "0xA", "X1")
	mustRegisterDoctor(t, svc, "0xA", "X1")

	p, _ := svc.GetPatient(ctx, "0xA")
	d, _ := svc.GetDoctor(ctx, "0xA")
	if !p.Exists || !d.Exists {
		t.Fatalf("expected both identities, got patient=%+v doctor=%+v", p, d)
	}
}

func TestService_Lookups(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegisterPatient(t, svc, "0xA", "P1")
	mustRegisterDoctor(t, svc, "0xB", "D1")

	p, err := svc.GetPatientByID(ctx, " P1 ")
	if err != nil || !p.Exists || p.Address != "0xA" {
		t.Errorf("unexpected patient by id %+v err=%v", p, err)
	}
	d, err := svc.GetDoctorByID(ctx, "D1")
	if err != nil || !d.Exists || d.Name != "Dr. D1" || d.Specialization != "Cardiology" {
		t.Errorf("unexpected doctor by id %+v err=%v", d, err)
	}

	unknown, err := svc.GetDoctor(ctx, "0xZ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unknown.Exists {
		t.Error("expected unknown doctor to report exists=false")
	}
}

func TestService_InvalidArguments(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RegisterPatient(ctx, "0xA", "   "); !errors.Is(err, ledgererr.ErrInvalidArgument) {
		t.Errorf("expected InvalidArgument for blank id, got %v", err)
	}
	if _, err := svc.RegisterPatient(ctx, "", "P1"); !errors.Is(err, ledgererr.ErrInvalidArgument) {
		t.Errorf("expected InvalidArgument for blank caller, got %v", err)
	}
	if _, err := svc.RegisterDoctor(ctx, "0xB", "D1", strings.Repeat("n", ledgererr.MaxTextLength+1), ""); !errors.Is(err, ledgererr.ErrInvalidArgument) {
		t.Errorf("expected InvalidArgument for long name, got %v", err)
	}
	if _, err := svc.AddMedicalRecord(ctx, "0xA", "", "R1", "x"); !errors.Is(err, ledgererr.ErrInvalidArgument) {
		t.Errorf("expected InvalidArgument for blank patient, got %v", err)
	}
}

// -- Access --

func TestService_CheckAccessIsTotal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegisterPatient(t, svc, "0xA", "P1")
	mustRegisterDoctor(t, svc, "0xB", "D1")

	pairs := [][2]string{
		{"P1", "0xB"},
		{"P1", "0xUnknown"},
		{"NoSuchPatient", "0xB"},
		{"", ""},
	}
	for _, pair := range pairs {
		ok, err := svc.CheckAccess(ctx, pair[0], pair[1])
		if err != nil || ok {
			t.Errorf("CheckAccess(%q, %q) = %v, %v; want false, nil", pair[0], pair[1], ok, err)
		}
	}
}

func TestService_ReadsAreTotalOverMalformedKeys(t *testing.T) {
	ctx := context.Background()
	bad := []string{"0xB\xff", "0x\x00A", "P\x01", "\xc3\x28"}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			svc := NewService(b.open(t, nil), nil, nil, zerolog.Nop())
			mustRegisterPatient(t, svc, "0xA", "P1")
			mustRegisterDoctor(t, svc, "0xB", "D1")

			for _, key := range bad {
				if ok, err := svc.CheckAccess(ctx, "P1", key); err != nil || ok {
					t.Errorf("CheckAccess(P1, %q) = %v, %v; want false, nil", key, ok, err)
				}
				if ok, err := svc.CheckAccess(ctx, key, "0xB"); err != nil || ok {
					t.Errorf("CheckAccess(%q, 0xB) = %v, %v; want false, nil", key, ok, err)
				}
				if p, err := svc.GetPatient(ctx, key); err != nil || p.Exists {
					t.Errorf("GetPatient(%q) = %+v, %v", key, p, err)
				}
				if p, err := svc.GetPatientByID(ctx, key); err != nil || p.Exists {
					t.Errorf("GetPatientByID(%q) = %+v, %v", key, p, err)
				}
				if d, err := svc.GetDoctor(ctx, key); err != nil || d.Exists {
					t.Errorf("GetDoctor(%q) = %+v, %v", key, d, err)
				}
				if d, err := svc.GetDoctorByID(ctx, key); err != nil || d.Exists {
					t.Errorf("GetDoctorByID(%q) = %+v, %v", key, d, err)
				}
				if _, err := svc.ListGrantees(ctx, "0xA", key); !errors.Is(err, ledgererr.ErrNotOwner) {
					t.Errorf("ListGrantees(%q) = %v, want NotOwner", key, err)
				}
				if _, err := svc.RegisterPatient(ctx, "0xC", key); !errors.Is(err, ledgererr.ErrInvalidArgument) {
					t.Errorf("RegisterPatient(%q) = %v, want InvalidArgument", key, err)
				}
			}
		})
	}
}

func TestService_GrantRevokeRestores(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegisterPatient(t, svc, "0xA", "P1")
	mustRegisterDoctor(t, svc, "0xB", "D1")

	if err := svc.GrantAccess(ctx, "0xA", "P1", "0xB"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, _ := svc.CheckAccess(ctx, "P1", "0xB"); !ok {
		t.Fatal("expected access after grant")
	}
	for i := 0; i < 2; i++ {
		if err := svc.RevokeAccess(ctx, "0xA", "P1", "0xB"); err != nil {
			t.Fatalf("revoke #%d: %v", i+1, err)
		}
	}
	if ok, _ := svc.CheckAccess(ctx, "P1", "0xB"); ok {
		t.Error("expected access to be cleared")
	}
}

func TestService_GrantFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegisterPatient(t, svc, "0xA", "P1")
	mustRegisterDoctor(t, svc, "0xB", "D1")

	if err := svc.GrantAccess(ctx, "0xB", "P1", "0xB"); !errors.Is(err, ledgererr.ErrNotOwner) {
		t.Errorf("expected NotOwner, got %v", err)
	}
	if err := svc.GrantAccess(ctx, "0xA", "P1", "0xNobody"); !errors.Is(err, ledgererr.ErrUnknownDoctor) {
		t.Errorf("expected UnknownDoctor, got %v", err)
	}
	if err := svc.RevokeAccess(ctx, "0xB", "P1", "0xB"); !errors.Is(err, ledgererr.ErrNotOwner) {
		t.Errorf("expected NotOwner on revoke, got %v", err)
	}
	if _, err := svc.ListGrantees(ctx, "0xB", "P1"); !errors.Is(err, ledgererr.ErrNotOwner) {
		t.Errorf("expected NotOwner on grantees, got %v", err)
	}
}

func TestService_ListGrantees(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegisterPatient(t, svc, "0xA", "P1")
	mustRegisterDoctor(t, svc, "0xC", "D2")
	mustRegisterDoctor(t, svc, "0xB", "D1")

	empty, err := svc.ListGrantees(ctx, "0xA", "P1")
	if err != nil || len(empty) != 0 || empty == nil {
		t.Fatalf("expected empty non-nil list, got %v err=%v", empty, err)
	}

	svc.GrantAccess(ctx, "0xA", "P1", "0xC")
	svc.GrantAccess(ctx, "0xA", "P1", "0xB")
	doctors, err := svc.ListGrantees(ctx, "0xA", "P1")
	if err != nil {
		t.Fatalf("grantees: %v", err)
	}
	if len(doctors) != 2 || doctors[0] != "0xB" || doctors[1] != "0xC" {
		t.Errorf("expected [0xB 0xC], got %v", doctors)
	}
}

// -- Records --

func TestService_OwnerAppendWithoutGrant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegisterPatient(t, svc, "0xA", "P1")

	if _, err := svc.AddMedicalRecord(ctx, "0xA", "P1", "R1", "self-reported"); err != nil {
		t.Fatalf("owner append: %v", err)
	}
	if _, err := svc.AddMedicalRecord(ctx, "0xA", "P2", "R1", "x"); !errors.Is(err, ledgererr.ErrUnknownPatient) {
		t.Errorf("expected UnknownPatient, got %v", err)
	}
	if _, err := svc.GetMedicalRecords(ctx, "0xA", "P2"); !errors.Is(err, ledgererr.ErrUnknownPatient) {
		t.Errorf("expected UnknownPatient on read, got %v", err)
	}
}

func TestService_TimestampsNeverGoBackwards(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	mustRegisterPatient(t, svc, "0xA", "P1")

	start := clock.Now()
	steps := []time.Duration{0, time.Minute, -time.Hour, 0, 2 * time.Minute}
	for i, d := range steps {
		clock.Set(start.Add(d))
		if _, err := svc.AddMedicalRecord(ctx, "0xA", "P1", fmt.Sprintf("R%d", i), "x"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	recs, err := svc.GetMedicalRecords(ctx, "0xA", "P1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Timestamp.Before(recs[i-1].Timestamp) {
			t.Errorf("record %d at %v precedes record %d at %v", i, recs[i].Timestamp, i-1, recs[i-1].Timestamp)
		}
		if recs[i].RecordID != fmt.Sprintf("R%d", i) {
			t.Errorf("expected append order, got %s at %d", recs[i].RecordID, i)
		}
	}
}

func TestService_SealsRecordsAtRest(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	sealer, err := hipaa.NewVersionedSealer(key, 1)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	st := memstore.New(nil)
	svc := NewService(st, sealer, nil, zerolog.Nop())
	ctx := context.Background()
	mustRegisterPatient(t, svc, "0xA", "P1")

	if _, err := svc.AddMedicalRecord(ctx, "0xA", "P1", "R1", "HbA1c 6.1%"); err != nil {
		t.Fatalf("append: %v", err)
	}

	err = st.View(ctx, func(ctx context.Context, tx store.Tx) error {
		raw, err := tx.ListRecords(ctx, "P1")
		if err != nil {
			return err
		}
		if len(raw) != 1 || strings.Contains(raw[0].Data, "HbA1c") {
			t.Errorf("expected sealed payload at rest, got %+v", raw)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	recs, err := svc.GetMedicalRecords(ctx, "0xA", "P1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if recs[0].Data != "HbA1c 6.1%" {
		t.Errorf("expected plaintext via gateway, got %q", recs[0].Data)
	}
}

func TestService_LegacyPlaintextSurvivesEnablingSealer(t *testing.T) {
	st := memstore.New(nil)
	ctx := context.Background()
	plain := NewService(st, nil, nil, zerolog.Nop())
	mustRegisterPatient(t, plain, "0xA", "P1")
	const legacy = "enc:v1:free text that only looks sealed"
	if _, err := plain.AddMedicalRecord(ctx, "0xA", "P1", "R1", legacy); err != nil {
		t.Fatalf("append: %v", err)
	}

	sealer, err := hipaa.NewVersionedSealer([]byte("0123456789abcdef0123456789abcdef"), 1)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	sealed := NewService(st, sealer, nil, zerolog.Nop())
	if _, err := sealed.AddMedicalRecord(ctx, "0xA", "P1", "R2", "ecg normal"); err != nil {
		t.Fatalf("append sealed: %v", err)
	}

	recs, err := sealed.GetMedicalRecords(ctx, "0xA", "P1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].Data != legacy || recs[1].Data != "ecg normal" {
		t.Errorf("unexpected records %+v", recs)
	}
}

// -- Events --

func TestService_PublishesAfterCommit(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewService(memstore.New(nil), nil, pub, zerolog.Nop())
	ctx := context.Background()

	mustRegisterPatient(t, svc, "0xA", "P1")
	svc.RegisterPatient(ctx, "0xA", "P1")
	svc.AddMedicalRecord(ctx, "0xB", "P1", "R1", "x")

	got := pub.published()
	if len(got) != 1 {
		t.Fatalf("expected only the committed registration to publish, got %d events", len(got))
	}
	if got[0].Seq != 1 || got[0].Hash == "" {
		t.Errorf("expected published event to carry seq and hash, got %+v", got[0])
	}
}

func TestService_PublishFailureDoesNotFailOperation(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("stream down")}
	svc := NewService(memstore.New(nil), nil, pub, zerolog.Nop())

	if _, err := svc.RegisterPatient(context.Background(), "0xA", "P1"); err != nil {
		t.Fatalf("expected success despite publisher failure, got %v", err)
	}
	p, _ := svc.GetPatient(context.Background(), "0xA")
	if !p.Exists {
		t.Error("expected registration to be committed")
	}
}

func TestService_EventsPaging(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustRegisterPatient(t, svc, fmt.Sprintf("0x%d", i), fmt.Sprintf("P%d", i))
	}

	page, err := svc.Events(ctx, 2, 2)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
		t.Errorf("unexpected page %+v", page)
	}

	tail, _ := svc.Events(ctx, 5, 10)
	if tail == nil || len(tail) != 0 {
		t.Errorf("expected empty non-nil tail, got %v", tail)
	}
}

// -- Concurrency --

func TestService_ConcurrentAppendsSamePatient(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			svc := NewService(b.open(t, nil), nil, nil, zerolog.Nop())
			ctx := context.Background()
			mustRegisterPatient(t, svc, "0xA", "P1")
			mustRegisterDoctor(t, svc, "0xB", "D1")
			if err := svc.GrantAccess(ctx, "0xA", "P1", "0xB"); err != nil {
				t.Fatalf("grant: %v", err)
			}

			const n = 24
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					who := "0xA"
					if i%2 == 1 {
						who = "0xB"
					}
					_, err := svc.AddMedicalRecord(ctx, who, "P1", fmt.Sprintf("R%d", i), "x")
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			recs, err := svc.GetMedicalRecords(ctx, "0xA", "P1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(recs) != n {
				t.Fatalf("expected %d records, got %d", n, len(recs))
			}
			for i, r := range recs {
				if r.Seq != i {
					t.Errorf("expected seq %d, got %d", i, r.Seq)
				}
				if i > 0 && r.Timestamp.Before(recs[i-1].Timestamp) {
					t.Errorf("timestamp went backwards at %d", i)
				}
			}

			report, err := svc.VerifyAuditTrail(ctx)
			if err != nil || !report.Valid || report.Count != n+3 {
				t.Errorf("unexpected audit report %+v err=%v", report, err)
			}
		})
	}
}

func TestService_ConcurrentRegistrationOneWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, dup int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RegisterPatient(ctx, fmt.Sprintf("0x%02d", i), "P1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ledgererr.ErrAlreadyRegistered):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || dup != n-1 {
		t.Errorf("expected exactly one winner, got wins=%d dup=%d", wins, dup)
	}
}

func TestService_RevokeOrdersAfterAppend(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegisterPatient(t, svc, "0xA", "P1")
	mustRegisterDoctor(t, svc, "0xB", "D1")
	svc.GrantAccess(ctx, "0xA", "P1", "0xB")

	var wg sync.WaitGroup
	var appendErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, appendErr = svc.AddMedicalRecord(ctx, "0xB", "P1", "R1", "x")
	}()
	go func() {
		defer wg.Done()
		svc.RevokeAccess(ctx, "0xA", "P1", "0xB")
	}()
	wg.Wait()

	events, _ := svc.Events(ctx, 0, 0)
	var added, revoked uint64
	for _, e := range events {
		switch e.Type {
		case audit.RecordAdded:
			added = e.Seq
		case audit.AccessRevoked:
			revoked = e.Seq
		}
	}
	if appendErr == nil && added > revoked {
		t.Errorf("append at seq %d succeeded after revoke at seq %d", added, revoked)
	}
	if appendErr != nil && !errors.Is(appendErr, ledgererr.ErrUnauthorized) {
		t.Errorf("unexpected append error: %v", appendErr)
	}
}
