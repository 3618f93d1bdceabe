// Package levelstore keeps the ledger in an embedded LevelDB database. Every
// Update is written as one leveldb.Batch, so a transaction is either fully on
// disk or absent.
package levelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledgererr"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/store"
)

// Key layout. Components are joined with \x00, which identifiers cannot
// contain.
const (
	sep           = "\x00"
	patientPrefix = "patient" + sep
	patientAddr   = "patient_addr" + sep
	doctorPrefix  = "doctor" + sep
	doctorAddr    = "doctor_addr" + sep
	grantPrefix   = "grant" + sep
	recordPrefix  = "record" + sep
	eventPrefix   = "event" + sep
	headKey       = "audit_head"
)

func patientKey(id string) string       { return patientPrefix + id }
func patientAddrKey(addr string) string { return patientAddr + addr }
func doctorKey(id string) string        { return doctorPrefix + id }
func doctorAddrKey(addr string) string  { return doctorAddr + addr }
func grantKey(pid, doc string) string   { return grantPrefix + pid + sep + doc }
func grantsOf(pid string) string        { return grantPrefix + pid + sep }
func recordsOf(pid string) string       { return recordPrefix + pid + sep }
func recordKey(pid string, seq int) string {
	return fmt.Sprintf("%s%020d", recordsOf(pid), seq)
}
func eventKey(seq uint64) string { return fmt.Sprintf("%s%020d", eventPrefix, seq) }

var errConflict = errors.New("levelstore: concurrent append")

type Store struct {
	db   *leveldb.DB
	now  func() time.Time
	sync bool

	// commitMu orders commits so each sees the audit head left by the last.
	commitMu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path. Writes are fsynced.
func Open(path string, now func() time.Time) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Store{db: db, now: store.Clock(now), sync: true}, nil
}

// OpenStorage opens the database over an arbitrary storage, such as
// storage.NewMemStorage in tests.
func OpenStorage(stor storage.Storage, now func() time.Time) (*Store, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &Store{db: db, now: store.Clock(now)}, nil
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

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.GetProperty("leveldb.stats")
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) head() (audit.Head, error) {
	raw, err := s.db.Get([]byte(headKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return audit.GenesisHead(), nil
	}
	if err != nil {
		return audit.Head{}, fmt.Errorf("read audit head: %w", err)
	}
	var h audit.Head
	if err := json.Unmarshal(raw, &h); err != nil {
		return audit.Head{}, fmt.Errorf("decode audit head: %w", err)
	}
	return h, nil
}

func (s *Store) commit(t *tx) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	for key, cause := range t.mustBeNew {
		ok, err := s.db.Has([]byte(key), nil)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if ok {
			return cause
		}
	}

	batch := new(leveldb.Batch)
	for key, val := range t.pending {
		batch.Put([]byte(key), val)
	}

	if len(t.events) > 0 {
		head, err := s.head()
		if err != nil {
			return err
		}
		head = store.Chain(head, t.events)
		for _, e := range t.events {
			raw, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			batch.Put([]byte(eventKey(e.Seq)), raw)
		}
		raw, err := json.Marshal(head)
		if err != nil {
			return fmt.Errorf("encode audit head: %w", err)
		}
		batch.Put([]byte(headKey), raw)
	}

	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: s.sync}); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type tx struct {
	s        *Store
	readOnly bool

	pending map[string][]byte
	// mustBeNew maps keys that may not exist at commit to the error
	// reported if they do.
	mustBeNew map[string]error
	records   map[string][]*records.MedicalRecord
	events    []*audit.Event
}

func newTx(s *Store, readOnly bool) *tx {
	return &tx{
		s:         s,
		readOnly:  readOnly,
		pending:   make(map[string][]byte),
		mustBeNew: make(map[string]error),
		records:   make(map[string][]*records.MedicalRecord),
	}
}

func (t *tx) Now() time.Time { return t.s.now() }

func (t *tx) Lock(ctx context.Context, _ string) error { return ctx.Err() }

func (t *tx) get(key string) ([]byte, error) {
	if v, ok := t.pending[key]; ok {
		return v, nil
	}
	v, err := t.s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ledgererr.ErrNotFound
	}
	return v, err
}

func (t *tx) getJSON(key string, dst any) error {
	raw, err := t.get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

func (t *tx) put(key string, v any) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	t.pending[key] = raw
	return nil
}

// scan returns every key under prefix, committed or pending, in key order.
func (t *tx) scan(prefix string) (map[string][]byte, []string, error) {
	vals := make(map[string][]byte)
	iter := t.s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for iter.Next() {
		vals[string(iter.Key())] = append([]byte(nil), iter.Value()...)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	for k, v := range t.pending {
		if strings.HasPrefix(k, prefix) {
			vals[k] = v
		}
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return vals, keys, nil
}

// -- Identities --

func (t *tx) PatientByAddress(ctx context.Context, address string) (*identity.Patient, error) {
	id, err := t.get(patientAddrKey(address))
	if err != nil {
		return nil, err
	}
	return t.PatientByID(ctx, string(id))
}

func (t *tx) PatientByID(_ context.Context, patientID string) (*identity.Patient, error) {
	var p identity.Patient
	if err := t.getJSON(patientKey(patientID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *tx) InsertPatient(ctx context.Context, p *identity.Patient) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	addrKey, idKey := patientAddrKey(p.Address), patientKey(p.ID)
	if _, err := t.get(addrKey); err == nil {
		return fmt.Errorf("patient address %s: %w", p.Address, ledgererr.ErrAlreadyRegistered)
	}
	if _, err := t.get(idKey); err == nil {
		return fmt.Errorf("patient id %s: %w", p.ID, ledgererr.ErrAlreadyRegistered)
	}
	if err := t.put(idKey, p); err != nil {
		return err
	}
	t.pending[addrKey] = []byte(p.ID)
	t.mustBeNew[addrKey] = fmt.Errorf("patient address %s: %w", p.Address, ledgererr.ErrAlreadyRegistered)
	t.mustBeNew[idKey] = fmt.Errorf("patient id %s: %w", p.ID, ledgererr.ErrAlreadyRegistered)
	return nil
}

func (t *tx) DoctorByAddress(ctx context.Context, address string) (*identity.Doctor, error) {
	id, err := t.get(doctorAddrKey(address))
	if err != nil {
		return nil, err
	}
	return t.DoctorByID(ctx, string(id))
}

func (t *tx) DoctorByID(_ context.Context, doctorID string) (*identity.Doctor, error) {
	var d identity.Doctor
	if err := t.getJSON(doctorKey(doctorID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *tx) InsertDoctor(ctx context.Context, d *identity.Doctor) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	addrKey, idKey := doctorAddrKey(d.Address), doctorKey(d.ID)
	if _, err := t.get(addrKey); err == nil {
		return fmt.Errorf("doctor address %s: %w", d.Address, ledgererr.ErrAlreadyRegistered)
	}
	if _, err := t.get(idKey); err == nil {
		return fmt.Errorf("doctor id %s: %w", d.ID, ledgererr.ErrAlreadyRegistered)
	}
	if err := t.put(idKey, d); err != nil {
		return err
	}
	t.pending[addrKey] = []byte(d.ID)
	t.mustBeNew[addrKey] = fmt.Errorf("doctor address %s: %w", d.Address, ledgererr.ErrAlreadyRegistered)
	t.mustBeNew[idKey] = fmt.Errorf("doctor id %s: %w", d.ID, ledgererr.ErrAlreadyRegistered)
	return nil
}

// -- Grants --

func (t *tx) GrantFor(_ context.Context, patientID, doctorAddress string) (*access.Grant, error) {
	var g access.Grant
	if err := t.getJSON(grantKey(patientID, doctorAddress), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *tx) PutGrant(_ context.Context, g *access.Grant) error {
	return t.put(grantKey(g.PatientID, g.DoctorAddress), g)
}

func (t *tx) GrantedDoctors(_ context.Context, patientID string) ([]string, error) {
	vals, keys, err := t.scan(grantsOf(patientID))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		var g access.Grant
		if err := json.Unmarshal(vals[k], &g); err != nil {
			return nil, fmt.Errorf("decode grant: %w", err)
		}
		if g.Granted {
			out = append(out, g.DoctorAddress)
		}
	}
	sort.Strings(out)
	return out, nil
}

// -- Records --

func (t *tx) lastCommitted(patientID string) (*records.MedicalRecord, error) {
	iter := t.s.db.NewIterator(util.BytesPrefix([]byte(recordsOf(patientID))), nil)
	defer iter.Release()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, fmt.Errorf("last record: %w", err)
		}
		return nil, ledgererr.ErrNotFound
	}
	var r records.MedicalRecord
	if err := json.Unmarshal(iter.Value(), &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &r, nil
}

func (t *tx) AppendRecord(_ context.Context, r *records.MedicalRecord) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	next := 0
	if pending := t.records[r.PatientID]; len(pending) > 0 {
		next = pending[len(pending)-1].Seq + 1
	} else if last, err := t.lastCommitted(r.PatientID); err == nil {
		next = last.Seq + 1
	} else if !errors.Is(err, ledgererr.ErrNotFound) {
		return err
	}

	r.Seq = next
	key := recordKey(r.PatientID, r.Seq)
	if err := t.put(key, r); err != nil {
		return err
	}
	t.mustBeNew[key] = fmt.Errorf("record %d of patient %s: %w", r.Seq, r.PatientID, errConflict)
	cp := *r
	t.records[r.PatientID] = append(t.records[r.PatientID], &cp)
	return nil
}

func (t *tx) LastRecord(_ context.Context, patientID string) (*records.MedicalRecord, error) {
	if pending := t.records[patientID]; len(pending) > 0 {
		cp := *pending[len(pending)-1]
		return &cp, nil
	}
	return t.lastCommitted(patientID)
}

func (t *tx) ListRecords(_ context.Context, patientID string) ([]*records.MedicalRecord, error) {
	vals, keys, err := t.scan(recordsOf(patientID))
	if err != nil {
		return nil, err
	}
	out := make([]*records.MedicalRecord, 0, len(keys))
	for _, k := range keys {
		var r records.MedicalRecord
		if err := json.Unmarshal(vals[k], &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, &r)
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
	if afterSeq == math.MaxUint64 {
		return nil, nil
	}
	iter := t.s.db.NewIterator(&util.Range{
		Start: []byte(eventKey(afterSeq + 1)),
		Limit: util.BytesPrefix([]byte(eventPrefix)).Limit,
	}, nil)
	defer iter.Release()

	var out []*audit.Event
	for iter.Next() {
		if limit > 0 && len(out) == limit {
			break
		}
		var e audit.Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, &e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}
