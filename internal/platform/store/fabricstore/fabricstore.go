// Package fabricstore keeps the ledger in Hyperledger Fabric world state. A
// Store wraps the stub of a single chaincode invocation; Fabric's MVCC
// validation provides isolation between invocations, and the invocation's
// timestamp is the store clock so every endorser computes the same writes.
package fabricstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/shim"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledgererr"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/store"
)

// Composite key object types.
const (
	typePatient     = "PATIENT"
	typePatientAddr = "PATIENT~ADDR"
	typeDoctor      = "DOCTOR"
	typeDoctorAddr  = "DOCTOR~ADDR"
	typeGrant       = "GRANT"
	typeRecord      = "RECORD"
	typeRecordCount = "RECORD~COUNT"

	// Events use simple keys so they can be range-scanned in order.
	eventPrefix = "event_"
	eventEnd    = "event_~"
	headKey     = "audit_head"

	// AuditEventName is the chaincode event name carrying committed audit
	// events.
	AuditEventName = "medledger.audit"
)

var errConflict = errors.New("fabricstore: concurrent append")

func eventKey(seq uint64) string { return fmt.Sprintf("%s%020d", eventPrefix, seq) }

type Store struct {
	stub shim.ChaincodeStubInterface
}

var _ store.Store = (*Store)(nil)

func New(stub shim.ChaincodeStubInterface) *Store {
	return &Store{stub: stub}
}

func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t, err := s.newTx(false)
	if err != nil {
		return err
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t, err := s.newTx(true)
	if err != nil {
		return err
	}
	return fn(ctx, t)
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func (s *Store) newTx(readOnly bool) (*tx, error) {
	ts, err := s.stub.GetTxTimestamp()
	if err != nil {
		return nil, fmt.Errorf("get tx timestamp: %w", err)
	}
	now := ts.AsTime().UTC().Truncate(time.Microsecond)
	return &tx{
		stub:      s.stub,
		now:       now,
		readOnly:  readOnly,
		pending:   make(map[string][]byte),
		mustBeNew: make(map[string]error),
	}, nil
}

// tx buffers writes because Fabric reads never observe writes made earlier
// in the same invocation.
type tx struct {
	stub     shim.ChaincodeStubInterface
	now      time.Time
	readOnly bool

	pending   map[string][]byte
	order     []string
	mustBeNew map[string]error
	events    []*audit.Event
}

func (t *tx) Now() time.Time { return t.now }

func (t *tx) Lock(ctx context.Context, _ string) error { return ctx.Err() }

func (t *tx) key(objectType string, attrs ...string) (string, error) {
	k, err := t.stub.CreateCompositeKey(objectType, attrs)
	if err != nil {
		return "", fmt.Errorf("composite key %s: %w", objectType, err)
	}
	return k, nil
}

func (t *tx) get(key string) ([]byte, error) {
	if v, ok := t.pending[key]; ok {
		return v, nil
	}
	v, err := t.stub.GetState(key)
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	if v == nil {
		return nil, ledgererr.ErrNotFound
	}
	return v, nil
}

func (t *tx) getJSON(key string, dst any) error {
	raw, err := t.get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (t *tx) putRaw(key string, val []byte) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, ok := t.pending[key]; !ok {
		t.order = append(t.order, key)
	}
	t.pending[key] = val
	return nil
}

func (t *tx) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return t.putRaw(key, raw)
}

func (t *tx) commit() error {
	for key, cause := range t.mustBeNew {
		v, err := t.stub.GetState(key)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if v != nil {
			return cause
		}
	}

	if len(t.events) > 0 {
		head := audit.GenesisHead()
		raw, err := t.stub.GetState(headKey)
		if err != nil {
			return fmt.Errorf("read audit head: %w", err)
		}
		if raw != nil {
			if err := json.Unmarshal(raw, &head); err != nil {
				return fmt.Errorf("decode audit head: %w", err)
			}
		}
		head = store.Chain(head, t.events)
		for _, e := range t.events {
			if err := t.put(eventKey(e.Seq), e); err != nil {
				return err
			}
		}
		if err := t.put(headKey, head); err != nil {
			return err
		}
	}

	for _, key := range t.order {
		if err := t.stub.PutState(key, t.pending[key]); err != nil {
			return fmt.Errorf("put state: %w", err)
		}
	}

	if len(t.events) > 0 {
		payload, err := json.Marshal(t.events)
		if err != nil {
			return fmt.Errorf("encode events: %w", err)
		}
		if err := t.stub.SetEvent(AuditEventName, payload); err != nil {
			return fmt.Errorf("set event: %w", err)
		}
	}
	return nil
}

// scan merges committed and pending entries under a partial composite key,
// ordered by key.
func (t *tx) scan(objectType string, attrs ...string) ([][]byte, error) {
	prefix, err := t.key(objectType, attrs...)
	if err != nil {
		return nil, err
	}
	vals := make(map[string][]byte)
	iter, err := t.stub.GetStateByPartialCompositeKey(objectType, attrs)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", objectType, err)
	}
	defer iter.Close()
	for iter.HasNext() {
		kv, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", objectType, err)
		}
		vals[kv.Key] = kv.Value
	}
	for k, v := range t.pending {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			vals[k] = v
		}
	}

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, vals[k])
	}
	return out, nil
}

// -- Identities --

func (t *tx) PatientByAddress(ctx context.Context, address string) (*identity.Patient, error) {
	k, err := t.key(typePatientAddr, address)
	if err != nil {
		return nil, err
	}
	id, err := t.get(k)
	if err != nil {
		return nil, err
	}
	return t.PatientByID(ctx, string(id))
}

func (t *tx) PatientByID(_ context.Context, patientID string) (*identity.Patient, error) {
	k, err := t.key(typePatient, patientID)
	if err != nil {
		return nil, err
	}
	var p identity.Patient
	if err := t.getJSON(k, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *tx) InsertPatient(_ context.Context, p *identity.Patient) error {
	return t.insertIdentity(typePatient, typePatientAddr, "patient", p.ID, p.Address, p)
}

func (t *tx) DoctorByAddress(ctx context.Context, address string) (*identity.Doctor, error) {
	k, err := t.key(typeDoctorAddr, address)
	if err != nil {
		return nil, err
	}
	id, err := t.get(k)
	if err != nil {
		return nil, err
	}
	return t.DoctorByID(ctx, string(id))
}

func (t *tx) DoctorByID(_ context.Context, doctorID string) (*identity.Doctor, error) {
	k, err := t.key(typeDoctor, doctorID)
	if err != nil {
		return nil, err
	}
	var d identity.Doctor
	if err := t.getJSON(k, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *tx) InsertDoctor(_ context.Context, d *identity.Doctor) error {
	return t.insertIdentity(typeDoctor, typeDoctorAddr, "doctor", d.ID, d.Address, d)
}

func (t *tx) insertIdentity(idType, addrType, role, id, address string, v any) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	idKey, err := t.key(idType, id)
	if err != nil {
		return err
	}
	addrKey, err := t.key(addrType, address)
	if err != nil {
		return err
	}
	addrTaken := fmt.Errorf("%s address %s: %w", role, address, ledgererr.ErrAlreadyRegistered)
	idTaken := fmt.Errorf("%s id %s: %w", role, id, ledgererr.ErrAlreadyRegistered)
	if _, err := t.get(addrKey); err == nil {
		return addrTaken
	}
	if _, err := t.get(idKey); err == nil {
		return idTaken
	}

	if err := t.put(idKey, v); err != nil {
		return err
	}
	if err := t.putRaw(addrKey, []byte(id)); err != nil {
		return err
	}
	t.mustBeNew[addrKey] = addrTaken
	t.mustBeNew[idKey] = idTaken
	return nil
}

// -- Grants --

func (t *tx) GrantFor(_ context.Context, patientID, doctorAddress string) (*access.Grant, error) {
	k, err := t.key(typeGrant, patientID, doctorAddress)
	if err != nil {
		return nil, err
	}
	var g access.Grant
	if err := t.getJSON(k, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *tx) PutGrant(_ context.Context, g *access.Grant) error {
	k, err := t.key(typeGrant, g.PatientID, g.DoctorAddress)
	if err != nil {
		return err
	}
	return t.put(k, g)
}

func (t *tx) GrantedDoctors(_ context.Context, patientID string) ([]string, error) {
	vals, err := t.scan(typeGrant, patientID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, raw := range vals {
		var g access.Grant
		if err := json.Unmarshal(raw, &g); err != nil {
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

func (t *tx) recordCount(patientID string) (int, string, error) {
	k, err := t.key(typeRecordCount, patientID)
	if err != nil {
		return 0, "", err
	}
	var n int
	if err := t.getJSON(k, &n); err != nil && !errors.Is(err, ledgererr.ErrNotFound) {
		return 0, "", err
	}
	return n, k, nil
}

func recordSeqAttr(seq int) string { return fmt.Sprintf("%020d", seq) }

func (t *tx) AppendRecord(_ context.Context, r *records.MedicalRecord) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	n, countKey, err := t.recordCount(r.PatientID)
	if err != nil {
		return err
	}
	r.Seq = n
	k, err := t.key(typeRecord, r.PatientID, recordSeqAttr(r.Seq))
	if err != nil {
		return err
	}
	if err := t.put(k, r); err != nil {
		return err
	}
	t.mustBeNew[k] = fmt.Errorf("record %d of patient %s: %w", r.Seq, r.PatientID, errConflict)
	return t.put(countKey, n+1)
}

func (t *tx) LastRecord(_ context.Context, patientID string) (*records.MedicalRecord, error) {
	n, _, err := t.recordCount(patientID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ledgererr.ErrNotFound
	}
	k, err := t.key(typeRecord, patientID, recordSeqAttr(n-1))
	if err != nil {
		return nil, err
	}
	var r records.MedicalRecord
	if err := t.getJSON(k, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *tx) ListRecords(_ context.Context, patientID string) ([]*records.MedicalRecord, error) {
	vals, err := t.scan(typeRecord, patientID)
	if err != nil {
		return nil, err
	}
	out := make([]*records.MedicalRecord, 0, len(vals))
	for _, raw := range vals {
		var r records.MedicalRecord
		if err := json.Unmarshal(raw, &r); err != nil {
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

// ListEvents reads committed events only.
func (t *tx) ListEvents(_ context.Context, afterSeq uint64, limit int) ([]*audit.Event, error) {
	if afterSeq == math.MaxUint64 {
		return nil, nil
	}
	iter, err := t.stub.GetStateByRange(eventKey(afterSeq+1), eventEnd)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer iter.Close()

	var out []*audit.Event
	for iter.HasNext() {
		if limit > 0 && len(out) == limit {
			break
		}
		kv, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		var e audit.Event
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}
