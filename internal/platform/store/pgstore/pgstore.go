// Package pgstore is the Postgres Store. Each Update is one database
// transaction; audit events are chained against the audit_head row, locked
// at commit time so concurrent transactions link in commit order.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledgererr"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/store"
)

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps a pool whose search_path already points at the migrated schema.
func New(pool *pgxpool.Pool, now func() time.Time) *Store {
	return &Store{pool: pool, now: store.Clock(now)}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, false, fn)
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, true, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(ctx context.Context, tx store.Tx) error) error {
	dbtx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbtx.Rollback(ctx)

	t := &tx{q: dbtx, now: s.now, readOnly: readOnly}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := t.flushEvents(ctx); err != nil {
		return err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// mapErr turns unique violations into ErrAlreadyRegistered.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ledgererr.ErrAlreadyRegistered)
	}
	return err
}

type tx struct {
	q        querier
	now      func() time.Time
	readOnly bool
	events   []*audit.Event
}

func (t *tx) Now() time.Time { return t.now() }

// Lock takes a transaction-scoped advisory lock so that processes sharing the
// database serialize on the same keys as the in-process gateway.
func (t *tx) Lock(ctx context.Context, key string) error {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}

func (t *tx) flushEvents(ctx context.Context) error {
	if len(t.events) == 0 {
		return nil
	}
	var seq int64
	var hash string
	if err := t.q.QueryRow(ctx, `SELECT seq, hash FROM audit_head WHERE id = 1 FOR UPDATE`).
		Scan(&seq, &hash); err != nil {
		return fmt.Errorf("lock audit head: %w", err)
	}
	head := store.Chain(audit.Head{Seq: uint64(seq), Hash: hash}, t.events)

	for _, e := range t.events {
		if _, err := t.q.Exec(ctx, `
			INSERT INTO audit_event (
				seq, event_type, address, patient_id, doctor_id, doctor_address,
				record_id, recorded_at, prev_hash, hash
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			int64(e.Seq), string(e.Type), e.Address, e.PatientID, e.DoctorID, e.DoctorAddress,
			e.RecordID, e.RecordedAt, e.PrevHash, e.Hash,
		); err != nil {
			return fmt.Errorf("insert audit event %d: %w", e.Seq, err)
		}
	}
	if _, err := t.q.Exec(ctx, `UPDATE audit_head SET seq = $1, hash = $2 WHERE id = 1`, int64(head.Seq), head.Hash); err != nil {
		return fmt.Errorf("advance audit head: %w", err)
	}
	return nil
}

// -- Identities --

func (t *tx) PatientByAddress(ctx context.Context, address string) (*identity.Patient, error) {
	return scanPatient(t.q.QueryRow(ctx,
		`SELECT patient_id, address, registered_at FROM patient WHERE address = $1`, address))
}

func (t *tx) PatientByID(ctx context.Context, patientID string) (*identity.Patient, error) {
	return scanPatient(t.q.QueryRow(ctx,
		`SELECT patient_id, address, registered_at FROM patient WHERE patient_id = $1`, patientID))
}

func (t *tx) InsertPatient(ctx context.Context, p *identity.Patient) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, err := t.q.Exec(ctx,
		`INSERT INTO patient (patient_id, address, registered_at) VALUES ($1, $2, $3)`,
		p.ID, p.Address, p.RegisteredAt,
	); err != nil {
		return fmt.Errorf("insert patient: %w", mapErr(err))
	}
	return nil
}

func scanPatient(row pgx.Row) (*identity.Patient, error) {
	var p identity.Patient
	if err := row.Scan(&p.ID, &p.Address, &p.RegisteredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledgererr.ErrNotFound
		}
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	p.Exists = true
	p.RegisteredAt = p.RegisteredAt.UTC()
	return &p, nil
}

const doctorCols = `doctor_id, address, name, specialization, registered_at`

func (t *tx) DoctorByAddress(ctx context.Context, address string) (*identity.Doctor, error) {
	return scanDoctor(t.q.QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE address = $1`, address))
}

func (t *tx) DoctorByID(ctx context.Context, doctorID string) (*identity.Doctor, error) {
	return scanDoctor(t.q.QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE doctor_id = $1`, doctorID))
}

func (t *tx) InsertDoctor(ctx context.Context, d *identity.Doctor) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, err := t.q.Exec(ctx,
		`INSERT INTO doctor (`+doctorCols+`) VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.Address, d.Name, d.Specialization, d.RegisteredAt,
	); err != nil {
		return fmt.Errorf("insert doctor: %w", mapErr(err))
	}
	return nil
}

func scanDoctor(row pgx.Row) (*identity.Doctor, error) {
	var d identity.Doctor
	if err := row.Scan(&d.ID, &d.Address, &d.Name, &d.Specialization, &d.RegisteredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledgererr.ErrNotFound
		}
		return nil, fmt.Errorf("scan doctor: %w", err)
	}
	d.Exists = true
	d.RegisteredAt = d.RegisteredAt.UTC()
	return &d, nil
}

// -- Grants --

func (t *tx) GrantFor(ctx context.Context, patientID, doctorAddress string) (*access.Grant, error) {
	g := access.Grant{PatientID: patientID, DoctorAddress: doctorAddress}
	err := t.q.QueryRow(ctx,
		`SELECT granted, updated_at FROM access_grant WHERE patient_id = $1 AND doctor_address = $2`,
		patientID, doctorAddress,
	).Scan(&g.Granted, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledgererr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	g.UpdatedAt = g.UpdatedAt.UTC()
	return &g, nil
}

func (t *tx) PutGrant(ctx context.Context, g *access.Grant) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, err := t.q.Exec(ctx, `
		INSERT INTO access_grant (patient_id, doctor_address, granted, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id, doctor_address)
		DO UPDATE SET granted = EXCLUDED.granted, updated_at = EXCLUDED.updated_at`,
		g.PatientID, g.DoctorAddress, g.Granted, g.UpdatedAt,
	); err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

func (t *tx) GrantedDoctors(ctx context.Context, patientID string) ([]string, error) {
	rows, err := t.q.Query(ctx,
		`SELECT doctor_address FROM access_grant WHERE patient_id = $1 AND granted ORDER BY doctor_address COLLATE "C"`,
		patientID)
	if err != nil {
		return nil, fmt.Errorf("list grantees: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan grantee: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// -- Records --

const recordCols = `seq, record_id, patient_id, data, recorded_at, added_by`

func (t *tx) AppendRecord(ctx context.Context, r *records.MedicalRecord) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	err := t.q.QueryRow(ctx, `
		INSERT INTO medical_record (patient_id, seq, record_id, data, recorded_at, added_by)
		SELECT $1, COALESCE(MAX(seq) + 1, 0), $2, $3, $4, $5
		FROM medical_record WHERE patient_id = $1
		RETURNING seq`,
		r.PatientID, r.RecordID, r.Data, r.Timestamp, r.AddedBy,
	).Scan(&r.Seq)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func (t *tx) LastRecord(ctx context.Context, patientID string) (*records.MedicalRecord, error) {
	r, err := scanRecord(t.q.QueryRow(ctx,
		`SELECT `+recordCols+` FROM medical_record WHERE patient_id = $1 ORDER BY seq DESC LIMIT 1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledgererr.ErrNotFound
	}
	return r, err
}

func (t *tx) ListRecords(ctx context.Context, patientID string) ([]*records.MedicalRecord, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+recordCols+` FROM medical_record WHERE patient_id = $1 ORDER BY seq`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := []*records.MedicalRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*records.MedicalRecord, error) {
	var r records.MedicalRecord
	if err := row.Scan(&r.Seq, &r.RecordID, &r.PatientID, &r.Data, &r.Timestamp, &r.AddedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	r.Timestamp = r.Timestamp.UTC()
	return &r, nil
}

// -- Audit --

func (t *tx) AppendEvent(_ context.Context, e *audit.Event) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	t.events = append(t.events, e)
	return nil
}

func (t *tx) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]*audit.Event, error) {
	// seq is BIGINT, so nothing lies beyond MaxInt64.
	if afterSeq >= math.MaxInt64 {
		return nil, nil
	}
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := t.q.Query(ctx, `
		SELECT seq, event_type, address, patient_id, doctor_id, doctor_address,
		       record_id, recorded_at, prev_hash, hash
		FROM audit_event WHERE seq > $1 ORDER BY seq LIMIT $2`, int64(afterSeq), lim)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		var e audit.Event
		var seq int64
		var typ string
		if err := rows.Scan(&seq, &typ, &e.Address, &e.PatientID, &e.DoctorID, &e.DoctorAddress,
			&e.RecordID, &e.RecordedAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Type = audit.Type(typ)
		e.RecordedAt = e.RecordedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
