// Package storetest is a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledgererr"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/store"
)

type Options struct {
	// SkipConcurrency disables the tests that call Update from several
	// goroutines, for backends driven by a single-threaded harness.
	SkipConcurrency bool
}

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store, opts Options) {
	t.Run("Identities", func(t *testing.T) { testIdentities(t, newStore(t)) })
	t.Run("DuplicateIdentities", func(t *testing.T) { testDuplicateIdentities(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Grants", func(t *testing.T) { testGrants(t, newStore(t)) })
	t.Run("Records", func(t *testing.T) { testRecords(t, newStore(t)) })
	t.Run("AuditChain", func(t *testing.T) { testAuditChain(t, newStore(t)) })
	t.Run("ViewIsReadOnly", func(t *testing.T) { testViewIsReadOnly(t, newStore(t)) })
	if !opts.SkipConcurrency {
		t.Run("ConcurrentPatients", func(t *testing.T) { testConcurrentPatients(t, newStore(t)) })
	}
}

func update(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func view(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	require.NoError(t, s.View(context.Background(), fn))
}

func emit(ctx context.Context, tx store.Tx, typ audit.Type, patientID string) error {
	return tx.AppendEvent(ctx, &audit.Event{
		Type:       typ,
		Address:    "0xA",
		PatientID:  patientID,
		RecordedAt: tx.Now(),
	})
}

func testIdentities(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertPatient(ctx, &identity.Patient{ID: "P1", Address: "0xA", Exists: true, RegisteredAt: tx.Now()}); err != nil {
			return err
		}
		// Visible inside the same transaction.
		p, err := tx.PatientByAddress(ctx, "0xA")
		if err != nil {
			return err
		}
		if p.ID != "P1" {
			return fmt.Errorf("expected P1, got %s", p.ID)
		}
		return tx.InsertDoctor(ctx, &identity.Doctor{
			ID: "D1", Address: "0xB", Name: "Dr. Grey", Specialization: "Cardiology", Exists: true, RegisteredAt: tx.Now(),
		})
	})

	view(t, s, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.PatientByID(ctx, "P1")
		require.NoError(t, err)
		require.Equal(t, "0xA", p.Address)
		require.True(t, p.Exists)

		d, err := tx.DoctorByAddress(ctx, "0xB")
		require.NoError(t, err)
		require.Equal(t, "D1", d.ID)
		require.Equal(t, "Dr. Grey", d.Name)
		require.Equal(t, "Cardiology", d.Specialization)

		d, err = tx.DoctorByID(ctx, "D1")
		require.NoError(t, err)
		require.Equal(t, "0xB", d.Address)

		// Patient and doctor namespaces are separate.
		_, err = tx.PatientByAddress(ctx, "0xB")
		require.ErrorIs(t, err, ledgererr.ErrNotFound)
		_, err = tx.DoctorByAddress(ctx, "0xA")
		require.ErrorIs(t, err, ledgererr.ErrNotFound)
		_, err = tx.PatientByID(ctx, "D1")
		require.ErrorIs(t, err, ledgererr.ErrNotFound)
		return nil
	})
}

func testDuplicateIdentities(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertPatient(ctx, &identity.Patient{ID: "P1", Address: "0xA", Exists: true, RegisteredAt: tx.Now()})
	})

	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertPatient(ctx, &identity.Patient{ID: "P2", Address: "0xA", Exists: true, RegisteredAt: tx.Now()})
	})
	require.ErrorIs(t, err, ledgererr.ErrAlreadyRegistered)

	err = s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertPatient(ctx, &identity.Patient{ID: "P1", Address: "0xC", Exists: true, RegisteredAt: tx.Now()})
	})
	require.ErrorIs(t, err, ledgererr.ErrAlreadyRegistered)

	// A failed registration leaves neither index behind.
	view(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.PatientByID(ctx, "P2")
		require.ErrorIs(t, err, ledgererr.ErrNotFound)
		_, err = tx.PatientByAddress(ctx, "0xC")
		require.ErrorIs(t, err, ledgererr.ErrNotFound)
		return nil
	})
}

func testRollback(t *testing.T, s store.Store) {
	boom := errors.New("boom")
	err := s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertPatient(ctx, &identity.Patient{ID: "P1", Address: "0xA", Exists: true, RegisteredAt: tx.Now()}); err != nil {
			return err
		}
		if err := tx.PutGrant(ctx, &access.Grant{PatientID: "P1", DoctorAddress: "0xB", Granted: true, UpdatedAt: tx.Now()}); err != nil {
			return err
		}
		if err := tx.AppendRecord(ctx, &records.MedicalRecord{RecordID: "R1", PatientID: "P1", Data: "x", Timestamp: tx.Now(), AddedBy: "0xA"}); err != nil {
			return err
		}
		if err := emit(ctx, tx, audit.PatientRegistered, "P1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	view(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.PatientByID(ctx, "P1")
		require.ErrorIs(t, err, ledgererr.ErrNotFound)
		_, err = tx.GrantFor(ctx, "P1", "0xB")
		require.ErrorIs(t, err, ledgererr.ErrNotFound)
		recs, err := tx.ListRecords(ctx, "P1")
		require.NoError(t, err)
		require.Empty(t, recs)
		events, err := tx.ListEvents(ctx, 0, 0)
		require.NoError(t, err)
		require.Empty(t, events)
		return nil
	})
}

func testGrants(t *testing.T, s store.Store) {
	view(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GrantFor(ctx, "P1", "0xB")
		require.ErrorIs(t, err, ledgererr.ErrNotFound)
		return nil
	})

	update(t, s, func(ctx context.Context, tx store.Tx) error {
		for _, doc := range []string{"0xC", "0xB", "0xD"} {
			if err := tx.PutGrant(ctx, &access.Grant{PatientID: "P1", DoctorAddress: doc, Granted: true, UpdatedAt: tx.Now()}); err != nil {
				return err
			}
		}
		return tx.PutGrant(ctx, &access.Grant{PatientID: "P2", DoctorAddress: "0xB", Granted: true, UpdatedAt: tx.Now()})
	})
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutGrant(ctx, &access.Grant{PatientID: "P1", DoctorAddress: "0xD", Granted: false, UpdatedAt: tx.Now()}); err != nil {
			return err
		}
		// The pending revoke is visible before commit.
		docs, err := tx.GrantedDoctors(ctx, "P1")
		if err != nil {
			return err
		}
		if len(docs) != 2 {
			return fmt.Errorf("expected 2 grantees in tx, got %v", docs)
		}
		return nil
	})

	view(t, s, func(ctx context.Context, tx store.Tx) error {
		g, err := tx.GrantFor(ctx, "P1", "0xD")
		require.NoError(t, err)
		require.False(t, g.Granted)

		g, err = tx.GrantFor(ctx, "P1", "0xB")
		require.NoError(t, err)
		require.True(t, g.Granted)

		docs, err := tx.GrantedDoctors(ctx, "P1")
		require.NoError(t, err)
		require.Equal(t, []string{"0xB", "0xC"}, docs)

		docs, err = tx.GrantedDoctors(ctx, "P9")
		require.NoError(t, err)
		require.Empty(t, docs)
		return nil
	})
}

func testRecords(t *testing.T, s store.Store) {
	view(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LastRecord(ctx, "P1")
		require.ErrorIs(t, err, ledgererr.ErrNotFound)
		return nil
	})

	update(t, s, func(ctx context.Context, tx store.Tx) error {
		for i, rid := range []string{"R1", "R2"} {
			r := &records.MedicalRecord{RecordID: rid, PatientID: "P1", Data: "d-" + rid, Timestamp: tx.Now(), AddedBy: "0xA"}
			if err := tx.AppendRecord(ctx, r); err != nil {
				return err
			}
			if r.Seq != i {
				return fmt.Errorf("expected seq %d, got %d", i, r.Seq)
			}
		}
		last, err := tx.LastRecord(ctx, "P1")
		if err != nil {
			return err
		}
		if last.RecordID != "R2" {
			return fmt.Errorf("expected last R2, got %s", last.RecordID)
		}
		return nil
	})
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		r := &records.MedicalRecord{RecordID: "R1", PatientID: "P1", Data: "again", Timestamp: tx.Now(), AddedBy: "0xB"}
		if err := tx.AppendRecord(ctx, r); err != nil {
			return err
		}
		if r.Seq != 2 {
			return fmt.Errorf("expected seq 2, got %d", r.Seq)
		}
		return tx.AppendRecord(ctx, &records.MedicalRecord{RecordID: "X", PatientID: "P2", Data: "other", Timestamp: tx.Now(), AddedBy: "0xE"})
	})

	view(t, s, func(ctx context.Context, tx store.Tx) error {
		recs, err := tx.ListRecords(ctx, "P1")
		require.NoError(t, err)
		require.Len(t, recs, 3)
		require.Equal(t, []string{"R1", "R2", "R1"}, []string{recs[0].RecordID, recs[1].RecordID, recs[2].RecordID})
		require.Equal(t, "again", recs[2].Data)
		require.Equal(t, "0xB", recs[2].AddedBy)
		for i, r := range recs {
			require.Equal(t, i, r.Seq)
			require.Equal(t, "P1", r.PatientID)
		}

		last, err := tx.LastRecord(ctx, "P1")
		require.NoError(t, err)
		require.Equal(t, 2, last.Seq)
		require.True(t, last.Timestamp.Equal(recs[2].Timestamp))

		other, err := tx.ListRecords(ctx, "P2")
		require.NoError(t, err)
		require.Len(t, other, 1)
		return nil
	})
}

func testAuditChain(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := emit(ctx, tx, audit.PatientRegistered, "P1"); err != nil {
			return err
		}
		return emit(ctx, tx, audit.AccessGranted, "P1")
	})
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		return emit(ctx, tx, audit.RecordAdded, "P1")
	})

	view(t, s, func(ctx context.Context, tx store.Tx) error {
		events, err := tx.ListEvents(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		require.Equal(t, audit.PatientRegistered, events[0].Type)
		require.Equal(t, audit.RecordAdded, events[2].Type)

		head, err := audit.Verify(audit.GenesisHead(), events)
		require.NoError(t, err)
		require.Equal(t, uint64(3), head.Seq)
		require.Equal(t, audit.GenesisHash, events[0].PrevHash)

		page, err := tx.ListEvents(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, uint64(2), page[0].Seq)

		rest, err := tx.ListEvents(ctx, 3, 10)
		require.NoError(t, err)
		require.Empty(t, rest)

		for _, after := range []uint64{4, math.MaxInt64, math.MaxUint64} {
			beyond, err := tx.ListEvents(ctx, after, 10)
			require.NoError(t, err, "after=%d", after)
			require.Empty(t, beyond, "after=%d", after)
		}
		return nil
	})
}

func testViewIsReadOnly(t *testing.T, s store.Store) {
	err := s.View(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertPatient(ctx, &identity.Patient{ID: "P1", Address: "0xA", Exists: true, RegisteredAt: tx.Now()})
	})
	require.ErrorIs(t, err, store.ErrReadOnly)
}

func testConcurrentPatients(t *testing.T, s store.Store) {
	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pid := fmt.Sprintf("P%d", i)
			errs <- s.Update(context.Background(), func(ctx context.Context, tx store.Tx) error {
				if err := tx.Lock(ctx, "patient:"+pid); err != nil {
					return err
				}
				if err := tx.InsertPatient(ctx, &identity.Patient{ID: pid, Address: "0x" + pid, Exists: true, RegisteredAt: tx.Now()}); err != nil {
					return err
				}
				return emit(ctx, tx, audit.PatientRegistered, pid)
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	view(t, s, func(ctx context.Context, tx store.Tx) error {
		events, err := tx.ListEvents(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, n)
		_, err = audit.Verify(audit.GenesisHead(), events)
		require.NoError(t, err)
		return nil
	})
}
