package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/medledger/medledger/migrations"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"002_grants.sql":  {Data: []byte("CREATE TABLE g (id INT);")},
		"001_core.sql":    {Data: []byte("CREATE TABLE c (id INT);")},
		"010_later.sql":   {Data: []byte("SELECT 10;")},
		"readme.sql":      {Data: []byte("-- no version prefix")},
		"abc_invalid.sql": {Data: []byte("-- non-numeric prefix")},
		"notes.txt":       {Data: []byte("not sql")},
	}

	migrator := NewMigrator(nil, files, "medledger")
	got, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(got))
	}

	want := []int{1, 2, 10}
	for i, v := range want {
		if got[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, got[i].Version)
		}
	}
	if got[0].Name != "001_core.sql" {
		t.Errorf("expected name 001_core.sql, got %s", got[0].Name)
	}
	if got[0].SQL != "CREATE TABLE c (id INT);" {
		t.Errorf("unexpected SQL content: %s", got[0].SQL)
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	got, err := NewMigrator(nil, migrations.FS, "medledger").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) == 0 || got[0].Version != 1 {
		t.Fatalf("expected embedded migrations starting at version 1, got %+v", got)
	}
}

func TestStatusOf(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_core.sql"},
		{Version: 2, Name: "002_grants.sql"},
	}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	statuses := statusOf(migs, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 002 pending, got %+v", statuses[1])
	}
}

func TestValidSchema(t *testing.T) {
	for _, ok := range []string{"medledger", "ledger_test", "_x1"} {
		if err := ValidSchema(ok); err != nil {
			t.Errorf("ValidSchema(%q): unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"", "1abc", "Ledger", "a;drop", "a b", "a-b"} {
		if err := ValidSchema(bad); err == nil {
			t.Errorf("ValidSchema(%q): expected error", bad)
		}
	}
}
