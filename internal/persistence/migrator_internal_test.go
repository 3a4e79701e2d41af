package persistence

import (
	"ArenaLedger/migrations"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_PairsAndOrders(t *testing.T) {
	files := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000002_b.down.sql": {Data: []byte("SELECT -2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT -1")},
		"README.md":         {Data: []byte("ignored")},
	}
	got, err := loadMigrations(files)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].version != "000001" || got[1].version != "000002" {
		t.Fatalf("order: %+v", got)
	}
	if got[0].up != "000001_a.up.sql" || got[0].down != "000001_a.down.sql" {
		t.Errorf("pairing: %+v", got[0])
	}
}

func TestLoadMigrations_MissingDown(t *testing.T) {
	files := fstest.MapFS{"000001_a.up.sql": {Data: []byte("SELECT 1")}}
	if _, err := loadMigrations(files); err == nil {
		t.Error("expected error for unpaired migration")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	got, err := loadMigrations(migrations.FS)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("embedded migrations: got %d, want 2", len(got))
	}
}
