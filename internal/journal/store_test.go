package journal

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i, ex := range []Exchange{
		{ChatID: "c1", SenderID: "u1", Command: "echo one", Status: StatusReplied, LatencyMs: 120},
		{ChatID: "c2", SenderID: "u2", Command: "weather", Status: StatusFailed, Error: "status 500"},
		{ChatID: "c1", SenderID: "u1", Command: "echo two", Status: StatusDeferred, RequestID: "r-3"},
	} {
		ex.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Record(ctx, ex); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	all, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 exchanges, got %d", len(all))
	}
	if all[0].Command != "echo two" || all[0].RequestID != "r-3" {
		t.Errorf("expected newest first, got %+v", all[0])
	}
	if all[1].Error != "status 500" {
		t.Errorf("error text lost: %+v", all[1])
	}

	c1, err := s.Recent(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(c1) != 2 {
		t.Fatalf("expected 2 exchanges for c1, got %d", len(c1))
	}

	limited, _ := s.Recent(ctx, "", 1)
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.Record(ctx, Exchange{ChatID: "c1", Status: StatusReplied, CreatedAt: time.Now().Add(-48 * time.Hour)})
	s.Record(ctx, Exchange{ChatID: "c1", Status: StatusReplied})

	n, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
}

func TestRunMigrations_FreshAndIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if v, _ := GetSchemaVersion(db); v != 0 {
		t.Fatalf("fresh db should be version 0, got %d", v)
	}
	for i := 0; i < 2; i++ {
		if err := RunMigrations(db, testLogger()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	v, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Fatalf("expected version %d, got %d", schemaVersion, v)
	}
}

func TestRunMigrations_PartialUpgrade(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "p.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// v1 applied, plus the v2 column added out of band.
	if _, err := db.Exec(`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, description TEXT, applied_at DATETIME)`); err != nil {
		t.Fatal(err)
	}
	if err := applyMigration(db, migrations[0], testLogger()); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`ALTER TABLE exchanges ADD COLUMN error TEXT DEFAULT ''`); err != nil {
		t.Fatal(err)
	}

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("upgrade should skip the existing column: %v", err)
	}
}
