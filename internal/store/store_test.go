package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testClock is a movable time source for driving scheduling tests.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
	if versions[len(versions)-1] != currentSchemaVersion {
		t.Errorf("latest migration = %d, want %d", versions[len(versions)-1], currentSchemaVersion)
	}
}

// A dropped table must come back on the next Open with the data in
// untouched tables intact.
func TestReconcileRecreatesDroppedTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.SetMeta("account", "alice.example"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if _, err := s1.db.Exec("DROP TABLE thread_watches"); err != nil {
		t.Fatalf("dropping table: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen after drop: %v", err)
	}
	defer s2.Close()

	if _, err := s2.Watch("at://root/1", "did:plc:x"); err != nil {
		t.Fatalf("Watch after reconcile: %v", err)
	}
	got, err := s2.GetMeta("account")
	if err != nil || got != "alice.example" {
		t.Errorf("GetMeta after reconcile = %q, %v; want alice.example", got, err)
	}
}

func TestOpenRejectsNonDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite file, definitely"), 0o644); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	_, err := Open(path)
	if err == nil {
		t.Fatal("expected error opening non-database file")
	}
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Errorf("error = %v, want *CorruptError", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetMeta("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMeta(missing) = %v, want ErrNotFound", err)
	}
	if err := s.SetMeta("k", "v1"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := s.SetMeta("k", "v2"); err != nil {
		t.Fatalf("SetMeta overwrite: %v", err)
	}
	got, err := s.GetMeta("k")
	if err != nil || got != "v2" {
		t.Errorf("GetMeta = %q, %v; want v2", got, err)
	}
}

func TestTimestampsLexicallyOrdered(t *testing.T) {
	early := fmtTime(time.Date(2025, 1, 2, 3, 4, 5, 999, time.UTC))
	late := fmtTime(time.Date(2025, 11, 2, 3, 4, 5, 0, time.UTC))
	if !(early < late) {
		t.Errorf("lexical order broken: %q >= %q", early, late)
	}
	if parseTime(early) != time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) {
		t.Errorf("parseTime(%q) = %v", early, parseTime(early))
	}
}
