package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const legacyFixture = `{
  "threads": {
    "at://did:plc:alice/app.bsky.feed.post/r1": {
      "root_uri": "at://did:plc:alice/app.bsky.feed.post/r1",
      "root_author_handle": "alice.example",
      "root_author_did": "did:plc:alice",
      "root_text": "original root post",
      "created_at": "2025-05-01T08:00:00Z",
      "last_activity_at": "2025-05-02T09:30:00Z",
      "engaged_interlocutors": ["did:plc:bob"],
      "enabled": true,
      "backoff_level": 2,
      "overall_score": 0.8,
      "unknown_future_field": {"nested": true}
    },
    "at://did:plc:carol/app.bsky.feed.post/r2": {
      "root_uri": "at://did:plc:carol/app.bsky.feed.post/r2",
      "root_author_did": "did:plc:carol",
      "last_activity_at": "2025-05-03T10:00:00Z",
      "enabled": false,
      "backoff_level": 99
    },
    "at://did:plc:broken/app.bsky.feed.post/r3": {
      "root_uri": "at://did:plc:broken/app.bsky.feed.post/r3",
      "root_author_did": "did:plc:broken"
    }
  },
  "evaluated_notifications": [
    "at://notif/1",
    "at://notif/2"
  ],
  "last_evaluation": "2025-05-03T11:00:00Z"
}`

func writeLegacyFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threads_state.json")
	if err := os.WriteFile(path, []byte(legacyFixture), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestMigrateLegacyImportsState(t *testing.T) {
	s := openTestStore(t)
	path := writeLegacyFixture(t)

	report, err := s.MigrateLegacy(path, LegacyOptions{})
	if err != nil {
		t.Fatalf("MigrateLegacy: %v", err)
	}
	if report.ThreadsImported != 2 {
		t.Errorf("ThreadsImported = %d, want 2", report.ThreadsImported)
	}
	if report.ThreadsSkipped != 1 {
		t.Errorf("ThreadsSkipped = %d, want 1", report.ThreadsSkipped)
	}
	if report.EvaluatedImported != 2 {
		t.Errorf("EvaluatedImported = %d, want 2", report.EvaluatedImported)
	}
	if len(report.SkippedReasons) != 1 || !strings.Contains(report.SkippedReasons[0], "last_activity_at") {
		t.Errorf("SkippedReasons = %v", report.SkippedReasons)
	}

	// enabled thread → watching, with the backoff level carried over
	w, err := s.GetWatch("at://did:plc:alice/app.bsky.feed.post/r1", "did:plc:alice")
	if err != nil {
		t.Fatalf("GetWatch r1: %v", err)
	}
	if w.Status != StatusWatching || w.BackoffStep != 2 {
		t.Errorf("r1 watch = %+v", w)
	}

	// disabled thread → silenced, out-of-range backoff clamped
	w, err = s.GetWatch("at://did:plc:carol/app.bsky.feed.post/r2", "did:plc:carol")
	if err != nil {
		t.Fatalf("GetWatch r2: %v", err)
	}
	if w.Status != StatusSilenced {
		t.Errorf("r2 status = %s, want silenced", w.Status)
	}
	if w.BackoffStep != len(BackoffIntervals())-1 {
		t.Errorf("r2 BackoffStep = %d, want clamped to %d", w.BackoffStep, len(BackoffIntervals())-1)
	}

	if got, err := s.GetMeta("last_evaluation"); err != nil || got != "2025-05-03T11:00:00Z" {
		t.Errorf("last_evaluation = %q, %v", got, err)
	}
}

func TestMigrateLegacyDryRunWritesNothing(t *testing.T) {
	s := openTestStore(t)
	path := writeLegacyFixture(t)

	report, err := s.MigrateLegacy(path, LegacyOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if report.ThreadsImported != 2 || report.ThreadsSkipped != 1 {
		t.Errorf("dry run counts = %+v", report)
	}

	if _, err := s.GetWatch("at://did:plc:alice/app.bsky.feed.post/r1", "did:plc:alice"); err == nil {
		t.Error("dry run wrote a watch row")
	}
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM evaluated_notifications").Scan(&count); err != nil {
		t.Fatalf("counting ledger: %v", err)
	}
	if count != 0 {
		t.Errorf("dry run wrote %d ledger rows", count)
	}
}

func TestMigrateLegacyIdempotentRerun(t *testing.T) {
	s := openTestStore(t)
	path := writeLegacyFixture(t)

	if _, err := s.MigrateLegacy(path, LegacyOptions{}); err != nil {
		t.Fatalf("first import: %v", err)
	}
	report, err := s.MigrateLegacy(path, LegacyOptions{})
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if report.EvaluatedImported != 0 {
		t.Errorf("rerun EvaluatedImported = %d, want 0", report.EvaluatedImported)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM threads").Scan(&count); err != nil {
		t.Fatalf("counting threads: %v", err)
	}
	if count != 2 {
		t.Errorf("threads after rerun = %d, want 2", count)
	}
}

func TestMigrateLegacyPrunesMergedLedger(t *testing.T) {
	s := openTestStore(t, WithEvaluatedRetention(3))
	path := writeLegacyFixture(t)

	// the store already holds ledger rows before the import runs
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ev := NotificationEvent{
			URI:       fmt.Sprintf("at://existing/%d", i),
			Reason:    "reply",
			IndexedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := s.IngestNotification(ev); err != nil {
			t.Fatalf("IngestNotification %d: %v", i, err)
		}
	}

	if _, err := s.MigrateLegacy(path, LegacyOptions{}); err != nil {
		t.Fatalf("MigrateLegacy: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM evaluated_notifications").Scan(&count); err != nil {
		t.Fatalf("counting ledger: %v", err)
	}
	if count != 3 {
		t.Errorf("ledger rows after import = %d, want retention bound 3", count)
	}

	// imported entries are the newest and must survive the prune
	for _, uri := range []string{"at://notif/1", "at://notif/2"} {
		var one int
		if err := s.db.QueryRow("SELECT 1 FROM evaluated_notifications WHERE notif_uri = ?", uri).Scan(&one); err != nil {
			t.Errorf("imported %s missing after prune: %v", uri, err)
		}
	}
}

func TestMigrateLegacyArchivesSource(t *testing.T) {
	clock := newTestClock()
	s := openTestStore(t, WithClock(clock.Now))
	path := writeLegacyFixture(t)

	report, err := s.MigrateLegacy(path, LegacyOptions{ArchiveOnSuccess: true})
	if err != nil {
		t.Fatalf("MigrateLegacy: %v", err)
	}
	if report.ArchivedTo == "" {
		t.Fatal("ArchivedTo empty")
	}
	if !strings.Contains(report.ArchivedTo, ".bak.") {
		t.Errorf("ArchivedTo = %q, want .bak. suffix", report.ArchivedTo)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("source file still present after archive: %v", err)
	}
	if _, err := os.Stat(report.ArchivedTo); err != nil {
		t.Errorf("archived file missing: %v", err)
	}
}

func TestMigrateLegacyMissingFile(t *testing.T) {
	s := openTestStore(t)

	_, err := s.MigrateLegacy(filepath.Join(t.TempDir(), "nope.json"), LegacyOptions{})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file error = %v, want fs.ErrNotExist", err)
	}
}
