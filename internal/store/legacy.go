package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// LegacyOptions controls a JSON state-file import.
type LegacyOptions struct {
	// DryRun maps and counts everything but commits nothing.
	DryRun bool
	// ArchiveOnSuccess renames the source file out of the way after a
	// committed import, so a re-run does not double-process it.
	ArchiveOnSuccess bool
}

// LegacyReport summarizes one import pass.
type LegacyReport struct {
	ID                string
	SourcePath        string
	DryRun            bool
	ThreadsImported   int
	ThreadsSkipped    int
	EvaluatedImported int
	SkippedReasons    []string
	ArchivedTo        string
}

// legacyState mirrors the old flat JSON state file. Unknown fields are
// ignored so imports survive state written by newer or older versions.
type legacyState struct {
	Threads       map[string]legacyThread `json:"threads"`
	Evaluated     []string                `json:"evaluated_notifications"`
	LastEvaluated string                  `json:"last_evaluation"`
}

type legacyThread struct {
	RootURI           string   `json:"root_uri"`
	RootAuthorHandle  string   `json:"root_author_handle"`
	RootAuthorDID     string   `json:"root_author_did"`
	RootText          string   `json:"root_text"`
	CreatedAt         string   `json:"created_at"`
	LastActivityAt    string   `json:"last_activity_at"`
	Interlocutors     []string `json:"engaged_interlocutors"`
	Enabled           *bool    `json:"enabled"`
	BackoffLevel      int      `json:"backoff_level"`
	LastCheckAt       string   `json:"last_check_at"`
	LastNewActivityAt string   `json:"last_new_activity_at"`
}

// MigrateLegacy imports an old JSON state file into the store: tracked
// threads become threads + thread_watches rows, the evaluated list
// becomes the notification ledger, and last_evaluation lands in meta.
// Records missing their identity fields are skipped and counted, never
// fatal. All writes happen in a single transaction.
func (s *Store) MigrateLegacy(path string, opts LegacyOptions) (*LegacyReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		// Callers can test errors.Is(err, fs.ErrNotExist) to treat a
		// missing file as "nothing to import".
		return nil, fmt.Errorf("reading legacy state: %w", err)
	}

	var state legacyState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parsing legacy state %s: %w", path, err)
	}

	report := &LegacyReport{
		ID:         uuid.NewString(),
		SourcePath: path,
		DryRun:     opts.DryRun,
	}

	err = s.inTx(func(tx *sql.Tx) error {
		for key, th := range state.Threads {
			if th.RootURI == "" {
				th.RootURI = key
			}
			if reason := th.skipReason(); reason != "" {
				report.ThreadsSkipped++
				report.SkippedReasons = append(report.SkippedReasons, fmt.Sprintf("%s: %s", key, reason))
				s.logger.Warn("skipping legacy thread", slog.String("root_uri", key), slog.String("reason", reason))
				continue
			}
			if err := s.importLegacyThreadTx(tx, th); err != nil {
				return fmt.Errorf("importing thread %s: %w", th.RootURI, err)
			}
			report.ThreadsImported++
		}

		// The old file kept at most the newest 500 entries; respect the
		// store's own retention on the way in.
		evaluated := state.Evaluated
		if len(evaluated) > s.evaluatedRetention {
			evaluated = evaluated[len(evaluated)-s.evaluatedRetention:]
		}
		for _, uri := range evaluated {
			if uri == "" {
				continue
			}
			res, err := tx.Exec(
				"INSERT OR IGNORE INTO evaluated_notifications (notif_uri, evaluated_at) VALUES (?, '')",
				uri,
			)
			if err != nil {
				return fmt.Errorf("importing evaluated notification: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				report.EvaluatedImported++
			}
		}

		// The store may already hold ledger rows; enforce retention over
		// the merged set, not just the incoming list.
		if _, err := tx.Exec(`
			DELETE FROM evaluated_notifications WHERE seq NOT IN (
				SELECT seq FROM evaluated_notifications ORDER BY seq DESC LIMIT ?
			)`, s.evaluatedRetention,
		); err != nil {
			return fmt.Errorf("pruning notification ledger: %w", err)
		}

		if state.LastEvaluated != "" {
			if _, err := tx.Exec(`
				INSERT INTO meta (key, value) VALUES ('last_evaluation', ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				state.LastEvaluated,
			); err != nil {
				return fmt.Errorf("importing last_evaluation: %w", err)
			}
		}

		if opts.DryRun {
			return errLegacyDryRun
		}
		return nil
	})
	if errors.Is(err, errLegacyDryRun) {
		err = nil
	}
	if err != nil {
		return nil, err
	}

	if !opts.DryRun && opts.ArchiveOnSuccess {
		archived := path + ".bak." + s.now().UTC().Format("20060102T150405Z")
		if err := os.Rename(path, archived); err != nil {
			return report, fmt.Errorf("archiving legacy state: %w", err)
		}
		report.ArchivedTo = archived
	}

	s.logger.Info("legacy import finished",
		slog.String("id", report.ID),
		slog.Bool("dry_run", report.DryRun),
		slog.Int("threads", report.ThreadsImported),
		slog.Int("skipped", report.ThreadsSkipped),
		slog.Int("evaluated", report.EvaluatedImported),
	)
	return report, nil
}

// errLegacyDryRun forces inTx to roll back a dry-run pass.
var errLegacyDryRun = errors.New("legacy dry run")

func (t legacyThread) skipReason() string {
	switch {
	case t.RootURI == "":
		return "missing root_uri"
	case t.RootAuthorDID == "" && t.RootAuthorHandle == "":
		return "missing root author"
	case t.LastActivityAt == "":
		return "missing last_activity_at"
	}
	return ""
}

func (s *Store) importLegacyThreadTx(tx *sql.Tx, th legacyThread) error {
	if _, err := tx.Exec(`
		INSERT INTO threads (root_uri, root_author_did, root_author_handle, root_text, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(root_uri) DO UPDATE SET
			root_author_did = CASE WHEN excluded.root_author_did != '' THEN excluded.root_author_did ELSE threads.root_author_did END,
			root_author_handle = CASE WHEN excluded.root_author_handle != '' THEN excluded.root_author_handle ELSE threads.root_author_handle END,
			root_text = CASE WHEN excluded.root_text != '' THEN excluded.root_text ELSE threads.root_text END,
			last_activity_at = MAX(threads.last_activity_at, excluded.last_activity_at)`,
		th.RootURI, th.RootAuthorDID, th.RootAuthorHandle, th.RootText, th.CreatedAt, th.LastActivityAt,
	); err != nil {
		return err
	}

	for _, did := range th.Interlocutors {
		if did == "" {
			continue
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO thread_participants (root_uri, did) VALUES (?, ?)",
			th.RootURI, did,
		); err != nil {
			return err
		}
	}

	status := StatusWatching
	if th.Enabled != nil && !*th.Enabled {
		status = StatusSilenced
	}
	step := th.BackoffLevel
	if step < 0 {
		step = 0
	}
	if step > len(backoffIntervals)-1 {
		step = len(backoffIntervals) - 1
	}

	lastActivity := th.LastNewActivityAt
	if lastActivity == "" {
		lastActivity = th.LastActivityAt
	}
	next := parseTime(lastActivity).Add(backoffIntervals[step])
	created := th.CreatedAt
	if created == "" {
		created = fmtTime(s.now())
	}

	_, err := tx.Exec(`
		INSERT INTO thread_watches
			(root_uri, actor_did, status, backoff_step, next_check_at, silence_until, last_checked_at, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(root_uri, actor_did) DO UPDATE SET
			status = excluded.status,
			backoff_step = excluded.backoff_step,
			next_check_at = excluded.next_check_at,
			last_checked_at = excluded.last_checked_at,
			last_activity_at = MAX(thread_watches.last_activity_at, excluded.last_activity_at)`,
		th.RootURI, th.RootAuthorDID, string(status), step,
		fmtTime(next), fmtTime(parseTime(lastActivity).Add(s.silenceAfter)),
		th.LastCheckAt, lastActivity, created,
	)
	return err
}
