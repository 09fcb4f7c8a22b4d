package store

import (
	"database/sql"
	"fmt"
	"time"
)

// backoffIntervals is the fixed, process-wide wait table between thread
// checks. The step index is clamped to the final entry; a thread then
// holds at the longest interval until the silence threshold is crossed.
var backoffIntervals = []time.Duration{
	10 * time.Minute,
	20 * time.Minute,
	40 * time.Minute,
	80 * time.Minute,
	160 * time.Minute,
	240 * time.Minute,
}

// defaultSilenceAfter is how long a watched thread may stay quiet before
// it is silenced.
const defaultSilenceAfter = 18 * time.Hour

// BackoffIntervals returns a copy of the fixed backoff table.
func BackoffIntervals() []time.Duration {
	out := make([]time.Duration, len(backoffIntervals))
	copy(out, backoffIntervals)
	return out
}

// Watch starts (or restarts) monitoring of a (root, actor) pair: status
// watching, backoff step 0, next check due immediately. An existing
// silenced or closed row is replaced by a fresh watch; this is the only
// way back from those states.
func (s *Store) Watch(rootURI, actorDID string) (WatchState, error) {
	if rootURI == "" || actorDID == "" {
		return WatchState{}, fmt.Errorf("watch requires root uri and actor did")
	}
	now := s.now()
	w := WatchState{
		RootURI:        rootURI,
		ActorDID:       actorDID,
		Status:         StatusWatching,
		BackoffStep:    0,
		NextCheckAt:    now,
		SilenceUntil:   now.Add(s.silenceAfter),
		LastActivityAt: now,
		CreatedAt:      now,
	}

	err := s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO thread_watches
				(root_uri, actor_did, status, backoff_step, next_check_at, silence_until, last_checked_at, last_activity_at, created_at)
			VALUES (?, ?, ?, 0, ?, ?, '', ?, ?)
			ON CONFLICT(root_uri, actor_did) DO UPDATE SET
				status = excluded.status,
				backoff_step = 0,
				next_check_at = excluded.next_check_at,
				silence_until = excluded.silence_until,
				last_activity_at = excluded.last_activity_at`,
			rootURI, actorDID, string(StatusWatching),
			fmtTime(w.NextCheckAt), fmtTime(w.SilenceUntil),
			fmtTime(w.LastActivityAt), fmtTime(w.CreatedAt),
		); err != nil {
			return fmt.Errorf("upserting watch: %w", err)
		}
		return nil
	})
	if err != nil {
		return WatchState{}, err
	}
	return w, nil
}

// GetWatch reads the watch row for a (root, actor) pair.
func (s *Store) GetWatch(rootURI, actorDID string) (WatchState, error) {
	row := s.db.QueryRow(`
		SELECT root_uri, actor_did, status, backoff_step, next_check_at, silence_until, last_checked_at, last_activity_at, created_at
		FROM thread_watches WHERE root_uri = ? AND actor_did = ?`,
		rootURI, actorDID,
	)
	return scanWatch(row)
}

// DueForCheck reports whether the pair is actively watched and its next
// check time has arrived.
func (s *Store) DueForCheck(rootURI, actorDID string) (bool, error) {
	w, err := s.GetWatch(rootURI, actorDID)
	if err != nil {
		return false, err
	}
	return w.Status == StatusWatching && !s.now().Before(w.NextCheckAt), nil
}

// RecordCheck advances the backoff state machine after a check.
//
// Activity resets the step to 0 and the next check to the shortest
// interval. Silence advances the step (clamped to the table) and, once
// the quiet period since the last observed activity exceeds the silence
// threshold, leaves the watching state. Closed rows reject all updates.
func (s *Store) RecordCheck(rootURI, actorDID string, activityFound bool) (WatchState, error) {
	var out WatchState
	err := s.inTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT root_uri, actor_did, status, backoff_step, next_check_at, silence_until, last_checked_at, last_activity_at, created_at
			FROM thread_watches WHERE root_uri = ? AND actor_did = ?`,
			rootURI, actorDID,
		)
		w, err := scanWatch(row)
		if err != nil {
			return err
		}
		if w.Status == StatusClosed {
			return ErrWatchClosed
		}

		now := s.now()
		w.LastCheckedAt = now

		if activityFound {
			w.BackoffStep = 0
			w.NextCheckAt = now.Add(backoffIntervals[0])
			w.LastActivityAt = now
			w.SilenceUntil = now.Add(s.silenceAfter)
		} else {
			if w.BackoffStep < len(backoffIntervals)-1 {
				w.BackoffStep++
			}
			w.NextCheckAt = now.Add(backoffIntervals[w.BackoffStep])
			if w.Status == StatusWatching && now.Sub(w.LastActivityAt) > s.silenceAfter {
				if s.closeOnSilence {
					w.Status = StatusClosed
				} else {
					w.Status = StatusSilenced
				}
			}
		}

		if _, err := tx.Exec(`
			UPDATE thread_watches SET
				status = ?,
				backoff_step = ?,
				next_check_at = ?,
				silence_until = ?,
				last_checked_at = ?,
				last_activity_at = ?
			WHERE root_uri = ? AND actor_did = ?`,
			string(w.Status), w.BackoffStep,
			fmtTime(w.NextCheckAt), fmtTime(w.SilenceUntil),
			fmtTime(w.LastCheckedAt), fmtTime(w.LastActivityAt),
			rootURI, actorDID,
		); err != nil {
			return fmt.Errorf("updating watch: %w", err)
		}

		out = w
		return nil
	})
	if err != nil {
		return WatchState{}, err
	}
	return out, nil
}

// Unwatch marks the pair closed. Idempotent: a missing or already-closed
// row is not an error.
func (s *Store) Unwatch(rootURI, actorDID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE thread_watches SET status = ? WHERE root_uri = ? AND actor_did = ?",
			string(StatusClosed), rootURI, actorDID,
		); err != nil {
			return fmt.Errorf("closing watch: %w", err)
		}
		return nil
	})
}

// ListWatches returns watch rows, optionally filtered by status, ordered
// by next check time.
func (s *Store) ListWatches(status WatchStatus) ([]WatchState, error) {
	query := `
		SELECT root_uri, actor_did, status, backoff_step, next_check_at, silence_until, last_checked_at, last_activity_at, created_at
		FROM thread_watches`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY next_check_at ASC, root_uri ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing watches: %w", err)
	}
	defer rows.Close()

	var out []WatchState
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DueWatches returns all actively watched pairs whose next check time has
// arrived.
func (s *Store) DueWatches() ([]WatchState, error) {
	rows, err := s.db.Query(`
		SELECT root_uri, actor_did, status, backoff_step, next_check_at, silence_until, last_checked_at, last_activity_at, created_at
		FROM thread_watches
		WHERE status = ? AND next_check_at <= ?
		ORDER BY next_check_at ASC, root_uri ASC`,
		string(StatusWatching), fmtTime(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("listing due watches: %w", err)
	}
	defer rows.Close()

	var out []WatchState
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWatch(row rowScanner) (WatchState, error) {
	var w WatchState
	var status, nextCheck, silenceUntil, lastChecked, lastActivity, created string
	err := row.Scan(
		&w.RootURI, &w.ActorDID, &status, &w.BackoffStep,
		&nextCheck, &silenceUntil, &lastChecked, &lastActivity, &created,
	)
	if err == sql.ErrNoRows {
		return WatchState{}, ErrNotFound
	}
	if err != nil {
		return WatchState{}, fmt.Errorf("scanning watch: %w", err)
	}
	w.Status = WatchStatus(status)
	w.NextCheckAt = parseTime(nextCheck)
	w.SilenceUntil = parseTime(silenceUntil)
	w.LastCheckedAt = parseTime(lastChecked)
	w.LastActivityAt = parseTime(lastActivity)
	w.CreatedAt = parseTime(created)
	return w, nil
}
