package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetActor reads one actor by DID.
func (s *Store) GetActor(did string) (Actor, error) {
	row := s.db.QueryRow(`
		SELECT did, handle, display_name, first_seen_at, last_seen_at, interaction_count, notes_manual, notes_auto
		FROM actors WHERE did = ?`, did,
	)
	return scanActor(row)
}

// ResolveActor accepts either a DID or a handle (with or without a
// leading @) and returns the matching actor. Handle lookups also search
// the handle history so renamed actors stay findable.
func (s *Store) ResolveActor(ref string) (Actor, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "@")
	if ref == "" {
		return Actor{}, fmt.Errorf("empty actor reference: %w", ErrNotFound)
	}
	if strings.HasPrefix(ref, "did:") {
		return s.GetActor(ref)
	}

	row := s.db.QueryRow(`
		SELECT did, handle, display_name, first_seen_at, last_seen_at, interaction_count, notes_manual, notes_auto
		FROM actors WHERE handle = ?`, ref,
	)
	a, err := scanActor(row)
	if !errors.Is(err, ErrNotFound) {
		return a, err
	}

	row = s.db.QueryRow(`
		SELECT a.did, a.handle, a.display_name, a.first_seen_at, a.last_seen_at, a.interaction_count, a.notes_manual, a.notes_auto
		FROM actors a
		JOIN actor_handle_history h ON h.did = a.did
		WHERE h.handle = ?
		ORDER BY h.observed_at DESC LIMIT 1`, ref,
	)
	return scanActor(row)
}

// ActorTags lists an actor's tags in lexical order.
func (s *Store) ActorTags(did string) ([]string, error) {
	rows, err := s.db.Query("SELECT tag FROM actor_tags WHERE did = ? ORDER BY tag", did)
	if err != nil {
		return nil, fmt.Errorf("listing actor tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// TagActor attaches a tag to an actor. Adding an existing tag is a no-op.
func (s *Store) TagActor(did, tag string) error {
	tag = strings.TrimSpace(tag)
	if did == "" || tag == "" {
		return fmt.Errorf("tag requires actor did and tag text")
	}
	_, err := s.db.Exec("INSERT OR IGNORE INTO actor_tags (did, tag) VALUES (?, ?)", did, tag)
	return err
}

// UntagActor removes a tag from an actor. Removing an absent tag is a
// no-op.
func (s *Store) UntagActor(did, tag string) error {
	_, err := s.db.Exec("DELETE FROM actor_tags WHERE did = ? AND tag = ?", did, strings.TrimSpace(tag))
	return err
}

// SetActorNotes overwrites an actor's free-form notes. Manual notes are
// operator-written; auto notes come from the agent.
func (s *Store) SetActorNotes(did, manual, auto string) error {
	res, err := s.db.Exec(
		"UPDATE actors SET notes_manual = ?, notes_auto = ? WHERE did = ?",
		manual, auto, did,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HandleHistory lists the handles an actor has been seen under, oldest
// first.
func (s *Store) HandleHistory(did string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT handle FROM actor_handle_history WHERE did = ? ORDER BY observed_at",
		did,
	)
	if err != nil {
		return nil, fmt.Errorf("listing handle history: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// RecentDMs returns the newest messages exchanged with an actor, oldest
// of the slice first so transcripts read top-down.
func (s *Store) RecentDMs(did string, limit int) ([]DMMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT convo_id, message_id, actor_did, direction, sent_at, text
		FROM dm_messages
		WHERE convo_id IN (SELECT convo_id FROM dm_convo_members WHERE did = ?)
		ORDER BY sent_at DESC, message_id DESC LIMIT ?`,
		did, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent dms: %w", err)
	}
	defer rows.Close()

	var msgs []DMMessage
	for rows.Next() {
		var m DMMessage
		var direction, sentAt string
		if err := rows.Scan(&m.ConvoID, &m.MessageID, &m.ActorDID, &direction, &sentAt, &m.Text); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		m.SentAt = parseTime(sentAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SharedThreads returns excerpts of the threads the account and the
// actor have both posted in, most recently active first. RootText may be
// empty when the root was never ingested locally.
func (s *Store) SharedThreads(did string, limit int) ([]ThreadExcerpt, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(`
		SELECT st.root_uri, COALESCE(t.root_text, ''), st.last_post_uri, st.last_us, st.last_them, st.last_interaction_at
		FROM thread_actor_state st
		LEFT JOIN threads t ON t.root_uri = st.root_uri
		WHERE st.actor_did = ?
		ORDER BY st.last_interaction_at DESC LIMIT ?`,
		did, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing shared threads: %w", err)
	}
	defer rows.Close()

	var out []ThreadExcerpt
	for rows.Next() {
		var e ThreadExcerpt
		if err := rows.Scan(&e.RootURI, &e.RootText, &e.LastPostURI, &e.LastUs, &e.LastThem, &e.LastInteractionAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentInteractions returns the newest interactions with an actor,
// newest first.
func (s *Store) RecentInteractions(did string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, actor_did, kind, occurred_at, post_uri, our_text, their_text
		FROM interactions
		WHERE actor_did = ?
		ORDER BY occurred_at DESC LIMIT ?`,
		did, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var it Interaction
		var kind, occurred string
		if err := rows.Scan(&it.ID, &it.ActorDID, &kind, &occurred, &it.PostURI, &it.OurText, &it.TheirText); err != nil {
			return nil, err
		}
		it.Kind = InteractionKind(kind)
		it.OccurredAt = parseTime(occurred)
		out = append(out, it)
	}
	return out, rows.Err()
}

// SetThreadRootText backfills the root text of a thread fetched live.
func (s *Store) SetThreadRootText(rootURI, text string) error {
	if rootURI == "" {
		return fmt.Errorf("thread root uri required")
	}
	_, err := s.db.Exec(`
		INSERT INTO threads (root_uri, root_text) VALUES (?, ?)
		ON CONFLICT(root_uri) DO UPDATE SET
			root_text = CASE WHEN excluded.root_text != '' THEN excluded.root_text ELSE threads.root_text END`,
		rootURI, text,
	)
	return err
}

func scanActor(row rowScanner) (Actor, error) {
	var a Actor
	var firstSeen, lastSeen string
	err := row.Scan(&a.DID, &a.Handle, &a.DisplayName, &firstSeen, &lastSeen, &a.InteractionCount, &a.NotesManual, &a.NotesAuto)
	if err == sql.ErrNoRows {
		return Actor{}, ErrNotFound
	}
	if err != nil {
		return Actor{}, fmt.Errorf("scanning actor: %w", err)
	}
	a.FirstSeenAt = parseTime(firstSeen)
	a.LastSeenAt = parseTime(lastSeen)
	return a, nil
}
