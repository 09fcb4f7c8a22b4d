package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DMEvent is a normalized direct message delivered by the external event
// source. (ConvoID, MessageID) is the natural key.
type DMEvent struct {
	ConvoID   string     `json:"convo_id"`
	MessageID string     `json:"message_id"`
	Sender    ActorRef   `json:"sender"`
	Members   []ActorRef `json:"members"`
	Direction string     `json:"direction"`
	SentAt    time.Time  `json:"sent_at"`
	Text      string     `json:"text"`
}

// NotificationEvent is a normalized notification. URI is the natural key
// for the evaluated-notification ledger.
type NotificationEvent struct {
	URI       string    `json:"uri"`
	Reason    string    `json:"reason"`
	Author    ActorRef  `json:"author"`
	IndexedAt time.Time `json:"indexed_at"`
}

// InteractionEvent is a normalized observed interaction (reply, like,
// mention, ...). (actor, kind, occurred_at, post_uri) is the natural key.
type InteractionEvent struct {
	Actor      ActorRef  `json:"actor"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	PostURI    string    `json:"post_uri"`
	RootURI    string    `json:"root_uri"`
	OurText    string    `json:"our_text"`
	TheirText  string    `json:"their_text"`
}

// IngestDM stores a direct message. Re-ingesting the same
// (convo_id, message_id) is a no-op Duplicate, not a second row; actor
// aggregates are bumped only on insert.
func (s *Store) IngestDM(ev DMEvent) (IngestResult, error) {
	if ev.ConvoID == "" || ev.MessageID == "" || ev.Sender.DID == "" {
		return Duplicate, fmt.Errorf("dm event missing convo_id, message_id, or sender did")
	}
	dir, err := ParseDirection(ev.Direction)
	if err != nil {
		return Duplicate, err
	}
	if ev.SentAt.IsZero() {
		return Duplicate, fmt.Errorf("dm event missing sent_at")
	}
	sentAt := fmtTime(ev.SentAt)

	res := Duplicate
	err = s.inTx(func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRow(
			"SELECT 1 FROM dm_messages WHERE convo_id = ? AND message_id = ?",
			ev.ConvoID, ev.MessageID,
		).Scan(&one)
		if err == nil {
			return nil // duplicate, no writes
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking dm natural key: %w", err)
		}

		if err := upsertActorTx(tx, ev.Sender, sentAt); err != nil {
			return err
		}
		for _, m := range ev.Members {
			if m.DID == ev.Sender.DID {
				continue
			}
			if err := upsertActorTx(tx, m, sentAt); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO dm_conversations (convo_id, last_message_at) VALUES (?, ?)
			ON CONFLICT(convo_id) DO UPDATE SET
				last_message_at = MAX(dm_conversations.last_message_at, excluded.last_message_at)`,
			ev.ConvoID, sentAt,
		); err != nil {
			return fmt.Errorf("upserting conversation: %w", err)
		}

		members := append([]ActorRef{ev.Sender}, ev.Members...)
		for _, m := range members {
			if m.DID == "" {
				continue
			}
			if _, err := tx.Exec(
				"INSERT OR IGNORE INTO dm_convo_members (convo_id, did) VALUES (?, ?)",
				ev.ConvoID, m.DID,
			); err != nil {
				return fmt.Errorf("inserting convo member: %w", err)
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO dm_messages (convo_id, message_id, actor_did, direction, sent_at, text)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ConvoID, ev.MessageID, ev.Sender.DID, string(dir), sentAt, ev.Text,
		); err != nil {
			return fmt.Errorf("inserting dm message: %w", err)
		}

		if err := bumpActorAggregatesTx(tx, ev.Sender.DID, sentAt); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO history_fts (text, kind, ts, actor_did, convo_id, uri, direction)
			VALUES (?, 'dm', ?, ?, ?, '', ?)`,
			ev.Text, sentAt, ev.Sender.DID, ev.ConvoID, string(dir),
		); err != nil {
			return fmt.Errorf("indexing dm message: %w", err)
		}

		res = Inserted
		return nil
	})
	if err != nil {
		return Duplicate, err
	}
	return res, nil
}

// IngestNotification records a notification URI in the evaluated ledger
// and prunes the ledger to the retention bound. A URI already present in
// the retained window is a Duplicate; a URI that was pruned away inserts
// again as a fresh evaluation marker.
func (s *Store) IngestNotification(ev NotificationEvent) (IngestResult, error) {
	if ev.URI == "" {
		return Duplicate, fmt.Errorf("notification event missing uri")
	}
	now := fmtTime(s.now())

	res := Duplicate
	err := s.inTx(func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRow(
			"SELECT 1 FROM evaluated_notifications WHERE notif_uri = ?", ev.URI,
		).Scan(&one)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking notification ledger: %w", err)
		}

		if ev.Author.DID != "" {
			if err := upsertActorTx(tx, ev.Author, now); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(
			"INSERT INTO evaluated_notifications (notif_uri, evaluated_at) VALUES (?, ?)",
			ev.URI, now,
		); err != nil {
			return fmt.Errorf("inserting notification: %w", err)
		}

		// Exact retention bound: keep the N newest by insertion order.
		if _, err := tx.Exec(`
			DELETE FROM evaluated_notifications WHERE seq NOT IN (
				SELECT seq FROM evaluated_notifications ORDER BY seq DESC LIMIT ?
			)`, s.evaluatedRetention,
		); err != nil {
			return fmt.Errorf("pruning notification ledger: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO meta (key, value) VALUES ('last_evaluation', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			now,
		); err != nil {
			return fmt.Errorf("updating last_evaluation: %w", err)
		}

		res = Inserted
		return nil
	})
	if err != nil {
		return Duplicate, err
	}
	return res, nil
}

// IngestInteraction stores an observed interaction and maintains the
// thread index, per-actor thread snippets, and the full-text index in the
// same transaction.
func (s *Store) IngestInteraction(ev InteractionEvent) (IngestResult, error) {
	if ev.Actor.DID == "" {
		return Duplicate, fmt.Errorf("interaction event missing actor did")
	}
	kind, err := ParseInteractionKind(ev.Kind)
	if err != nil {
		return Duplicate, err
	}
	if ev.OccurredAt.IsZero() {
		return Duplicate, fmt.Errorf("interaction event missing occurred_at")
	}
	occurredAt := fmtTime(ev.OccurredAt)

	res := Duplicate
	err = s.inTx(func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRow(`
			SELECT 1 FROM interactions
			WHERE actor_did = ? AND kind = ? AND occurred_at = ? AND post_uri = ?`,
			ev.Actor.DID, string(kind), occurredAt, ev.PostURI,
		).Scan(&one)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking interaction natural key: %w", err)
		}

		if err := upsertActorTx(tx, ev.Actor, occurredAt); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO interactions (id, actor_did, kind, occurred_at, post_uri, our_text, their_text)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), ev.Actor.DID, string(kind), occurredAt, ev.PostURI, ev.OurText, ev.TheirText,
		); err != nil {
			return fmt.Errorf("inserting interaction: %w", err)
		}

		if err := bumpActorAggregatesTx(tx, ev.Actor.DID, occurredAt); err != nil {
			return err
		}

		if ev.RootURI != "" {
			if err := upsertThreadStateTx(tx, ev, occurredAt); err != nil {
				return err
			}
		}

		text := ev.TheirText
		if ev.OurText != "" {
			if text != "" {
				text += "\n"
			}
			text += ev.OurText
		}
		if text != "" {
			if _, err := tx.Exec(`
				INSERT INTO history_fts (text, kind, ts, actor_did, convo_id, uri, direction)
				VALUES (?, 'interaction', ?, ?, '', ?, '')`,
				text, occurredAt, ev.Actor.DID, ev.PostURI,
			); err != nil {
				return fmt.Errorf("indexing interaction: %w", err)
			}
		}

		res = Inserted
		return nil
	})
	if err != nil {
		return Duplicate, err
	}
	return res, nil
}

// IngestDMBatch ingests a slice of DM events; per-record failures are
// counted in the summary and never abort the batch.
func (s *Store) IngestDMBatch(events []DMEvent) IngestSummary {
	var sum IngestSummary
	for _, ev := range events {
		res, err := s.IngestDM(ev)
		if err != nil {
			s.logger.Warn("dm event skipped", "convo_id", ev.ConvoID, "message_id", ev.MessageID, "error", err)
		}
		sum.record(res, err)
	}
	return sum
}

// IngestNotificationBatch ingests a slice of notification events.
func (s *Store) IngestNotificationBatch(events []NotificationEvent) IngestSummary {
	var sum IngestSummary
	for _, ev := range events {
		res, err := s.IngestNotification(ev)
		if err != nil {
			s.logger.Warn("notification event skipped", "uri", ev.URI, "error", err)
		}
		sum.record(res, err)
	}
	return sum
}

// IngestInteractionBatch ingests a slice of interaction events.
func (s *Store) IngestInteractionBatch(events []InteractionEvent) IngestSummary {
	var sum IngestSummary
	for _, ev := range events {
		res, err := s.IngestInteraction(ev)
		if err != nil {
			s.logger.Warn("interaction event skipped", "actor", ev.Actor.DID, "error", err)
		}
		sum.record(res, err)
	}
	return sum
}

// upsertActorTx creates the actor on first sight and refreshes handle,
// display name, and last_seen_at on every subsequent one. A handle change
// is appended to actor_handle_history.
func upsertActorTx(tx *sql.Tx, ref ActorRef, seenAt string) error {
	if ref.DID == "" {
		return fmt.Errorf("actor ref missing did")
	}

	var prevHandle string
	err := tx.QueryRow("SELECT handle FROM actors WHERE did = ?", ref.DID).Scan(&prevHandle)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading actor: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO actors (did, handle, display_name, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET
			handle = CASE WHEN excluded.handle <> '' THEN excluded.handle ELSE actors.handle END,
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE actors.display_name END,
			last_seen_at = MAX(actors.last_seen_at, excluded.last_seen_at)`,
		ref.DID, ref.Handle, ref.DisplayName, seenAt, seenAt,
	); err != nil {
		return fmt.Errorf("upserting actor: %w", err)
	}

	if ref.Handle != "" && (!exists || prevHandle != ref.Handle) {
		if _, err := tx.Exec(
			"INSERT INTO actor_handle_history (did, handle, observed_at) VALUES (?, ?, ?)",
			ref.DID, ref.Handle, seenAt,
		); err != nil {
			return fmt.Errorf("recording handle history: %w", err)
		}
	}
	return nil
}

func bumpActorAggregatesTx(tx *sql.Tx, did, seenAt string) error {
	if _, err := tx.Exec(`
		UPDATE actors SET
			interaction_count = interaction_count + 1,
			last_seen_at = MAX(last_seen_at, ?)
		WHERE did = ?`,
		seenAt, did,
	); err != nil {
		return fmt.Errorf("updating actor aggregates: %w", err)
	}
	return nil
}

func upsertThreadStateTx(tx *sql.Tx, ev InteractionEvent, occurredAt string) error {
	if _, err := tx.Exec(`
		INSERT INTO threads (root_uri, created_at, last_activity_at) VALUES (?, ?, ?)
		ON CONFLICT(root_uri) DO UPDATE SET
			last_activity_at = MAX(threads.last_activity_at, excluded.last_activity_at)`,
		ev.RootURI, occurredAt, occurredAt,
	); err != nil {
		return fmt.Errorf("upserting thread: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO thread_participants (root_uri, did) VALUES (?, ?)",
		ev.RootURI, ev.Actor.DID,
	); err != nil {
		return fmt.Errorf("inserting thread participant: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO thread_actor_state (root_uri, actor_did, last_interaction_at, last_post_uri, last_us, last_them)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(root_uri, actor_did) DO UPDATE SET
			last_interaction_at = excluded.last_interaction_at,
			last_post_uri = excluded.last_post_uri,
			last_us = CASE WHEN excluded.last_us <> '' THEN excluded.last_us ELSE thread_actor_state.last_us END,
			last_them = CASE WHEN excluded.last_them <> '' THEN excluded.last_them ELSE thread_actor_state.last_them END
		WHERE excluded.last_interaction_at >= thread_actor_state.last_interaction_at`,
		ev.RootURI, ev.Actor.DID, occurredAt, ev.PostURI, ev.OurText, ev.TheirText,
	); err != nil {
		return fmt.Errorf("upserting thread actor state: %w", err)
	}
	return nil
}
