package store

import (
	"testing"
	"time"
)

var (
	alice = ActorRef{DID: "did:plc:alice", Handle: "alice.example", DisplayName: "Alice"}
	bob   = ActorRef{DID: "did:plc:bob", Handle: "bob.example"}
)

func dmEvent(id string, sentAt time.Time) DMEvent {
	return DMEvent{
		ConvoID:   "convo-1",
		MessageID: id,
		Sender:    alice,
		Members:   []ActorRef{bob},
		Direction: "in",
		SentAt:    sentAt,
		Text:      "hello there " + id,
	}
}

func TestIngestDMIdempotent(t *testing.T) {
	s := openTestStore(t)
	ev := dmEvent("m1", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	res, err := s.IngestDM(ev)
	if err != nil {
		t.Fatalf("first IngestDM: %v", err)
	}
	if res != Inserted {
		t.Errorf("first ingest = %v, want Inserted", res)
	}

	res, err = s.IngestDM(ev)
	if err != nil {
		t.Fatalf("second IngestDM: %v", err)
	}
	if res != Duplicate {
		t.Errorf("second ingest = %v, want Duplicate", res)
	}

	// aggregates bumped exactly once
	actor, err := s.GetActor(alice.DID)
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if actor.InteractionCount != 1 {
		t.Errorf("InteractionCount = %d, want 1", actor.InteractionCount)
	}

	msgs, err := s.RecentDMs(alice.DID, 10)
	if err != nil {
		t.Fatalf("RecentDMs: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func TestIngestDMRecordsHandleChange(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if _, err := s.IngestDM(dmEvent("m1", base)); err != nil {
		t.Fatalf("IngestDM: %v", err)
	}

	renamed := dmEvent("m2", base.Add(time.Hour))
	renamed.Sender.Handle = "alice-new.example"
	if _, err := s.IngestDM(renamed); err != nil {
		t.Fatalf("IngestDM after rename: %v", err)
	}

	actor, err := s.GetActor(alice.DID)
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if actor.Handle != "alice-new.example" {
		t.Errorf("Handle = %q, want alice-new.example", actor.Handle)
	}

	history, err := s.HandleHistory(alice.DID)
	if err != nil {
		t.Fatalf("HandleHistory: %v", err)
	}
	if len(history) == 0 || history[len(history)-1] != "alice.example" {
		t.Errorf("handle history = %v, want old handle recorded", history)
	}

	// the old handle still resolves to the same actor
	resolved, err := s.ResolveActor("alice.example")
	if err != nil || resolved.DID != alice.DID {
		t.Errorf("ResolveActor(old handle) = %v, %v", resolved.DID, err)
	}
}

func TestIngestNotificationLedger(t *testing.T) {
	s := openTestStore(t, WithEvaluatedRetention(5))
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	notif := func(i int) NotificationEvent {
		return NotificationEvent{
			URI:       "at://notif/" + string(rune('a'+i)),
			Reason:    "mention",
			Author:    bob,
			IndexedAt: at.Add(time.Duration(i) * time.Minute),
		}
	}

	res, err := s.IngestNotification(notif(0))
	if err != nil || res != Inserted {
		t.Fatalf("first ingest = %v, %v", res, err)
	}
	res, err = s.IngestNotification(notif(0))
	if err != nil || res != Duplicate {
		t.Fatalf("duplicate ingest = %v, %v", res, err)
	}

	// fill past the retention bound; notif(0) must be pruned out
	for i := 1; i <= 5; i++ {
		if _, err := s.IngestNotification(notif(i)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM evaluated_notifications").Scan(&count); err != nil {
		t.Fatalf("counting ledger: %v", err)
	}
	if count != 5 {
		t.Errorf("ledger size = %d, want exactly 5", count)
	}

	// a pruned URI is no longer remembered: it re-inserts as fresh
	res, err = s.IngestNotification(notif(0))
	if err != nil || res != Inserted {
		t.Errorf("re-ingest of pruned uri = %v, %v; want Inserted", res, err)
	}

	if _, err := s.GetMeta("last_evaluation"); err != nil {
		t.Errorf("last_evaluation not maintained: %v", err)
	}
}

func TestIngestInteractionUpdatesThreadState(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	ev := InteractionEvent{
		Actor:      bob,
		Kind:       "reply_to_us",
		OccurredAt: at,
		PostURI:    "at://did:plc:bob/app.bsky.feed.post/p1",
		RootURI:    "at://did:plc:alice/app.bsky.feed.post/root1",
		OurText:    "our post",
		TheirText:  "their reply",
	}

	res, err := s.IngestInteraction(ev)
	if err != nil || res != Inserted {
		t.Fatalf("IngestInteraction = %v, %v", res, err)
	}
	if res, err := s.IngestInteraction(ev); err != nil || res != Duplicate {
		t.Fatalf("duplicate IngestInteraction = %v, %v", res, err)
	}

	threads, err := s.SharedThreads(bob.DID, 5)
	if err != nil {
		t.Fatalf("SharedThreads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("got %d shared threads, want 1", len(threads))
	}
	if threads[0].LastThem != "their reply" || threads[0].LastUs != "our post" {
		t.Errorf("thread excerpt = %+v", threads[0])
	}

	// a later interaction in the same thread moves the snapshot forward
	// but keeps the prior our-side text when the new event has none
	later := ev
	later.OccurredAt = at.Add(time.Hour)
	later.PostURI = "at://did:plc:bob/app.bsky.feed.post/p2"
	later.OurText = ""
	later.TheirText = "second reply"
	if _, err := s.IngestInteraction(later); err != nil {
		t.Fatalf("second IngestInteraction: %v", err)
	}

	threads, err = s.SharedThreads(bob.DID, 5)
	if err != nil {
		t.Fatalf("SharedThreads: %v", err)
	}
	if threads[0].LastThem != "second reply" {
		t.Errorf("LastThem = %q, want second reply", threads[0].LastThem)
	}
	if threads[0].LastUs != "our post" {
		t.Errorf("LastUs = %q, want prior text preserved", threads[0].LastUs)
	}
}

func TestIngestDMBatchContinuesPastBadRecord(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	bad := dmEvent("m-bad", at)
	bad.Direction = "sideways"

	sum := s.IngestDMBatch([]DMEvent{
		dmEvent("m1", at),
		bad,
		dmEvent("m2", at.Add(time.Minute)),
		dmEvent("m1", at), // duplicate of the first
	})

	if sum.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", sum.Inserted)
	}
	if sum.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", sum.Duplicates)
	}
	if sum.Failed != 1 {
		t.Errorf("Failed = %d, want 1", sum.Failed)
	}
	if len(sum.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry", sum.Errors)
	}
}
