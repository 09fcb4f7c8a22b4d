package store

import (
	"testing"
	"time"
)

func seedSearchData(t *testing.T, s *Store) {
	t.Helper()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	dm := dmEvent("m1", base)
	dm.Text = "let's talk about gophers tomorrow"
	if _, err := s.IngestDM(dm); err != nil {
		t.Fatalf("IngestDM: %v", err)
	}

	if _, err := s.IngestInteraction(InteractionEvent{
		Actor:      bob,
		Kind:       "reply_to_us",
		OccurredAt: base.Add(48 * time.Hour),
		PostURI:    "at://did:plc:bob/app.bsky.feed.post/p1",
		RootURI:    "at://did:plc:alice/app.bsky.feed.post/root1",
		TheirText:  "gophers are great in threads too",
	}); err != nil {
		t.Fatalf("IngestInteraction: %v", err)
	}
}

func TestSearchScopes(t *testing.T) {
	s := openTestStore(t)
	seedSearchData(t, s)

	all, err := s.Search(SearchQuery{Text: "gophers"})
	if err != nil {
		t.Fatalf("Search all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all scope: got %d hits, want 2", len(all))
	}

	dms, err := s.Search(SearchQuery{Text: "gophers", Scope: ScopeDM})
	if err != nil {
		t.Fatalf("Search dm: %v", err)
	}
	if len(dms) != 1 || dms[0].Kind != "dm" {
		t.Errorf("dm scope hits = %+v", dms)
	}

	threads, err := s.Search(SearchQuery{Text: "gophers", Scope: ScopeThreads})
	if err != nil {
		t.Fatalf("Search threads: %v", err)
	}
	if len(threads) != 1 || threads[0].Kind != "interaction" {
		t.Errorf("thread scope hits = %+v", threads)
	}
}

func TestSearchActorAndTimeFilters(t *testing.T) {
	s := openTestStore(t)
	seedSearchData(t, s)

	// the DM came from alice's convo, the interaction from bob
	hits, err := s.Search(SearchQuery{Text: "gophers", Scope: ScopeThreads, ActorDID: bob.DID})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("actor filter: got %d hits, want 1", len(hits))
	}

	// date-only bound widens to the end of the day, excluding the
	// interaction two days later
	hits, err = s.Search(SearchQuery{Text: "gophers", Until: "2025-06-01"})
	if err != nil {
		t.Fatalf("Search with until: %v", err)
	}
	if len(hits) != 1 || hits[0].Kind != "dm" {
		t.Errorf("until filter hits = %+v", hits)
	}

	hits, err = s.Search(SearchQuery{Text: "gophers", Since: "2025-06-02T00:00:00Z"})
	if err != nil {
		t.Fatalf("Search with since: %v", err)
	}
	if len(hits) != 1 || hits[0].Kind != "interaction" {
		t.Errorf("since filter hits = %+v", hits)
	}
}

func TestSearchPunctuationSafe(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	dm := dmEvent("m-url", base)
	dm.Text = "see https://example.com/post?id=1 for details"
	if _, err := s.IngestDM(dm); err != nil {
		t.Fatalf("IngestDM: %v", err)
	}

	// raw punctuation would be an FTS syntax error without escaping
	hits, err := s.Search(SearchQuery{Text: "example.com/post?id=1"})
	if err != nil {
		t.Fatalf("Search with punctuation: %v", err)
	}
	_ = hits
}

func TestEscapeMatchQuery(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`hello world`, `"hello" "world"`},
		{`hello AND world`, `"hello" AND "world"`},
		{`and or not`, `"and" "or" "not"`},
		{`go*`, `"go"*`},
		{`-spam ham`, `NOT "spam" "ham"`},
		{`"exact phrase" rest`, `"exact phrase" "rest"`},
		{`(a OR b) NOT c`, `( "a" OR "b" ) NOT "c"`},
		{`NEAR/3 a b`, `NEAR/3 "a" "b"`},
		{`it's a "wrap"`, `"it's" "a" "wrap"`},
	}
	for _, c := range cases {
		if got := escapeMatchQuery(c.in); got != c.want {
			t.Errorf("escapeMatchQuery(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseScope(t *testing.T) {
	if sc, err := ParseScope(""); err != nil || sc != ScopeAll {
		t.Errorf("ParseScope(\"\") = %v, %v", sc, err)
	}
	if _, err := ParseScope("everything"); err == nil {
		t.Error("ParseScope(everything) should fail")
	}
}
