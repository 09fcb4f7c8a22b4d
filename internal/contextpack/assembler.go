// Package contextpack assembles the HOT/COLD context pack for one
// counterpart: recent conversation state meant to be pasted into an
// agent prompt, split into what is happening now (HOT) and what the
// store remembers (COLD).
package contextpack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/skymem/internal/bsky"
	"github.com/kalambet/skymem/internal/store"
)

// Storage is the slice of the store the assembler reads. *store.Store
// satisfies it.
type Storage interface {
	ResolveActor(ref string) (store.Actor, error)
	GetActor(did string) (store.Actor, error)
	ActorTags(did string) ([]string, error)
	RecentDMs(did string, limit int) ([]store.DMMessage, error)
	SharedThreads(did string, limit int) ([]store.ThreadExcerpt, error)
	SetThreadRootText(rootURI, text string) error
}

// Fetcher backfills post text the store has never seen. *bsky.Client
// satisfies it; a nil Fetcher disables live fetching.
type Fetcher interface {
	FetchPost(ctx context.Context, uri string) (bsky.Post, error)
	FetchThread(ctx context.Context, uri string, depth int) (*bsky.ThreadNode, error)
}

// Assembler builds context packs from the store, optionally enriched by
// live fetches.
type Assembler struct {
	Store   Storage
	Fetcher Fetcher
	Clock   func() time.Time
}

// Options bound the pack size.
type Options struct {
	DMLimit     int
	ThreadLimit int
	FocusURI    string
}

// Pack is one assembled context pack.
type Pack struct {
	GeneratedAt string `json:"generated_at"`
	Hot         Hot    `json:"hot"`
	Cold        Cold   `json:"cold"`
}

// Hot is the live half of the pack: the DM transcript and, when a focus
// post is given, its reply path.
type Hot struct {
	DMs   []DM   `json:"dms"`
	Focus *Focus `json:"focus,omitempty"`
}

// DM is one transcript line.
type DM struct {
	SenderHandle string `json:"sender_handle"`
	Outbound     bool   `json:"outbound"`
	SentAt       string `json:"sent_at"`
	Text         string `json:"text"`
}

// Focus carries the root-to-focus reply path plus one level of
// branching replies under the focus post.
type Focus struct {
	URI      string        `json:"uri"`
	URL      string        `json:"url"`
	Path     []PostSummary `json:"path"`
	Branches []PostSummary `json:"branches,omitempty"`
}

// PostSummary is one post inside a focus path.
type PostSummary struct {
	URI          string `json:"uri"`
	URL          string `json:"url"`
	AuthorHandle string `json:"author_handle"`
	CreatedAt    string `json:"created_at"`
	Text         string `json:"text"`
}

// Cold is the remembered half of the pack.
type Cold struct {
	Actor   Profile  `json:"actor"`
	Threads []Thread `json:"threads"`
}

// Profile summarizes what the store knows about the counterpart.
type Profile struct {
	DID              string   `json:"did"`
	Handle           string   `json:"handle"`
	DisplayName      string   `json:"display_name,omitempty"`
	FirstSeenAt      string   `json:"first_seen_at,omitempty"`
	LastSeenAt       string   `json:"last_seen_at,omitempty"`
	InteractionCount int      `json:"interaction_count"`
	Tags             []string `json:"tags,omitempty"`
	NotesManual      string   `json:"notes_manual,omitempty"`
	NotesAuto        string   `json:"notes_auto,omitempty"`
}

// Thread is one shared-thread excerpt.
type Thread struct {
	RootURI           string `json:"root_uri"`
	URL               string `json:"url"`
	RootText          string `json:"root_text,omitempty"`
	LastUs            string `json:"last_us,omitempty"`
	LastThem          string `json:"last_them,omitempty"`
	LastInteractionAt string `json:"last_interaction_at"`
}

const fetchConcurrency = 4

// Build assembles the pack for one counterpart, identified by DID or
// handle. The store is read first; only root texts the store is missing
// go out over the network, and a failed fetch just leaves the excerpt
// without its root text.
func (a *Assembler) Build(ctx context.Context, actorRef string, opts Options) (*Pack, error) {
	if opts.DMLimit <= 0 {
		opts.DMLimit = 10
	}
	if opts.ThreadLimit <= 0 {
		opts.ThreadLimit = 5
	}

	actor, err := a.Store.ResolveActor(actorRef)
	if err != nil {
		return nil, fmt.Errorf("resolving actor %q: %w", actorRef, err)
	}

	tags, err := a.Store.ActorTags(actor.DID)
	if err != nil {
		return nil, fmt.Errorf("loading actor tags: %w", err)
	}

	dms, err := a.Store.RecentDMs(actor.DID, opts.DMLimit)
	if err != nil {
		return nil, fmt.Errorf("loading recent dms: %w", err)
	}

	excerpts, err := a.Store.SharedThreads(actor.DID, opts.ThreadLimit)
	if err != nil {
		return nil, fmt.Errorf("loading shared threads: %w", err)
	}

	pack := &Pack{
		GeneratedAt: a.now().UTC().Truncate(time.Second).Format(time.RFC3339),
		Cold: Cold{
			Actor: Profile{
				DID:              actor.DID,
				Handle:           actor.Handle,
				DisplayName:      actor.DisplayName,
				FirstSeenAt:      fmtPackTime(actor.FirstSeenAt),
				LastSeenAt:       fmtPackTime(actor.LastSeenAt),
				InteractionCount: actor.InteractionCount,
				Tags:             tags,
				NotesManual:      actor.NotesManual,
				NotesAuto:        actor.NotesAuto,
			},
		},
	}

	for _, m := range dms {
		pack.Hot.DMs = append(pack.Hot.DMs, DM{
			SenderHandle: a.senderHandle(m, actor),
			Outbound:     m.Direction == store.DirectionOut,
			SentAt:       fmtPackTime(m.SentAt),
			Text:         m.Text,
		})
	}

	for _, e := range excerpts {
		pack.Cold.Threads = append(pack.Cold.Threads, Thread{
			RootURI:           e.RootURI,
			URL:               bsky.URIToURL(e.RootURI),
			RootText:          e.RootText,
			LastUs:            e.LastUs,
			LastThem:          e.LastThem,
			LastInteractionAt: e.LastInteractionAt,
		})
	}

	// Live enrichment happens after every store read above has finished,
	// so no fetch ever runs under a store transaction.
	if a.Fetcher != nil {
		a.backfillRootTexts(ctx, pack)
		if opts.FocusURI != "" {
			pack.Hot.Focus = a.buildFocus(ctx, opts.FocusURI)
		}
	}

	return pack, nil
}

// backfillRootTexts fetches missing thread root texts concurrently and
// caches what it finds back into the store. Failures leave the excerpt
// as-is.
func (a *Assembler) backfillRootTexts(ctx context.Context, pack *Pack) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i := range pack.Cold.Threads {
		if pack.Cold.Threads[i].RootText != "" {
			continue
		}
		th := &pack.Cold.Threads[i]
		g.Go(func() error {
			post, err := a.Fetcher.FetchPost(gctx, th.RootURI)
			if err != nil {
				return nil
			}
			th.RootText = post.Text
			if err := a.Store.SetThreadRootText(th.RootURI, post.Text); err != nil {
				slog.Debug("caching thread root text failed", "root_uri", th.RootURI, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// buildFocus fetches the focus post's thread and flattens the parent
// chain into a root-first path. A failed fetch yields a Focus with just
// the URI so the caller still sees what was asked for.
func (a *Assembler) buildFocus(ctx context.Context, focusURI string) *Focus {
	f := &Focus{
		URI: focusURI,
		URL: bsky.URIToURL(focusURI),
	}

	node, err := a.Fetcher.FetchThread(ctx, focusURI, 10)
	if err != nil || node == nil {
		// the pack stays usable without the path
		return f
	}

	// walk parents up to the root, then reverse
	var rev []PostSummary
	for cur := node; cur != nil; cur = cur.Parent {
		rev = append(rev, summarize(cur.Post))
	}
	for i := len(rev) - 1; i >= 0; i-- {
		f.Path = append(f.Path, rev[i])
	}

	const branchLimit = 5
	for _, r := range node.Replies {
		f.Branches = append(f.Branches, summarize(r.Post))
		if len(f.Branches) >= branchLimit {
			break
		}
	}
	return f
}

// senderHandle labels a transcript line. Outbound messages are ours;
// inbound ones from the counterpart use their handle, anyone else in the
// conversation gets looked up.
func (a *Assembler) senderHandle(m store.DMMessage, counterpart store.Actor) string {
	if m.Direction == store.DirectionOut {
		return "(you)"
	}
	if m.ActorDID == counterpart.DID {
		return fallback(counterpart.Handle, m.ActorDID)
	}
	if other, err := a.Store.GetActor(m.ActorDID); err == nil && other.Handle != "" {
		return other.Handle
	}
	return m.ActorDID
}

func (a *Assembler) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

func summarize(p bsky.Post) PostSummary {
	return PostSummary{
		URI:          p.URI,
		URL:          bsky.URIToURL(p.URI),
		AuthorHandle: p.Author.Handle,
		CreatedAt:    p.CreatedAt,
		Text:         p.Text,
	}
}

func fmtPackTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func fallback(s, alt string) string {
	if s != "" {
		return s
	}
	return alt
}
