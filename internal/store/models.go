package store

import (
	"fmt"
	"time"
)

// Actor is a remote counterpart identity. The DID is immutable and is the
// join key for every other entity; the handle may change over time and is
// tracked in actor_handle_history.
type Actor struct {
	DID              string
	Handle           string
	DisplayName      string
	FirstSeenAt      time.Time
	LastSeenAt       time.Time
	InteractionCount int
	NotesManual      string
	NotesAuto        string
}

// ActorRef identifies an actor inside an incoming event. Handle and
// DisplayName are best-effort and may be empty.
type ActorRef struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

// Direction of a DM message relative to the account.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ParseDirection validates a wire direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionIn, DirectionOut:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("invalid direction %q (want %q or %q)", s, DirectionIn, DirectionOut)
	}
}

// DMMessage is a single direct message inside a conversation.
// (convo_id, message_id) is the natural key.
type DMMessage struct {
	ConvoID   string
	MessageID string
	ActorDID  string
	Direction Direction
	SentAt    time.Time
	Text      string
}

// InteractionKind is the closed set of observed interaction types.
type InteractionKind string

const (
	KindReplyToUs   InteractionKind = "reply_to_us"
	KindReplyToThem InteractionKind = "reply_to_them"
	KindMention     InteractionKind = "mention"
	KindQuote       InteractionKind = "quote"
	KindLike        InteractionKind = "like"
	KindRepost      InteractionKind = "repost"
)

// ParseInteractionKind validates a wire kind string.
func ParseInteractionKind(s string) (InteractionKind, error) {
	switch InteractionKind(s) {
	case KindReplyToUs, KindReplyToThem, KindMention, KindQuote, KindLike, KindRepost:
		return InteractionKind(s), nil
	default:
		return "", fmt.Errorf("invalid interaction kind %q", s)
	}
}

// Interaction is an observed event between the account and an actor.
// Immutable once written; append-only.
type Interaction struct {
	ID         string
	ActorDID   string
	Kind       InteractionKind
	OccurredAt time.Time
	PostURI    string
	OurText    string
	TheirText  string
}

// ThreadExcerpt is one shared thread for COLD context: the thread root
// plus the latest outbound/inbound snippets for a given actor.
type ThreadExcerpt struct {
	RootURI           string
	RootText          string
	LastPostURI       string
	LastUs            string
	LastThem          string
	LastInteractionAt string
}

// WatchStatus is the closed set of thread-watch states.
type WatchStatus string

const (
	StatusWatching WatchStatus = "watching"
	StatusSilenced WatchStatus = "silenced"
	StatusClosed   WatchStatus = "closed"
)

// ParseWatchStatus validates a wire status string.
func ParseWatchStatus(s string) (WatchStatus, error) {
	switch WatchStatus(s) {
	case StatusWatching, StatusSilenced, StatusClosed:
		return WatchStatus(s), nil
	default:
		return "", fmt.Errorf("invalid watch status %q", s)
	}
}

// WatchState is one monitored (root, actor) pair.
type WatchState struct {
	RootURI        string
	ActorDID       string
	Status         WatchStatus
	BackoffStep    int
	NextCheckAt    time.Time
	SilenceUntil   time.Time
	LastCheckedAt  time.Time
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// IngestResult reports whether an event produced a new row.
type IngestResult int

const (
	// Inserted means the event was new and its rows were written.
	Inserted IngestResult = iota
	// Duplicate means the natural key already existed; nothing was written.
	Duplicate
)

func (r IngestResult) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "inserted"
}

// IngestSummary counts the outcomes of a batch ingest. Per-record
// failures are counted, never abort the batch.
type IngestSummary struct {
	Inserted   int
	Duplicates int
	Failed     int
	Errors     []string
}

func (s *IngestSummary) record(res IngestResult, err error) {
	switch {
	case err != nil:
		s.Failed++
		s.Errors = append(s.Errors, err.Error())
	case res == Duplicate:
		s.Duplicates++
	default:
		s.Inserted++
	}
}
