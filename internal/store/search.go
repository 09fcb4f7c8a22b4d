package store

import (
	"fmt"
	"strings"
)

// SearchScope narrows a full-text query to one slice of the history index.
type SearchScope string

const (
	ScopeAll     SearchScope = "all"
	ScopeDM      SearchScope = "dm"
	ScopeThreads SearchScope = "threads"
)

// ParseScope validates a scope string, defaulting empty to ScopeAll.
func ParseScope(s string) (SearchScope, error) {
	switch SearchScope(s) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeDM, ScopeThreads:
		return SearchScope(s), nil
	default:
		return "", fmt.Errorf("unknown search scope %q (want all, dm or threads)", s)
	}
}

// SearchQuery describes one full-text search over ingested history.
// ActorDID, when set, restricts DM hits to conversations that actor is a
// member of and thread hits to rows authored by that actor. Since and
// Until are RFC3339 timestamps or bare yyyy-mm-dd dates; dates widen to
// the whole day.
type SearchQuery struct {
	Text     string
	Scope    SearchScope
	ActorDID string
	Since    string
	Until    string
	Limit    int
}

// SearchHit is one ranked match from the history index.
type SearchHit struct {
	Kind      string
	Text      string
	Timestamp string
	ActorDID  string
	ConvoID   string
	URI       string
	Direction string
}

const defaultSearchLimit = 20

// Search runs a ranked full-text query against the history index.
// Results come back ordered by bm25 relevance, ties broken newest first.
func (s *Store) Search(q SearchQuery) ([]SearchHit, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("search requires query text")
	}
	scope := q.Scope
	if scope == "" {
		scope = ScopeAll
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT kind, text, ts, actor_did, convo_id, uri, direction
		FROM history_fts
		WHERE history_fts MATCH ?`)
	args := []any{escapeMatchQuery(q.Text)}

	switch scope {
	case ScopeDM:
		sb.WriteString(" AND kind = 'dm'")
		if q.ActorDID != "" {
			sb.WriteString(" AND convo_id IN (SELECT convo_id FROM dm_convo_members WHERE did = ?)")
			args = append(args, q.ActorDID)
		}
	case ScopeThreads:
		sb.WriteString(" AND kind = 'interaction'")
		if q.ActorDID != "" {
			sb.WriteString(" AND actor_did = ?")
			args = append(args, q.ActorDID)
		}
	default:
		if q.ActorDID != "" {
			sb.WriteString(" AND actor_did = ?")
			args = append(args, q.ActorDID)
		}
	}

	if since := widenSince(q.Since); since != "" {
		sb.WriteString(" AND ts >= ?")
		args = append(args, since)
	}
	if until := widenUntil(q.Until); until != "" {
		sb.WriteString(" AND ts <= ?")
		args = append(args, until)
	}

	sb.WriteString(" ORDER BY bm25(history_fts), ts DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("searching history: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.Kind, &h.Text, &h.Timestamp, &h.ActorDID, &h.ConvoID, &h.URI, &h.Direction); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Timestamps are stored as RFC3339 UTC strings, so plain string
// comparison is chronological. Bare dates widen to day boundaries.

func widenSince(s string) string {
	if s == "" {
		return ""
	}
	if len(s) == len("2006-01-02") {
		return s + "T00:00:00Z"
	}
	return s
}

func widenUntil(s string) string {
	if s == "" {
		return ""
	}
	if len(s) == len("2006-01-02") {
		return s + "T23:59:59Z"
	}
	return s
}

// escapeMatchQuery rewrites free-form user input into a safe FTS5 MATCH
// expression. Uppercase AND/OR/NOT and NEAR/n pass through as operators,
// as do parentheses, trailing-* prefix terms and leading-minus
// exclusions. Everything else, including double-quoted phrases and
// tokens with punctuation FTS would misparse, is emitted as a quoted
// string.
func escapeMatchQuery(q string) string {
	var out []string
	for _, tok := range splitMatchTokens(q) {
		switch {
		case tok == "AND" || tok == "OR" || tok == "NOT" || tok == "(" || tok == ")":
			out = append(out, tok)
		case strings.HasPrefix(tok, "NEAR/") && isDigits(tok[len("NEAR/"):]):
			out = append(out, tok)
		case strings.HasPrefix(tok, `"`):
			out = append(out, quoteMatchToken(strings.Trim(tok, `"`)))
		case strings.HasPrefix(tok, "-") && len(tok) > 1:
			out = append(out, "NOT "+escapeBareToken(tok[1:]))
		default:
			out = append(out, escapeBareToken(tok))
		}
	}
	return strings.Join(out, " ")
}

func escapeBareToken(tok string) string {
	if strings.HasSuffix(tok, "*") && len(tok) > 1 {
		return quoteMatchToken(strings.TrimSuffix(tok, "*")) + "*"
	}
	return quoteMatchToken(tok)
}

func quoteMatchToken(tok string) string {
	return `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
}

// splitMatchTokens splits on whitespace but keeps double-quoted phrases
// together and peels parentheses off as their own tokens.
func splitMatchTokens(q string) []string {
	var toks []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}

	for _, r := range q {
		switch {
		case r == '"':
			cur.WriteRune(r)
			if inQuote {
				flush()
			}
			inQuote = !inQuote
		case inQuote:
			cur.WriteRune(r)
		case r == '(' || r == ')':
			flush()
			toks = append(toks, string(r))
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
