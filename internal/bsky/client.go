// Package bsky is a thin read-only client for the public Bluesky AppView.
// It exists solely to backfill post text the local store has never seen;
// nothing here authenticates or writes.
package bsky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultAppViewURL is the unauthenticated public AppView.
const DefaultAppViewURL = "https://public.api.bsky.app"

// ErrNotFound is returned when the AppView reports the post gone or
// never existing.
var ErrNotFound = errors.New("bsky: post not found")

// Author is the post author as the AppView reports it.
type Author struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
}

// Post is the subset of an AppView post the context pack needs.
type Post struct {
	URI       string `json:"uri"`
	Author    Author `json:"author"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// ThreadNode is one node of a getPostThread response: the post, its
// parent chain and its direct replies.
type ThreadNode struct {
	Post    Post
	Parent  *ThreadNode
	Replies []*ThreadNode
}

// Client fetches posts and threads from an AppView over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given AppView base URL. Empty means
// the public AppView.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAppViewURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// wire shapes for app.bsky.feed.getPosts / getPostThread

type postsResponse struct {
	Posts []wirePost `json:"posts"`
}

type wirePost struct {
	URI    string `json:"uri"`
	Author Author `json:"author"`
	Record struct {
		Text      string `json:"text"`
		CreatedAt string `json:"createdAt"`
	} `json:"record"`
}

type threadResponse struct {
	Thread *wireThreadNode `json:"thread"`
}

type wireThreadNode struct {
	Type     string            `json:"$type"`
	Post     *wirePost         `json:"post"`
	Parent   *wireThreadNode   `json:"parent"`
	Replies  []*wireThreadNode `json:"replies"`
	NotFound bool              `json:"notFound"`
	Blocked  bool              `json:"blocked"`
}

// FetchPost retrieves a single post by at:// URI.
func (c *Client) FetchPost(ctx context.Context, uri string) (Post, error) {
	q := url.Values{}
	q.Set("uris", uri)

	var out postsResponse
	if err := c.get(ctx, "/xrpc/app.bsky.feed.getPosts", q, &out); err != nil {
		return Post{}, err
	}
	if len(out.Posts) == 0 {
		return Post{}, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return out.Posts[0].post(), nil
}

// FetchThread retrieves a post with its parent chain and replies, to the
// given depth.
func (c *Client) FetchThread(ctx context.Context, uri string, depth int) (*ThreadNode, error) {
	if depth <= 0 {
		depth = 10
	}
	q := url.Values{}
	q.Set("uri", uri)
	q.Set("depth", strconv.Itoa(depth))

	var out threadResponse
	if err := c.get(ctx, "/xrpc/app.bsky.feed.getPostThread", q, &out); err != nil {
		return nil, err
	}
	node := out.Thread.node()
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return node, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w (status %d)", ErrNotFound, resp.StatusCode)
	default:
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (p wirePost) post() Post {
	return Post{
		URI:       p.URI,
		Author:    p.Author,
		Text:      strings.TrimSpace(p.Record.Text),
		CreatedAt: p.Record.CreatedAt,
	}
}

func (n *wireThreadNode) node() *ThreadNode {
	if n == nil || n.Post == nil || n.NotFound || n.Blocked {
		return nil
	}
	t := &ThreadNode{Post: n.Post.post()}
	t.Parent = n.Parent.node()
	for _, r := range n.Replies {
		if child := r.node(); child != nil {
			t.Replies = append(t.Replies, child)
		}
	}
	return t
}

var atURIRe = regexp.MustCompile(`^at://([^/]+)/app\.bsky\.feed\.post/([^/]+)$`)

// URIToURL converts a post at:// URI into its bsky.app permalink. Returns
// the input unchanged when it is not a post URI.
func URIToURL(uri string) string {
	m := atURIRe.FindStringSubmatch(uri)
	if m == nil {
		return uri
	}
	return "https://bsky.app/profile/" + m[1] + "/post/" + m[2]
}
