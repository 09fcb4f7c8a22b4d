package bsky

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/app.bsky.feed.getPosts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("uris"); got != "at://did:plc:a/app.bsky.feed.post/1" {
			t.Errorf("uris = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"posts":[{
			"uri":"at://did:plc:a/app.bsky.feed.post/1",
			"author":{"did":"did:plc:a","handle":"a.example"},
			"record":{"text":"  hello world  ","createdAt":"2025-06-01T10:00:00Z"}
		}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	post, err := c.FetchPost(context.Background(), "at://did:plc:a/app.bsky.feed.post/1")
	if err != nil {
		t.Fatalf("FetchPost: %v", err)
	}
	if post.Text != "hello world" {
		t.Errorf("Text = %q, want trimmed hello world", post.Text)
	}
	if post.Author.Handle != "a.example" {
		t.Errorf("Author.Handle = %q", post.Author.Handle)
	}
}

func TestFetchPostNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"posts":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.FetchPost(context.Background(), "at://gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestFetchThreadFlattensNodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"thread":{
			"post":{"uri":"at://did:plc:a/app.bsky.feed.post/focus","author":{"handle":"me.example"},"record":{"text":"focus"}},
			"parent":{"post":{"uri":"at://did:plc:a/app.bsky.feed.post/root","author":{"handle":"a.example"},"record":{"text":"root"}}},
			"replies":[
				{"post":{"uri":"at://did:plc:b/app.bsky.feed.post/r1","author":{"handle":"b.example"},"record":{"text":"reply"}}},
				{"notFound":true}
			]
		}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	node, err := c.FetchThread(context.Background(), "at://did:plc:a/app.bsky.feed.post/focus", 5)
	if err != nil {
		t.Fatalf("FetchThread: %v", err)
	}
	if node.Post.Text != "focus" {
		t.Errorf("focus text = %q", node.Post.Text)
	}
	if node.Parent == nil || node.Parent.Post.Text != "root" {
		t.Errorf("parent = %+v", node.Parent)
	}
	if len(node.Replies) != 1 {
		t.Errorf("got %d replies, want 1 (notFound node dropped)", len(node.Replies))
	}
}

func TestURIToURL(t *testing.T) {
	got := URIToURL("at://did:plc:abc/app.bsky.feed.post/xyz")
	want := "https://bsky.app/profile/did:plc:abc/post/xyz"
	if got != want {
		t.Errorf("URIToURL = %q, want %q", got, want)
	}
	if got := URIToURL("not-a-post-uri"); got != "not-a-post-uri" {
		t.Errorf("non-post uri changed: %q", got)
	}
}
