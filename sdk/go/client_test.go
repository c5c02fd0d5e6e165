package gatelinesdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestStreamReconnectsWithLastEventID(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs/r1/stream" {
			http.NotFound(w, r)
			return
		}
		last := r.Header.Get("Last-Event-ID")
		mu.Lock()
		seen = append(seen, last)
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		switch last {
		case "":
			fmt.Fprint(w, ": connected\n\nid: 1\nevent: run:requested\ndata: {}\n\nid: 2\nevent: gate:run_started\ndata: {}\n\n")
		case "2":
			fmt.Fprint(w, ": connected\n\n: keep-alive\n\nid: 3\nevent: gate:run_failed\ndata: {\"gate\":1}\n\n")
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ReconnectDelay = 10 * time.Millisecond
	var got []StreamEvent
	err := c.Stream(context.Background(), "r1", 0, func(evt StreamEvent) error {
		got = append(got, evt)
		if evt.ID == 3 {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 3 || got[2].Type != "gate:run_failed" || string(got[2].Data) != `{"gate":1}` {
		t.Fatalf("unexpected frames %+v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "" || seen[1] != "2" {
		t.Fatalf("expected reconnect with Last-Event-ID 2, got %q", seen)
	}
}

func TestStreamStopsOnAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"not_found","message":"run missing: not found"}}`)
	}))
	defer srv.Close()

	err := New(srv.URL).Stream(context.Background(), "missing", 0, func(StreamEvent) error { return nil })
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found api error, got %v", err)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"run_id":"r1","status":"running","stage":"gates","progress":50}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	st, err := c.State(context.Background(), "r1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if auth != "Bearer tok" || st.Progress != 50 {
		t.Fatalf("unexpected auth=%q state=%+v", auth, st)
	}
}
