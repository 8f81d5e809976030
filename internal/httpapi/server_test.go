package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loadzone/loadzone/internal/booking"
	"github.com/loadzone/loadzone/internal/clock"
	"github.com/loadzone/loadzone/internal/notify"
	"github.com/loadzone/loadzone/internal/store"
)

type testServer struct {
	ts  *httptest.Server
	hub *notify.Hub
	clk *clock.Manual
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clk))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := notify.NewHub(nil)
	svc := booking.New(st, hub, nil, clk, nil)
	srv := NewServer(svc, hub, "", nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, hub: hub, clk: clk}
}

// do issues a JSON request, optionally authenticated as email.
func (s *testServer) do(t *testing.T, method, path, email string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, buf)
	if err != nil {
		t.Fatal(err)
	}
	if email != "" {
		req.AddCookie(&http.Cookie{Name: identityCookie, Value: email})
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func (s *testServer) auth(t *testing.T, email string) {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/auth", "", map[string]string{"email": email})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth returned %d", resp.StatusCode)
	}
}

func (s *testServer) createResource(t *testing.T, id string) {
	t.Helper()
	s.auth(t, "admin@example.com")
	resp := s.do(t, http.MethodPost, "/resources", "admin@example.com", map[string]string{"id": id})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create resource returned %d", resp.StatusCode)
	}
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/auth", "", map[string]string{"email": "not-an-email"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad email: status %d, want 400", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPost, "/auth", "", map[string]string{"email": " A@Example.COM "})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth: status %d, want 200", resp.StatusCode)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == identityCookie {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no identity cookie set")
	}
	// Identity is normalized before it is stored or set.
	if cookie.Value != "a@example.com" {
		t.Errorf("cookie value = %q, want a@example.com", cookie.Value)
	}

	var me struct {
		Authenticated bool   `json:"authenticated"`
		Email         string `json:"email"`
	}
	resp = s.do(t, http.MethodGet, "/me", "a@example.com", nil)
	decode(t, resp, &me)
	if !me.Authenticated || me.Email != "a@example.com" {
		t.Errorf("me = %+v, want authenticated a@example.com", me)
	}

	resp = s.do(t, http.MethodGet, "/me", "", nil)
	me.Authenticated = true
	decode(t, resp, &me)
	if me.Authenticated {
		t.Error("anonymous /me reported authenticated")
	}
}

func TestResourceLifecycle(t *testing.T) {
	s := newTestServer(t)

	// Mutations require identity.
	resp := s.do(t, http.MethodPost, "/resources", "", map[string]string{"id": "node-1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous create: status %d, want 401", resp.StatusCode)
	}

	s.createResource(t, "node-1")

	resp = s.do(t, http.MethodPost, "/resources", "admin@example.com", map[string]string{"id": "node-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create: status %d, want 409", resp.StatusCode)
	}

	resp = s.do(t, http.MethodGet, "/resources/node-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get: status %d, want 200", resp.StatusCode)
	}
	resp = s.do(t, http.MethodGet, "/resources/missing", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get missing: status %d, want 404", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPost, "/resources/node-1/delete", "admin@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: status %d, want 200", resp.StatusCode)
	}
	resp = s.do(t, http.MethodGet, "/resources/node-1", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: status %d, want 404", resp.StatusCode)
	}
}

func TestBookRenewCancelEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.createResource(t, "node-1")
	s.auth(t, "a@example.com")
	s.auth(t, "b@example.com")

	var res struct {
		BookedBy  string `json:"booked_by"`
		ExpiresAt string `json:"expires_at"`
	}
	resp := s.do(t, http.MethodPost, "/resources/node-1/book", "a@example.com", map[string]int{"hours": 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("book: status %d, want 200", resp.StatusCode)
	}
	decode(t, resp, &res)
	if res.BookedBy != "a@example.com" || res.ExpiresAt == "" {
		t.Errorf("booked resource = %+v", res)
	}

	resp = s.do(t, http.MethodPost, "/resources/node-1/book", "b@example.com", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("book leased: status %d, want 409", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPost, "/resources/node-1/renew", "b@example.com", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("renew by non-owner: status %d, want 409", resp.StatusCode)
	}
	resp = s.do(t, http.MethodPost, "/resources/node-1/renew", "a@example.com", map[string]int{"hours": 1})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("renew: status %d, want 200", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPost, "/resources/node-1/cancel", "a@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cancel: status %d, want 200", resp.StatusCode)
	}
	resp = s.do(t, http.MethodPost, "/resources/node-1/cancel", "a@example.com", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel on free resource: status %d, want 409", resp.StatusCode)
	}
}

func TestQueueEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.createResource(t, "node-1")
	s.auth(t, "a@example.com")
	s.auth(t, "b@example.com")

	resp := s.do(t, http.MethodPost, "/resources/node-1/book", "a@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("book: status %d", resp.StatusCode)
	}

	// Owner cannot queue for their own resource.
	resp = s.do(t, http.MethodPost, "/resources/node-1/queue/join", "a@example.com", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("owner join: status %d, want 409", resp.StatusCode)
	}

	var join struct {
		Status   string `json:"status"`
		Position int    `json:"position"`
	}
	resp = s.do(t, http.MethodPost, "/resources/node-1/queue/join", "b@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: status %d", resp.StatusCode)
	}
	decode(t, resp, &join)
	if join.Status != "ok" || join.Position != 1 {
		t.Errorf("join = %+v, want ok at position 1", join)
	}

	resp = s.do(t, http.MethodPost, "/resources/node-1/queue/join", "b@example.com", nil)
	decode(t, resp, &join)
	if join.Status != "already_in_queue" || join.Position != 1 {
		t.Errorf("repeat join = %+v, want already_in_queue at 1", join)
	}

	resp = s.do(t, http.MethodPost, "/resources/node-1/queue/leave", "b@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("leave: status %d, want 200", resp.StatusCode)
	}
	resp = s.do(t, http.MethodPost, "/resources/node-1/queue/leave", "b@example.com", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("repeat leave: status %d, want 409", resp.StatusCode)
	}
}

func TestGroupEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.createResource(t, "node-1")

	var group struct {
		ID          int64    `json:"id"`
		Name        string   `json:"name"`
		ResourceIDs []string `json:"resource_ids"`
	}
	resp := s.do(t, http.MethodPost, "/groups", "admin@example.com", map[string]any{
		"name":         "lab",
		"resource_ids": []string{"node-1"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group: status %d", resp.StatusCode)
	}
	decode(t, resp, &group)
	if group.Name != "lab" || len(group.ResourceIDs) != 1 {
		t.Errorf("group = %+v", group)
	}

	resp = s.do(t, http.MethodPost, "/groups", "admin@example.com", map[string]string{"name": "lab"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate group: status %d, want 409", resp.StatusCode)
	}

	resp = s.do(t, http.MethodPost, "/resources/node-1/ungroup", "admin@example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ungroup: status %d, want 200", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status %d, want 200", resp.StatusCode)
	}
	resp = s.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics: status %d, want 200", resp.StatusCode)
	}
}

func TestEventStreamFiltersTargetedEvents(t *testing.T) {
	s := newTestServer(t)

	ctx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ts.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.AddCookie(&http.Cookie{Name: identityCookie, Value: "b@example.com"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Wait for the subscription before emitting.
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.hub.Emit(notify.Event{Name: notify.EventReleased, Target: "a@example.com", Resource: "node-1"})
	s.hub.Emit(notify.Event{Name: notify.EventBooked, Resource: "node-2"})

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// The broadcast must arrive; the event targeted at someone else must
	// have been skipped ahead of it.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, open := <-lines:
			if !open {
				t.Fatal("stream closed before the broadcast arrived")
			}
			if strings.HasPrefix(line, "event: ") {
				if got := strings.TrimPrefix(line, "event: "); got != notify.EventBooked {
					t.Fatalf("first streamed event = %q, want %q", got, notify.EventBooked)
				}
				return
			}
		case <-timeout:
			t.Fatal("no event arrived on the stream")
		}
	}
}
