package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fastBackoff keeps retry tests quick.
var fastBackoff = BackoffPolicy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

func newTestClient(url string) *Client {
	return NewClient(map[string]string{"llm": url}, "test-key", time.Second, fastBackoff)
}

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("missing service auth header")
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if body["query"] != "hello" {
			t.Errorf("payload query = %q", body["query"])
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"response":"hi"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	status, body := c.Call(context.Background(), http.MethodPost, "llm", "generate", map[string]string{"query": "hello"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	var resp map[string]string
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["response"] != "hi" {
		t.Errorf("response = %q", resp["response"])
	}
}

func TestCallNoRetryOnBusinessError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	status, _ := c.Call(context.Background(), http.MethodGet, "llm", "generate", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if hits.Load() != 1 {
		t.Errorf("non-2xx response retried %d times, want exactly 1 attempt", hits.Load())
	}
}

func TestCallRetriesTransportFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			// Hijack and drop the connection to simulate a transport failure.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("hijack unsupported")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	status, _ := c.Call(context.Background(), http.MethodPost, "llm", "generate", map[string]string{})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retries", status)
	}
	if hits.Load() != 3 {
		t.Errorf("attempts = %d, want 3", hits.Load())
	}
}

func TestCallSyntheticUnavailable(t *testing.T) {
	// Point at a server that is already closed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(srv.URL)
	status, body := c.Call(context.Background(), http.MethodGet, "llm", "generate", nil)
	if status != StatusUnavailable {
		t.Fatalf("status = %d, want %d", status, StatusUnavailable)
	}
	var resp map[string]string
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unavailable body must be valid JSON: %v", err)
	}
	if resp["error"] == "" {
		t.Error("unavailable body missing error field")
	}
}

func TestCallUnknownService(t *testing.T) {
	c := newTestClient("http://localhost:1")
	status, _ := c.Call(context.Background(), http.MethodGet, "nope", "x", nil)
	if status != StatusUnavailable {
		t.Fatalf("status = %d, want %d", status, StatusUnavailable)
	}
}

func TestBackoffDelay(t *testing.T) {
	p := DefaultBackoff
	if d := p.Delay(1); d != 2*time.Second {
		t.Errorf("first delay = %v, want 2s", d)
	}
	if d := p.Delay(2); d != 4*time.Second {
		t.Errorf("second delay = %v, want 4s", d)
	}
	if d := p.Delay(5); d != 10*time.Second {
		t.Errorf("delay must cap at 10s, got %v", d)
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result := c.Probe(context.Background(), "llm")
	if result.Status != "healthy" {
		t.Errorf("probe status = %s, want healthy", result.Status)
	}

	srv.Close()
	result = c.Probe(context.Background(), "llm")
	if result.Status != "unreachable" {
		t.Errorf("probe status after close = %s, want unreachable", result.Status)
	}
}
