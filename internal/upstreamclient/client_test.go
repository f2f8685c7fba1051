package upstreamclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetchOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New(Config{})
	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, http.Header{}, nil, time.Second)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want OutcomeOK", resp.Outcome)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != "hello" {
		t.Fatalf("Body = %q, want %q", resp.Body, "hello")
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatal("response header X-Upstream was stripped or missing")
	}
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{})
	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, http.Header{}, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %v, want OutcomeTimeout", resp.Outcome)
	}
}

func TestFetchConnectError(t *testing.T) {
	c := New(Config{})
	resp, err := c.Fetch(context.Background(), http.MethodGet, "http://127.0.0.1:1", http.Header{}, nil, time.Second)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Outcome != OutcomeConnectError {
		t.Fatalf("Outcome = %v, want OutcomeConnectError", resp.Outcome)
	}
}

func TestFetchBodyOverLimitIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	c := New(Config{MaxResponseBodyBytes: 16})
	resp, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, http.Header{}, nil, time.Second)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Outcome != OutcomeProtocolError {
		t.Fatalf("Outcome = %v, want OutcomeProtocolError", resp.Outcome)
	}
}

func TestCleanHeaderStripsHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "Keep-Alive, X-Custom-Drop")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("X-Custom-Drop", "should-go")
	h.Set("X-Tenant", "acme")

	cleaned := CleanHeader(h)
	for _, name := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "X-Custom-Drop"} {
		if cleaned.Get(name) != "" {
			t.Fatalf("CleanHeader() kept hop-by-hop header %q", name)
		}
	}
	if cleaned.Get("X-Tenant") != "acme" {
		t.Fatal("CleanHeader() dropped a regular header it should have kept")
	}
}

func TestFetchRejectsMalformedRequest(t *testing.T) {
	c := New(Config{})
	resp, err := c.Fetch(context.Background(), "G ET", "http://example.invalid", http.Header{}, nil, time.Second)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Outcome != OutcomeProtocolError {
		t.Fatalf("Outcome = %v, want OutcomeProtocolError", resp.Outcome)
	}
}

func TestFetchRespectsOutboundRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{OutboundQPS: 2, OutboundBurst: 1})
	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := c.Fetch(context.Background(), http.MethodGet, srv.URL, http.Header{}, nil, time.Second); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("two fetches at burst=1/qps=2 completed in %v, want throttling to introduce a delay", elapsed)
	}
}

func TestClassifyErrorContainsNoLeakedInternals(t *testing.T) {
	// Guard against Fetch ever surfacing a raw Go error value to callers:
	// the whole point of Outcome classification is that pipeline code
	// never has to string-match transport errors.
	c := New(Config{})
	resp, err := c.Fetch(context.Background(), http.MethodGet, "not-a-url", http.Header{}, nil, time.Second)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Outcome == "" || strings.Contains(string(resp.Outcome), "://") {
		t.Fatalf("Outcome = %q, want a clean classification", resp.Outcome)
	}
}
