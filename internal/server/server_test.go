package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"rpcgateway/internal/aggregate"
	"rpcgateway/internal/blacklist"
	"rpcgateway/internal/breaker"
	"rpcgateway/internal/dispatch"
	"rpcgateway/internal/rejectlog"
)

func upstream(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func newTestServer(t *testing.T, primaryURL, fallbackURL string) (*Server, *aggregate.Aggregator, *fakeStoreUpdater) {
	t.Helper()

	cb := breaker.New(breaker.Config{FailureThreshold: 2, PrimaryURL: primaryURL, FallbackURL: fallbackURL, ResetTimeout: time.Hour})
	d := dispatch.New(dispatch.Config{Breaker: cb})
	fs := &fakeStoreUpdater{}
	agg := aggregate.New(aggregate.Config{Store: fs})
	bl := blacklist.New("", time.Hour)
	rl := rejectlog.New(&bytes.Buffer{}, 100, time.Second)

	s := New(Config{
		Blacklist:  bl,
		Dispatcher: d,
		Aggregator: agg,
		RejectLog:  rl,
	})
	return s, agg, fs
}

type fakeStoreUpdater struct {
	lastCounts map[string]aggregate.IPCount
}

func (f *fakeStoreUpdater) UpdateIPCounts(ctx context.Context, counts map[string]aggregate.IPCount) error {
	f.lastCounts = counts
	return nil
}

// TestNamespacePassThrough covers spec §8 scenario 2: a non-blocked
// method is relayed verbatim and credited to the aggregator exactly
// once.
func TestNamespacePassThrough(t *testing.T) {
	primary := upstream(t, http.StatusOK, `{"jsonrpc":"2.0","id":"x","result":"0x01"}`)
	defer primary.Close()

	s, agg, _ := newTestServer(t, primary.URL, "")

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"jsonrpc":"2.0","method":"eth_call","id":"x"}`))
	req.Header.Set("Origin", "https://example.com/")
	w := httptest.NewRecorder()

	engine := s.Engine()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"result":"0x01"`)) {
		t.Fatalf("expected upstream body relayed verbatim, got %s", w.Body.String())
	}

	urlEntries, ipEntries := agg.LiveSummary()
	if urlEntries != 1 || ipEntries != 1 {
		t.Fatalf("expected one origin and one IP credited, got url=%d ip=%d", urlEntries, ipEntries)
	}
}

// TestBlockedNamespaceBatch covers spec §8 scenario 1: a batch
// containing a blocked-namespace call is rejected wholesale with code
// -32601 and the offending call's id, and never reaches the upstream.
func TestBlockedNamespaceBatch(t *testing.T) {
	upstreamHit := false
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer primary.Close()

	s, _, _ := newTestServer(t, primary.URL, "")

	body := `[{"jsonrpc":"2.0","method":"eth_blockNumber","id":1},{"jsonrpc":"2.0","method":"debug_traceTransaction","id":2}]`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if upstreamHit {
		t.Fatalf("expected the upstream never to be called for a rejected batch")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON body: %v", err)
	}
	errObj, ok := decoded["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error object, got %s", w.Body.String())
	}
	if int(errObj["code"].(float64)) != -32601 {
		t.Fatalf("expected code -32601, got %v", errObj["code"])
	}
	if decoded["id"] != float64(2) {
		t.Fatalf("expected id 2 echoed, got %v", decoded["id"])
	}
}

// TestBlacklistedIPNeverReachesDispatcher covers spec §8 P3: a
// blacklisted IP is rejected before the dispatcher is consulted.
func TestBlacklistedIPNeverReachesDispatcher(t *testing.T) {
	upstreamHit := false
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer primary.Close()

	cb := breaker.New(breaker.Config{PrimaryURL: primary.URL})
	d := dispatch.New(dispatch.Config{Breaker: cb})
	fs := &fakeStoreUpdater{}
	agg := aggregate.New(aggregate.Config{Store: fs})
	rl := rejectlog.New(&bytes.Buffer{}, 100, time.Second)

	tmpFile := t.TempDir() + "/blacklist.txt"
	if err := writeFile(tmpFile, "1.2.3.4\n"); err != nil {
		t.Fatalf("write blacklist: %v", err)
	}
	bl := blacklist.New(tmpFile, time.Hour)

	s := New(Config{Blacklist: bl, Dispatcher: d, Aggregator: agg, RejectLog: rl})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"jsonrpc":"2.0","method":"eth_call","id":1}`))
	req.Header.Set("X-Real-IP", "1.2.3.4")
	w := httptest.NewRecorder()

	s.Engine().ServeHTTP(w, req)

	if upstreamHit {
		t.Fatalf("expected a blacklisted IP never to reach the dispatcher")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected HTTP 200 with a JSON-RPC error body, got %d", w.Code)
	}
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0644)
}
