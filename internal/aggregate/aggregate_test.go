package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeStore struct {
	mu    sync.Mutex
	calls []map[string]IPCount
	err   error
}

func (f *fakeStore) UpdateIPCounts(_ context.Context, counts map[string]IPCount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, counts)
	return f.err
}

type fakeDemand struct {
	mu    sync.Mutex
	calls []map[string]int64
	err   error
}

func (f *fakeDemand) UpdateOriginDemand(_ context.Context, counts map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, counts)
	return f.err
}

type fakeSettlement struct {
	triggered int
}

func (f *fakeSettlement) TriggerSettlement(context.Context) error {
	f.triggered++
	return nil
}

func TestCreditURL_FiltersLocalhostAndEmpty(t *testing.T) {
	a := New(Config{})
	a.CreditURL("", 1)
	a.CreditURL("http://localhost:3000", 1)
	a.CreditURL("https://example.com/", 2)

	urlEntries, _ := a.LiveSummary()
	if urlEntries != 1 {
		t.Fatalf("expected exactly one surviving origin, got %d", urlEntries)
	}
}

func TestCreditURL_FiltersSyntheticOrigins(t *testing.T) {
	a := New(Config{SyntheticOrigins: []string{"https://synthetic.test"}})
	a.CreditURL("https://synthetic.test", 5)

	urlEntries, _ := a.LiveSummary()
	if urlEntries != 0 {
		t.Fatalf("expected synthetic origin filtered out")
	}
}

func TestCreditIP_DiscardsLoopback(t *testing.T) {
	a := New(Config{})
	a.CreditIP("127.0.0.1", "https://example.com", true, 3)
	a.CreditIP("::1", "https://example.com", true, 3)

	_, ipEntries := a.LiveSummary()
	if ipEntries != 0 {
		t.Fatalf("expected loopback IPs discarded, got %d entries", ipEntries)
	}
}

func TestCreditIP_OnlyTracksOriginBreakdownWhenPublic(t *testing.T) {
	nonPublic := &fakeStore{}
	a := New(Config{Store: nonPublic})
	a.CreditIP("198.51.100.1", "https://example.com", false, 1)
	a.Flush(context.Background())

	if len(nonPublic.calls) != 1 {
		t.Fatalf("expected one flush call for the non-public credit, got %d", len(nonPublic.calls))
	}
	if np := nonPublic.calls[0]["198.51.100.1"]; np.Count != 1 || len(np.Origins) != 0 {
		t.Fatalf("expected count without origin breakdown for a non-public origin, got %+v", np)
	}

	store := &fakeStore{}
	a2 := New(Config{Store: store})
	a2.CreditIP("198.51.100.1", "https://example.com", true, 4)
	a2.Flush(context.Background())

	if len(store.calls) != 1 {
		t.Fatalf("expected one flush call, got %d", len(store.calls))
	}
	c := store.calls[0]["198.51.100.1"]
	if c.Count != 4 || c.Origins["example.com"] != 4 {
		t.Fatalf("unexpected ip count: %+v", c)
	}
}

func TestFlush_EmptySnapshotSkipsStoreCalls(t *testing.T) {
	store := &fakeStore{}
	a := New(Config{Store: store})
	a.Flush(context.Background())

	if len(store.calls) != 0 {
		t.Fatalf("expected no store calls for an empty aggregator")
	}
}

func TestFlush_FailureRestoresCounts(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	a := New(Config{Store: store})
	a.CreditIP("198.51.100.1", "https://example.com", true, 7)

	a.Flush(context.Background())

	_, ipEntries := a.LiveSummary()
	if ipEntries != 1 {
		t.Fatalf("expected failed flush to restore counts, got %d entries", ipEntries)
	}
}

func TestFlush_SuccessClearsLiveMapsAndCallsHook(t *testing.T) {
	store := &fakeStore{}
	hookCalled := false
	a := New(Config{Store: store, OnFlushed: func() { hookCalled = true }})
	a.CreditIP("198.51.100.1", "https://example.com", true, 1)

	a.Flush(context.Background())

	_, ipEntries := a.LiveSummary()
	if ipEntries != 0 {
		t.Fatalf("expected live maps cleared after successful flush")
	}
	if !hookCalled {
		t.Fatalf("expected OnFlushed hook to be invoked")
	}
}

func TestFlush_TriggersSettlementEveryTenthSuccess(t *testing.T) {
	store := &fakeStore{}
	settlement := &fakeSettlement{}
	a := New(Config{Store: store, Settlement: settlement})

	for i := 0; i < 10; i++ {
		a.CreditIP("198.51.100.1", "https://example.com", true, 1)
		a.Flush(context.Background())
	}

	if settlement.triggered != 1 {
		t.Fatalf("expected settlement triggered exactly once after 10 flushes, got %d", settlement.triggered)
	}
}

func TestFlush_MergeBackSumsAcrossRetries(t *testing.T) {
	store := &fakeStore{err: errors.New("down")}
	a := New(Config{Store: store})
	a.CreditIP("198.51.100.1", "https://example.com", true, 2)
	a.Flush(context.Background())
	a.CreditIP("198.51.100.1", "https://example.com", true, 3)
	a.Flush(context.Background())

	store.err = nil
	a.Flush(context.Background())

	if len(store.calls) != 3 {
		t.Fatalf("expected two failed flush calls and one successful one, got %d", len(store.calls))
	}
	c := store.calls[2]["198.51.100.1"]
	if c.Count != 5 {
		t.Fatalf("expected summed count of 5 across retries, got %d", c.Count)
	}
}

var _ OriginDemandUpdater = (*fakeDemand)(nil)
