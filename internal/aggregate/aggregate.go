// Package aggregate implements the in-memory per-origin and per-(IP,
// origin) request counters described in spec §4.7, and the periodic
// flush loop that drains them into the store. It is the only structure
// mutated from both request threads and a background loop (spec §5),
// so every access goes through a single mutex; callers never receive
// an alias into the live maps.
package aggregate

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rpcgateway/internal/logging"
)

// IPCount is one IP's tally: a total and its per-origin breakdown.
type IPCount struct {
	Count   int64
	Origins map[string]int64
}

// Snapshot is an immutable copy of the aggregator's accumulated state,
// handed to the store adapter and the origin-demand updater.
type Snapshot struct {
	URLCounts map[string]int64
	IPCounts  map[string]IPCount
}

func (s Snapshot) isEmpty() bool {
	return len(s.URLCounts) == 0 && len(s.IPCounts) == 0
}

// StoreUpdater persists a per-IP snapshot. Implemented by the store
// adapter.
type StoreUpdater interface {
	UpdateIPCounts(ctx context.Context, counts map[string]IPCount) error
}

// OriginDemandUpdater is the external settlement collaborator that
// consumes per-origin demand counts (spec §1: on-chain settlement is out
// of scope for this core, but the extension point is owned here).
type OriginDemandUpdater interface {
	UpdateOriginDemand(ctx context.Context, counts map[string]int64) error
}

// SettlementTrigger is invoked every 10 successful flush cycles (spec
// §4.7 step 5).
type SettlementTrigger interface {
	TriggerSettlement(ctx context.Context) error
}

// Aggregator holds the two live maps and drives the flush loop.
type Aggregator struct {
	mu        sync.Mutex
	urlCounts map[string]int64
	ipCounts  map[string]IPCount

	syntheticOrigins map[string]struct{}

	flushing atomic.Bool

	successfulFlushes atomic.Uint64

	store      StoreUpdater
	demand     OriginDemandUpdater
	settlement SettlementTrigger

	onFlushed func() // best-effort cross-instance invalidation hook
}

// Config parameterizes an Aggregator.
type Config struct {
	Store            StoreUpdater
	Demand           OriginDemandUpdater
	Settlement       SettlementTrigger
	SyntheticOrigins []string
	OnFlushed        func()
}

func New(cfg Config) *Aggregator {
	synth := make(map[string]struct{}, len(cfg.SyntheticOrigins))
	for _, o := range cfg.SyntheticOrigins {
		synth[cleanOrigin(o)] = struct{}{}
	}
	return &Aggregator{
		urlCounts:        map[string]int64{},
		ipCounts:         map[string]IPCount{},
		syntheticOrigins: synth,
		store:            cfg.Store,
		demand:           cfg.Demand,
		settlement:       cfg.Settlement,
		onFlushed:        cfg.OnFlushed,
	}
}

// cleanOrigin strips protocol and a trailing slash.
func cleanOrigin(origin string) string {
	o := strings.TrimSpace(origin)
	if idx := strings.Index(o, "://"); idx >= 0 {
		o = o[idx+3:]
	}
	o = strings.TrimSuffix(o, "/")
	return o
}

func (a *Aggregator) isSynthetic(clean string) bool {
	_, ok := a.syntheticOrigins[clean]
	return ok
}

// CreditURL increments the origin counter by n, after filtering out
// empty, localhost-containing, and configured synthetic origins (spec
// §4.7 updateUrlCountMap).
func (a *Aggregator) CreditURL(origin string, n int64) {
	clean := cleanOrigin(origin)
	if clean == "" || strings.Contains(clean, "localhost") || a.isSynthetic(clean) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.urlCounts[clean] += n
}

// CreditIP increments the IP counter by n and, if origin is public,
// its per-origin breakdown (spec §4.7 updateIpCountMap). Loopback IPs
// and configured synthetic origins are discarded entirely.
func (a *Aggregator) CreditIP(ip, origin string, isPublic bool, n int64) {
	if ip == "" || isLoopback(ip) {
		return
	}
	clean := cleanOrigin(origin)
	if a.isSynthetic(clean) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.ipCounts[ip]
	c.Count += n
	if isPublic && clean != "" {
		if c.Origins == nil {
			c.Origins = map[string]int64{}
		}
		c.Origins[clean] += n
	}
	a.ipCounts[ip] = c
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || strings.HasPrefix(ip, "127.")
}

// swap atomically replaces both live maps with empty ones and returns
// the displaced snapshot.
func (a *Aggregator) swap() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{URLCounts: a.urlCounts, IPCounts: a.ipCounts}
	a.urlCounts = map[string]int64{}
	a.ipCounts = map[string]IPCount{}
	return snap
}

// mergeBack folds a displaced snapshot back into the live maps, summing
// counts per key (spec §4.7 step 4). Used when a flush fails so the
// next cycle retries the same data.
func (a *Aggregator) mergeBack(snap Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for origin, n := range snap.URLCounts {
		a.urlCounts[origin] += n
	}
	for ip, c := range snap.IPCounts {
		cur := a.ipCounts[ip]
		cur.Count += c.Count
		if len(c.Origins) > 0 {
			if cur.Origins == nil {
				cur.Origins = map[string]int64{}
			}
			for origin, n := range c.Origins {
				cur.Origins[origin] += n
			}
		}
		a.ipCounts[ip] = cur
	}
}

// Flush runs one flush cycle: swap, persist concurrently, and on any
// failure merge the swapped data back so the next cycle retries. If a
// previous flush is still in flight, this call is a no-op (spec §4.7
// step 1 / §5 single-flight).
func (a *Aggregator) Flush(ctx context.Context) {
	if !a.flushing.CompareAndSwap(false, true) {
		return
	}
	defer a.flushing.Store(false)

	snap := a.swap()
	if snap.isEmpty() {
		return
	}

	var wg sync.WaitGroup
	var urlErr, ipErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		if a.demand != nil {
			urlErr = a.demand.UpdateOriginDemand(ctx, snap.URLCounts)
		}
	}()
	go func() {
		defer wg.Done()
		if a.store != nil {
			ipErr = a.store.UpdateIPCounts(ctx, snap.IPCounts)
		}
	}()
	wg.Wait()

	if urlErr != nil || ipErr != nil {
		logging.Warnf("aggregate: flush failed (origin err=%v, ip err=%v), restoring counts", urlErr, ipErr)
		a.mergeBack(snap)
		return
	}

	n := a.successfulFlushes.Add(1)
	if a.onFlushed != nil {
		a.onFlushed()
	}
	if n%10 == 0 && a.settlement != nil {
		if err := a.settlement.TriggerSettlement(ctx); err != nil {
			logging.Warnf("aggregate: settlement trigger failed: %v", err)
		}
	}
}

// Run drives the flush loop on interval until stop closes.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

// LiveSummary returns best-effort current counts, for admin reporting.
// Unlike swap, this does not mutate state.
func (a *Aggregator) LiveSummary() (urlEntries, ipEntries int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.urlCounts), len(a.ipCounts)
}
