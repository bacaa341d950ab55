// Package ratelimit implements the poll-driven sliding-window rate
// limiter of spec §4.4. A background loop periodically recomputes four
// blocklists from the store and swaps them in atomically; request
// threads only ever read the current snapshot.
package ratelimit

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"rpcgateway/internal/ipnorm"
	"rpcgateway/internal/logging"
	"rpcgateway/internal/safe"
)

// Limits holds the four configured thresholds.
type Limits struct {
	OriginHourly int64
	IPHourly     int64
	OriginDaily  int64
	IPDaily      int64
}

// FeatureFlags mirrors the schema capabilities the store adapter
// detects (spec §9's capability record), surfaced here purely for
// admin diagnostics (spec §4.9: "feature flags" in the minimum
// surface). The limiter itself degrades automatically via whatever
// rows the Store implementation returns; these flags are read-only
// reporting, not a behavioral switch.
type FeatureFlags struct {
	HasSlidingWindowColumns bool
	HasDailyColumns         bool
	HasPerHourOriginMap     bool
}

// EffectiveCount is one row of the hourly query result.
type EffectiveCount struct {
	Key     string
	Current int64
	Prev    int64
}

// DailyCount is one row of the daily query result.
type DailyCount struct {
	Key   string
	Total int64
}

// Store is the read side the limiter needs from the persistence layer.
// Implemented by an adapter over internal/store.
type Store interface {
	// OriginHourlyCounts and IPHourlyCounts select the stored rows they
	// read by the effective count (current + previous*previousHourWeight),
	// descending, up to limit, not by the raw current-hour count, so the
	// row cap never drops an IP that is about to roll a heavy previous
	// hour off its sliding window (spec §4.4 step 5). The returned slice
	// itself is in no particular order.
	OriginHourlyCounts(ctx context.Context, previousHourWeight float64, limit int) ([]EffectiveCount, error)
	IPHourlyCounts(ctx context.Context, previousHourWeight float64, limit int) ([]EffectiveCount, error)
	OriginDailyCounts(ctx context.Context, limit int) ([]DailyCount, error)
	IPDailyCounts(ctx context.Context, limit int) ([]DailyCount, error)
}

const maxRows = 10000

// snapshot is the fully-replaced, immutable state a poll cycle produces.
type snapshot struct {
	blockedOriginsHourly map[string]struct{}
	blockedOriginsDaily  map[string]struct{}
	blockedIPsHourly     map[string]struct{}
	blockedIPsDaily      map[string]struct{}

	originEffective map[string]int64
	ipEffective     map[string]int64
	originDaily     map[string]int64
	ipDaily         map[string]int64

	previousHourWeight float64
	computedAt         time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{
		blockedOriginsHourly: map[string]struct{}{},
		blockedOriginsDaily:  map[string]struct{}{},
		blockedIPsHourly:     map[string]struct{}{},
		blockedIPsDaily:      map[string]struct{}{},
		originEffective:      map[string]int64{},
		ipEffective:          map[string]int64{},
		originDaily:          map[string]int64{},
		ipDaily:              map[string]int64{},
	}
}

// Result is returned by Check.
type Result struct {
	Blocked     bool
	Reason      string
	RetryAfterS int64
}

// Limiter polls Store on an interval and answers Check without
// suspending (spec §5's admission checks never suspend).
type Limiter struct {
	store  Store
	limits Limits
	flags  FeatureFlags

	current atomic.Pointer[snapshot]

	consecutiveFailures atomic.Int32
	pollFailureN        int32
}

// Config parameterizes a Limiter.
type Config struct {
	Store        Store
	Limits       Limits
	Flags        FeatureFlags
	PollFailureN int // consecutive-failure threshold, clamped to at least 3; the last good blocklists are kept on every failed poll
}

func New(cfg Config) *Limiter {
	n := cfg.PollFailureN
	if n < 3 {
		n = 3
	}
	l := &Limiter{store: cfg.Store, limits: cfg.Limits, flags: cfg.Flags, pollFailureN: int32(n)}
	l.current.Store(emptySnapshot())
	return l
}

// Poll runs one refresh cycle (spec §4.4 steps 1-7). Errors are
// swallowed into the consecutive-failure counter; the existing
// blocklists stay in force after every failed poll, below and at the
// configured threshold alike.
func (l *Limiter) Poll(ctx context.Context) {
	snap, err := safe.CallErr("ratelimit.poll", func() (*snapshot, error) {
		return l.poll(ctx)
	})
	if err != nil {
		n := l.consecutiveFailures.Add(1)
		logging.Errorf("ratelimit: poll failed (%d consecutive): %v", n, err)
		if n < l.pollFailureN {
			// Below threshold: spec's fail-open-to-newcomers window.
			// We still keep serving the last good snapshot either way,
			// since current is only ever replaced on full success.
		}
		return
	}
	l.consecutiveFailures.Store(0)
	l.current.Store(snap)
}

func (l *Limiter) poll(ctx context.Context) (*snapshot, error) {
	now := time.Now().UTC()
	minutesIntoHour := float64(now.Minute()) + float64(now.Second())/60.0
	previousHourWeight := 1 - minutesIntoHour/60.0

	originHourly, err := l.store.OriginHourlyCounts(ctx, previousHourWeight, maxRows)
	if err != nil {
		return nil, err
	}
	ipHourly, err := l.store.IPHourlyCounts(ctx, previousHourWeight, maxRows)
	if err != nil {
		return nil, err
	}
	originDaily, err := l.store.OriginDailyCounts(ctx, maxRows)
	if err != nil {
		return nil, err
	}
	ipDaily, err := l.store.IPDailyCounts(ctx, maxRows)
	if err != nil {
		return nil, err
	}

	snap := emptySnapshot()
	snap.previousHourWeight = previousHourWeight
	snap.computedAt = now

	for _, row := range originHourly {
		eff := effective(row, previousHourWeight)
		snap.originEffective[row.Key] = eff
		if eff > l.limits.OriginHourly {
			snap.blockedOriginsHourly[row.Key] = struct{}{}
		}
	}
	for _, row := range ipHourly {
		eff := effective(row, previousHourWeight)
		snap.ipEffective[row.Key] = eff
		if eff > l.limits.IPHourly {
			snap.blockedIPsHourly[row.Key] = struct{}{}
		}
	}
	for _, row := range originDaily {
		snap.originDaily[row.Key] = row.Total
		if row.Total > l.limits.OriginDaily {
			snap.blockedOriginsDaily[row.Key] = struct{}{}
		}
	}
	for _, row := range ipDaily {
		snap.ipDaily[row.Key] = row.Total
		if row.Total > l.limits.IPDaily {
			snap.blockedIPsDaily[row.Key] = struct{}{}
		}
	}

	return snap, nil
}

func effective(row EffectiveCount, previousHourWeight float64) int64 {
	return row.Current + int64(float64(row.Prev)*previousHourWeight)
}

// Check classifies (ip, origin) via ipnorm and consults the relevant
// tiers in priority order. Any internal error falls open (spec §4.4
// "not limited").
func (l *Limiter) Check(ip, origin string) Result {
	return safe.Call("ratelimit.check", func() Result {
		return l.check(ip, origin)
	})
}

func (l *Limiter) check(ip, origin string) Result {
	snap := l.current.Load()
	class := ipnorm.ClassifyOrigin(origin)

	if class == ipnorm.Public {
		key := bareHostOrigin(origin)
		if _, blocked := snap.blockedOriginsDaily[key]; blocked {
			return Result{Blocked: true, Reason: "origin daily rate limit exceeded", RetryAfterS: secondsToNextMidnightUTC()}
		}
		if _, blocked := snap.blockedOriginsHourly[key]; blocked {
			return Result{Blocked: true, Reason: "origin hourly rate limit exceeded", RetryAfterS: secondsToNextHour()}
		}
		return Result{Blocked: false}
	}

	if _, blocked := snap.blockedIPsDaily[ip]; blocked {
		return Result{Blocked: true, Reason: "IP daily rate limit exceeded", RetryAfterS: secondsToNextMidnightUTC()}
	}
	if _, blocked := snap.blockedIPsHourly[ip]; blocked {
		return Result{Blocked: true, Reason: "IP hourly rate limit exceeded", RetryAfterS: secondsToNextHour()}
	}
	return Result{Blocked: false}
}

// bareHostOrigin strips scheme and a trailing slash, matching the
// bare-host keying the store's per-IP/per-origin maps use (see
// aggregate.cleanOrigin and store.Reader.OriginHourlyCounts, which
// iterate origin maps keyed by bare host). The blocklists built from
// those maps are keyed the same way, so Check must canonicalize the raw
// Origin header before consulting them.
func bareHostOrigin(origin string) string {
	o := strings.TrimSpace(origin)
	if idx := strings.Index(o, "://"); idx >= 0 {
		o = o[idx+3:]
	}
	return strings.TrimSuffix(o, "/")
}

func secondsToNextHour() int64 {
	now := time.Now().UTC()
	next := now.Truncate(time.Hour).Add(time.Hour)
	return int64(next.Sub(now).Seconds())
}

func secondsToNextMidnightUTC() int64 {
	now := time.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return int64(next.Sub(now).Seconds())
}

// Run drives Poll on interval until stop closes.
func (l *Limiter) Run(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	l.Poll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Poll(ctx)
		}
	}
}

// Snapshot is a read-only diagnostic view for the admin surface (spec
// §4.9: slidingWindow.previousHourWeight, per-origin/IP counts,
// summary counts, configured limits).
type Snapshot struct {
	PreviousHourWeight float64
	ComputedAt         time.Time
	Limits             Limits
	FeatureFlags       FeatureFlags

	SecondsUntilHourlyReset int64
	SecondsUntilDailyReset  int64

	BlockedOriginsHourly []string
	BlockedOriginsDaily  []string
	BlockedIPsHourly     []string
	BlockedIPsDaily      []string

	OriginEffectiveCounts map[string]int64
	IPEffectiveCounts     map[string]int64
	OriginDailyCounts     map[string]int64
	IPDailyCounts         map[string]int64

	ConsecutivePollFailures int32
}

func (l *Limiter) Snapshot() Snapshot {
	snap := l.current.Load()
	return Snapshot{
		PreviousHourWeight:      snap.previousHourWeight,
		ComputedAt:              snap.computedAt,
		Limits:                  l.limits,
		FeatureFlags:            l.flags,
		SecondsUntilHourlyReset: secondsToNextHour(),
		SecondsUntilDailyReset:  secondsToNextMidnightUTC(),
		BlockedOriginsHourly:    sortedKeys(snap.blockedOriginsHourly),
		BlockedOriginsDaily:     sortedKeys(snap.blockedOriginsDaily),
		BlockedIPsHourly:        sortedKeys(snap.blockedIPsHourly),
		BlockedIPsDaily:         sortedKeys(snap.blockedIPsDaily),
		OriginEffectiveCounts:   snap.originEffective,
		IPEffectiveCounts:       snap.ipEffective,
		OriginDailyCounts:       snap.originDaily,
		IPDailyCounts:           snap.ipDaily,
		ConsecutivePollFailures: l.consecutiveFailures.Load(),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
