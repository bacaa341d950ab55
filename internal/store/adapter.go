package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rpcgateway/internal/aggregate"
	"rpcgateway/internal/ipnorm"
	"rpcgateway/internal/logging"
)

// Adapter performs the reset protocol and atomic upserts described in
// spec §4.8. It owns the cached hourly/daily/monthly reset timestamps
// and the once-per-24h history cleanup gate.
type Adapter struct {
	db   *gorm.DB
	caps Capabilities

	mu                 sync.Mutex
	lastGlobalReset    int64 // start-of-hour epoch seconds
	lastDailyReset     int64 // start-of-day epoch seconds
	lastMonthlyReset   int64 // start-of-month epoch seconds
	lastHistoryCleanup time.Time
}

var _ aggregate.StoreUpdater = (*Adapter)(nil)

// NewAdapter constructs an Adapter, deriving the cached reset
// timestamps from the table's existing MIN() values, or initializing
// them to the current boundaries if the table is empty (spec §4.8
// step 4).
func NewAdapter(db *gorm.DB, caps Capabilities) (*Adapter, error) {
	a := &Adapter{db: db, caps: caps}

	now := time.Now().UTC()

	var minReset, minDayReset, minMonthReset struct {
		Val int64
	}

	if err := db.Model(&IPRow{}).Select("MIN(last_reset_timestamp) as val").Scan(&minReset).Error; err != nil {
		return nil, fmt.Errorf("store: derive hourly reset: %w", err)
	}
	if minReset.Val > 0 {
		a.lastGlobalReset = minReset.Val
	} else {
		a.lastGlobalReset = hourStart(now).Unix()
	}

	if caps.HasDailyColumns {
		if err := db.Model(&IPRow{}).Select("MIN(last_day_reset_timestamp) as val").Scan(&minDayReset).Error; err != nil {
			return nil, fmt.Errorf("store: derive daily reset: %w", err)
		}
	}
	if minDayReset.Val > 0 {
		a.lastDailyReset = minDayReset.Val
	} else {
		a.lastDailyReset = dayStart(now).Unix()
	}

	if err := db.Model(&IPRow{}).Select("MIN(last_month_reset_timestamp) as val").Scan(&minMonthReset).Error; err != nil {
		return nil, fmt.Errorf("store: derive monthly reset: %w", err)
	}
	if minMonthReset.Val > 0 {
		a.lastMonthlyReset = minMonthReset.Val
	} else {
		a.lastMonthlyReset = monthStart(now).Unix()
	}

	a.lastHistoryCleanup = time.Time{}

	return a, nil
}

func hourStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// UpdateIPCounts implements aggregate.StoreUpdater. It runs the
// reset protocol then, for every IP in counts, performs one atomic
// upsert. Even an empty counts map still runs the reset protocol
// (spec §4.8's "on each invocation, even if the incoming batch is
// empty").
func (a *Adapter) UpdateIPCounts(ctx context.Context, counts map[string]aggregate.IPCount) error {
	if err := a.resetMonthlyCounters(ctx); err != nil {
		return fmt.Errorf("store: monthly reset: %w", err)
	}
	if err := a.resetDailyCounters(ctx); err != nil {
		return fmt.Errorf("store: daily reset: %w", err)
	}
	if err := a.resetHourlyCounters(ctx); err != nil {
		return fmt.Errorf("store: hourly reset: %w", err)
	}

	for ip, count := range counts {
		filtered := a.filterOrigins(count.Origins)
		if err := a.upsertOne(ctx, ip, count.Count, filtered); err != nil {
			logging.Errorf("store: upsert %s failed, skipping: %v", ip, err)
			continue
		}
	}

	return nil
}

// filterOrigins drops any LocalLike origin from the incoming map before
// it reaches the store (spec §4.8 "origin pre-filter"). Failure of the
// filter itself yields an empty map rather than aborting the caller.
func (a *Adapter) filterOrigins(in map[string]int64) aggregate.IPCount {
	out := map[string]int64{}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("store: origin filter panicked: %v", r)
				out = map[string]int64{}
			}
		}()
		for origin, n := range in {
			if ipnorm.ClassifyOrigin(origin) == ipnorm.Public {
				out[origin] = n
			}
		}
	}()
	return aggregate.IPCount{Origins: out}
}

func (a *Adapter) upsertOne(ctx context.Context, ip string, n int64, filtered aggregate.IPCount) error {
	incomingOrigins := OriginCounts(filtered.Origins)

	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing IPRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("ip = ?", ip).First(&existing).Error

		a.mu.Lock()
		reset, dayReset, monthReset := a.lastGlobalReset, a.lastDailyReset, a.lastMonthlyReset
		a.mu.Unlock()

		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := IPRow{
				IP:                      ip,
				RequestsTotal:           n,
				RequestsLastHour:        n,
				OriginsLastHour:         incomingOrigins,
				RequestsThisMonth:       n,
				Origins:                 incomingOrigins,
				LastResetTimestamp:      reset,
				LastDayResetTimestamp:   dayReset,
				LastMonthResetTimestamp: monthReset,
				UpdatedAt:               time.Now(),
			}
			if a.caps.HasDailyColumns {
				row.RequestsToday = n
				row.OriginsToday = incomingOrigins
			}
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}

		existing.RequestsTotal += n
		existing.RequestsLastHour += n
		existing.RequestsThisMonth += n
		if a.caps.HasDailyColumns {
			existing.RequestsToday += n
		}

		existing.Origins = a.mergeOrigins(existing.Origins, incomingOrigins)
		existing.OriginsLastHour = a.mergeOrigins(existing.OriginsLastHour, incomingOrigins)
		if a.caps.HasDailyColumns {
			existing.OriginsToday = a.mergeOrigins(existing.OriginsToday, incomingOrigins)
		}
		existing.UpdatedAt = time.Now()

		return tx.Save(&existing).Error
	})
}

// mergeOrigins applies the ADD-merge when the database exposes a merge
// function; otherwise it falls back to last-write-wins and logs a
// data-quality warning (spec §4.8).
func (a *Adapter) mergeOrigins(stored, incoming OriginCounts) OriginCounts {
	if a.caps.HasAddMergeFunction {
		return stored.Merge(incoming)
	}
	if len(incoming) == 0 {
		return stored
	}
	logging.Warnf("store: ADD-merge function unavailable, falling back to last-write-wins for origin map merge")
	return incoming
}

// resetMonthlyCounters implements spec §4.8 step 1.
func (a *Adapter) resetMonthlyCounters(ctx context.Context) error {
	now := time.Now().UTC()
	current := monthStart(now).Unix()

	a.mu.Lock()
	needsReset := current > a.lastMonthlyReset
	a.mu.Unlock()
	if !needsReset {
		return nil
	}

	if err := a.db.WithContext(ctx).Exec(
		`UPDATE ip_table SET requests_this_month = 0, last_month_reset_timestamp = ?`, current,
	).Error; err != nil {
		return err
	}

	a.mu.Lock()
	a.lastMonthlyReset = current
	a.mu.Unlock()
	return nil
}

// resetDailyCounters implements spec §4.8 step 2. Degrades to a no-op
// when the schema lacks the optional daily columns.
func (a *Adapter) resetDailyCounters(ctx context.Context) error {
	if !a.caps.HasDailyColumns {
		return nil
	}

	now := time.Now().UTC()
	current := dayStart(now).Unix()

	a.mu.Lock()
	needsReset := current > a.lastDailyReset
	a.mu.Unlock()
	if !needsReset {
		return nil
	}

	if err := a.db.WithContext(ctx).Exec(
		`UPDATE ip_table SET requests_today = 0, origins_today = '{}', last_day_reset_timestamp = ?`, current,
	).Error; err != nil {
		return err
	}

	a.mu.Lock()
	a.lastDailyReset = current
	a.mu.Unlock()
	return nil
}

// resetHourlyCounters implements spec §4.8 step 3: snapshot, shift (or
// clear on a missed boundary), set last_reset_timestamp, and the gated
// 24h history cleanup.
func (a *Adapter) resetHourlyCounters(ctx context.Context) error {
	now := time.Now().UTC()
	current := hourStart(now).Unix()

	a.mu.Lock()
	prevGlobalReset := a.lastGlobalReset
	needsReset := current > prevGlobalReset
	a.mu.Unlock()
	if !needsReset {
		return nil
	}

	db := a.db.WithContext(ctx)

	// Step a: snapshot every row with requests_last_hour > 0 into
	// history at hourTimestamp = the hour that is now closing.
	var rows []IPRow
	if err := db.Where("requests_last_hour > 0").Find(&rows).Error; err != nil {
		return err
	}
	for _, r := range rows {
		hist := HistoryRow{
			HourTimestamp: prevGlobalReset,
			IP:            r.IP,
			RequestCount:  r.RequestsLastHour,
			Origins:       r.OriginsLastHour,
			CreatedAt:     now,
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&hist).Error; err != nil {
			logging.Errorf("store: history snapshot for %s failed: %v", r.IP, err)
		}
	}

	// Step b: shift current->previous and zero current, unless more
	// than one hour elapsed since the cached reset (system was down or
	// idle), in which case both windows are cleared.
	elapsedHours := (current - prevGlobalReset) / 3600
	if a.caps.HasSlidingWindowColumns && elapsedHours <= 1 {
		if err := db.Exec(
			`UPDATE ip_table SET requests_previous_hour = requests_last_hour, origins_previous_hour = origins_last_hour, requests_last_hour = 0, origins_last_hour = '{}'`,
		).Error; err != nil {
			return err
		}
	} else if a.caps.HasSlidingWindowColumns {
		if err := db.Exec(
			`UPDATE ip_table SET requests_previous_hour = 0, origins_previous_hour = '{}', requests_last_hour = 0, origins_last_hour = '{}'`,
		).Error; err != nil {
			return err
		}
	} else {
		if err := db.Exec(`UPDATE ip_table SET requests_last_hour = 0, origins_last_hour = '{}'`).Error; err != nil {
			return err
		}
	}

	// Step c.
	if err := db.Exec(`UPDATE ip_table SET last_reset_timestamp = ?`, current).Error; err != nil {
		return err
	}

	a.mu.Lock()
	a.lastGlobalReset = current
	needsCleanup := time.Since(a.lastHistoryCleanup) >= 24*time.Hour
	a.mu.Unlock()

	// Step d: at most once per 24h.
	if needsCleanup {
		cutoff := now.Add(-30 * 24 * time.Hour).Unix()
		if err := db.Where("hour_timestamp < ?", cutoff).Delete(&HistoryRow{}).Error; err != nil {
			logging.Errorf("store: history cleanup failed: %v", err)
		} else {
			a.mu.Lock()
			a.lastHistoryCleanup = now
			a.mu.Unlock()
		}
	}

	return nil
}

// HistoryRetentionDays is the history retention window in days; the
// hourly reset's cleanup step deletes rows older than 30 days.
const HistoryRetentionDays = 30
