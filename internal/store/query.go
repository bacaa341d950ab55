package store

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"rpcgateway/internal/ratelimit"
)

// Reader implements ratelimit.Store over the ip_table. Origin-keyed
// queries aggregate the per-IP origin maps in application code since a
// JSON-text column cannot be grouped on in plain SQL without the
// gorm.io/datatypes extension this module deliberately avoids (see
// OriginCounts in models.go).
type Reader struct {
	db   *gorm.DB
	caps Capabilities
}

var _ ratelimit.Store = (*Reader)(nil)

func NewReader(db *gorm.DB, caps Capabilities) *Reader {
	return &Reader{db: db, caps: caps}
}

func (r *Reader) OriginHourlyCounts(ctx context.Context, previousHourWeight float64, limit int) ([]ratelimit.EffectiveCount, error) {
	rows, err := r.fetchRowsByEffective(ctx, previousHourWeight, limit)
	if err != nil {
		return nil, err
	}

	agg := map[string]*ratelimit.EffectiveCount{}
	for _, row := range rows {
		for origin, n := range row.OriginsLastHour {
			c := agg[origin]
			if c == nil {
				c = &ratelimit.EffectiveCount{Key: origin}
				agg[origin] = c
			}
			c.Current += n
		}
		if r.caps.HasSlidingWindowColumns {
			for origin, n := range row.OriginsPreviousHour {
				c := agg[origin]
				if c == nil {
					c = &ratelimit.EffectiveCount{Key: origin}
					agg[origin] = c
				}
				c.Prev += n
			}
		}
	}
	return flattenEffective(agg), nil
}

func (r *Reader) IPHourlyCounts(ctx context.Context, previousHourWeight float64, limit int) ([]ratelimit.EffectiveCount, error) {
	rows, err := r.fetchRowsByEffective(ctx, previousHourWeight, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ratelimit.EffectiveCount, 0, len(rows))
	for _, row := range rows {
		ec := ratelimit.EffectiveCount{Key: row.IP, Current: row.RequestsLastHour}
		if r.caps.HasSlidingWindowColumns {
			ec.Prev = row.RequestsPreviousHour
		}
		out = append(out, ec)
	}
	return out, nil
}

func (r *Reader) OriginDailyCounts(ctx context.Context, limit int) ([]ratelimit.DailyCount, error) {
	if !r.caps.HasDailyColumns {
		return nil, nil
	}
	rows, err := r.fetchRows(ctx, "requests_today", limit)
	if err != nil {
		return nil, err
	}
	agg := map[string]int64{}
	for _, row := range rows {
		for origin, n := range row.OriginsToday {
			agg[origin] += n
		}
	}
	out := make([]ratelimit.DailyCount, 0, len(agg))
	for k, v := range agg {
		out = append(out, ratelimit.DailyCount{Key: k, Total: v})
	}
	return out, nil
}

func (r *Reader) IPDailyCounts(ctx context.Context, limit int) ([]ratelimit.DailyCount, error) {
	if !r.caps.HasDailyColumns {
		return nil, nil
	}
	rows, err := r.fetchRows(ctx, "requests_today", limit)
	if err != nil {
		return nil, err
	}
	out := make([]ratelimit.DailyCount, 0, len(rows))
	for _, row := range rows {
		out = append(out, ratelimit.DailyCount{Key: row.IP, Total: row.RequestsToday})
	}
	return out, nil
}

func (r *Reader) fetchRows(ctx context.Context, orderCol string, limit int) ([]IPRow, error) {
	var rows []IPRow
	err := r.db.WithContext(ctx).
		Order(orderCol + " DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// fetchRowsByEffective orders by the hourly effective count rather than
// the raw current-hour column, so the row cap keeps IPs that are about
// to roll a heavy previous hour off their sliding window (spec §4.4
// step 5). previousHourWeight is computed once per poll cycle by the
// caller and is never user input, so it's safe to inline as a literal.
func (r *Reader) fetchRowsByEffective(ctx context.Context, previousHourWeight float64, limit int) ([]IPRow, error) {
	orderExpr := "requests_last_hour DESC"
	if r.caps.HasSlidingWindowColumns {
		weight := strconv.FormatFloat(previousHourWeight, 'f', -1, 64)
		orderExpr = fmt.Sprintf("(requests_last_hour + requests_previous_hour * %s) DESC", weight)
	}

	var rows []IPRow
	err := r.db.WithContext(ctx).
		Order(orderExpr).
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func flattenEffective(agg map[string]*ratelimit.EffectiveCount) []ratelimit.EffectiveCount {
	out := make([]ratelimit.EffectiveCount, 0, len(agg))
	for _, c := range agg {
		out = append(out, *c)
	}
	return out
}
