// Package store persists aggregated counters into MySQL via GORM,
// implementing the upsert/reset/snapshot protocol of spec §4.8. Models
// here carry exactly the columns of spec §6's persisted-state layout.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// OriginCounts is a map[string]int64 column, stored as JSON text. GORM
// has no built-in map column type for MySQL without the separate
// gorm.io/datatypes module, which the teacher's GORM usage never pulled
// in; implementing Scanner/Valuer directly is the idiomatic way to keep
// a map-typed column on a bare gorm.io/driver/mysql stack.
type OriginCounts map[string]int64

func (c OriginCounts) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *OriginCounts) Scan(value interface{}) error {
	if value == nil {
		*c = OriginCounts{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("store: OriginCounts.Scan: unsupported type")
	}
	if len(raw) == 0 {
		*c = OriginCounts{}
		return nil
	}
	m := OriginCounts{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*c = m
	return nil
}

// Sum returns the total of all values, the quantity bounded by the
// origins.sum() <= requestsTotal family of invariants (spec §3).
func (c OriginCounts) Sum() int64 {
	var total int64
	for _, v := range c {
		total += v
	}
	return total
}

// Merge returns a new OriginCounts with ADD-merge semantics: keys
// present in both are summed, keys present in only one are copied
// through (spec §4.8 ADD-merge).
func (c OriginCounts) Merge(other OriginCounts) OriginCounts {
	out := make(OriginCounts, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] += v
	}
	return out
}

// IPRow is the `ip_table` row described in spec §3/§6.
type IPRow struct {
	IP string `gorm:"column:ip;primaryKey;size:45"`

	RequestsTotal int64 `gorm:"column:requests_total;not null;default:0"`

	RequestsLastHour int64        `gorm:"column:requests_last_hour;not null;default:0"`
	OriginsLastHour  OriginCounts `gorm:"column:origins_last_hour;type:text"`

	RequestsPreviousHour int64        `gorm:"column:requests_previous_hour;not null;default:0"`
	OriginsPreviousHour  OriginCounts `gorm:"column:origins_previous_hour;type:text"`

	RequestsToday int64        `gorm:"column:requests_today;not null;default:0"`
	OriginsToday  OriginCounts `gorm:"column:origins_today;type:text"`

	RequestsThisMonth int64 `gorm:"column:requests_this_month;not null;default:0"`

	Origins OriginCounts `gorm:"column:origins;type:text"`

	LastResetTimestamp      int64 `gorm:"column:last_reset_timestamp;index;not null;default:0"`
	LastDayResetTimestamp   int64 `gorm:"column:last_day_reset_timestamp;not null;default:0"`
	LastMonthResetTimestamp int64 `gorm:"column:last_month_reset_timestamp;not null;default:0"`

	UpdatedAt time.Time `gorm:"column:updated_at;index"`
}

func (IPRow) TableName() string { return "ip_table" }

// HistoryRow is the append-only `ip_history_table` row (spec §3/§6).
type HistoryRow struct {
	ID            uint64       `gorm:"column:id;primaryKey;autoIncrement"`
	HourTimestamp int64        `gorm:"column:hour_timestamp;uniqueIndex:idx_hour_ip;index"`
	IP            string       `gorm:"column:ip;uniqueIndex:idx_hour_ip;size:45;index:idx_ip_hour,priority:1"`
	RequestCount  int64        `gorm:"column:request_count;not null;default:0"`
	Origins       OriginCounts `gorm:"column:origins;type:text"`
	CreatedAt     time.Time    `gorm:"column:created_at;index:idx_ip_hour,priority:2"`
}

func (HistoryRow) TableName() string { return "ip_history_table" }
