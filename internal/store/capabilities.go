package store

import "gorm.io/gorm"

// Capabilities is a once-computed, cached capability record — the
// replacement for runtime feature detection scattered through query
// code (spec §9). Absence of a capability leads to a documented
// degraded mode, never an error.
type Capabilities struct {
	HasSlidingWindowColumns bool // requests_previous_hour / origins_previous_hour
	HasDailyColumns         bool // requests_today / origins_today
	HasPerHourOriginMap     bool // origins_last_hour
	HasAddMergeFunction     bool // a DB-side ADD-merge function over origin maps
}

// DetectCapabilities queries information_schema once at startup. Any
// query failure degrades the corresponding capability to false rather
// than propagating — a brand-new, pre-migration database is expected to
// report everything false until AutoMigrate has run.
func DetectCapabilities(db *gorm.DB) Capabilities {
	has := func(table, column string) bool {
		var count int64
		err := db.Raw(
			`SELECT COUNT(*) FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?`,
			table, column,
		).Scan(&count).Error
		return err == nil && count > 0
	}

	hasMergeFn := func() bool {
		var count int64
		err := db.Raw(
			`SELECT COUNT(*) FROM information_schema.ROUTINES WHERE ROUTINE_SCHEMA = DATABASE() AND ROUTINE_NAME = ?`,
			"jsonb_origin_add_merge",
		).Scan(&count).Error
		return err == nil && count > 0
	}

	return Capabilities{
		HasSlidingWindowColumns: has("ip_table", "requests_previous_hour"),
		HasDailyColumns:         has("ip_table", "requests_today"),
		HasPerHourOriginMap:     has("ip_table", "origins_last_hour"),
		HasAddMergeFunction:     hasMergeFn(),
	}
}
