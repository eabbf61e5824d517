package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolHealth is one probe round trip plus the pool counters that matter
// when ingest backs up: saturation shows as InUse pinned at MaxOpen with
// WaitCount climbing.
type PoolHealth struct {
	LatencyMS int64 `json:"latency_ms"`
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	MaxOpen   int   `json:"max_open"`
	WaitCount int64 `json:"wait_count"`
}

// CheckHealth pings the database and snapshots its pool. The counters are
// populated even when the ping fails, so a caller logging the error can
// include them.
func CheckHealth(ctx context.Context, db *sql.DB) (PoolHealth, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	stats := db.Stats()

	return PoolHealth{
		LatencyMS: time.Since(start).Milliseconds(),
		Open:      stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		MaxOpen:   stats.MaxOpenConnections,
		WaitCount: stats.WaitCount,
	}, err
}
