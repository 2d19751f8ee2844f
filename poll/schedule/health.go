package schedule

import "time"

// Health is a point-in-time snapshot of the scheduler loop, served over
// the HTTP API.
type Health struct {
	LastTickAt       time.Time `json:"last_tick_at"`
	LastTickMs       int64     `json:"last_tick_duration_ms"`
	TicksSinceStart  int64     `json:"ticks_since_start"`
	JobsReady        int       `json:"jobs_ready_count"`
	QuotaBlocked     int       `json:"quota_blocked_count"`
	TickIntervalSecs float64   `json:"tick_interval_seconds"`
}

// Health snapshots the most recent tick.
func (t *Ticker) Health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Health{
		LastTickAt:       t.lastTickAt,
		LastTickMs:       t.lastTickMs,
		TicksSinceStart:  t.ticksSinceStart,
		JobsReady:        t.lastReady,
		QuotaBlocked:     t.lastQuotaBlock,
		TickIntervalSecs: t.cfg.TickInterval.Seconds(),
	}
}
