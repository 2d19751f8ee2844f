package pool

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
)

// SlotStats describes one slot for the stats API.
type SlotStats struct {
	Name        string `json:"name"`
	Busy        bool   `json:"busy"`
	ExecutionID string `json:"execution_id,omitempty"`
	OLTID       string `json:"olt_id,omitempty"`
	BusyForMs   int64  `json:"busy_for_ms,omitempty"`
}

// Stats is a point-in-time snapshot of pool load, served over the HTTP
// API and pushed to status displays.
type Stats struct {
	SlotCount      int     `json:"slot_count"`
	BusyCount      int     `json:"busy_count"`
	BusyPercentage float64 `json:"busy_percentage"`

	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`

	// TasksDelayed is the number of retries parked in the delay queue.
	TasksDelayed int `json:"tasks_delayed_count"`

	Draining bool `json:"draining"`

	PerSlot []SlotStats `json:"per_slot"`

	Goroutines    int     `json:"goroutines"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Stats snapshots the pool. Slot busy-state is confirmed against the
// stored execution: a slot whose execution was finalized elsewhere (say,
// interrupted through the API) reports FREE even while its goroutine is
// still unwinding.
func (p *Pool) Stats() Stats {
	stats := Stats{
		SlotCount:     p.cfg.Slots,
		QueueDepth:    len(p.queue),
		QueueCapacity: cap(p.queue),
		Draining:      p.draining.Load(),
		Goroutines:    runtime.NumGoroutine(),
	}

	now := p.timeNow()
	p.mu.Lock()
	for _, s := range p.slots {
		s.mu.Lock()
		slot := SlotStats{
			Name:        s.name,
			Busy:        s.executionID != "",
			ExecutionID: s.executionID,
			OLTID:       s.oltID,
		}
		if slot.Busy {
			slot.BusyForMs = now.Sub(s.since).Milliseconds()
		}
		s.mu.Unlock()
		stats.PerSlot = append(stats.PerSlot, slot)
	}
	p.mu.Unlock()

	// Store lookups happen outside the slot locks.
	for i := range stats.PerSlot {
		slot := &stats.PerSlot[i]
		if !slot.Busy {
			continue
		}
		ex, err := p.executions.Get(context.Background(), slot.ExecutionID)
		if err == nil && ex.State.Terminal() {
			slot.Busy = false
			slot.ExecutionID = ""
			slot.OLTID = ""
			slot.BusyForMs = 0
		}
		if slot.Busy {
			stats.BusyCount++
		}
	}

	if stats.SlotCount > 0 {
		stats.BusyPercentage = float64(stats.BusyCount) / float64(stats.SlotCount) * 100
	}

	if p.delayedCount != nil {
		stats.TasksDelayed = p.delayedCount()
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
		stats.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
		stats.MemoryPercent = vm.UsedPercent
	}

	return stats
}
