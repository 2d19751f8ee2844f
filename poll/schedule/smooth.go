package schedule

import (
	"sort"
	"time"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
)

// intraMinuteSpread is the spacing between runs placed in the same
// minute, so a full minute still does not fire all at once.
const intraMinuteSpread = 10 * time.Second

// smoothMove is one planned next_run_at adjustment.
type smoothMove struct {
	JobID string
	From  time.Time
	To    time.Time
}

// smoothUpcoming rebalances the next hour of planned master runs so no
// minute exceeds the per-minute cap, then persists the moves.
func (t *Ticker) smoothUpcoming(now time.Time) (int, error) {
	upcoming, err := t.jobs.ListUpcoming(t.ctx, now, now.Add(time.Hour))
	if err != nil {
		return 0, errors.Wrap(err, "failed to list upcoming jobs")
	}

	cfg := t.config()
	moves := planSmoothing(upcoming, now, cfg.MaxPerMinute, cfg.SmoothingWindow, cfg.SmoothingHysteresis)

	applied := 0
	for _, mv := range moves {
		if err := t.jobs.UpdateNextRunAt(t.ctx, mv.JobID, mv.To); err != nil {
			t.logger.Warnw("failed to apply smoothing move",
				"job_id", mv.JobID, "error", err)
			continue
		}
		t.logger.Debugw("smoothed job",
			"job_id", mv.JobID,
			"from", mv.From.Format(time.RFC3339),
			"to", mv.To.Format(time.RFC3339))
		applied++
	}
	return applied, nil
}

// planSmoothing computes the moves that bring every minute of the
// planning horizon under maxPerMinute.
//
// Within an overfull minute, jobs keep their slot in (next_run_at, id)
// order and the surplus moves to the least-loaded minute inside the
// window, preferring the minute closest to the original and, on ties,
// the earlier one. Surplus placed into a minute is spaced by
// intraMinuteSpread. Moves smaller than the hysteresis, or to a spot
// before now, are dropped.
//
// The plan is deterministic: running it twice over an already-smooth
// schedule yields no moves.
func planSmoothing(jobs []*poll.Job, now time.Time, maxPerMinute int, window, hysteresis time.Duration) []smoothMove {
	if maxPerMinute <= 0 || len(jobs) == 0 {
		return nil
	}

	type entry struct {
		job *poll.Job
		at  time.Time
	}

	// Bucket by UTC minute.
	buckets := make(map[time.Time][]entry)
	load := make(map[time.Time]int)
	for _, job := range jobs {
		at := job.NextRunAt.UTC()
		minute := at.Truncate(time.Minute)
		buckets[minute] = append(buckets[minute], entry{job: job, at: at})
		load[minute]++
	}

	minutes := make([]time.Time, 0, len(buckets))
	for m := range buckets {
		minutes = append(minutes, m)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i].Before(minutes[j]) })

	windowMinutes := int(window / time.Minute)
	var moves []smoothMove

	for _, minute := range minutes {
		entries := buckets[minute]
		if len(entries) <= maxPerMinute {
			continue
		}

		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].at.Equal(entries[j].at) {
				return entries[i].at.Before(entries[j].at)
			}
			return entries[i].job.ID < entries[j].job.ID
		})

		for _, surplus := range entries[maxPerMinute:] {
			target, ok := pickTargetMinute(minute, load, maxPerMinute, windowMinutes, now)
			if !ok {
				// Every minute in the window is full; leave it and let
				// the same-type gate absorb the collision at runtime.
				continue
			}

			newAt := target.Add(time.Duration(load[target]) * intraMinuteSpread)
			if newAt.Before(now) {
				continue
			}

			delta := newAt.Sub(surplus.at)
			if delta < 0 {
				delta = -delta
			}
			if delta <= hysteresis {
				continue
			}

			load[minute]--
			load[target]++
			moves = append(moves, smoothMove{
				JobID: surplus.job.ID,
				From:  surplus.job.NextRunAt,
				To:    newAt,
			})
		}
	}

	return moves
}

// pickTargetMinute finds the best minute for a displaced run: lowest
// load under the cap, closest to the origin, earlier on ties. Minutes
// wholly in the past are skipped.
func pickTargetMinute(origin time.Time, load map[time.Time]int, maxPerMinute, windowMinutes int, now time.Time) (time.Time, bool) {
	var (
		best      time.Time
		bestLoad  int
		bestDist  int
		haveBest  bool
		nowMinute = now.UTC().Truncate(time.Minute)
	)

	for offset := -windowMinutes; offset <= windowMinutes; offset++ {
		if offset == 0 {
			continue
		}
		candidate := origin.Add(time.Duration(offset) * time.Minute)
		if candidate.Before(nowMinute) {
			continue
		}

		l := load[candidate]
		if l >= maxPerMinute {
			continue
		}

		dist := offset
		if dist < 0 {
			dist = -dist
		}

		better := false
		switch {
		case !haveBest:
			better = true
		case l < bestLoad:
			better = true
		case l == bestLoad && dist < bestDist:
			better = true
		case l == bestLoad && dist == bestDist && candidate.Before(best):
			better = true
		}

		if better {
			best = candidate
			bestLoad = l
			bestDist = dist
			haveBest = true
		}
	}

	return best, haveBest
}
