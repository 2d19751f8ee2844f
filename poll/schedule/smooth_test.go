package schedule

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberhive/oltpoll/poll"
)

func jobAt(id string, at time.Time) *poll.Job {
	return &poll.Job{ID: id, NextRunAt: at}
}

func TestPlanSmoothingNoMovesUnderCap(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	minute := now.Add(10 * time.Minute)

	jobs := []*poll.Job{
		jobAt("a", minute),
		jobAt("b", minute.Add(5*time.Second)),
	}

	moves := planSmoothing(jobs, now, 2, 3*time.Minute, 0)
	assert.Empty(t, moves)
}

func TestPlanSmoothingMovesSurplusToNearestFreeMinute(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	minute := now.Add(10 * time.Minute)

	jobs := []*poll.Job{
		jobAt("a", minute),
		jobAt("b", minute.Add(5*time.Second)),
		jobAt("c", minute.Add(10*time.Second)),
	}

	moves := planSmoothing(jobs, now, 2, 3*time.Minute, 0)
	require.Len(t, moves, 1)

	// The latest entry in the overfull minute is the one displaced, and
	// with all neighbors empty the earlier adjacent minute wins the tie.
	assert.Equal(t, "c", moves[0].JobID)
	assert.Equal(t, minute.Add(-time.Minute), moves[0].To)
	assert.False(t, moves[0].To.Before(now))
}

func TestPlanSmoothingSpreadsWithinTargetMinute(t *testing.T) {
	// now sits exactly on the overfull minute so the only window candidate
	// is the following minute; both surplus runs land there, spaced out.
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	minute := now

	jobs := []*poll.Job{
		jobAt("a", minute),
		jobAt("b", minute.Add(2*time.Second)),
		jobAt("c", minute.Add(4*time.Second)),
		jobAt("d", minute.Add(6*time.Second)),
		jobAt("e", minute.Add(8*time.Second)),
	}

	moves := planSmoothing(jobs, now, 3, time.Minute, 0)
	require.Len(t, moves, 2)

	next := minute.Add(time.Minute)
	assert.Equal(t, "d", moves[0].JobID)
	assert.Equal(t, next, moves[0].To)
	assert.Equal(t, "e", moves[1].JobID)
	assert.Equal(t, next.Add(intraMinuteSpread), moves[1].To)
}

func TestPlanSmoothingHysteresisSuppressesSmallMoves(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	minute := now.Add(10 * time.Minute)

	jobs := []*poll.Job{
		jobAt("a", minute),
		jobAt("b", minute.Add(5*time.Second)),
	}

	// The only possible move is one minute away, under the hysteresis.
	moves := planSmoothing(jobs, now, 1, time.Minute, 2*time.Minute)
	assert.Empty(t, moves)
}

func TestPlanSmoothingLeavesJobsWhenWindowIsFull(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	minute := now.Add(10 * time.Minute)

	jobs := []*poll.Job{
		jobAt("before", minute.Add(-time.Minute)),
		jobAt("a", minute),
		jobAt("b", minute.Add(5*time.Second)),
		jobAt("after", minute.Add(time.Minute)),
	}

	moves := planSmoothing(jobs, now, 1, time.Minute, 0)
	assert.Empty(t, moves, "with every window minute at capacity nothing can move")
}

func TestPlanSmoothingIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	minute := now.Add(10 * time.Minute)

	var jobs []*poll.Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, jobAt(fmt.Sprintf("j%d", i), minute.Add(time.Duration(i)*time.Second)))
	}

	byID := make(map[string]*poll.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	moves := planSmoothing(jobs, now, 3, 3*time.Minute, 0)
	require.NotEmpty(t, moves)
	for _, mv := range moves {
		assert.False(t, mv.To.Before(now))
		byID[mv.JobID].NextRunAt = mv.To
	}

	again := planSmoothing(jobs, now, 3, 3*time.Minute, 0)
	assert.Empty(t, again, "an already-smooth plan must not keep moving")
}

func TestPlanSmoothingRedistributesCollisionBurst(t *testing.T) {
	// Seventeen jobs land in the same minute; with a cap of six, eleven
	// move out into the surrounding window and every move is larger than
	// the hysteresis.
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	minute := now.Add(30 * time.Minute)

	var jobs []*poll.Job
	for i := 0; i < 17; i++ {
		jobs = append(jobs, jobAt(fmt.Sprintf("j%02d", i), minute.Add(time.Duration(i)*time.Second)))
	}

	moves := planSmoothing(jobs, now, 6, 3*time.Minute, 30*time.Second)
	require.Len(t, moves, 11)

	byID := make(map[string]*poll.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	for _, mv := range moves {
		delta := mv.To.Sub(mv.From)
		if delta < 0 {
			delta = -delta
		}
		assert.Greater(t, delta, 30*time.Second, "move for %s under hysteresis", mv.JobID)
		assert.True(t, mv.To.After(minute.Add(-4*time.Minute)) && mv.To.Before(minute.Add(4*time.Minute)),
			"move for %s left the window", mv.JobID)
		byID[mv.JobID].NextRunAt = mv.To
	}

	perMinute := make(map[time.Time]int)
	for _, j := range jobs {
		perMinute[j.NextRunAt.UTC().Truncate(time.Minute)]++
	}
	for m, n := range perMinute {
		assert.LessOrEqual(t, n, 6, "minute %s still over the cap", m)
	}
}

func TestPlanSmoothingNeverTargetsThePast(t *testing.T) {
	// Overfull minute is the current minute and the window reaches back
	// into the past; surplus must only move forward.
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	minute := now.Truncate(time.Minute)

	jobs := []*poll.Job{
		jobAt("a", minute.Add(31*time.Second)),
		jobAt("b", minute.Add(32*time.Second)),
		jobAt("c", minute.Add(33*time.Second)),
	}

	moves := planSmoothing(jobs, now, 1, 2*time.Minute, 0)
	require.Len(t, moves, 2)
	for _, mv := range moves {
		assert.False(t, mv.To.Before(now), "move for %s targets the past", mv.JobID)
	}
}
