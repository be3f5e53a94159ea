package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentage(t *testing.T) {
	tests := []struct {
		name      string
		completed int
		total     int
		want      Percent
	}{
		{"empty course", 0, 0, 0},
		{"unknown structure", 3, 0, 0},
		{"negative total", 3, -1, 0},
		{"none completed", 0, 10, 0},
		{"half", 5, 10, 50},
		{"rounded up", 2, 3, 67},
		{"rounded down", 1, 3, 33},
		{"all completed", 10, 10, 100},
		{"more completed than total", 12, 10, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percentage(tt.completed, tt.total))
		})
	}
}

func TestIsCourseCompleted(t *testing.T) {
	assert.False(t, IsCourseCompleted(nil))
	assert.False(t, IsCourseCompleted(&CourseProgress{Percentage: 99}))
	assert.True(t, IsCourseCompleted(&CourseProgress{Percentage: 100}))
}

func TestStreakTransition(t *testing.T) {
	day := func(d int) time.Time {
		return time.Date(2025, 3, d, 15, 30, 0, 0, time.UTC)
	}

	// First ever activity starts a streak of one.
	cur, longest := StreakTransition(time.Time{}, day(1), 0, 0)
	assert.Equal(t, 1, cur)
	assert.Equal(t, 1, longest)

	// Same calendar day leaves the streak unchanged.
	cur, longest = StreakTransition(day(1), day(1).Add(5*time.Hour), 3, 5)
	assert.Equal(t, 3, cur)
	assert.Equal(t, 5, longest)

	// Consecutive day extends it.
	cur, longest = StreakTransition(day(1), day(2), 3, 5)
	assert.Equal(t, 4, cur)
	assert.Equal(t, 5, longest)

	// Extending past the record lifts the record.
	cur, longest = StreakTransition(day(1), day(2), 5, 5)
	assert.Equal(t, 6, cur)
	assert.Equal(t, 6, longest)

	// A gap resets the current streak, the record stays.
	cur, longest = StreakTransition(day(1), day(4), 7, 7)
	assert.Equal(t, 1, cur)
	assert.Equal(t, 7, longest)
}

func TestStreakTransition_MidnightBoundary(t *testing.T) {
	// 23:59 UTC and 00:01 UTC next day are consecutive calendar days.
	last := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)
	next := time.Date(2025, 3, 2, 0, 1, 0, 0, time.UTC)

	cur, longest := StreakTransition(last, next, 1, 1)
	assert.Equal(t, 2, cur)
	assert.Equal(t, 2, longest)
}

func TestAggregateWatchTime(t *testing.T) {
	lessons := map[LessonID]*LessonProgress{
		"l1": {LessonID: "l1", WatchedPercent: 50},
		"l2": {LessonID: "l2", WatchedPercent: 100},
		"l3": {LessonID: "l3", WatchedPercent: 80}, // no known duration
	}
	durations := map[LessonID]time.Duration{
		"l1": 2 * time.Hour,
		"l2": 30 * time.Minute,
	}

	// 50% of 2h + 100% of 30m = 1.5h; l3 contributes nothing.
	assert.InDelta(t, 1.5, AggregateWatchTime(lessons, durations), 0.001)

	assert.Zero(t, AggregateWatchTime(nil, durations))
	assert.Zero(t, AggregateWatchTime(lessons, nil))
}
