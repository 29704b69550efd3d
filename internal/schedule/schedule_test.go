package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func job(iv jobs.Interval, start time.Time) *jobs.Definition {
	return &jobs.Definition{Interval: iv, StartDate: start, Enabled: true}
}

func TestAddMonthsClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   time.Time
		n    int
		want time.Time
	}{
		{"non-leap february", day(2025, time.January, 31), 1, day(2025, time.February, 28)},
		{"leap february", day(2024, time.January, 31), 1, day(2024, time.February, 29)},
		{"back to 31", day(2025, time.January, 31), 2, day(2025, time.March, 31)},
		{"april 30", day(2025, time.January, 31), 3, day(2025, time.April, 30)},
		{"year wrap", day(2025, time.December, 15), 1, day(2026, time.January, 15)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, AddMonths(tt.in, tt.n))
		})
	}
}

func TestMonthlyAdvanceClamp(t *testing.T) {
	for _, tc := range []struct {
		year int
		want time.Time
	}{
		{2025, day(2025, time.February, 28)},
		{2024, day(2024, time.February, 29)},
	} {
		start := day(tc.year, time.January, 31)
		j := job(jobs.Monthly, start)
		j.NextRunAt = &start

		next, err := Advance(j, start.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, tc.want, next)

		// The clamp does not stick: the following month returns to the 31st.
		j.NextRunAt = &next
		after, err := Advance(j, next.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, day(tc.year, time.March, 31), after)
	}
}

func TestWeeklyAdvanceIsDriftFree(t *testing.T) {
	start := day(2026, time.January, 5)
	j := job(jobs.Weekly, start)
	j.NextRunAt = &start

	durations := []time.Duration{time.Minute, 5 * time.Hour, 23 * time.Hour, 3 * 24 * time.Hour, 90 * time.Minute}
	const n = 10
	for i := 0; i < n; i++ {
		finished := j.NextRunAt.Add(durations[i%len(durations)])
		next, err := Advance(j, finished)
		require.NoError(t, err)
		j.NextRunAt = &next
	}
	assert.Equal(t, start.AddDate(0, 0, 7*n), *j.NextRunAt)
}

func TestAdvanceSkipsMissedOccurrences(t *testing.T) {
	start := day(2026, time.March, 1)
	j := job(jobs.Daily, start)
	j.NextRunAt = &start

	// A run that took three and a half days lands on the next future slot.
	next, err := Advance(j, start.Add(84*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, day(2026, time.March, 5), next)
	assert.True(t, next.After(start.Add(84*time.Hour)))
}

func TestAdvanceIsStrictlyFuture(t *testing.T) {
	start := day(2026, time.March, 1)
	j := job(jobs.Daily, start)
	j.NextRunAt = &start

	next, err := Advance(j, start)
	require.NoError(t, err)
	assert.Equal(t, day(2026, time.March, 2), next)
}

func TestAdvanceExpires(t *testing.T) {
	start := day(2026, time.March, 1)
	end := day(2026, time.March, 15)
	j := job(jobs.Weekly, start)
	j.EndDate = &end
	occ := day(2026, time.March, 8)
	j.NextRunAt = &occ

	_, err := Advance(j, occ.Add(time.Hour))
	assert.ErrorIs(t, err, ErrExpired)
}

func TestInitial(t *testing.T) {
	start := day(2026, time.March, 1)
	j := job(jobs.Weekly, start)

	got, err := Initial(j, start.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, start, got, "future start is the first occurrence")

	got, err = Initial(j, day(2026, time.March, 20))
	require.NoError(t, err)
	assert.Equal(t, day(2026, time.March, 15), got, "past start catches up once")

	end := day(2026, time.March, 10)
	j.EndDate = &end
	_, err = Initial(j, day(2026, time.March, 20))
	assert.ErrorIs(t, err, ErrExpired)
}

func TestIsDue(t *testing.T) {
	now := day(2026, time.April, 1)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	end := now.Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(j *jobs.Definition)
		want   bool
	}{
		{"due", func(j *jobs.Definition) { j.NextRunAt = &past }, true},
		{"exactly now", func(j *jobs.Definition) { j.NextRunAt = &now }, true},
		{"future", func(j *jobs.Definition) { j.NextRunAt = &future }, false},
		{"disabled", func(j *jobs.Definition) { j.NextRunAt = &past; j.Enabled = false }, false},
		{"expired", func(j *jobs.Definition) { j.NextRunAt = &past; j.EndDate = &end }, false},
		{"unscheduled", func(j *jobs.Definition) {}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := job(jobs.Daily, day(2026, time.January, 1))
			tt.mutate(j)
			assert.Equal(t, tt.want, IsDue(j, now))
		})
	}
}

func TestExpired(t *testing.T) {
	now := day(2026, time.April, 1)
	j := job(jobs.Daily, day(2026, time.January, 1))
	assert.False(t, Expired(j, now))

	j.EndDate = jobs.TimePtr(now)
	assert.True(t, Expired(j, now))

	j.EndDate = jobs.TimePtr(now.Add(time.Second))
	assert.False(t, Expired(j, now))
}

func TestDailyAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	start := time.Date(2026, time.March, 7, 6, 0, 0, 0, loc)
	j := job(jobs.Daily, start)
	j.NextRunAt = jobs.TimePtr(time.Date(2026, time.March, 8, 6, 0, 0, 0, loc))

	next, err := Advance(j, j.NextRunAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.March, 9, 6, 0, 0, 0, loc), next)
}
