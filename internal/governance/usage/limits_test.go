package usage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseFeature(t *testing.T) {
	for _, f := range Features {
		got, err := ParseFeature(string(f))
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}

	_, err := ParseFeature("essay_writer")
	assert.True(t, errors.Is(err, ErrUnknownFeature))
}

func TestDefaultLimits_CoverEveryFeature(t *testing.T) {
	limits := DefaultLimits()
	for _, f := range Features {
		fl, err := limits.For(f)
		require.NoError(t, err, f)
		assert.Greater(t, fl.Daily, 0)
		assert.LessOrEqual(t, fl.Daily, fl.Weekly)
		assert.LessOrEqual(t, fl.Weekly, fl.Monthly)
	}

	_, err := limits.For("unknown")
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestLimits_Classify(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name    string
		current int
		limit   int
		want    ViolationType
		ok      bool
	}{
		{"below first warning", 5, 8, "", false},
		{"first warning at 75%", 6, 8, ViolationFirstWarning, true},
		{"still first warning", 7, 8, ViolationFirstWarning, true},
		{"final warning at 90%", 9, 10, ViolationFinalWarning, true},
		{"limit reached", 8, 8, ViolationLimitExceeded, true},
		{"over limit", 12, 8, ViolationLimitExceeded, true},
		{"zero limit is ignored", 3, 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, ok := limits.Classify(tt.current, tt.limit)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLimits_ClassifyIsMonotonic(t *testing.T) {
	limits := DefaultLimits()
	rank := map[ViolationType]int{
		"":                     0,
		ViolationFirstWarning:  1,
		ViolationFinalWarning:  2,
		ViolationLimitExceeded: 3,
	}

	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 500).Draw(t, "limit")
		a := rapid.IntRange(0, 1000).Draw(t, "a")
		b := rapid.IntRange(a, 1000).Draw(t, "b")

		ta, _, _ := limits.Classify(a, limit)
		tb, _, _ := limits.Classify(b, limit)
		if rank[tb] < rank[ta] {
			t.Fatalf("classification regressed: %d/%d=%s but %d/%d=%s", a, limit, ta, b, limit, tb)
		}
	})
}

func TestLimits_RestrictionDuration(t *testing.T) {
	limits := DefaultLimits()

	assert.Equal(t, 6*time.Hour, limits.RestrictionDuration(TierFirstOffense, PeriodDaily))
	assert.Equal(t, 24*time.Hour, limits.RestrictionDuration(TierFirstOffense, PeriodWeekly))
	assert.Equal(t, 72*time.Hour, limits.RestrictionDuration(TierFirstOffense, PeriodMonthly))
	assert.Equal(t, 720*time.Hour, limits.RestrictionDuration(TierSevereAbuse, PeriodMonthly))
	assert.Equal(t, 6*time.Hour, limits.RestrictionDuration(TierFirstOffense, PeriodHourly))
}

func TestSuspiciousThresholds_InOffHours(t *testing.T) {
	night := SuspiciousThresholds{OffHoursStart: 0, OffHoursEnd: 6}
	assert.True(t, night.InOffHours(0))
	assert.True(t, night.InOffHours(5))
	assert.False(t, night.InOffHours(6))
	assert.False(t, night.InOffHours(23))

	wrapping := SuspiciousThresholds{OffHoursStart: 22, OffHoursEnd: 5}
	assert.True(t, wrapping.InOffHours(23))
	assert.True(t, wrapping.InOffHours(2))
	assert.False(t, wrapping.InOffHours(12))

	disabled := SuspiciousThresholds{OffHoursStart: 3, OffHoursEnd: 3}
	assert.False(t, disabled.InOffHours(3))
}

func TestHourlyCount(t *testing.T) {
	h := HourlyCount{}.Next(9)
	assert.Equal(t, HourlyCount{Hour: 9, Count: 1}, h)

	h = h.Next(9)
	assert.Equal(t, 2, h.At(9))
	assert.Equal(t, 0, h.At(10), "stale hour reads as zero")

	h = h.Next(10)
	assert.Equal(t, HourlyCount{Hour: 10, Count: 1}, h)
}

func TestRestriction_ActiveAt(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	assert.True(t, Restriction{IsActive: true, EndTime: &future}.ActiveAt(now))
	assert.False(t, Restriction{IsActive: true, EndTime: &past}.ActiveAt(now))
	assert.True(t, Restriction{IsActive: true}.ActiveAt(now), "no end time never expires")
	assert.False(t, Restriction{IsActive: false, EndTime: &future}.ActiveAt(now))
}
