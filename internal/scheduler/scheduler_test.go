package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careerfolio/portal/internal/governance/usage"
)

type countingResetter struct {
	daily, weekly, monthly, cleanup atomic.Int32
}

func (r *countingResetter) ResetDailyCounters(context.Context) (int64, error) {
	r.daily.Add(1)
	return 3, nil
}

func (r *countingResetter) ResetWeeklyCounters(context.Context) (int64, error) {
	r.weekly.Add(1)
	return 2, nil
}

func (r *countingResetter) ResetMonthlyCounters(context.Context) (int64, error) {
	r.monthly.Add(1)
	return 1, nil
}

func (r *countingResetter) CleanupExpiredRestrictions(context.Context) (int64, error) {
	r.cleanup.Add(1)
	return 0, nil
}

func TestDefaultJobs_FirstRuns(t *testing.T) {
	now := time.Date(2026, 10, 14, 10, 30, 0, 0, time.UTC)
	jobs := DefaultJobs(&countingResetter{})
	require.Len(t, jobs, 4)

	byName := map[string]Job{}
	for _, j := range jobs {
		byName[j.Name] = j
	}

	assert.Equal(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), byName[usage.JobDailyReset].FirstRun(now))
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), byName[usage.JobWeeklyReset].FirstRun(now))
	assert.Equal(t, now, byName[usage.JobMonthlyReset].FirstRun(now))
	assert.Equal(t, now, byName[usage.JobRestrictionCleanup].FirstRun(now))

	assert.Equal(t, 24*time.Hour, byName[usage.JobDailyReset].Interval)
	assert.Equal(t, 7*24*time.Hour, byName[usage.JobWeeklyReset].Interval)
	assert.Equal(t, 30*24*time.Hour, byName[usage.JobMonthlyReset].Interval)
	assert.Equal(t, time.Hour, byName[usage.JobRestrictionCleanup].Interval)
}

func TestScheduler_StartRunsImmediateJobs(t *testing.T) {
	r := &countingResetter{}
	s := New(DefaultJobs(r), nil)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		return r.monthly.Load() == 1 && r.cleanup.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), r.daily.Load())
	assert.Equal(t, int32(0), r.weekly.Load())

	st := s.Status()
	assert.True(t, st.Running)
	require.Len(t, st.Jobs, 4)
	for _, j := range st.Jobs {
		assert.NotNil(t, j.NextRun, j.Name)
	}
}

func TestScheduler_RepeatsOnInterval(t *testing.T) {
	var runs atomic.Int32
	s := New([]Job{{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		FirstRun: immediately,
		Run: func(context.Context) (int64, error) {
			runs.Add(1)
			return 1, nil
		},
	}}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	stopped := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load(), "no runs after Stop")

	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, int(stopped), st.Jobs[0].Runs)
	assert.Nil(t, st.Jobs[0].NextRun)
}

func TestScheduler_StartTwiceFails(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	var runs atomic.Int32
	s := New([]Job{{
		Name:     "once",
		Interval: time.Hour,
		FirstRun: immediately,
		Run: func(context.Context) (int64, error) {
			runs.Add(1)
			return 0, nil
		},
	}}, nil)

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.Start(context.Background()))
		require.Eventually(t, func() bool { return runs.Load() == int32(i) }, time.Second, 5*time.Millisecond)
		s.Stop()
		assert.False(t, s.IsRunning())
	}
}

func TestScheduler_ContextCancelStopsJobs(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := New([]Job{{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		FirstRun: immediately,
		Run: func(context.Context) (int64, error) {
			runs.Add(1)
			return 0, nil
		},
	}}, nil)

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	s.Stop()

	n := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
}

func TestScheduler_RestartAfterContextCancel(t *testing.T) {
	var runs atomic.Int32
	s := New([]Job{{
		Name:     "once",
		Interval: time.Hour,
		FirstRun: immediately,
		Run: func(context.Context) (int64, error) {
			runs.Add(1)
			return 0, nil
		},
	}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	require.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 5*time.Millisecond)
	assert.Nil(t, s.Status().Jobs[0].NextRun)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning())
}

func TestScheduler_RecordsErrorsAndRecoversPanics(t *testing.T) {
	var calls atomic.Int32
	s := New([]Job{
		{
			Name:     "broken",
			Interval: time.Hour,
			FirstRun: immediately,
			Run: func(context.Context) (int64, error) {
				return 0, errors.New("db down")
			},
		},
		{
			Name:     "panicky",
			Interval: 10 * time.Millisecond,
			FirstRun: immediately,
			Run: func(context.Context) (int64, error) {
				calls.Add(1)
				panic("boom")
			},
		},
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	st := s.Status()
	assert.Equal(t, "db down", st.Jobs[0].LastError)
	assert.Equal(t, "panic: boom", st.Jobs[1].LastError)
	assert.GreaterOrEqual(t, st.Jobs[1].Runs, 2, "a panicking job keeps its schedule")
}

func TestScheduler_RunNow(t *testing.T) {
	r := &countingResetter{}
	s := New(DefaultJobs(r), nil)

	n, err := s.RunNow(context.Background(), usage.JobDailyReset)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, int32(1), r.daily.Load())

	st := s.Status()
	assert.Equal(t, 1, st.Jobs[0].Runs)
	assert.Equal(t, int64(3), st.Jobs[0].LastCount)
	assert.NotNil(t, st.Jobs[0].LastRun)

	_, err = s.RunNow(context.Background(), "hourly_reset")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestResolveJob(t *testing.T) {
	assert.Equal(t, usage.JobDailyReset, ResolveJob("daily"))
	assert.Equal(t, usage.JobWeeklyReset, ResolveJob("weekly"))
	assert.Equal(t, usage.JobMonthlyReset, ResolveJob("monthly"))
	assert.Equal(t, usage.JobRestrictionCleanup, ResolveJob("cleanup"))
	assert.Equal(t, usage.JobDailyReset, ResolveJob(usage.JobDailyReset))
	assert.Equal(t, "hourly", ResolveJob("hourly"))
}
