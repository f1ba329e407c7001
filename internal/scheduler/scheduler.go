package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/careerfolio/portal/internal/governance/usage"
)

// ErrUnknownJob is returned by RunNow for a job name the scheduler does not own.
var ErrUnknownJob = errors.New("unknown job")

// Resetter is the maintenance work driven by the default jobs.
type Resetter interface {
	ResetDailyCounters(ctx context.Context) (int64, error)
	ResetWeeklyCounters(ctx context.Context) (int64, error)
	ResetMonthlyCounters(ctx context.Context) (int64, error)
	CleanupExpiredRestrictions(ctx context.Context) (int64, error)
}

// Job is a recurring task. FirstRun picks the first fire time; every later run
// follows Interval after the previous fire time.
type Job struct {
	Name     string
	Interval time.Duration
	FirstRun func(now time.Time) time.Time
	Run      func(ctx context.Context) (int64, error)
}

func immediately(now time.Time) time.Time { return now }

// DefaultJobs returns the counter reset and restriction cleanup jobs.
// The monthly job repeats every 30 days rather than on calendar month boundaries.
func DefaultJobs(r Resetter) []Job {
	return []Job{
		{
			Name:     usage.JobDailyReset,
			Interval: 24 * time.Hour,
			FirstRun: func(now time.Time) time.Time { return usage.NextResets(now).Daily },
			Run:      r.ResetDailyCounters,
		},
		{
			Name:     usage.JobWeeklyReset,
			Interval: 7 * 24 * time.Hour,
			FirstRun: func(now time.Time) time.Time { return usage.NextResets(now).Weekly },
			Run:      r.ResetWeeklyCounters,
		},
		{
			Name:     usage.JobMonthlyReset,
			Interval: 30 * 24 * time.Hour,
			FirstRun: immediately,
			Run:      r.ResetMonthlyCounters,
		},
		{
			Name:     usage.JobRestrictionCleanup,
			Interval: time.Hour,
			FirstRun: immediately,
			Run:      r.CleanupExpiredRestrictions,
		},
	}
}

var jobAliases = map[string]string{
	"daily":   usage.JobDailyReset,
	"weekly":  usage.JobWeeklyReset,
	"monthly": usage.JobMonthlyReset,
	"cleanup": usage.JobRestrictionCleanup,
}

// ResolveJob maps the short names daily, weekly, monthly and cleanup to job names.
// Other names are returned unchanged.
func ResolveJob(name string) string {
	if full, ok := jobAliases[name]; ok {
		return full
	}
	return name
}

// JobStatus reports the state of one job.
type JobStatus struct {
	Name      string     `json:"name"`
	Every     string     `json:"every"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastCount int64      `json:"last_count"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int        `json:"runs"`
}

// Status reports the scheduler state.
type Status struct {
	Running bool        `json:"running"`
	Jobs    []JobStatus `json:"jobs"`
}

// Scheduler owns the timers of its jobs. It can be started and stopped repeatedly.
type Scheduler struct {
	jobs []Job
	now  func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	status  map[string]*JobStatus
	runMu   map[string]*sync.Mutex
}

// New creates a Scheduler for jobs. A nil now uses time.Now.
func New(jobs []Job, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		jobs:   jobs,
		now:    now,
		status: make(map[string]*JobStatus, len(jobs)),
		runMu:  make(map[string]*sync.Mutex, len(jobs)),
	}
	for _, j := range jobs {
		s.status[j.Name] = &JobStatus{Name: j.Name, Every: j.Interval.String()}
		s.runMu[j.Name] = &sync.Mutex{}
	}
	return s
}

// Start launches one goroutine per job. Jobs stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	var loops sync.WaitGroup
	for _, j := range s.jobs {
		s.wg.Add(1)
		loops.Add(1)
		go func(j Job) {
			defer loops.Done()
			s.loop(ctx, j, stopCh)
		}(j)
	}
	s.wg.Add(1)
	go s.watch(ctx, stopCh, &loops)

	slog.Info("usage scheduler started", "jobs", len(s.jobs))
	return nil
}

// watch marks the scheduler stopped once ctx ends and every job loop has returned,
// so that a later Start is accepted.
func (s *Scheduler) watch(ctx context.Context, stopCh <-chan struct{}, loops *sync.WaitGroup) {
	defer s.wg.Done()
	select {
	case <-stopCh:
		return
	case <-ctx.Done():
	}
	loops.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.stopCh != stopCh {
		return
	}
	s.running = false
	for _, st := range s.status {
		st.NextRun = nil
	}
	slog.Info("usage scheduler stopped", "reason", ctx.Err())
}

// Stop cancels every pending timer and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for _, st := range s.status {
		st.NextRun = nil
	}
	s.mu.Unlock()
	slog.Info("usage scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a snapshot of the scheduler and its jobs, in job order.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, Jobs: make([]JobStatus, 0, len(s.jobs))}
	for _, j := range s.jobs {
		js := *s.status[j.Name]
		st.Jobs = append(st.Jobs, js)
	}
	return st
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	for _, j := range s.jobs {
		if j.Name == name {
			return s.execute(ctx, j)
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownJob, name)
}

func (s *Scheduler) loop(ctx context.Context, j Job, stopCh <-chan struct{}) {
	defer s.wg.Done()

	next := j.FirstRun(s.now())
	s.setNextRun(j.Name, next)
	timer := time.NewTimer(max(next.Sub(s.now()), 0))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
			if ctx.Err() != nil {
				return
			}
			s.execute(ctx, j)
			next = next.Add(j.Interval)
			if now := s.now(); next.Before(now) {
				next = now.Add(j.Interval)
			}
			s.setNextRun(j.Name, next)
			timer.Reset(max(next.Sub(s.now()), 0))
		}
	}
}

func (s *Scheduler) setNextRun(name string, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name].NextRun = &next
}

// execute runs j once, serialized with other runs of the same job. Panics are
// recovered and recorded as the run's error.
func (s *Scheduler) execute(ctx context.Context, j Job) (n int64, err error) {
	lock := s.runMu[j.Name]
	lock.Lock()
	defer lock.Unlock()

	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}

		s.mu.Lock()
		st := s.status[j.Name]
		st.Runs++
		st.LastRun = &start
		st.LastCount = n
		st.LastError = ""
		if err != nil {
			st.LastError = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			slog.Error("scheduled job failed", "job", j.Name, "error", err)
			return
		}
		slog.Info("scheduled job completed", "job", j.Name, "rows", n, "duration", s.now().Sub(start))
	}()

	return j.Run(ctx)
}
