package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/careerfolio/portal/internal/metrics"
	inats "github.com/careerfolio/portal/internal/nats"
)

// Reset job names, used for logging, metrics and the admin API.
const (
	JobDailyReset         = "daily_reset"
	JobWeeklyReset        = "weekly_reset"
	JobMonthlyReset       = "monthly_reset"
	JobRestrictionCleanup = "restriction_cleanup"
)

// ResetService zeroes period counters and expires restrictions.
type ResetService struct {
	repo   Repository
	events EventPublisher
	now    func() time.Time
}

// ResetOption configures a ResetService.
type ResetOption func(*ResetService)

// WithResetClock overrides the time source used to pick the day and expiry cutoff.
func WithResetClock(now func() time.Time) ResetOption {
	return func(s *ResetService) { s.now = now }
}

// NewResetService creates a ResetService. events may be nil.
func NewResetService(repo Repository, events EventPublisher, opts ...ResetOption) *ResetService {
	s := &ResetService{repo: repo, events: events, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResetDailyCounters sets every record's daily count to zero.
func (s *ResetService) ResetDailyCounters(ctx context.Context) (int64, error) {
	return s.resetPeriod(ctx, JobDailyReset, PeriodDaily)
}

// ResetWeeklyCounters sets every record's weekly count to zero.
func (s *ResetService) ResetWeeklyCounters(ctx context.Context) (int64, error) {
	return s.resetPeriod(ctx, JobWeeklyReset, PeriodWeekly)
}

// ResetMonthlyCounters sets every record's monthly count to zero.
func (s *ResetService) ResetMonthlyCounters(ctx context.Context) (int64, error) {
	return s.resetPeriod(ctx, JobMonthlyReset, PeriodMonthly)
}

func (s *ResetService) resetPeriod(ctx context.Context, job string, period Period) (int64, error) {
	n, err := s.repo.ResetCounters(ctx, period)
	if err != nil {
		metrics.ResetRunsTotal.WithLabelValues(job, "error").Inc()
		slog.Error("usage: counter reset failed", "job", job, "error", err)
		return 0, fmt.Errorf("%s: %w", job, err)
	}
	metrics.ResetRunsTotal.WithLabelValues(job, "ok").Inc()
	metrics.ResetRowsTotal.WithLabelValues(job).Add(float64(n))
	slog.Info("usage: counters reset", "job", job, "records", n)
	return n, nil
}

// CleanupExpiredRestrictions deactivates active restrictions whose end time has passed.
func (s *ResetService) CleanupExpiredRestrictions(ctx context.Context) (int64, error) {
	n, err := s.repo.DeactivateExpiredRestrictions(ctx, s.now().UTC())
	if err != nil {
		metrics.ResetRunsTotal.WithLabelValues(JobRestrictionCleanup, "error").Inc()
		slog.Error("usage: restriction cleanup failed", "error", err)
		return 0, fmt.Errorf("%s: %w", JobRestrictionCleanup, err)
	}
	metrics.ResetRunsTotal.WithLabelValues(JobRestrictionCleanup, "ok").Inc()
	metrics.ResetRowsTotal.WithLabelValues(JobRestrictionCleanup).Add(float64(n))
	slog.Info("usage: expired restrictions cleaned up", "restrictions", n)
	return n, nil
}

// UserResetResult reports what a manual per-user reset touched.
type UserResetResult struct {
	Records      int64 `json:"records"`
	Restrictions int64 `json:"restrictions"`
}

// ResetUserFeatureCounters zeroes today's counters for one user and feature and lifts
// their active restrictions for it.
func (s *ResetService) ResetUserFeatureCounters(ctx context.Context, userID uuid.UUID, feature Feature) (*UserResetResult, error) {
	now := s.now().UTC()
	records, restrictions, err := s.repo.ResetUserFeature(ctx, userID, feature, dayOf(now))
	if err != nil {
		return nil, fmt.Errorf("resetting user feature: %w", err)
	}
	slog.Info("usage: user counters reset",
		"user_id", userID, "feature", feature, "records", records, "restrictions", restrictions)

	if s.events != nil {
		event := inats.UsageEvent{
			UserID:    userID,
			EventType: inats.EventCountersReset,
			Severity:  "info",
			Feature:   string(feature),
			Details: map[string]any{
				"records":      records,
				"restrictions": restrictions,
			},
			Timestamp: now,
		}
		if err := s.events.PublishUsageEvent(ctx, event); err != nil {
			slog.Warn("usage: publishing reset event failed", "error", err)
		}
	}
	return &UserResetResult{Records: records, Restrictions: restrictions}, nil
}

// ResetSchedule holds the next calendar boundary of each counting period.
type ResetSchedule struct {
	Daily   time.Time `json:"daily"`
	Weekly  time.Time `json:"weekly"`
	Monthly time.Time `json:"monthly"`
}

// For returns the boundary for p, or the zero time for unlimited periods.
func (s ResetSchedule) For(p Period) time.Time {
	switch p {
	case PeriodDaily:
		return s.Daily
	case PeriodWeekly:
		return s.Weekly
	case PeriodMonthly:
		return s.Monthly
	}
	return time.Time{}
}

// NextResets returns the next UTC midnight, the next Monday midnight and the first of
// next month, all strictly after now.
func NextResets(now time.Time) ResetSchedule {
	today := dayOf(now)
	daysToMonday := (8 - int(today.Weekday())) % 7
	if daysToMonday == 0 {
		daysToMonday = 7
	}
	y, m, _ := today.Date()
	return ResetSchedule{
		Daily:   today.AddDate(0, 0, 1),
		Weekly:  today.AddDate(0, 0, daysToMonday),
		Monthly: time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC),
	}
}
