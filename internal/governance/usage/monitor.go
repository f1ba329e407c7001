package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/careerfolio/portal/internal/metrics"
	inats "github.com/careerfolio/portal/internal/nats"
)

// EventPublisher emits usage events for notifications and the audit trail.
type EventPublisher interface {
	PublishUsageEvent(ctx context.Context, event inats.UsageEvent) error
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLocation sets the zone used by the off-hours heuristic.
func WithLocation(loc *time.Location) Option {
	return func(m *Monitor) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithPatternDetector enables the Redis-backed abuse heuristics.
func WithPatternDetector(d *PatternDetector) Option {
	return func(m *Monitor) { m.patterns = d }
}

// WithEventPublisher enables usage event publishing.
func WithEventPublisher(p EventPublisher) Option {
	return func(m *Monitor) { m.events = p }
}

// Monitor tracks AI feature usage, evaluates it against Limits and applies restrictions.
// Counting days and hours are UTC.
type Monitor struct {
	repo     Repository
	limits   *Limits
	patterns *PatternDetector
	events   EventPublisher
	now      func() time.Time
	loc      *time.Location
}

// NewMonitor creates a Monitor over repo. A nil limits uses DefaultLimits.
func NewMonitor(repo Repository, limits *Limits, opts ...Option) *Monitor {
	if limits == nil {
		limits = DefaultLimits()
	}
	m := &Monitor{
		repo:   repo,
		limits: limits,
		now:    time.Now,
		loc:    time.UTC,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limits returns the policy the monitor enforces.
func (m *Monitor) Limits() *Limits {
	return m.limits
}

func (m *Monitor) clock() time.Time {
	return m.now().UTC()
}

func dayOf(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTrackingUnavailable, err)
}

// TrackUsage counts one request. Failures are logged and swallowed so that
// tracking never blocks the user.
func (m *Monitor) TrackUsage(ctx context.Context, userID uuid.UUID, feature Feature) {
	if _, err := m.track(ctx, userID, feature, nil); err != nil {
		metrics.UsageFailOpenTotal.WithLabelValues("track").Inc()
		slog.Warn("usage: tracking failed, allowing request",
			"user_id", userID, "feature", feature, "error", err)
	}
}

// trackWithinLimits counts one request only while every cap in caps is unmet.
// It returns ErrLimitReached when a cap was hit concurrently.
func (m *Monitor) trackWithinLimits(ctx context.Context, userID uuid.UUID, feature Feature, caps FeatureLimits) (*Record, error) {
	return m.track(ctx, userID, feature, &caps)
}

func (m *Monitor) track(ctx context.Context, userID uuid.UUID, feature Feature, caps *FeatureLimits) (*Record, error) {
	now := m.clock()
	rec, err := m.repo.Increment(ctx, IncrementParams{
		UserID:  userID,
		Feature: feature,
		Day:     dayOf(now),
		Hour:    now.Hour(),
		Caps:    caps,
	})
	if err != nil {
		if errors.Is(err, ErrLimitReached) {
			return nil, err
		}
		return nil, unavailable("tracking usage", err)
	}
	metrics.UsageTrackedTotal.WithLabelValues(string(feature)).Inc()
	return rec, nil
}

// GetCurrentUsage returns the counters for today. Without a record for today the
// weekly and monthly counts come from the latest earlier record in the same ISO week
// and calendar month.
func (m *Monitor) GetCurrentUsage(ctx context.Context, userID uuid.UUID, feature Feature) (Usage, error) {
	now := m.clock()
	today := dayOf(now)

	rec, err := m.repo.GetRecord(ctx, userID, feature, today)
	if err != nil {
		return Usage{}, unavailable("reading usage", err)
	}
	if rec != nil {
		return Usage{
			Hourly:  rec.Hourly.At(now.Hour()),
			Daily:   rec.DailyCount,
			Weekly:  rec.WeeklyCount,
			Monthly: rec.MonthlyCount,
		}, nil
	}

	prev, err := m.repo.LatestRecordBefore(ctx, userID, feature, today)
	if err != nil {
		return Usage{}, unavailable("reading previous usage", err)
	}
	var u Usage
	if prev != nil {
		if sameISOWeek(prev.UsageDate, today) {
			u.Weekly = prev.WeeklyCount
		}
		if sameMonth(prev.UsageDate, today) {
			u.Monthly = prev.MonthlyCount
		}
	}
	return u, nil
}

func sameISOWeek(a, b time.Time) bool {
	ay, aw := a.UTC().ISOWeek()
	by, bw := b.UTC().ISOWeek()
	return ay == by && aw == bw
}

func sameMonth(a, b time.Time) bool {
	return a.UTC().Year() == b.UTC().Year() && a.UTC().Month() == b.UTC().Month()
}

// CheckViolations evaluates current usage against every limited period and handles
// each crossing it finds. Storage failures yield no violations.
func (m *Monitor) CheckViolations(ctx context.Context, userID uuid.UUID, feature Feature) []Violation {
	caps, err := m.limits.For(feature)
	if err != nil {
		slog.Warn("usage: checking violations for unknown feature", "feature", feature)
		return nil
	}
	u, err := m.GetCurrentUsage(ctx, userID, feature)
	if err != nil {
		slog.Warn("usage: violation check failed", "user_id", userID, "feature", feature, "error", err)
		return nil
	}

	var violations []Violation
	for _, p := range LimitedPeriods {
		vtype, pct, ok := m.limits.Classify(u.Of(p), caps.Of(p))
		if !ok {
			continue
		}
		v := Violation{
			Type:       vtype,
			Period:     p,
			Current:    u.Of(p),
			Limit:      caps.Of(p),
			Percentage: pct,
		}
		m.HandleViolation(ctx, userID, feature, v)
		violations = append(violations, v)
	}
	return violations
}

// HandleViolation logs the violation and then dispatches on its type: warnings
// notify, limit breaches restrict, suspicious patterns only log and notify.
func (m *Monitor) HandleViolation(ctx context.Context, userID uuid.UUID, feature Feature, v Violation) {
	details, err := json.Marshal(v)
	if err != nil {
		details = []byte(`{}`)
	}
	rec := &ViolationRecord{
		UserID:             userID,
		Feature:            feature,
		ViolationType:      v.Type,
		Details:            details,
		WarningSent:        v.Type.IsWarning() && m.events != nil,
		RestrictionApplied: v.Type == ViolationLimitExceeded,
	}
	if err := m.repo.InsertViolation(ctx, rec); err != nil {
		slog.Warn("usage: recording violation failed",
			"user_id", userID, "feature", feature, "type", v.Type, "error", err)
	}
	metrics.UsageViolationsTotal.WithLabelValues(string(feature), string(v.Type)).Inc()

	switch v.Type {
	case ViolationFirstWarning, ViolationFinalWarning:
		slog.Info("usage: warning threshold crossed",
			"user_id", userID, "feature", feature, "type", v.Type, "period", v.Period,
			"current", v.Current, "limit", v.Limit)
		m.publish(ctx, inats.UsageEvent{
			UserID:     userID,
			EventType:  inats.EventUsageWarning,
			Severity:   "warn",
			Feature:    string(feature),
			ResourceID: rec.ID.String(),
			Details: map[string]any{
				"violation_type": v.Type,
				"period":         v.Period,
				"current":        v.Current,
				"limit":          v.Limit,
			},
		})
	case ViolationLimitExceeded:
		m.ApplyRestriction(ctx, userID, feature, v)
	case ViolationSuspiciousPattern:
		slog.Warn("usage: suspicious pattern detected",
			"user_id", userID, "feature", feature, "pattern", v.Pattern, "current", v.Current)
		m.publish(ctx, inats.UsageEvent{
			UserID:     userID,
			EventType:  inats.EventSuspiciousPattern,
			Severity:   "warn",
			Feature:    string(feature),
			ResourceID: rec.ID.String(),
			Details: map[string]any{
				"pattern":   v.Pattern,
				"count":     v.Current,
				"threshold": v.Limit,
			},
		})
	}
}

// ApplyRestriction inserts an active, appealable restriction for a limit breach.
// Escalation is not tracked yet, so every restriction uses the first-offense duration.
// It returns nil when the restriction could not be stored.
func (m *Monitor) ApplyRestriction(ctx context.Context, userID uuid.UUID, feature Feature, v Violation) *Restriction {
	now := m.clock()
	end := now.Add(m.limits.RestrictionDuration(TierFirstOffense, v.Period))
	current, limit := v.Current, v.Limit

	res := &Restriction{
		UserID:          userID,
		Feature:         feature,
		RestrictionType: RestrictionUsageLimit,
		EndTime:         &end,
		Reason:          fmt.Sprintf("%s usage limit exceeded (%d/%d)", v.Period, v.Current, v.Limit),
		Period:          v.Period,
		Current:         &current,
		Limit:           &limit,
		CanAppeal:       true,
		IsActive:        true,
	}
	if err := m.repo.InsertRestriction(ctx, res); err != nil {
		slog.Error("usage: applying restriction failed",
			"user_id", userID, "feature", feature, "period", v.Period, "error", err)
		return nil
	}
	metrics.UsageRestrictionsApplied.WithLabelValues(string(feature)).Inc()
	slog.Info("usage: restriction applied",
		"user_id", userID, "feature", feature, "period", v.Period, "end_time", end)

	m.publish(ctx, inats.UsageEvent{
		UserID:     userID,
		EventType:  inats.EventRestrictionApplied,
		Severity:   "error",
		Feature:    string(feature),
		ResourceID: res.ID.String(),
		Details: map[string]any{
			"period":   v.Period,
			"current":  v.Current,
			"limit":    v.Limit,
			"end_time": end,
		},
	})
	return res
}

// CheckRestrictions returns the restrictions that currently block feature for the user.
func (m *Monitor) CheckRestrictions(ctx context.Context, userID uuid.UUID, feature Feature) ([]Restriction, error) {
	all, err := m.repo.ListActiveRestrictions(ctx, userID, feature)
	if err != nil {
		return nil, unavailable("checking restrictions", err)
	}
	return activeAt(all, m.clock()), nil
}

func activeAt(all []Restriction, now time.Time) []Restriction {
	active := make([]Restriction, 0, len(all))
	for _, r := range all {
		if r.ActiveAt(now) {
			active = append(active, r)
		}
	}
	return active
}

// CheckSuspiciousPatterns runs the abuse heuristics for one request. Detected patterns
// are logged as violations and never restrict.
func (m *Monitor) CheckSuspiciousPatterns(ctx context.Context, userID uuid.UUID, feature Feature, fingerprint string) []Violation {
	now := m.clock()
	cfg := m.limits.Suspicious
	var violations []Violation

	if cfg.InOffHours(now.In(m.loc).Hour()) {
		u, err := m.GetCurrentUsage(ctx, userID, feature)
		if err != nil {
			slog.Warn("usage: off-hours check failed", "user_id", userID, "error", err)
		} else if u.Hourly > cfg.OffHoursPerHour {
			violations = append(violations, Violation{
				Type:    ViolationSuspiciousPattern,
				Pattern: PatternOffHours,
				Period:  PeriodHourly,
				Current: u.Hourly,
				Limit:   cfg.OffHoursPerHour,
			})
		}
	}

	if m.patterns != nil {
		detections, err := m.patterns.Observe(ctx, userID, feature, fingerprint, now)
		if err != nil {
			slog.Warn("usage: pattern detector failed", "user_id", userID, "error", err)
		}
		for _, d := range detections {
			violations = append(violations, Violation{
				Type:    ViolationSuspiciousPattern,
				Pattern: d.Pattern,
				Current: d.Count,
				Limit:   d.Threshold,
				Extra:   map[string]any{"window_seconds": int(d.Window.Seconds())},
			})
		}
	}

	for _, v := range violations {
		m.HandleViolation(ctx, userID, feature, v)
	}
	return violations
}

// Overview returns recent usage records and active restrictions for a user.
func (m *Monitor) Overview(ctx context.Context, userID uuid.UUID) (*Overview, error) {
	records, err := m.repo.ListRecords(ctx, userID, 100)
	if err != nil {
		return nil, fmt.Errorf("listing usage records: %w", err)
	}
	restrictions, err := m.repo.ListUserActiveRestrictions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing restrictions: %w", err)
	}
	return &Overview{
		Usage:        records,
		Restrictions: activeAt(restrictions, m.clock()),
		Limits:       m.limits,
	}, nil
}

// ListViolations returns the most recent violation rows for a user.
func (m *Monitor) ListViolations(ctx context.Context, userID uuid.UUID, limit int) ([]ViolationRecord, error) {
	violations, err := m.repo.ListViolations(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing violations: %w", err)
	}
	return violations, nil
}

// SubmitAppeal records an appeal against one of the user's restrictions.
func (m *Monitor) SubmitAppeal(ctx context.Context, userID, restrictionID uuid.UUID, reason string) (*Restriction, error) {
	res, err := m.repo.SubmitAppeal(ctx, userID, restrictionID, reason)
	if err != nil {
		return nil, err
	}
	slog.Info("usage: appeal submitted", "user_id", userID, "restriction_id", restrictionID)
	m.publish(ctx, inats.UsageEvent{
		UserID:     userID,
		EventType:  inats.EventAppealSubmitted,
		Severity:   "info",
		Feature:    string(res.Feature),
		ResourceID: res.ID.String(),
		Details:    map[string]any{"reason": reason},
	})
	return res, nil
}

func (m *Monitor) publish(ctx context.Context, event inats.UsageEvent) {
	if m.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock()
	}
	if err := m.events.PublishUsageEvent(ctx, event); err != nil {
		slog.Warn("usage: publishing event failed", "event_type", event.EventType, "error", err)
	}
}
