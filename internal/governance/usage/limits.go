package usage

import (
	"fmt"
	"time"
)

// Feature identifies one of the rate-limited AI actions.
type Feature string

const (
	FeatureCVJobDuties       Feature = "cv_job_duties"
	FeatureSupportingInfo    Feature = "supporting_info"
	FeatureCoverLetter       Feature = "cover_letter"
	FeatureInterviewPractice Feature = "interview_practice"
	FeatureQAGenerator       Feature = "qa_generator"
)

// Features lists every known feature in display order.
var Features = []Feature{
	FeatureCVJobDuties,
	FeatureSupportingInfo,
	FeatureCoverLetter,
	FeatureInterviewPractice,
	FeatureQAGenerator,
}

// ParseFeature validates a feature key coming from a route or a request.
func ParseFeature(s string) (Feature, error) {
	for _, f := range Features {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFeature, s)
}

// Period is a usage counting window.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// LimitedPeriods are the periods that carry caps, in evaluation order.
var LimitedPeriods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly}

// OffenseTier selects a restriction duration.
type OffenseTier string

const (
	TierFirstOffense  OffenseTier = "first_offense"
	TierRepeatOffense OffenseTier = "repeat_offense"
	TierSevereAbuse   OffenseTier = "severe_abuse"
)

// FeatureLimits are the per-period caps for a single feature.
type FeatureLimits struct {
	Daily   int `json:"daily"`
	Weekly  int `json:"weekly"`
	Monthly int `json:"monthly"`
}

// Of returns the cap for a limited period, or 0 for hourly.
func (l FeatureLimits) Of(p Period) int {
	switch p {
	case PeriodDaily:
		return l.Daily
	case PeriodWeekly:
		return l.Weekly
	case PeriodMonthly:
		return l.Monthly
	}
	return 0
}

// WarningThresholds are fractions of a limit.
type WarningThresholds struct {
	First       float64 `json:"first_warning"`
	Final       float64 `json:"final_warning"`
	Restriction float64 `json:"restriction"`
}

// SuspiciousThresholds configure the abuse heuristics.
type SuspiciousThresholds struct {
	RequestsPerMinute int           `json:"requests_per_minute"`
	OffHoursStart     int           `json:"off_hours_start"`
	OffHoursEnd       int           `json:"off_hours_end"`
	OffHoursPerHour   int           `json:"off_hours_per_hour"`
	IdenticalContent  int           `json:"identical_content"`
	IdenticalWindow   time.Duration `json:"identical_window"`
	BurstCount        int           `json:"burst_count"`
	BurstWindow       time.Duration `json:"burst_window"`
}

// InOffHours reports whether hour falls in [OffHoursStart, OffHoursEnd), wrapping midnight.
func (s SuspiciousThresholds) InOffHours(hour int) bool {
	if s.OffHoursStart == s.OffHoursEnd {
		return false
	}
	if s.OffHoursStart < s.OffHoursEnd {
		return hour >= s.OffHoursStart && hour < s.OffHoursEnd
	}
	return hour >= s.OffHoursStart || hour < s.OffHoursEnd
}

// Limits is the static usage policy. Treat it as read-only once built.
type Limits struct {
	Features     map[Feature]FeatureLimits      `json:"features"`
	Warnings     WarningThresholds              `json:"warnings"`
	Suspicious   SuspiciousThresholds           `json:"suspicious"`
	Restrictions map[OffenseTier]map[Period]int `json:"restriction_hours"`
}

// DefaultLimits returns the production policy.
func DefaultLimits() *Limits {
	return &Limits{
		Features: map[Feature]FeatureLimits{
			FeatureCVJobDuties:       {Daily: 10, Weekly: 50, Monthly: 150},
			FeatureSupportingInfo:    {Daily: 8, Weekly: 40, Monthly: 120},
			FeatureCoverLetter:       {Daily: 8, Weekly: 40, Monthly: 120},
			FeatureInterviewPractice: {Daily: 15, Weekly: 75, Monthly: 250},
			FeatureQAGenerator:       {Daily: 10, Weekly: 50, Monthly: 150},
		},
		Warnings: WarningThresholds{
			First:       0.75,
			Final:       0.90,
			Restriction: 1.0,
		},
		Suspicious: SuspiciousThresholds{
			RequestsPerMinute: 10,
			OffHoursStart:     0,
			OffHoursEnd:       6,
			OffHoursPerHour:   20,
			IdenticalContent:  5,
			IdenticalWindow:   time.Hour,
			BurstCount:        20,
			BurstWindow:       5 * time.Minute,
		},
		Restrictions: map[OffenseTier]map[Period]int{
			TierFirstOffense:  {PeriodDaily: 6, PeriodWeekly: 24, PeriodMonthly: 72},
			TierRepeatOffense: {PeriodDaily: 24, PeriodWeekly: 72, PeriodMonthly: 168},
			TierSevereAbuse:   {PeriodDaily: 168, PeriodWeekly: 336, PeriodMonthly: 720},
		},
	}
}

// For returns the caps for f.
func (l *Limits) For(f Feature) (FeatureLimits, error) {
	fl, ok := l.Features[f]
	if !ok {
		return FeatureLimits{}, fmt.Errorf("%w: %q", ErrUnknownFeature, f)
	}
	return fl, nil
}

// RestrictionDuration returns how long a restriction for the given tier and period lasts.
// Unknown combinations fall back to the daily first-offense duration.
func (l *Limits) RestrictionDuration(tier OffenseTier, p Period) time.Duration {
	if hours, ok := l.Restrictions[tier][p]; ok {
		return time.Duration(hours) * time.Hour
	}
	return time.Duration(l.Restrictions[TierFirstOffense][PeriodDaily]) * time.Hour
}

// Classify maps a usage ratio onto a violation type. ok is false below the first threshold.
func (l *Limits) Classify(current, limit int) (ViolationType, float64, bool) {
	if limit <= 0 {
		return "", 0, false
	}
	pct := float64(current) / float64(limit)
	switch {
	case pct >= l.Warnings.Restriction:
		return ViolationLimitExceeded, pct, true
	case pct >= l.Warnings.Final:
		return ViolationFinalWarning, pct, true
	case pct >= l.Warnings.First:
		return ViolationFirstWarning, pct, true
	}
	return "", pct, false
}
