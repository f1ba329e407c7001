package usage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// HourlyCount is the request count within a single wall-clock hour.
// The count is only meaningful while Hour matches the current hour.
type HourlyCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// At returns the count for hour, or 0 when the stored hour is stale.
func (h HourlyCount) At(hour int) int {
	if h.Hour != hour {
		return 0
	}
	return h.Count
}

// Next returns the counter after one more event in hour.
func (h HourlyCount) Next(hour int) HourlyCount {
	return HourlyCount{Hour: hour, Count: h.At(hour) + 1}
}

// Record matches the usage_records table schema: one row per user, feature and UTC day.
type Record struct {
	ID           uuid.UUID   `json:"id"`
	UserID       uuid.UUID   `json:"user_id"`
	Feature      Feature     `json:"feature_type"`
	UsageDate    time.Time   `json:"usage_date"`
	Hourly       HourlyCount `json:"hourly"`
	DailyCount   int         `json:"daily_count"`
	WeeklyCount  int         `json:"weekly_count"`
	MonthlyCount int         `json:"monthly_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Usage is the current counter snapshot for a user and feature.
type Usage struct {
	Hourly  int `json:"hourly_count"`
	Daily   int `json:"daily_count"`
	Weekly  int `json:"weekly_count"`
	Monthly int `json:"monthly_count"`
}

// Of returns the counter for p.
func (u Usage) Of(p Period) int {
	switch p {
	case PeriodHourly:
		return u.Hourly
	case PeriodDaily:
		return u.Daily
	case PeriodWeekly:
		return u.Weekly
	case PeriodMonthly:
		return u.Monthly
	}
	return 0
}

// ViolationType classifies a threshold crossing.
type ViolationType string

const (
	ViolationFirstWarning      ViolationType = "first_warning"
	ViolationFinalWarning      ViolationType = "final_warning"
	ViolationLimitExceeded     ViolationType = "limit_exceeded"
	ViolationSuspiciousPattern ViolationType = "suspicious_pattern"
)

// IsWarning reports whether the violation is advisory only.
func (t ViolationType) IsWarning() bool {
	return t == ViolationFirstWarning || t == ViolationFinalWarning
}

// Violation is a detected threshold crossing, before or after it is persisted.
type Violation struct {
	Type       ViolationType `json:"type"`
	Period     Period        `json:"period,omitempty"`
	Current    int           `json:"current,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	Percentage float64       `json:"percentage,omitempty"`
	// Pattern names the heuristic for suspicious_pattern violations.
	Pattern string         `json:"pattern,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// ViolationRecord matches the usage_violations table schema. Rows are append-only.
type ViolationRecord struct {
	ID                 uuid.UUID       `json:"id"`
	UserID             uuid.UUID       `json:"user_id"`
	Feature            Feature         `json:"feature_type"`
	ViolationType      ViolationType   `json:"violation_type"`
	Details            json.RawMessage `json:"violation_details"`
	WarningSent        bool            `json:"warning_sent"`
	RestrictionApplied bool            `json:"restriction_applied"`
	Resolved           bool            `json:"resolved"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// RestrictionUsageLimit is the restriction type applied when a period limit is reached.
const RestrictionUsageLimit = "usage_limit"

// Restriction matches the usage_restrictions table schema.
// Period, Current and Limit snapshot the breach that caused a limit restriction.
type Restriction struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	Feature         Feature    `json:"feature_type"`
	RestrictionType string     `json:"restriction_type"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Reason          string     `json:"reason"`
	Period          Period     `json:"period,omitempty"`
	Current         *int       `json:"current,omitempty"`
	Limit           *int       `json:"limit,omitempty"`
	CanAppeal       bool       `json:"can_appeal"`
	AppealSubmitted bool       `json:"appeal_submitted"`
	AppealReason    string     `json:"appeal_reason,omitempty"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the restriction blocks requests at now.
// A nil EndTime means the restriction never expires on its own.
func (r Restriction) ActiveAt(now time.Time) bool {
	if !r.IsActive {
		return false
	}
	return r.EndTime == nil || r.EndTime.After(now)
}

// Overview is the read-through returned by the usage dashboards.
type Overview struct {
	Usage        []Record      `json:"usage"`
	Restrictions []Restriction `json:"restrictions"`
	Limits       *Limits       `json:"limits"`
}
