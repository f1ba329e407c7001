package usage

import (
	"errors"
	"time"
)

var (
	// ErrUnknownFeature is returned for feature keys outside the configured set.
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrLimitReached is returned by a conditional increment that found a cap already met.
	ErrLimitReached = errors.New("usage limit reached")

	// ErrTrackingUnavailable wraps storage failures inside the usage subsystem.
	ErrTrackingUnavailable = errors.New("usage tracking unavailable")

	ErrNotFound         = errors.New("not found")
	ErrAppealNotAllowed = errors.New("appeal not allowed")
)

// RejectionDetails carries the structured fields of a governance rejection.
// Restriction rejections fill the restriction fields, limit rejections the period fields.
type RejectionDetails struct {
	RestrictionType string     `json:"restriction_type,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Period          Period     `json:"period,omitempty"`
	Current         *int       `json:"current,omitempty"`
	Limit           *int       `json:"limit,omitempty"`
	ResetInfo       *time.Time `json:"reset_info,omitempty"`
	CanAppeal       bool       `json:"can_appeal"`
	Feature         Feature    `json:"feature"`
}

// RateLimitedError is the deliberate governance rejection.
type RateLimitedError struct {
	Code      string           `json:"error"`
	Message   string           `json:"message"`
	Details   RejectionDetails `json:"details"`
	NextSteps []string         `json:"next_steps,omitempty"`
}

func (e *RateLimitedError) Error() string {
	return e.Message
}

// IsRateLimited reports whether err is a governance rejection.
func IsRateLimited(err error) bool {
	var rle *RateLimitedError
	return errors.As(err, &rle)
}
