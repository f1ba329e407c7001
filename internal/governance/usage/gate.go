package usage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/careerfolio/portal/internal/api"
	"github.com/careerfolio/portal/internal/auth"
	"github.com/careerfolio/portal/internal/metrics"
)

// Response headers set on allowed requests.
const (
	HeaderUsageDaily   = "X-Usage-Daily"
	HeaderUsageWeekly  = "X-Usage-Weekly"
	HeaderUsageMonthly = "X-Usage-Monthly"
	HeaderUsageWarning = "X-Usage-Warning"
)

// Rejection codes in the 429 payload.
const (
	CodeFeatureRestricted  = "feature_restricted"
	CodeUsageLimitExceeded = "usage_limit_exceeded"
)

const maxFingerprintBytes = 64 << 10

// maxTrackAttempts bounds the conditional increment retries of one request.
const maxTrackAttempts = 2

// Decision is the outcome of an allowed request.
type Decision struct {
	Usage   Usage
	Limits  FeatureLimits
	Warning ViolationType
}

// Gate guards AI feature routes with restriction checks, limit checks and tracking.
type Gate struct {
	monitor *Monitor
}

// NewGate creates a Gate over monitor.
func NewGate(monitor *Monitor) *Gate {
	return &Gate{monitor: monitor}
}

// Middleware returns the guard for feature. It panics when feature has no limits so
// that a misconfigured route fails at startup.
//
// Requests without an authenticated user pass through untouched. Storage failures
// let the request through; only restrictions and reached limits produce a 429.
func (g *Gate) Middleware(feature Feature) func(http.Handler) http.Handler {
	if _, err := g.monitor.limits.For(feature); err != nil {
		panic(fmt.Sprintf("usage gate: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := userFromRequest(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			fingerprint := fingerprintBody(r)

			decision, err := g.Check(r.Context(), userID, feature, fingerprint)
			if err != nil {
				var rle *RateLimitedError
				if errors.As(err, &rle) {
					writeRejection(w, rle, g.monitor.clock())
					return
				}
				metrics.UsageFailOpenTotal.WithLabelValues("gate").Inc()
				slog.Warn("usage gate: check failed, allowing request",
					"user_id", userID, "feature", feature, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if decision != nil {
				setUsageHeaders(w.Header(), decision)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Check runs the gate sequence for one request. A *RateLimitedError means the request
// must be rejected; any other error means governance could not decide. A nil Decision
// with a nil error allows the request without usage headers.
func (g *Gate) Check(ctx context.Context, userID uuid.UUID, feature Feature, fingerprint string) (*Decision, error) {
	m := g.monitor
	caps, err := m.limits.For(feature)
	if err != nil {
		return nil, err
	}

	restrictions, err := m.CheckRestrictions(ctx, userID, feature)
	if err != nil {
		return nil, err
	}
	if len(restrictions) > 0 {
		metrics.UsageRejectionsTotal.WithLabelValues(string(feature), "restricted").Inc()
		return nil, restrictedError(feature, latestEnding(restrictions))
	}

	current, err := m.GetCurrentUsage(ctx, userID, feature)
	if err != nil {
		return nil, err
	}
	if rle := g.enforceLimits(ctx, userID, feature, caps, current); rle != nil {
		return nil, rle
	}

	for attempt := 1; ; attempt++ {
		_, err := m.trackWithinLimits(ctx, userID, feature, caps)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrLimitReached) {
			return nil, err
		}
		// Another request took the last slot between the read and the increment.
		current, err = m.GetCurrentUsage(ctx, userID, feature)
		if err != nil {
			return nil, err
		}
		if rle := g.enforceLimits(ctx, userID, feature, caps, current); rle != nil {
			return nil, rle
		}
		if attempt == maxTrackAttempts {
			// The store refuses the increment although the counters read below the caps.
			metrics.UsageRejectionsTotal.WithLabelValues(string(feature), "limit_store").Inc()
			slog.Warn("usage gate: store refused increment below caps, rejecting",
				"user_id", userID, "feature", feature, "usage", current)
			p := closestPeriod(caps, current)
			return nil, limitError(feature, Violation{
				Type:    ViolationLimitExceeded,
				Period:  p,
				Current: current.Of(p),
				Limit:   caps.Of(p),
			}, NextResets(m.clock()).For(p))
		}
	}

	decision := &Decision{Limits: caps}
	if after, err := m.GetCurrentUsage(ctx, userID, feature); err != nil {
		slog.Warn("usage gate: reading usage after tracking failed", "user_id", userID, "error", err)
		decision = nil
	} else {
		decision.Usage = after
	}

	for _, v := range m.CheckViolations(ctx, userID, feature) {
		if decision == nil || !v.Type.IsWarning() {
			continue
		}
		if decision.Warning != ViolationFinalWarning {
			decision.Warning = v.Type
		}
	}
	m.CheckSuspiciousPatterns(ctx, userID, feature, fingerprint)

	return decision, nil
}

// enforceLimits restricts and returns a rejection for the first limited period whose
// count already meets its cap.
func (g *Gate) enforceLimits(ctx context.Context, userID uuid.UUID, feature Feature, caps FeatureLimits, current Usage) *RateLimitedError {
	m := g.monitor
	for _, p := range LimitedPeriods {
		if current.Of(p) < caps.Of(p) {
			continue
		}
		v := Violation{
			Type:       ViolationLimitExceeded,
			Period:     p,
			Current:    current.Of(p),
			Limit:      caps.Of(p),
			Percentage: float64(current.Of(p)) / float64(caps.Of(p)),
		}
		m.ApplyRestriction(ctx, userID, feature, v)
		metrics.UsageRejectionsTotal.WithLabelValues(string(feature), "limit_"+string(p)).Inc()
		return limitError(feature, v, NextResets(m.clock()).For(p))
	}
	return nil
}

// closestPeriod returns the limited period whose count is nearest its cap.
func closestPeriod(caps FeatureLimits, current Usage) Period {
	best, bestRatio := PeriodDaily, -1.0
	for _, p := range LimitedPeriods {
		if caps.Of(p) <= 0 {
			continue
		}
		if r := float64(current.Of(p)) / float64(caps.Of(p)); r > bestRatio {
			best, bestRatio = p, r
		}
	}
	return best
}

func latestEnding(restrictions []Restriction) Restriction {
	sorted := append([]Restriction(nil), restrictions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].EndTime, sorted[j].EndTime
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.After(*b)
	})
	return sorted[0]
}

func restrictedError(feature Feature, r Restriction) *RateLimitedError {
	tmpl := MessagesFor(feature)
	return &RateLimitedError{
		Code:    CodeFeatureRestricted,
		Message: render(tmpl.Restricted, feature, r.Period),
		Details: RejectionDetails{
			RestrictionType: r.RestrictionType,
			Reason:          r.Reason,
			EndTime:         r.EndTime,
			Period:          r.Period,
			Current:         r.Current,
			Limit:           r.Limit,
			CanAppeal:       r.CanAppeal && !r.AppealSubmitted,
			Feature:         feature,
		},
		NextSteps: renderAll(tmpl.NextSteps, feature, r.Period),
	}
}

func limitError(feature Feature, v Violation, resetAt time.Time) *RateLimitedError {
	tmpl := MessagesFor(feature)
	current, limit := v.Current, v.Limit
	details := RejectionDetails{
		Period:    v.Period,
		Current:   &current,
		Limit:     &limit,
		CanAppeal: true,
		Feature:   feature,
	}
	if !resetAt.IsZero() {
		details.ResetInfo = &resetAt
	}
	return &RateLimitedError{
		Code:      CodeUsageLimitExceeded,
		Message:   render(tmpl.LimitReached, feature, v.Period),
		Details:   details,
		NextSteps: renderAll(tmpl.NextSteps, feature, v.Period),
	}
}

func setUsageHeaders(h http.Header, d *Decision) {
	h.Set(HeaderUsageDaily, fmt.Sprintf("%d/%d", d.Usage.Daily, d.Limits.Daily))
	h.Set(HeaderUsageWeekly, fmt.Sprintf("%d/%d", d.Usage.Weekly, d.Limits.Weekly))
	h.Set(HeaderUsageMonthly, fmt.Sprintf("%d/%d", d.Usage.Monthly, d.Limits.Monthly))
	if d.Warning != "" {
		h.Set(HeaderUsageWarning, string(d.Warning))
	}
}

func writeRejection(w http.ResponseWriter, rle *RateLimitedError, now time.Time) {
	if until := retryAt(rle.Details); !until.IsZero() {
		secs := int(math.Ceil(until.Sub(now).Seconds()))
		if secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	api.WriteJSON(w, http.StatusTooManyRequests, rle)
}

func retryAt(d RejectionDetails) time.Time {
	if d.EndTime != nil {
		return *d.EndTime
	}
	if d.ResetInfo != nil {
		return *d.ResetInfo
	}
	return time.Time{}
}

func userFromRequest(r *http.Request) (uuid.UUID, bool) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// fingerprintBody hashes the start of the request body and restores it for the handler.
func fingerprintBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, maxFingerprintBytes))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	if err != nil || len(head) == 0 {
		return ""
	}
	sum := sha256.Sum256(head)
	return hex.EncodeToString(sum[:])
}

type readCloser struct {
	io.Reader
	io.Closer
}
