package nats

import (
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamTasks  = "PORTAL_TASKS"
	StreamEvents = "PORTAL_EVENTS"
)

// Subject constants.
const (
	SubjectTaskPrefix = "portal.tasks" // portal.tasks.{feature}
	SubjectUsageEvent = "portal.events.usage"
)

// Usage event types.
const (
	EventUsageWarning       = "usage.warning"
	EventRestrictionApplied = "usage.restriction_applied"
	EventSuspiciousPattern  = "usage.suspicious_pattern"
	EventCountersReset      = "usage.reset"
	EventAppealSubmitted    = "usage.appeal_submitted"
)

// GenerationTask hands an allowed AI feature request to the external generation workers.
type GenerationTask struct {
	RequestID string         `json:"request_id"`
	UserID    uuid.UUID      `json:"user_id"`
	Feature   string         `json:"feature"`
	Input     string         `json:"input"`
	Options   map[string]any `json:"options,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// UsageEvent is published for notifications and the audit trail.
// ResourceID references the violation or restriction row, when there is one.
type UsageEvent struct {
	UserID     uuid.UUID      `json:"user_id"`
	EventType  string         `json:"event_type"`
	Severity   string         `json:"severity"` // info, warn, error
	Feature    string         `json:"feature,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
