package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditLog matches the audit_logs table schema. Entries are written by the usage
// event consumer and never updated.
type AuditLog struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	EventType  string          `json:"event_type"`
	Severity   string          `json:"severity"`
	Feature    string          `json:"feature,omitempty"`
	ResourceID *uuid.UUID      `json:"resource_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ListParams filters and pages a user's audit trail. Empty filters match everything.
type ListParams struct {
	EventType string
	Severity  string
	Feature   string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// DefaultListParams returns the first page with the default page size.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: defaultPageSize,
	}
}

func (p ListParams) normalized() ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > maxPageSize {
		p.PageSize = defaultPageSize
	}
	return p
}
