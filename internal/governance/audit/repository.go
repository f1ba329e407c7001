package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles audit_logs PostgreSQL operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new audit Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a single audit log entry.
func (r *Repository) Insert(ctx context.Context, log *AuditLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	detailsJSON := log.Details
	if len(detailsJSON) == 0 {
		detailsJSON = json.RawMessage(`{}`)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, user_id, event_type, severity, feature_type, resource_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8::timestamptz, NOW()))`,
		log.ID, log.UserID, log.EventType, log.Severity, log.Feature, log.ResourceID, detailsJSON, nullTime(log))
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

func nullTime(log *AuditLog) any {
	if log.CreatedAt.IsZero() {
		return nil
	}
	return log.CreatedAt
}

// ListByUser returns a page of a user's audit entries, newest first, and the total
// number of entries matching the filters.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, params ListParams) ([]AuditLog, int64, error) {
	params = params.normalized()
	where, args := buildFilter(userID, params)

	var totalCount int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs WHERE "+where, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("counting audit logs: %w", err)
	}

	n := len(args)
	dataQuery := fmt.Sprintf(
		`SELECT id, user_id, event_type, severity, feature_type, resource_id, details, created_at
		 FROM audit_logs WHERE %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	args = append(args, params.PageSize, (params.Page-1)*params.PageSize)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close()

	logs := []AuditLog{}
	for rows.Next() {
		var l AuditLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.EventType, &l.Severity,
			&l.Feature, &l.ResourceID, &l.Details, &l.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning audit log: %w", err)
		}
		logs = append(logs, l)
	}

	return logs, totalCount, rows.Err()
}

// buildFilter returns the WHERE clause for params with numbered placeholders.
func buildFilter(userID uuid.UUID, params ListParams) (string, []any) {
	var conditions []string
	var args []any
	add := func(column, op string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf("%s %s $%d", column, op, len(args)))
	}

	add("user_id", "=", userID)
	if params.EventType != "" {
		add("event_type", "=", params.EventType)
	}
	if params.Severity != "" {
		add("severity", "=", params.Severity)
	}
	if params.Feature != "" {
		add("feature_type", "=", params.Feature)
	}
	if params.From != nil {
		add("created_at", ">=", *params.From)
	}
	if params.To != nil {
		add("created_at", "<=", *params.To)
	}

	return strings.Join(conditions, " AND "), args
}
