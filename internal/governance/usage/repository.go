package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IncrementParams describes one usage event. When Caps is set the increment only
// happens while every period counter is still below its cap.
type IncrementParams struct {
	UserID  uuid.UUID
	Feature Feature
	Day     time.Time
	Hour    int
	Caps    *FeatureLimits
}

// Repository persists usage records, violations and restrictions.
type Repository interface {
	GetRecord(ctx context.Context, userID uuid.UUID, feature Feature, day time.Time) (*Record, error)
	LatestRecordBefore(ctx context.Context, userID uuid.UUID, feature Feature, day time.Time) (*Record, error)
	Increment(ctx context.Context, p IncrementParams) (*Record, error)
	ListRecords(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error)

	InsertViolation(ctx context.Context, v *ViolationRecord) error
	ListViolations(ctx context.Context, userID uuid.UUID, limit int) ([]ViolationRecord, error)

	InsertRestriction(ctx context.Context, r *Restriction) error
	ListActiveRestrictions(ctx context.Context, userID uuid.UUID, feature Feature) ([]Restriction, error)
	ListUserActiveRestrictions(ctx context.Context, userID uuid.UUID) ([]Restriction, error)
	SubmitAppeal(ctx context.Context, userID, restrictionID uuid.UUID, reason string) (*Restriction, error)

	ResetCounters(ctx context.Context, period Period) (int64, error)
	DeactivateExpiredRestrictions(ctx context.Context, now time.Time) (int64, error)
	ResetUserFeature(ctx context.Context, userID uuid.UUID, feature Feature, day time.Time) (records, restrictions int64, err error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a Postgres-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const recordColumns = `id, user_id, feature_type, usage_date, hourly_count, last_hour,
		daily_count, weekly_count, monthly_count, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var feature string
	err := row.Scan(&rec.ID, &rec.UserID, &feature, &rec.UsageDate, &rec.Hourly.Count, &rec.Hourly.Hour,
		&rec.DailyCount, &rec.WeeklyCount, &rec.MonthlyCount, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Feature = Feature(feature)
	return &rec, nil
}

func (r *postgresRepository) GetRecord(ctx context.Context, userID uuid.UUID, feature Feature, day time.Time) (*Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+`
		 FROM usage_records
		 WHERE user_id = $1 AND feature_type = $2 AND usage_date = $3::date`,
		userID, string(feature), day))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying usage record: %w", err)
	}
	return rec, nil
}

func (r *postgresRepository) LatestRecordBefore(ctx context.Context, userID uuid.UUID, feature Feature, day time.Time) (*Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+`
		 FROM usage_records
		 WHERE user_id = $1 AND feature_type = $2 AND usage_date < $3::date
		 ORDER BY usage_date DESC
		 LIMIT 1`,
		userID, string(feature), day))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying previous usage record: %w", err)
	}
	return rec, nil
}

// Increment applies one usage event in a single statement. A new day's row carries
// weekly and monthly counts over from the latest earlier row in the same ISO week
// and calendar month. Caps are checked against the carried counts only while today
// has no row; once it exists, today's row is authoritative.
func (r *postgresRepository) Increment(ctx context.Context, p IncrementParams) (*Record, error) {
	var dailyCap, weeklyCap, monthlyCap *int
	if p.Caps != nil {
		dailyCap, weeklyCap, monthlyCap = &p.Caps.Daily, &p.Caps.Weekly, &p.Caps.Monthly
	}

	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`WITH prior AS (
			SELECT usage_date, weekly_count, monthly_count
			FROM usage_records
			WHERE user_id = $1 AND feature_type = $2 AND usage_date < $3::date
			ORDER BY usage_date DESC
			LIMIT 1
		), carried AS (
			SELECT
				COALESCE((SELECT weekly_count FROM prior
				          WHERE date_trunc('week', prior.usage_date) = date_trunc('week', $3::date)), 0) AS weekly,
				COALESCE((SELECT monthly_count FROM prior
				          WHERE date_trunc('month', prior.usage_date) = date_trunc('month', $3::date)), 0) AS monthly
		)
		INSERT INTO usage_records (user_id, feature_type, usage_date, hourly_count, last_hour,
		                           daily_count, weekly_count, monthly_count)
		SELECT $1, $2, $3::date, 1, $4::int, 1, carried.weekly + 1, carried.monthly + 1
		FROM carried
		WHERE EXISTS (SELECT 1 FROM usage_records
		              WHERE user_id = $1 AND feature_type = $2 AND usage_date = $3::date)
		   OR (($6::int IS NULL OR carried.weekly < $6::int)
		       AND ($7::int IS NULL OR carried.monthly < $7::int))
		ON CONFLICT (user_id, feature_type, usage_date) DO UPDATE SET
			hourly_count  = CASE WHEN usage_records.last_hour = EXCLUDED.last_hour
			                     THEN usage_records.hourly_count + 1 ELSE 1 END,
			last_hour     = EXCLUDED.last_hour,
			daily_count   = usage_records.daily_count + 1,
			weekly_count  = usage_records.weekly_count + 1,
			monthly_count = usage_records.monthly_count + 1,
			updated_at    = NOW()
		WHERE ($5::int IS NULL OR usage_records.daily_count < $5::int)
		  AND ($6::int IS NULL OR usage_records.weekly_count < $6::int)
		  AND ($7::int IS NULL OR usage_records.monthly_count < $7::int)
		RETURNING `+recordColumns,
		p.UserID, string(p.Feature), p.Day, p.Hour, dailyCap, weeklyCap, monthlyCap))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLimitReached
		}
		return nil, fmt.Errorf("incrementing usage record: %w", err)
	}
	return rec, nil
}

func (r *postgresRepository) ListRecords(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM usage_records
		 WHERE user_id = $1
		 ORDER BY usage_date DESC, feature_type
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying usage records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (r *postgresRepository) InsertViolation(ctx context.Context, v *ViolationRecord) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	details := v.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO usage_violations (id, user_id, feature_type, violation_type, violation_details,
		                               warning_sent, restriction_applied, resolved)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		v.ID, v.UserID, string(v.Feature), string(v.ViolationType), details,
		v.WarningSent, v.RestrictionApplied, v.Resolved,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage violation: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListViolations(ctx context.Context, userID uuid.UUID, limit int) ([]ViolationRecord, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, feature_type, violation_type, violation_details,
		        warning_sent, restriction_applied, resolved, created_at, updated_at
		 FROM usage_violations
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying usage violations: %w", err)
	}
	defer rows.Close()

	violations := []ViolationRecord{}
	for rows.Next() {
		var v ViolationRecord
		var feature, vtype string
		if err := rows.Scan(&v.ID, &v.UserID, &feature, &vtype, &v.Details,
			&v.WarningSent, &v.RestrictionApplied, &v.Resolved, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning usage violation: %w", err)
		}
		v.Feature = Feature(feature)
		v.ViolationType = ViolationType(vtype)
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

const restrictionColumns = `id, user_id, feature_type, restriction_type, end_time, reason,
		period, usage_count, usage_limit, can_appeal, appeal_submitted, COALESCE(appeal_reason, ''),
		is_active, created_at, updated_at`

func scanRestriction(row pgx.Row) (*Restriction, error) {
	var res Restriction
	var feature string
	var period *string
	err := row.Scan(&res.ID, &res.UserID, &feature, &res.RestrictionType, &res.EndTime, &res.Reason,
		&period, &res.Current, &res.Limit, &res.CanAppeal, &res.AppealSubmitted, &res.AppealReason,
		&res.IsActive, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, err
	}
	res.Feature = Feature(feature)
	if period != nil {
		res.Period = Period(*period)
	}
	return &res, nil
}

func (r *postgresRepository) InsertRestriction(ctx context.Context, res *Restriction) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	var period *string
	if res.Period != "" {
		s := string(res.Period)
		period = &s
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO usage_restrictions (id, user_id, feature_type, restriction_type, end_time, reason,
		                                 period, usage_count, usage_limit, can_appeal, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		res.ID, res.UserID, string(res.Feature), res.RestrictionType, res.EndTime, res.Reason,
		period, res.Current, res.Limit, res.CanAppeal, res.IsActive,
	).Scan(&res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage restriction: %w", err)
	}
	return nil
}

func (r *postgresRepository) listRestrictions(ctx context.Context, query string, args ...any) ([]Restriction, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage restrictions: %w", err)
	}
	defer rows.Close()

	restrictions := []Restriction{}
	for rows.Next() {
		res, err := scanRestriction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning usage restriction: %w", err)
		}
		restrictions = append(restrictions, *res)
	}
	return restrictions, rows.Err()
}

func (r *postgresRepository) ListActiveRestrictions(ctx context.Context, userID uuid.UUID, feature Feature) ([]Restriction, error) {
	return r.listRestrictions(ctx,
		`SELECT `+restrictionColumns+`
		 FROM usage_restrictions
		 WHERE user_id = $1 AND feature_type = $2 AND is_active = TRUE
		 ORDER BY created_at DESC`, userID, string(feature))
}

func (r *postgresRepository) ListUserActiveRestrictions(ctx context.Context, userID uuid.UUID) ([]Restriction, error) {
	return r.listRestrictions(ctx,
		`SELECT `+restrictionColumns+`
		 FROM usage_restrictions
		 WHERE user_id = $1 AND is_active = TRUE
		 ORDER BY created_at DESC`, userID)
}

func (r *postgresRepository) SubmitAppeal(ctx context.Context, userID, restrictionID uuid.UUID, reason string) (*Restriction, error) {
	res, err := scanRestriction(r.pool.QueryRow(ctx,
		`UPDATE usage_restrictions
		 SET appeal_submitted = TRUE,
		     appeal_reason = $3,
		     updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND can_appeal = TRUE AND appeal_submitted = FALSE
		 RETURNING `+restrictionColumns,
		restrictionID, userID, reason))
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("submitting appeal: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM usage_restrictions WHERE id = $1 AND user_id = $2)`,
		restrictionID, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking restriction existence: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrAppealNotAllowed
}

var resetColumns = map[Period]string{
	PeriodDaily:   "daily_count",
	PeriodWeekly:  "weekly_count",
	PeriodMonthly: "monthly_count",
}

func (r *postgresRepository) ResetCounters(ctx context.Context, period Period) (int64, error) {
	column, ok := resetColumns[period]
	if !ok {
		return 0, fmt.Errorf("resetting counters: unsupported period %q", period)
	}

	tag, err := r.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE usage_records SET %[1]s = 0, updated_at = NOW() WHERE %[1]s <> 0`, column))
	if err != nil {
		return 0, fmt.Errorf("resetting %s counters: %w", period, err)
	}
	return tag.RowsAffected(), nil
}

func (r *postgresRepository) DeactivateExpiredRestrictions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE usage_restrictions
		 SET is_active = FALSE, updated_at = NOW()
		 WHERE is_active = TRUE AND end_time IS NOT NULL AND end_time < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deactivating expired restrictions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetUserFeature zeroes day's counters for the pair, creating the row when missing,
// and lifts its active restrictions.
func (r *postgresRepository) ResetUserFeature(ctx context.Context, userID uuid.UUID, feature Feature, day time.Time) (int64, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// A zeroed row for day stops the weekly and monthly counts from being carried
	// over from earlier days.
	recTag, err := tx.Exec(ctx,
		`INSERT INTO usage_records (user_id, feature_type, usage_date, hourly_count, last_hour,
		                           daily_count, weekly_count, monthly_count)
		 VALUES ($1, $2, $3::date, 0, 0, 0, 0, 0)
		 ON CONFLICT (user_id, feature_type, usage_date) DO UPDATE SET
			daily_count   = 0,
			weekly_count  = 0,
			monthly_count = 0,
			updated_at    = NOW()`,
		userID, string(feature), day)
	if err != nil {
		return 0, 0, fmt.Errorf("resetting user counters: %w", err)
	}

	resTag, err := tx.Exec(ctx,
		`UPDATE usage_restrictions
		 SET is_active = FALSE, updated_at = NOW()
		 WHERE user_id = $1 AND feature_type = $2 AND is_active = TRUE`,
		userID, string(feature))
	if err != nil {
		return 0, 0, fmt.Errorf("lifting user restrictions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("committing reset: %w", err)
	}
	return recTag.RowsAffected(), resTag.RowsAffected(), nil
}
