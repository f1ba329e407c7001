package usage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	inats "github.com/careerfolio/portal/internal/nats"
)

var errStoreDown = errors.New("store down")

type recordKey struct {
	user    uuid.UUID
	feature Feature
	day     string
}

// fakeRepository mirrors the Postgres semantics in memory: weekly/monthly
// carry-forward into a new day's row, caps checked against the carried counts
// while today has no row and against today's row once it exists, and a per-user
// reset that writes a zeroed row for the day.
type fakeRepository struct {
	mu           sync.Mutex
	records      map[recordKey]*Record
	violations   []ViolationRecord
	restrictions []*Restriction
	increments   int
	failAll      error
	failIncr     error
	// refuse makes the next n increments report ErrLimitReached.
	refuse int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{records: map[recordKey]*Record{}}
}

func keyFor(user uuid.UUID, f Feature, day time.Time) recordKey {
	return recordKey{user: user, feature: f, day: day.UTC().Format(time.DateOnly)}
}

func (r *fakeRepository) GetRecord(_ context.Context, userID uuid.UUID, feature Feature, day time.Time) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	rec, ok := r.records[keyFor(userID, feature, day)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRepository) latestBefore(userID uuid.UUID, feature Feature, day time.Time) *Record {
	var latest *Record
	for _, rec := range r.records {
		if rec.UserID != userID || rec.Feature != feature || !rec.UsageDate.Before(dayOf(day)) {
			continue
		}
		if latest == nil || rec.UsageDate.After(latest.UsageDate) {
			latest = rec
		}
	}
	return latest
}

func (r *fakeRepository) LatestRecordBefore(_ context.Context, userID uuid.UUID, feature Feature, day time.Time) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	if rec := r.latestBefore(userID, feature, day); rec != nil {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeRepository) Increment(_ context.Context, p IncrementParams) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	if r.failIncr != nil {
		return nil, r.failIncr
	}
	if r.refuse > 0 {
		r.refuse--
		return nil, ErrLimitReached
	}

	key := keyFor(p.UserID, p.Feature, p.Day)
	rec, ok := r.records[key]
	if ok {
		// Today's row exists: the caps apply to it.
		if c := p.Caps; c != nil &&
			(rec.DailyCount >= c.Daily || rec.WeeklyCount >= c.Weekly || rec.MonthlyCount >= c.Monthly) {
			return nil, ErrLimitReached
		}
	} else {
		// No row yet: the caps apply to the carried weekly and monthly counts.
		rec = &Record{
			ID:        uuid.New(),
			UserID:    p.UserID,
			Feature:   p.Feature,
			UsageDate: dayOf(p.Day),
			CreatedAt: p.Day,
		}
		if prior := r.latestBefore(p.UserID, p.Feature, p.Day); prior != nil {
			if sameISOWeek(prior.UsageDate, p.Day) {
				rec.WeeklyCount = prior.WeeklyCount
			}
			if sameMonth(prior.UsageDate, p.Day) {
				rec.MonthlyCount = prior.MonthlyCount
			}
		}
		if c := p.Caps; c != nil && (rec.WeeklyCount >= c.Weekly || rec.MonthlyCount >= c.Monthly) {
			return nil, ErrLimitReached
		}
	}

	rec.Hourly = rec.Hourly.Next(p.Hour)
	rec.DailyCount++
	rec.WeeklyCount++
	rec.MonthlyCount++
	r.records[key] = rec
	r.increments++

	cp := *rec
	return &cp, nil
}

func (r *fakeRepository) ListRecords(_ context.Context, userID uuid.UUID, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	out := []Record{}
	for _, rec := range r.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UsageDate.After(out[j].UsageDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepository) InsertViolation(_ context.Context, v *ViolationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	r.violations = append(r.violations, *v)
	return nil
}

func (r *fakeRepository) ListViolations(_ context.Context, userID uuid.UUID, limit int) ([]ViolationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	out := []ViolationRecord{}
	for i := len(r.violations) - 1; i >= 0 && len(out) < limit; i-- {
		if r.violations[i].UserID == userID {
			out = append(out, r.violations[i])
		}
	}
	return out, nil
}

func (r *fakeRepository) InsertRestriction(_ context.Context, res *Restriction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	cp := *res
	r.restrictions = append(r.restrictions, &cp)
	return nil
}

func (r *fakeRepository) ListActiveRestrictions(_ context.Context, userID uuid.UUID, feature Feature) ([]Restriction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	out := []Restriction{}
	for _, res := range r.restrictions {
		if res.UserID == userID && res.Feature == feature && res.IsActive {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (r *fakeRepository) ListUserActiveRestrictions(_ context.Context, userID uuid.UUID) ([]Restriction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	out := []Restriction{}
	for _, res := range r.restrictions {
		if res.UserID == userID && res.IsActive {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (r *fakeRepository) SubmitAppeal(_ context.Context, userID, restrictionID uuid.UUID, reason string) (*Restriction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	for _, res := range r.restrictions {
		if res.ID != restrictionID || res.UserID != userID {
			continue
		}
		if !res.CanAppeal || res.AppealSubmitted {
			return nil, ErrAppealNotAllowed
		}
		res.AppealSubmitted = true
		res.AppealReason = reason
		cp := *res
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *fakeRepository) ResetCounters(_ context.Context, period Period) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return 0, r.failAll
	}
	var n int64
	for _, rec := range r.records {
		var c *int
		switch period {
		case PeriodDaily:
			c = &rec.DailyCount
		case PeriodWeekly:
			c = &rec.WeeklyCount
		case PeriodMonthly:
			c = &rec.MonthlyCount
		default:
			return 0, errors.New("unsupported period")
		}
		if *c != 0 {
			*c = 0
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) DeactivateExpiredRestrictions(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return 0, r.failAll
	}
	var n int64
	for _, res := range r.restrictions {
		if res.IsActive && res.EndTime != nil && res.EndTime.Before(now) {
			res.IsActive = false
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) ResetUserFeature(_ context.Context, userID uuid.UUID, feature Feature, day time.Time) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return 0, 0, r.failAll
	}
	var records, restrictions int64
	key := keyFor(userID, feature, day)
	rec, ok := r.records[key]
	if !ok {
		rec = &Record{ID: uuid.New(), UserID: userID, Feature: feature, UsageDate: dayOf(day), CreatedAt: day}
		r.records[key] = rec
	}
	rec.DailyCount, rec.WeeklyCount, rec.MonthlyCount = 0, 0, 0
	records++
	for _, res := range r.restrictions {
		if res.UserID == userID && res.Feature == feature && res.IsActive {
			res.IsActive = false
			restrictions++
		}
	}
	return records, restrictions, nil
}

// storedRestrictions returns a snapshot of every restriction row.
func (r *fakeRepository) storedRestrictions() []Restriction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Restriction, len(r.restrictions))
	for i, res := range r.restrictions {
		out[i] = *res
	}
	return out
}

func (r *fakeRepository) storedViolations() []ViolationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ViolationRecord(nil), r.violations...)
}

func (r *fakeRepository) incrementCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.increments
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []inats.UsageEvent
}

func (p *recordingPublisher) PublishUsageEvent(_ context.Context, event inats.UsageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType
	}
	return out
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
