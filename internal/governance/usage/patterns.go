package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	requestWindowKeyPrefix = "usage:requests:"
	contentKeyPrefix       = "usage:content:"
)

// Pattern names reported by the detectors.
const (
	PatternRapidRequests    = "rapid_requests"
	PatternBurst            = "burst_activity"
	PatternIdenticalContent = "identical_content"
	PatternOffHours         = "off_hours_activity"
)

// Detection is a single heuristic that fired for a request.
type Detection struct {
	Pattern   string
	Count     int
	Threshold int
	Window    time.Duration
}

// PatternDetector implements Redis sorted-set sliding windows for the abuse heuristics.
// It only observes; nothing it reports blocks a request.
type PatternDetector struct {
	rdb redis.Cmdable
	cfg SuspiciousThresholds
}

// NewPatternDetector creates a detector using the given thresholds.
func NewPatternDetector(rdb redis.Cmdable, cfg SuspiciousThresholds) *PatternDetector {
	return &PatternDetector{rdb: rdb, cfg: cfg}
}

// Observe records one request at now and returns the heuristics it trips.
// fingerprint identifies the request content; empty skips the identical-content check.
func (d *PatternDetector) Observe(ctx context.Context, userID uuid.UUID, feature Feature, fingerprint string, now time.Time) ([]Detection, error) {
	key := requestWindowKeyPrefix + userID.String() + ":" + string(feature)
	retention := d.cfg.BurstWindow
	if retention < time.Minute {
		retention = time.Minute
	}

	nowMs := strconv.FormatInt(now.UnixMilli(), 10)
	scoreFrom := func(window time.Duration) string {
		return strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	}

	pipe := d.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString()),
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+scoreFrom(retention))
	minuteCmd := pipe.ZCount(ctx, key, scoreFrom(time.Minute), nowMs)
	burstCmd := pipe.ZCount(ctx, key, scoreFrom(d.cfg.BurstWindow), nowMs)
	pipe.Expire(ctx, key, retention+30*time.Second)

	var contentCmd *redis.IntCmd
	contentKey := contentKeyPrefix + userID.String() + ":" + string(feature) + ":" + fingerprint
	if fingerprint != "" {
		// The window opens with the first repeat; later repeats must not extend it.
		pipe.SetNX(ctx, contentKey, 0, d.cfg.IdenticalWindow)
		contentCmd = pipe.Incr(ctx, contentKey)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("pattern detector pipeline: %w", err)
	}

	var detections []Detection
	if n := int(minuteCmd.Val()); d.cfg.RequestsPerMinute > 0 && n > d.cfg.RequestsPerMinute {
		detections = append(detections, Detection{
			Pattern: PatternRapidRequests, Count: n, Threshold: d.cfg.RequestsPerMinute, Window: time.Minute,
		})
	}
	if n := int(burstCmd.Val()); d.cfg.BurstCount > 0 && n > d.cfg.BurstCount {
		detections = append(detections, Detection{
			Pattern: PatternBurst, Count: n, Threshold: d.cfg.BurstCount, Window: d.cfg.BurstWindow,
		})
	}
	if contentCmd != nil {
		if n := int(contentCmd.Val()); d.cfg.IdenticalContent > 0 && n > d.cfg.IdenticalContent {
			detections = append(detections, Detection{
				Pattern: PatternIdenticalContent, Count: n, Threshold: d.cfg.IdenticalContent, Window: d.cfg.IdenticalWindow,
			})
		}
	}
	return detections, nil
}
