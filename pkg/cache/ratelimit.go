package cache

import (
	"context"
	"fmt"
	"time"
)

// RateLimitBucket is one window of a rate limit: at most Count hits per
// BucketDuration.
type RateLimitBucket struct {
	Count          int64
	BucketDuration time.Duration
}

// RateLimitConfig declares the windows a key is limited over.
type RateLimitConfig struct {
	Buckets []RateLimitBucket
}

// RateLimitResult reports one bucket's verdict.
type RateLimitResult struct {
	Bucket RateLimitBucket
	Valid  bool
}

// RateLimitAllowed reports whether every bucket accepted the hit.
func RateLimitAllowed(results []RateLimitResult) bool {
	for _, r := range results {
		if !r.Valid {
			return false
		}
	}
	return true
}

// RateLimit counts one hit from remoteAddr against key and reports, per
// bucket, whether the hit stayed within the limit. The call never fails:
// backend errors count as valid (fail-open), so a cache outage does not
// take request handling down with it.
func (c *Cache) RateLimit(ctx context.Context, key, remoteAddr string, cfg RateLimitConfig) []RateLimitResult {
	results := make([]RateLimitResult, len(cfg.Buckets))
	for i, bucket := range cfg.Buckets {
		results[i] = RateLimitResult{Bucket: bucket, Valid: true}
		if c.cfg.RateLimitDisabled {
			continue
		}
		hits, err := c.driver.Incr(ctx, rateLimitKey(key, remoteAddr, bucket, i), bucket.BucketDuration)
		if err != nil {
			c.log.Warn("rate limit backend error, allowing",
				"key", key, "remote_addr", remoteAddr, "error", err)
			continue
		}
		results[i].Valid = hits <= bucket.Count
	}
	return results
}

func rateLimitKey(key, remoteAddr string, bucket RateLimitBucket, idx int) string {
	return fmt.Sprintf("%s:rate_limit:%s:%s:%d:%d",
		keyPrefix, key, remoteAddr, bucket.BucketDuration.Milliseconds(), idx)
}
