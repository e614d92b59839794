// Package quota tracks per-account daily action tallies in redis. Keys embed
// the calendar date in the account's timezone, so counters reset implicitly at
// local midnight with no sweeper.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DayKey formats the calendar-day component of a counter key.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Counters is the per-user, per-kind, per-day usage tally.
type Counters struct {
	rdb    redis.UniversalClient
	prefix string
}

func New(rdb redis.UniversalClient, prefix string) *Counters {
	if prefix == "" {
		prefix = "quota"
	}
	return &Counters{rdb: rdb, prefix: prefix}
}

func (c *Counters) key(userID, kind, day string) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.prefix, userID, kind, day)
}

// Incr bumps the day's tally and returns the new value. Keys expire after two
// days; yesterday's tally only matters until the day rolls over.
func (c *Counters) Incr(ctx context.Context, userID, kind, day string) (int64, error) {
	key := c.key(userID, kind, day)
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("quota: incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Get reads the day's tally; a missing key is zero.
func (c *Counters) Get(ctx context.Context, userID, kind, day string) (int64, error) {
	n, err := c.rdb.Get(ctx, c.key(userID, kind, day)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: get: %w", err)
	}
	return n, nil
}
