// Package queue is a redis-backed delayed job queue. Jobs live in a sorted
// set scored by ready-at time; deferral re-adds the identical member bytes
// with a later score, which atomically removes the job from its original
// position and re-inserts it. The payload is preserved byte-for-byte and a
// job can never be delivered twice for one logical request.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pollInterval = 500 * time.Millisecond

// Queue holds pending jobs in one sorted set.
type Queue struct {
	rdb redis.UniversalClient
	key string
	now func() time.Time
}

func New(rdb redis.UniversalClient, key string) *Queue {
	if key == "" {
		key = "puppetd:jobs"
	}
	return &Queue{rdb: rdb, key: key, now: time.Now}
}

// SetClock overrides the queue's clock; tests use this.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue schedules raw to become due after delay. Re-enqueueing bytes that
// are already queued moves them to the new due time instead of duplicating.
func (q *Queue) Enqueue(ctx context.Context, raw []byte, delay time.Duration) error {
	readyAt := q.now().Add(delay)
	err := q.rdb.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks until a due job can be claimed or ctx is done. The claim is
// a ZRem: whichever worker removes the member owns it.
func (q *Queue) Dequeue(ctx context.Context) ([]byte, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		raw, ok, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return raw, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryClaim(ctx context.Context) ([]byte, bool, error) {
	members, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "0",
		Max:   fmt.Sprintf("%d", q.now().UnixMilli()),
		Count: 8,
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("queue: poll: %w", err)
	}

	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return nil, false, fmt.Errorf("queue: claim: %w", err)
		}
		if removed == 1 {
			return []byte(member), true, nil
		}
		// Another worker claimed it first; try the next due member.
	}
	return nil, false, nil
}

// Pending returns the number of queued jobs, due or not.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key).Result()
}

// DueAt reports the ready-at time of raw, if queued.
func (q *Queue) DueAt(ctx context.Context, raw []byte) (time.Time, bool, error) {
	score, err := q.rdb.ZScore(ctx, q.key, string(raw)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}
