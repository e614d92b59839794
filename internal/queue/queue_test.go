package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueueForTest(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	q := New(client, "test:jobs")
	q.SetClock(func() time.Time { return now })
	return q, &now
}

func TestEnqueueDequeueImmediate(t *testing.T) {
	q, _ := newQueueForTest(t)
	ctx := context.Background()

	payload := []byte(`{"id":"job-1","type":"send_connection"}`)
	require.NoError(t, q.Enqueue(ctx, payload, 0))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "payload is preserved byte-for-byte")

	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "claimed job is removed")
}

func TestDelayedJobIsNotDueEarly(t *testing.T) {
	q, now := newQueueForTest(t)
	ctx := context.Background()

	payload := []byte(`{"id":"job-1"}`)
	require.NoError(t, q.Enqueue(ctx, payload, time.Hour))

	_, ok, err := q.tryClaim(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "job an hour out must not be claimable now")

	*now = now.Add(61 * time.Minute)
	got, ok, err := q.tryClaim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestDeferralMovesNotDuplicates(t *testing.T) {
	q, _ := newQueueForTest(t)
	ctx := context.Background()

	payload := []byte(`{"id":"job-1","payload":{"profileUrl":"https://www.linkedin.com/in/x"}}`)
	require.NoError(t, q.Enqueue(ctx, payload, 0))
	// Deferring re-enqueues the identical bytes with a later due time.
	require.NoError(t, q.Enqueue(ctx, payload, 2*time.Hour))

	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "same bytes occupy one slot: moved, not duplicated")

	due, ok, err := q.DueAt(ctx, payload)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, due.Sub(q.now()))
}

func TestDequeueRespectsContext(t *testing.T) {
	q, _ := newQueueForTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	q, _ := newQueueForTest(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte(`{"id":"only"}`), 0))

	var mu sync.Mutex
	claims := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := q.tryClaim(ctx)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims, "exactly one worker may claim a job")
}

func TestDueOrdering(t *testing.T) {
	q, now := newQueueForTest(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte(`{"id":"later"}`), 10*time.Minute))
	require.NoError(t, q.Enqueue(ctx, []byte(`{"id":"sooner"}`), time.Minute))

	*now = now.Add(11 * time.Minute)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"sooner"}`, string(first), "earlier due time is claimed first")
}
