package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recruitkit/puppetd/internal/crypto"
	"github.com/recruitkit/puppetd/internal/harvest"
	"github.com/recruitkit/puppetd/internal/ledger"
	"github.com/recruitkit/puppetd/internal/proxy"
	"github.com/recruitkit/puppetd/internal/queue"
	"github.com/recruitkit/puppetd/internal/quota"
	"github.com/recruitkit/puppetd/internal/schedule"
	"github.com/recruitkit/puppetd/internal/store"
	"github.com/recruitkit/puppetd/pkg/models"
)

const testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type fakeAction struct {
	mu    sync.Mutex
	calls int
	last  ActionRequest
	err   error
}

func (f *fakeAction) Execute(ctx context.Context, req ActionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	return f.err
}

type workerFixture struct {
	worker   *Worker
	queue    *queue.Queue
	store    *store.Store
	cipher   *crypto.Envelope
	counters *quota.Counters
	ledger   *ledger.Ledger
	action   *fakeAction
	now      time.Time
}

// weekdayWindow is Mon-Fri 09:00-17:00 UTC.
func weekdayWindow() schedule.Window {
	return schedule.Window{
		Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour: 9,
		EndHour:   17,
	}
}

func newFixture(t *testing.T, now time.Time) *workerFixture {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := store.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	cipher, err := crypto.New(testSecret)
	require.NoError(t, err)

	q := queue.New(client, "test:jobs")
	q.SetClock(func() time.Time { return now })

	counters := quota.New(client, "quota")
	lg := ledger.New(st, zap.NewNop())
	assigner := proxy.NewAssigner(proxy.Config{}, nil)

	settings := &StaticSettings{Account: AccountSettings{
		Window:     weekdayWindow(),
		DailyLimit: map[models.ActionKind]int{models.ActionSendConnection: 5},
		CreditCost: map[models.ActionKind]int{models.ActionSendConnection: 1},
	}}

	w := New(Config{Concurrency: 2}, q, st, cipher, assigner, counters, lg, settings, zap.NewNop())
	w.SetClock(func() time.Time { return now })

	action := &fakeAction{}
	w.Register(models.ActionSendConnection, action)

	return &workerFixture{
		worker:   w,
		queue:    q,
		store:    st,
		cipher:   cipher,
		counters: counters,
		ledger:   lg,
		action:   action,
		now:      now,
	}
}

// seedActiveSession persists a harvested session whose cookie blob decrypts to
// a jar containing the platform auth cookie.
func (f *workerFixture) seedActiveSession(t *testing.T, userID string) string {
	t.Helper()
	ctx := context.Background()

	sessionID := uuid.NewString()
	require.NoError(t, f.store.UpsertSession(ctx, &store.Session{
		ID:     sessionID,
		UserID: userID,
		Status: models.SessionPending,
	}))

	raw, err := json.Marshal([]harvest.Cookie{
		{Name: harvest.AuthCookieName, Value: "tok-123", Domain: ".linkedin.com"},
		{Name: "JSESSIONID", Value: "ajax:42", Domain: ".www.linkedin.com"},
	})
	require.NoError(t, err)
	blob, err := f.cipher.Encrypt(raw)
	require.NoError(t, err)
	require.NoError(t, f.store.ActivateSession(ctx, sessionID, blob))
	return sessionID
}

func (f *workerFixture) jobBytes(t *testing.T, job models.ActionJob) []byte {
	t.Helper()
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	return raw
}

// Monday 2026-08-31 10:00 UTC is inside the weekday window.
var insideWindow = time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

// Saturday 2026-08-29 10:00 UTC is outside it.
var outsideWindow = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

func TestSuccessfulActionSettlesEverything(t *testing.T) {
	f := newFixture(t, insideWindow)
	ctx := context.Background()
	sessionID := f.seedActiveSession(t, "user-1")

	logID := uuid.NewString()
	require.NoError(t, f.store.CreateActionLog(ctx, &store.ActionLog{
		ID:      logID,
		UserID:  "user-1",
		Kind:    models.ActionSendConnection,
		Status:  models.ActionLogQueued,
		TestRun: true,
	}))

	job := models.ActionJob{
		ID:        uuid.NewString(),
		Type:      models.ActionSendConnection,
		SessionID: sessionID,
		UserID:    "user-1",
		Payload:   json.RawMessage(`{"profileUrl":"https://www.linkedin.com/in/someone"}`),
		TestRun:   true,
		LogID:     logID,
	}
	require.NoError(t, f.worker.Process(ctx, f.jobBytes(t, job)))

	require.Equal(t, 1, f.action.calls)
	assert.Equal(t, "tok-123", cookieValue(f.action.last.Cookies, harvest.AuthCookieName),
		"decrypted auth cookie reaches the action")
	assert.Empty(t, f.action.last.ProxyURL, "no provider configured means no proxy")

	used, err := f.counters.Get(ctx, "user-1", string(models.ActionSendConnection), quota.DayKey(f.now))
	require.NoError(t, err)
	assert.EqualValues(t, 1, used, "success increments the daily tally once")

	deducted, err := f.ledger.TotalDeducted(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deducted, "one credit deducted")

	row, err := f.store.GetActionLog(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionLogSuccess, row.Status)

	var notes int64
	require.NoError(t, f.store.DB().Model(&store.ActivityNote{}).
		Where("user_id = ?", "user-1").Count(&notes).Error)
	assert.EqualValues(t, 1, notes, "activity timeline records the action")
}

func TestOutsideWindowDefersToNextOpening(t *testing.T) {
	f := newFixture(t, outsideWindow)
	ctx := context.Background()
	sessionID := f.seedActiveSession(t, "user-1")

	raw := f.jobBytes(t, models.ActionJob{
		ID:        uuid.NewString(),
		Type:      models.ActionSendConnection,
		SessionID: sessionID,
		UserID:    "user-1",
	})
	require.NoError(t, f.worker.Process(ctx, raw))

	assert.Zero(t, f.action.calls, "gated job must not execute")

	n, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	due, ok, err := f.queue.DueAt(ctx, raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC), due.UTC(),
		"Saturday job waits for Monday's opening")
}

func TestQuotaExhaustedDefersToTomorrow(t *testing.T) {
	f := newFixture(t, insideWindow)
	ctx := context.Background()
	sessionID := f.seedActiveSession(t, "user-1")

	for i := 0; i < 5; i++ {
		_, err := f.counters.Incr(ctx, "user-1", string(models.ActionSendConnection), quota.DayKey(f.now))
		require.NoError(t, err)
	}

	raw := f.jobBytes(t, models.ActionJob{
		ID:        uuid.NewString(),
		Type:      models.ActionSendConnection,
		SessionID: sessionID,
		UserID:    "user-1",
	})
	require.NoError(t, f.worker.Process(ctx, raw))

	assert.Zero(t, f.action.calls)

	due, ok, err := f.queue.DueAt(ctx, raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC), due.UTC(),
		"quota resets at the next day's opening")
	assert.GreaterOrEqual(t, due.Sub(f.now), time.Minute, "deferrals never land inside a minute")
}

func TestTestRunBypassesGates(t *testing.T) {
	f := newFixture(t, outsideWindow)
	ctx := context.Background()
	sessionID := f.seedActiveSession(t, "user-1")

	raw := f.jobBytes(t, models.ActionJob{
		ID:        uuid.NewString(),
		Type:      models.ActionSendConnection,
		SessionID: sessionID,
		UserID:    "user-1",
		TestRun:   true,
	})
	require.NoError(t, f.worker.Process(ctx, raw))
	assert.Equal(t, 1, f.action.calls, "test runs skip window and quota gating")
}

func TestExpiredSessionFailsFast(t *testing.T) {
	f := newFixture(t, insideWindow)
	ctx := context.Background()
	sessionID := f.seedActiveSession(t, "user-1")
	require.NoError(t, f.store.ExpireSession(ctx, sessionID))

	logID := uuid.NewString()
	require.NoError(t, f.store.CreateActionLog(ctx, &store.ActionLog{
		ID: logID, UserID: "user-1", Kind: models.ActionSendConnection, Status: models.ActionLogQueued,
	}))

	err := f.worker.Process(ctx, f.jobBytes(t, models.ActionJob{
		ID:        uuid.NewString(),
		Type:      models.ActionSendConnection,
		SessionID: sessionID,
		UserID:    "user-1",
		LogID:     logID,
	}))
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.Zero(t, f.action.calls)

	row, err := f.store.GetActionLog(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionLogFailed, row.Status)
	assert.NotEmpty(t, row.Message)
}

func TestActionFailureReachesLogRow(t *testing.T) {
	f := newFixture(t, insideWindow)
	ctx := context.Background()
	sessionID := f.seedActiveSession(t, "user-1")
	f.action.err = errors.New("profile not found")

	logID := uuid.NewString()
	require.NoError(t, f.store.CreateActionLog(ctx, &store.ActionLog{
		ID: logID, UserID: "user-1", Kind: models.ActionSendConnection, Status: models.ActionLogQueued,
	}))

	err := f.worker.Process(ctx, f.jobBytes(t, models.ActionJob{
		ID:        uuid.NewString(),
		Type:      models.ActionSendConnection,
		SessionID: sessionID,
		UserID:    "user-1",
		LogID:     logID,
	}))
	require.Error(t, err)

	row, err := f.store.GetActionLog(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionLogFailed, row.Status)
	assert.Contains(t, row.Message, "profile not found")

	used, cerr := f.counters.Get(ctx, "user-1", string(models.ActionSendConnection), quota.DayKey(f.now))
	require.NoError(t, cerr)
	assert.Zero(t, used, "failed actions do not consume quota")
}

func TestUnknownActionKindFails(t *testing.T) {
	f := newFixture(t, insideWindow)
	ctx := context.Background()
	sessionID := f.seedActiveSession(t, "user-1")

	err := f.worker.Process(ctx, f.jobBytes(t, models.ActionJob{
		ID:        uuid.NewString(),
		Type:      models.ActionSendMessage, // nothing registered for this kind
		SessionID: sessionID,
		UserID:    "user-1",
	}))
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestRetryReenqueuesWithBumpedAttempt(t *testing.T) {
	f := newFixture(t, insideWindow)
	ctx := context.Background()
	sessionID := f.seedActiveSession(t, "user-1")
	f.action.err = errors.New("transient")
	f.worker.maxAttempts = 2

	raw := f.jobBytes(t, models.ActionJob{
		ID:        uuid.NewString(),
		Type:      models.ActionSendConnection,
		SessionID: sessionID,
		UserID:    "user-1",
	})
	require.NoError(t, f.worker.Process(ctx, raw))

	n, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "first failure re-enqueues")

	_, ok, err := f.queue.DueAt(ctx, raw)
	require.NoError(t, err)
	assert.False(t, ok, "re-enqueued bytes carry the bumped attempt count")
}

func cookieValue(cookies []harvest.Cookie, name string) string {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
