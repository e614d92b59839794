package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recruitkit/puppetd/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	return s
}

func TestUpsertSessionConvergesPerUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &Session{ID: "sess-1", UserID: "user-1", Status: models.SessionPending, ContainerID: "c-1"}
	require.NoError(t, s.UpsertSession(ctx, first))

	// A second start for the same user supersedes the first row entirely.
	second := &Session{ID: "sess-2", UserID: "user-1", Status: models.SessionPending, ContainerID: "c-2"}
	require.NoError(t, s.UpsertSession(ctx, second))

	var count int64
	require.NoError(t, s.db.Model(&Session{}).Where("user_id = ?", "user-1").Count(&count).Error)
	assert.EqualValues(t, 1, count, "exactly one session row per user")

	got, err := s.GetSessionByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", got.ID)
	assert.Equal(t, "c-2", got.ContainerID)
	assert.Equal(t, models.SessionPending, got.Status)
}

func TestActivateSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, &Session{ID: "sess-1", UserID: "u", Status: models.SessionPending}))
	require.NoError(t, s.ActivateSession(ctx, "sess-1", "blob=="))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
	require.NotNil(t, got.EncryptedCookies)
	assert.Equal(t, "blob==", *got.EncryptedCookies)
	assert.NotNil(t, got.LastLoginAt)
	assert.NotNil(t, got.LastRefreshAt)
}

func TestActivateMissingSession(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.ActivateSession(context.Background(), "nope", "x"), ErrNotFound)
}

func TestExpireSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, &Session{ID: "sess-1", UserID: "u", Status: models.SessionActive}))
	require.NoError(t, s.ExpireSession(ctx, "sess-1"))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}

func TestContainerLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &Container{
		ID:        "c-1",
		SessionID: "sess-1",
		Kind:      models.RuntimeStream,
		State:     models.ContainerStarting,
		StreamURL: "http://host:7100/vnc.html?autoconnect=true&resize=scale",
		DebugURL:  "ws://host:32768",
	}
	require.NoError(t, s.SaveContainer(ctx, c))

	got, err := s.GetContainerBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.ContainerStarting, got.State)

	require.NoError(t, s.SetContainerState(ctx, "c-1", models.ContainerReady))
	got, err = s.GetContainer(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.ContainerReady, got.State)

	// Removed containers no longer count as live.
	require.NoError(t, s.SetContainerState(ctx, "c-1", models.ContainerRemoved))
	_, err = s.GetContainerBySession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActionLogStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := &ActionLog{
		ID:      "log-1",
		UserID:  "u",
		Kind:    models.ActionSendConnection,
		Status:  models.ActionLogQueued,
		TestRun: true,
	}
	require.NoError(t, s.CreateActionLog(ctx, row))
	require.NoError(t, s.SetActionLogStatus(ctx, "log-1", models.ActionLogFailed, "profile not found"))

	got, err := s.GetActionLog(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, models.ActionLogFailed, got.Status)
	assert.Equal(t, "profile not found", got.Message)
}

func TestNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSessionByUser(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
