package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recruitkit/puppetd/internal/crypto"
	"github.com/recruitkit/puppetd/internal/store"
	"github.com/recruitkit/puppetd/pkg/models"
)

type fakeConn struct {
	cookies   []Cookie
	callErr   error
	closed    bool
	methods   []string
	sessionID string
}

func (f *fakeConn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.methods = append(f.methods, method)
	if f.callErr != nil {
		return nil, f.callErr
	}
	switch method {
	case "Target.createTarget":
		return json.RawMessage(`{"targetId":"tgt-1"}`), nil
	case "Target.attachToTarget":
		return json.RawMessage(`{"sessionId":"cdp-sess-1"}`), nil
	}
	return nil, errors.New("unexpected method " + method)
}

func (f *fakeConn) CallSession(ctx context.Context, method, sessionID string, params any) (json.RawMessage, error) {
	f.methods = append(f.methods, method)
	f.sessionID = sessionID
	if method != "Network.getAllCookies" {
		return nil, errors.New("unexpected scoped method " + method)
	}
	body, _ := json.Marshal(map[string]any{"cookies": f.cookies})
	return body, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func newTestHarvester(t *testing.T, conn *fakeConn) (*Harvester, *store.Store, *crypto.Envelope) {
	t.Helper()
	st, err := store.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	cipher, err := crypto.New("harvester-test-key")
	require.NoError(t, err)

	h := New(st, cipher, zap.NewNop())
	h.dial = func(ctx context.Context, debugURL string) (debugConn, error) {
		return conn, nil
	}
	return h, st, cipher
}

func seedPendingSession(t *testing.T, st *store.Store, sessionID string) {
	t.Helper()
	require.NoError(t, st.UpsertSession(context.Background(), &store.Session{
		ID:     sessionID,
		UserID: "user-1",
		Status: models.SessionPending,
	}))
}

func TestHarvestActivatesSession(t *testing.T) {
	conn := &fakeConn{cookies: []Cookie{
		{Name: "li_at", Value: "AQEDtoken", Domain: ".linkedin.com"},
		{Name: "JSESSIONID", Value: "ajax:123", Domain: ".www.linkedin.com"},
		{Name: "_ga", Value: "GA1.2", Domain: ".sometracker.com"},
	}}
	h, st, cipher := newTestHarvester(t, conn)
	seedPendingSession(t, st, "sess-1")

	res, err := h.Harvest(context.Background(), "sess-1", "ws://sandbox:32768")
	require.NoError(t, err)

	assert.Equal(t, 3, res.CookieCount)
	assert.True(t, res.HasAuthCookie)
	assert.True(t, conn.closed, "websocket must be closed on success")
	assert.Equal(t, "cdp-sess-1", conn.sessionID, "cookie call must be scoped to the attached session")
	assert.Equal(t, []string{"Target.createTarget", "Target.attachToTarget", "Network.getAllCookies"}, conn.methods)

	// Unrelated-domain cookies must not leak into the returned map.
	assert.Equal(t, map[string]string{"li_at": "AQEDtoken", "JSESSIONID": "ajax:123"}, res.Cookies)

	sess, err := st.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)
	require.NotNil(t, sess.EncryptedCookies)

	plain, err := cipher.Decrypt(*sess.EncryptedCookies)
	require.NoError(t, err)
	cookies, err := DecodeCookies(plain)
	require.NoError(t, err)
	assert.Len(t, cookies, 3, "the full cookie list is persisted, encrypted")
}

func TestHarvestWithoutAuthCookie(t *testing.T) {
	conn := &fakeConn{cookies: []Cookie{
		{Name: "bcookie", Value: "v", Domain: ".linkedin.com"},
	}}
	h, st, _ := newTestHarvester(t, conn)
	seedPendingSession(t, st, "sess-1")

	_, err := h.Harvest(context.Background(), "sess-1", "ws://sandbox:32768")
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.True(t, conn.closed, "websocket must be closed on failure too")

	// The core business rule: no write happens on a failed harvest.
	sess, err := st.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionPending, sess.Status)
	assert.Nil(t, sess.EncryptedCookies)
}

func TestHarvestProtocolErrorSurfaces(t *testing.T) {
	conn := &fakeConn{callErr: errors.New("devtools: protocol call timed out")}
	h, st, _ := newTestHarvester(t, conn)
	seedPendingSession(t, st, "sess-1")

	_, err := h.Harvest(context.Background(), "sess-1", "ws://sandbox:32768")
	require.Error(t, err)
	assert.True(t, conn.closed)
}

func TestMatchesPlatformDomain(t *testing.T) {
	assert.True(t, matchesPlatformDomain(".linkedin.com"))
	assert.True(t, matchesPlatformDomain("linkedin.com"))
	assert.True(t, matchesPlatformDomain(".www.linkedin.com"))
	assert.False(t, matchesPlatformDomain("notlinkedin.com"))
	assert.False(t, matchesPlatformDomain(".sometracker.com"))
}
