// Package harvest extracts an authenticated session from a running sandbox
// over the remote-debug protocol, encrypts it, and persists it.
package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/recruitkit/puppetd/internal/crypto"
	"github.com/recruitkit/puppetd/internal/devtools"
	"github.com/recruitkit/puppetd/internal/store"
)

const (
	// AuthCookieName is the platform's primary auth cookie. Its presence is
	// the harvester's definition of "logged in".
	AuthCookieName = "li_at"
	// PlatformDomain restricts the cookie map returned to callers; cookies
	// for unrelated domains never leave this package.
	PlatformDomain = "linkedin.com"
)

// ErrNotLoggedIn means the sandbox's cookie jar has no platform auth cookie:
// the user has not finished signing in. Nothing is persisted in this case.
var ErrNotLoggedIn = errors.New("harvest: platform auth cookie not present, user is not logged in")

// Cookie is the wire shape of one browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Result summarizes a successful harvest.
type Result struct {
	CookieCount   int
	HasAuthCookie bool
	// Cookies maps name to value for platform-domain cookies only.
	Cookies map[string]string
}

// debugConn is the devtools subset the harvester needs; tests substitute a
// scripted fake.
type debugConn interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	CallSession(ctx context.Context, method, sessionID string, params any) (json.RawMessage, error)
	Close() error
}

// Harvester pulls cookies out of sandboxes and activates their sessions.
type Harvester struct {
	store  *store.Store
	cipher *crypto.Envelope
	dial   func(ctx context.Context, debugURL string) (debugConn, error)
	log    *zap.Logger
}

func New(st *store.Store, cipher *crypto.Envelope, log *zap.Logger) *Harvester {
	return &Harvester{
		store:  st,
		cipher: cipher,
		dial: func(ctx context.Context, debugURL string) (debugConn, error) {
			return devtools.Dial(ctx, debugURL)
		},
		log: log,
	}
}

// Harvest connects to the sandbox debug endpoint, enumerates cookies in a
// fresh attached target, verifies the auth cookie, and persists the encrypted
// set with status active. The websocket is closed on every path.
func (h *Harvester) Harvest(ctx context.Context, sessionID, debugURL string) (*Result, error) {
	conn, err := h.dial(ctx, debugURL)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	cookies, err := h.collectCookies(ctx, conn)
	if err != nil {
		return nil, err
	}

	hasAuth := false
	for _, c := range cookies {
		if c.Name == AuthCookieName {
			hasAuth = true
			break
		}
	}
	if !hasAuth {
		return nil, ErrNotLoggedIn
	}

	raw, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("harvest: serialize cookies: %w", err)
	}
	blob, err := h.cipher.Encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("harvest: encrypt cookies: %w", err)
	}
	if err := h.store.ActivateSession(ctx, sessionID, blob); err != nil {
		return nil, fmt.Errorf("harvest: persist session: %w", err)
	}

	platformCookies := make(map[string]string)
	for _, c := range cookies {
		if matchesPlatformDomain(c.Domain) {
			platformCookies[c.Name] = c.Value
		}
	}

	h.log.Info("session cookies harvested",
		zap.String("session_id", sessionID),
		zap.Int("cookie_count", len(cookies)))

	return &Result{
		CookieCount:   len(cookies),
		HasAuthCookie: true,
		Cookies:       platformCookies,
	}, nil
}

// collectCookies creates a fresh target and attaches a debug session to it,
// rather than touching the default page the user may be looking at, then
// enumerates the browser's full cookie jar scoped to that session.
func (h *Harvester) collectCookies(ctx context.Context, conn debugConn) ([]Cookie, error) {
	res, err := conn.Call(ctx, "Target.createTarget", map[string]any{"url": "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("harvest: create target: %w", err)
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(res, &created); err != nil {
		return nil, fmt.Errorf("harvest: create target response: %w", err)
	}

	res, err = conn.Call(ctx, "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("harvest: attach to target: %w", err)
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attached); err != nil {
		return nil, fmt.Errorf("harvest: attach response: %w", err)
	}

	res, err = conn.CallSession(ctx, "Network.getAllCookies", attached.SessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("harvest: get cookies: %w", err)
	}
	var jar struct {
		Cookies []Cookie `json:"cookies"`
	}
	if err := json.Unmarshal(res, &jar); err != nil {
		return nil, fmt.Errorf("harvest: cookie response: %w", err)
	}
	return jar.Cookies, nil
}

func matchesPlatformDomain(domain string) bool {
	domain = strings.TrimPrefix(domain, ".")
	return domain == PlatformDomain || strings.HasSuffix(domain, "."+PlatformDomain)
}

// DecodeCookies is the inverse of the harvested blob's payload, used by the
// worker after decryption.
func DecodeCookies(raw []byte) ([]Cookie, error) {
	var cookies []Cookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return nil, fmt.Errorf("harvest: decode cookies: %w", err)
	}
	return cookies, nil
}
