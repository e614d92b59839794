package models

import "time"

// SessionStatus represents the lifecycle state of a platform session.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
)

// Terminal reports whether the session can no longer execute actions.
func (s SessionStatus) Terminal() bool {
	return s == SessionExpired
}

// RuntimeKind selects which sandbox runtime backs a session.
type RuntimeKind string

const (
	// RuntimeStream is an interactive container with a remote-desktop stream.
	RuntimeStream RuntimeKind = "stream"
	// RuntimeCloud is a hosted headless-browser provider, used as fallback.
	RuntimeCloud RuntimeKind = "cloud"
)

func (k RuntimeKind) Valid() bool {
	return k == RuntimeStream || k == RuntimeCloud
}

// StartSessionRequest is the payload for starting a sandbox session.
type StartSessionRequest struct {
	UserID   string      `json:"userId"`
	Runtime  RuntimeKind `json:"runtime,omitempty"`
	ProxyURL string      `json:"proxyUrl,omitempty"`
}

// StartSessionResponse is returned once the sandbox is reachable.
type StartSessionResponse struct {
	SessionID   string      `json:"sessionId"`
	ContainerID string      `json:"containerId"`
	StreamURL   string      `json:"streamUrl"`
	Runtime     RuntimeKind `json:"runtime"`
	StartedAt   time.Time   `json:"startedAt"`
}

// HarvestResponse summarizes a cookie harvest. Cookies is restricted to the
// target platform's domain; cookies for unrelated domains never leave the
// harvester.
type HarvestResponse struct {
	SessionID   string            `json:"sessionId"`
	CookieCount int               `json:"cookieCount"`
	LoggedIn    bool              `json:"loggedIn"`
	Cookies     map[string]string `json:"cookies,omitempty"`
}
