package models

import "encoding/json"

// ActionKind identifies a quota-limited browser action.
type ActionKind string

const (
	ActionSendConnection ActionKind = "send_connection"
	ActionSendMessage    ActionKind = "send_message"
)

func (k ActionKind) Valid() bool {
	return k == ActionSendConnection || k == ActionSendMessage
}

// ActionJob is the unit of work carried on the queue. Deferral re-enqueues
// the exact same serialized bytes with a new delay, so every field here must
// round-trip through JSON unchanged.
type ActionJob struct {
	ID        string          `json:"id"`
	Type      ActionKind      `json:"type"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TestRun   bool            `json:"testRun,omitempty"`
	LogID     string          `json:"logId,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
}

// EnqueueActionRequest is the API payload for queueing an action.
type EnqueueActionRequest struct {
	Type      ActionKind      `json:"type"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TestRun   bool            `json:"testRun,omitempty"`
}

// EnqueueActionResponse acknowledges a queued action.
type EnqueueActionResponse struct {
	JobID string `json:"jobId"`
	LogID string `json:"logId"`
}

// ActionLogStatus tracks the outcome recorded against an audit log row.
type ActionLogStatus string

const (
	ActionLogQueued  ActionLogStatus = "queued"
	ActionLogSuccess ActionLogStatus = "success"
	ActionLogFailed  ActionLogStatus = "failed"
)
