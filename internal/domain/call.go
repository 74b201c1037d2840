// Package domain holds the call console entities and the failure taxonomy.
package domain

import "time"

type CallID string

// CallState is the lifecycle position of one call attempt.
type CallState string

const (
	CallIdle            CallState = "idle"
	CallMediaRequested  CallState = "media_requested"
	CallCredentialReady CallState = "credential_ready"
	CallPlacing         CallState = "placing"
	CallRinging         CallState = "ringing"
	CallConnecting      CallState = "connecting"
	CallConnected       CallState = "connected"
	CallEnding          CallState = "ending"
	CallEnded           CallState = "ended"
	CallFailed          CallState = "failed"
)

func (s CallState) String() string { return string(s) }

// IsTerminal reports whether no further transition can leave s.
func (s CallState) IsTerminal() bool {
	return s == CallEnded || s == CallFailed
}

// CallRecord is a read-only snapshot of a call session.
type CallRecord struct {
	ID          CallID    `json:"id"`
	Number      E164      `json:"number"`
	State       CallState `json:"state"`
	BackendID   string    `json:"backend_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	HasMedia    bool      `json:"has_media"`
	Muted       bool      `json:"muted"`
	Failure     *Failure  `json:"failure,omitempty"`
}

// TalkTime is the time spent connected, zero if the call never connected.
func (r CallRecord) TalkTime() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// CallRequest is what the backend needs to originate a call.
type CallRequest struct {
	To   E164
	From string
	At   time.Time
}

// CallAck is the backend acknowledgment of a call request.
type CallAck struct {
	CallID string
}
