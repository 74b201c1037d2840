package core

import (
	"context"
	"time"

	"github.com/dkeye/callconsole/internal/domain"
)

// TokenSource fetches a fresh signaling credential.
type TokenSource interface {
	FetchCredential(ctx context.Context) (domain.Credential, error)
}

// CallBackend asks the telephony backend to originate a call.
// A nil error means the backend acknowledged the request.
type CallBackend interface {
	PlaceCall(ctx context.Context, cred domain.Credential, req domain.CallRequest) (domain.CallAck, error)
}

// Normalizer turns user input into an E.164 number or fails with domain.ErrInvalidNumber.
type Normalizer interface {
	Normalize(raw string) (domain.E164, error)
}

// Agent is the directory view of the console operator.
type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	TeamID string `json:"team_id,omitempty"`
	Status string `json:"status"`
}

const (
	AgentAvailable = "available"
	AgentOnCall    = "on_call"
)

// Directory is the external agent store.
type Directory interface {
	GetAgent(ctx context.Context, id string) (Agent, error)
	UpdateAgentStatus(ctx context.Context, id, status string) error
}

type CallRecordData struct {
	AgentID   string        `json:"agent_id"`
	CallID    domain.CallID `json:"call_id"`
	BackendID string        `json:"backend_id"`
	Number    domain.E164   `json:"number"`
	StartedAt time.Time     `json:"started_at"`
}

type CallEndData struct {
	Status          string           `json:"status"`
	DurationSeconds int              `json:"duration_seconds"`
	FailureKind     domain.ErrorKind `json:"failure_kind,omitempty"`
	EndedAt         time.Time        `json:"ended_at"`
}

// CallLog is the external store of call records and statistics.
type CallLog interface {
	CreateCallRecord(ctx context.Context, data CallRecordData) (string, error)
	EndCallRecord(ctx context.Context, id string, data CallEndData) error
}

// CallLogEntry is a stored call record, End is nil while the call is open.
type CallLogEntry struct {
	ID string `json:"id"`
	CallRecordData
	End *CallEndData `json:"end,omitempty"`
}

// CallStats summarizes an agent's finished calls.
type CallStats struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	TalkSeconds    int `json:"talk_seconds"`
	AverageSeconds int `json:"average_seconds"`
}

// CallHistory is the read side of the call log.
type CallHistory interface {
	Records(agentID string, limit int) []CallLogEntry
	Stats(agentID string) CallStats
}
