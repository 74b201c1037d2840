package directory

import (
	"context"

	"github.com/dkeye/callconsole/internal/core"
	"github.com/rs/zerolog/log"
)

type LoggingDirectory struct {
	Next core.Directory
}

func (l LoggingDirectory) GetAgent(ctx context.Context, id string) (core.Agent, error) {
	a, err := l.Next.GetAgent(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.directory").Str("agent", id).Msg("get agent")
	}
	return a, err
}

func (l LoggingDirectory) UpdateAgentStatus(ctx context.Context, id, status string) error {
	err := l.Next.UpdateAgentStatus(ctx, id, status)
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("module", "adapters.directory").Str("agent", id).Str("status", status).Msg("agent status")
	return err
}

type LoggingCallLog struct {
	Next core.CallLog
}

func (l LoggingCallLog) CreateCallRecord(ctx context.Context, data core.CallRecordData) (string, error) {
	id, err := l.Next.CreateCallRecord(ctx, data)
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("module", "adapters.directory").
		Str("record", id).
		Str("call_id", string(data.CallID)).
		Str("backend_id", data.BackendID).
		Str("number", data.Number.String()).
		Msg("call record opened")
	return id, err
}

func (l LoggingCallLog) EndCallRecord(ctx context.Context, id string, data core.CallEndData) error {
	err := l.Next.EndCallRecord(ctx, id, data)
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("module", "adapters.directory").
		Str("record", id).
		Str("status", data.Status).
		Int("duration_seconds", data.DurationSeconds).
		Str("failure_kind", string(data.FailureKind)).
		Msg("call record closed")
	return err
}
