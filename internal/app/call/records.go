package call

import (
	"context"
	"time"

	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
)

const persistTimeout = 5 * time.Second

// drainPersist runs call-log and directory updates in order, off the session loop.
// Their failures never affect the call.
func (s *Session) drainPersist() {
	defer close(s.persistDone)
	for task := range s.persist {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		task(ctx)
		cancel()
	}
}

func (s *Session) openCallRecord(backendID string) {
	s.opened = true
	data := core.CallRecordData{
		AgentID:   s.cfg.AgentID,
		CallID:    s.id,
		BackendID: backendID,
		Number:    s.number,
		StartedAt: s.Record().StartedAt,
	}
	s.persist <- func(ctx context.Context) {
		if s.deps.CallLog != nil {
			id, err := s.deps.CallLog.CreateCallRecord(ctx, data)
			if err != nil {
				s.logger.Warn().Err(err).Msg("create call record")
			} else {
				s.mu.Lock()
				s.logID = id
				s.mu.Unlock()
			}
		}
		s.setAgentStatus(ctx, core.AgentOnCall)
	}
}

func (s *Session) closeCallRecord(rec domain.CallRecord) {
	// nothing was opened if the backend never accepted the call
	if !s.opened {
		return
	}
	data := core.CallEndData{
		Status:          "completed",
		DurationSeconds: int(rec.TalkTime().Seconds()),
		EndedAt:         rec.EndedAt,
	}
	if rec.Failure != nil {
		data.Status = "failed"
		data.FailureKind = rec.Failure.Kind
	}
	s.persist <- func(ctx context.Context) {
		s.mu.RLock()
		id := s.logID
		s.mu.RUnlock()
		if s.deps.CallLog != nil && id != "" {
			if err := s.deps.CallLog.EndCallRecord(ctx, id, data); err != nil {
				s.logger.Warn().Err(err).Str("record", id).Msg("end call record")
			}
		}
		s.setAgentStatus(ctx, core.AgentAvailable)
	}
}

func (s *Session) setAgentStatus(ctx context.Context, status string) {
	if s.deps.Directory == nil || s.cfg.AgentID == "" {
		return
	}
	if err := s.deps.Directory.UpdateAgentStatus(ctx, s.cfg.AgentID, status); err != nil {
		s.logger.Warn().Err(err).Str("status", status).Msg("update agent status")
	}
}
