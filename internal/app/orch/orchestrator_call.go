package orch

import (
	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
)

// CallView is what the UI shows for a session.
type CallView struct {
	domain.CallRecord
	Display string `json:"display"`
}

// Formatter renders a number for display.
type Formatter func(domain.E164) string

func (o *Orchestrator) view(rec domain.CallRecord, format Formatter) CallView {
	v := CallView{CallRecord: rec, Display: rec.Number.String()}
	if format != nil {
		v.Display = format(rec.Number)
	}
	return v
}

func (o *Orchestrator) PlaceCall(raw string, format Formatter) (CallView, error) {
	s, err := o.Calls.PlaceCall(raw)
	if err != nil {
		return CallView{}, err
	}
	return o.view(s.Record(), format), nil
}

// ActiveCall returns the live session, or the last one when live is false.
func (o *Orchestrator) ActiveCall(format Formatter, live bool) (CallView, bool) {
	if live {
		s, ok := o.Calls.Active()
		if !ok {
			return CallView{}, false
		}
		return o.view(s.Record(), format), true
	}
	s, ok := o.Calls.Current()
	if !ok {
		return CallView{}, false
	}
	return o.view(s.Record(), format), true
}

func (o *Orchestrator) Hangup() error { return o.Calls.Hangup() }

func (o *Orchestrator) SetMuted(muted bool) error { return o.Calls.SetMuted(muted) }

// CallHistory returns the agent's recent calls, newest first.
func (o *Orchestrator) CallHistory(limit int) ([]core.CallLogEntry, core.CallStats) {
	if o.History == nil {
		return nil, core.CallStats{}
	}
	return o.History.Records(o.AgentID, limit), o.History.Stats(o.AgentID)
}
