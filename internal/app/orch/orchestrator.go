package orch

import (
	"context"
	"errors"

	"github.com/dkeye/callconsole/internal/app/call"
	"github.com/dkeye/callconsole/internal/app/credential"
	"github.com/dkeye/callconsole/internal/app/events"
	"github.com/dkeye/callconsole/internal/app/softphone"
	"github.com/dkeye/callconsole/internal/core"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the console as seen by the UI shell.
type Orchestrator struct {
	AgentID     string
	Calls       *call.Manager
	Softphone   *softphone.Registry
	Credentials *credential.Broker
	Directory   core.Directory
	History     core.CallHistory
	Bus         *events.Bus
}

// Start registers the softphone in the background. Failures are published
// and logged; the console stays usable and retries on the first call.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		if err := o.register(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("initial registration failed")
			return
		}
		log.Info().Str("module", "app.orch").Str("agent", o.AgentID).Msg("softphone ready")
	}()
}

func (o *Orchestrator) register(ctx context.Context) error {
	cred, err := o.Credentials.GetCredential(ctx)
	if err != nil {
		return err
	}
	return o.Softphone.Register(ctx, cred)
}

// Subscribe streams every domain event to h until unsubscribed.
func (o *Orchestrator) Subscribe(h events.Handler) (unsubscribe func()) {
	unsubscribe = o.Bus.Subscribe(h)
	log.Debug().Str("module", "app.orch").Int("subscribers", o.Bus.Len()).Msg("event subscriber added")
	return unsubscribe
}

// Shutdown ends the live call, stops renewals and closes the registration.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.Calls.Shutdown(ctx)
	o.Credentials.Close()
	if cerr := o.Softphone.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	log.Info().Str("module", "app.orch").Int("subscribers", o.Bus.Len()).Msg("console stopped")
	return err
}

// Agent returns the directory entry of the console's agent.
func (o *Orchestrator) Agent(ctx context.Context) (core.Agent, error) {
	if o.Directory == nil {
		return core.Agent{ID: o.AgentID, Status: o.agentStatus()}, nil
	}
	return o.Directory.GetAgent(ctx, o.AgentID)
}

func (o *Orchestrator) agentStatus() string {
	if _, ok := o.Calls.Active(); ok {
		return core.AgentOnCall
	}
	return core.AgentAvailable
}
