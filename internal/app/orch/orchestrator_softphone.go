package orch

import (
	"context"
	"time"

	"github.com/dkeye/callconsole/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) SoftphoneStatus() domain.DeviceStatus {
	return o.Softphone.Status()
}

// ResetSoftphone clears a degraded registration and registers again.
func (o *Orchestrator) ResetSoftphone(ctx context.Context) error {
	o.Softphone.Reset()
	err := o.register(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("re-registration after reset failed")
	}
	return err
}

// ServiceStatus reports whether the call service hands out credentials.
type ServiceStatus struct {
	Available bool                `json:"available"`
	ExpiresAt time.Time           `json:"expires_at,omitzero"`
	Failure   *domain.Failure     `json:"failure,omitempty"`
	Softphone domain.DeviceStatus `json:"softphone"`
}

func (o *Orchestrator) ServiceStatus(ctx context.Context) ServiceStatus {
	st := ServiceStatus{Softphone: o.Softphone.Status()}
	cred, err := o.Credentials.GetCredential(ctx)
	if err != nil {
		f := domain.FailureOf(err)
		st.Failure = &f
		return st
	}
	st.Available = true
	st.ExpiresAt = cred.ExpiresAt
	return st
}
