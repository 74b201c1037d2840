// Package softphone keeps the console registered with the signaling backend
// and routes backend-initiated legs to the active call.
package softphone

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/callconsole/internal/app/events"
	"github.com/dkeye/callconsole/internal/app/retry"
	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/dkeye/callconsole/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Registry is the single writer of the registration state. Readers use Status.
type Registry struct {
	device  core.SoftphoneDevice
	policy  *retry.Policy
	budget  retry.Budget
	bus     *events.Bus
	metrics *metrics.Metrics
	group   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	state         domain.RegistrationState
	attempts      int
	lastErr       error
	token         string
	handler       core.LegHandler
	handlerID     uint64
	activeLeg     core.Leg
	onTokenExpiry func()
}

type Option func(*Registry)

// WithRetryOptions tunes the backoff used for registration.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(r *Registry) {
		r.policy = retry.New(Retryable, opts...)
	}
}

// WithTokenExpiryHook is called when the backend warns that the token is about to expire.
func WithTokenExpiryHook(fn func()) Option {
	return func(r *Registry) { r.onTokenExpiry = fn }
}

func NewRegistry(device core.SoftphoneDevice, bus *events.Bus, m *metrics.Metrics, budget retry.Budget, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		device:  device,
		policy:  retry.New(Retryable),
		budget:  budget,
		bus:     bus,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(r)
	}
	device.SetListener(r)
	return r
}

// Retryable scopes registration retries to network-class failures.
func Retryable(err error) bool {
	return domain.KindOf(err) == domain.NetworkError
}

// Register brings the device to Registered with cred. On a live registration
// it only swaps in a newer token, and concurrent calls share one registration
// attempt.
func (r *Registry) Register(ctx context.Context, cred domain.Credential) error {
	r.mu.Lock()
	switch {
	case r.state == domain.Degraded:
		r.mu.Unlock()
		return &domain.RegistrationError{Kind: domain.NetworkError, Err: domain.ErrDegraded}
	case r.state == domain.Registered && r.device.Connected():
		stale := !cred.IsZero() && cred.Token != r.token
		r.mu.Unlock()
		if stale {
			return r.UpdateCredential(cred)
		}
		return nil
	}
	r.token = cred.Token
	r.mu.Unlock()

	ch := r.group.DoChan("register", func() (any, error) {
		return nil, r.register(r.ctx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (r *Registry) register(ctx context.Context) error {
	// OnOffline leaves the registry in Registering already
	if r.State() != domain.Registering && !r.transition(domain.Registering) {
		return &domain.RegistrationError{Kind: domain.NetworkError, Err: domain.ErrDegraded}
	}
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()

	err := r.policy.Execute(ctx, "softphone.register", r.budget, func(ctx context.Context) error {
		r.mu.Lock()
		r.attempts++
		attempt, token := r.attempts, r.token
		r.mu.Unlock()
		r.metrics.RegistrationAttempt()
		log.Debug().Str("module", "app.softphone").Int("attempt", attempt).Msg("registering")
		return asRegistrationError(r.device.Register(ctx, token))
	})

	switch {
	case err == nil:
		r.fail(nil)
		r.transition(domain.Registered)
		log.Info().Str("module", "app.softphone").Msg("softphone registered")
		r.publish(domain.EventDeviceRegistered, "")
		return nil
	case retry.IsExhausted(err):
		r.fail(err)
		r.transition(domain.Degraded)
		log.Error().Str("module", "app.softphone").Err(err).Msg("softphone degraded")
		r.publish(domain.EventDeviceDegraded, err.Error())
		return err
	default:
		r.fail(err)
		r.transition(domain.Unregistered)
		log.Warn().Str("module", "app.softphone").Err(err).Msg("registration rejected")
		return err
	}
}

func asRegistrationError(err error) error {
	if err == nil {
		return nil
	}
	var re *domain.RegistrationError
	if errors.As(err, &re) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.RegistrationError{Kind: domain.NetworkError, Err: err}
}

func (r *Registry) fail(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// transition moves to next if the move is legal and reports whether it happened.
func (r *Registry) transition(next domain.RegistrationState) bool {
	return r.move(func(domain.RegistrationState) bool { return true }, next)
}

func (r *Registry) transitionFrom(from, next domain.RegistrationState) bool {
	return r.move(func(prev domain.RegistrationState) bool { return prev == from }, next)
}

func (r *Registry) move(guard func(domain.RegistrationState) bool, next domain.RegistrationState) bool {
	r.mu.Lock()
	prev := r.state
	if !guard(prev) || !prev.CanTransitionTo(next) {
		r.mu.Unlock()
		return false
	}
	r.state = next
	r.mu.Unlock()

	r.metrics.RegistrationState(next)
	log.Debug().Str("module", "app.softphone").Stringer("from", prev).Stringer("to", next).Msg("registration state")
	return true
}

// UpdateCredential hot-swaps the token of the live registration.
// An active leg is left untouched.
func (r *Registry) UpdateCredential(cred domain.Credential) error {
	r.mu.Lock()
	r.token = cred.Token
	live := r.state == domain.Registered
	r.mu.Unlock()

	if !live || !r.device.Connected() {
		return nil
	}
	if err := r.device.UpdateToken(cred.Token); err != nil {
		log.Warn().Str("module", "app.softphone").Err(err).Msg("token update failed")
		return asRegistrationError(err)
	}
	log.Debug().Str("module", "app.softphone").Time("expires_at", cred.ExpiresAt).Msg("token updated")
	return nil
}

// OnIncomingLeg installs the single leg handler, replacing any previous one.
// detach removes the handler only if it is still the installed one.
func (r *Registry) OnIncomingLeg(h core.LegHandler) (detach func()) {
	r.mu.Lock()
	r.handlerID++
	id := r.handlerID
	r.handler = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.handlerID == id {
			r.handler = nil
		}
	}
}

// Reset clears Degraded so the next Register starts from scratch.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.attempts = 0
	r.lastErr = nil
	r.mu.Unlock()
	if r.transition(domain.Unregistered) {
		log.Info().Str("module", "app.softphone").Msg("registration reset")
	}
}

func (r *Registry) State() domain.RegistrationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Registry) Status() domain.DeviceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := domain.DeviceStatus{
		State:        r.state,
		Attempts:     r.attempts,
		HasActiveLeg: r.activeLeg != nil,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// Close stops background re-registration and closes the device.
func (r *Registry) Close() error {
	r.cancel()
	err := r.device.Close()
	r.transition(domain.Unregistered)
	return err
}

// OnIncoming implements core.DeviceListener.
func (r *Registry) OnIncoming(leg core.Leg) {
	r.mu.Lock()
	h := r.handler
	if h != nil {
		r.activeLeg = leg
	}
	r.mu.Unlock()

	if h == nil {
		log.Warn().Str("module", "app.softphone").Str("leg", leg.ID()).Msg("no handler, rejecting leg")
		leg.Reject()
		return
	}
	log.Info().Str("module", "app.softphone").Str("leg", leg.ID()).Str("from", leg.From()).Msg("incoming leg")
	h(&trackedLeg{Leg: leg, done: func() { r.clearLeg(leg) }})
}

func (r *Registry) clearLeg(leg core.Leg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeLeg == leg {
		r.activeLeg = nil
	}
}

// OnOffline implements core.DeviceListener: a lost registration is
// re-established in the background with the last known token.
func (r *Registry) OnOffline(err error) {
	if !r.transitionFrom(domain.Registered, domain.Registering) {
		return
	}
	log.Warn().Str("module", "app.softphone").Err(err).Msg("softphone offline")
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.publish(domain.EventDeviceOffline, msg)

	go r.group.Do("register", func() (any, error) {
		return nil, r.register(r.ctx)
	})
}

// OnTokenWillExpire implements core.DeviceListener.
func (r *Registry) OnTokenWillExpire() {
	log.Info().Str("module", "app.softphone").Msg("backend reports token expiring")
	if r.onTokenExpiry != nil {
		r.onTokenExpiry()
	}
}

func (r *Registry) publish(kind domain.EventKind, msg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(domain.Event{Kind: kind, Message: msg, At: time.Now()})
}

// trackedLeg clears the registry's active leg once the leg ends.
type trackedLeg struct {
	core.Leg
	once sync.Once
	done func()
}

func (l *trackedLeg) finish() { l.once.Do(l.done) }

func (l *trackedLeg) Reject() {
	l.Leg.Reject()
	l.finish()
}

func (l *trackedLeg) Disconnect() {
	l.Leg.Disconnect()
	l.finish()
}

func (l *trackedLeg) OnDisconnect(fn func()) {
	l.Leg.OnDisconnect(func() {
		l.finish()
		fn()
	})
}
