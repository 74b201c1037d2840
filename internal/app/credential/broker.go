// Package credential keeps the short-lived signaling token fresh.
package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/callconsole/internal/app/events"
	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/dkeye/callconsole/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const fetchKey = "credential"

type Options struct {
	// SafetyMargin is the minimum remaining lifetime of a cached credential.
	SafetyMargin time.Duration
	// RenewLead is how long before expiry a renewal starts.
	RenewLead    time.Duration
	FetchTimeout time.Duration
	// RetryDelay spaces renewal attempts after a failed renewal.
	RetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		SafetyMargin: 10 * time.Second,
		RenewLead:    60 * time.Second,
		FetchTimeout: 10 * time.Second,
		RetryDelay:   5 * time.Second,
	}
}

// Broker hands out the current credential and replaces it before it expires.
type Broker struct {
	source  core.TokenSource
	bus     *events.Bus
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
	group   singleflight.Group

	mu     sync.Mutex
	cred   domain.Credential
	timer  *time.Timer
	subs   []func(domain.Credential)
	closed bool
}

func NewBroker(source core.TokenSource, bus *events.Bus, m *metrics.Metrics, opts Options) *Broker {
	return &Broker{
		source:  source,
		bus:     bus,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

// OnRenewed registers fn to receive every credential that replaces the current one.
func (b *Broker) OnRenewed(fn func(domain.Credential)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// Current returns the held credential without fetching.
func (b *Broker) Current() domain.Credential {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cred
}

// GetCredential returns the cached credential while it is valid, otherwise
// fetches one. Concurrent callers share a single in-flight fetch.
func (b *Broker) GetCredential(ctx context.Context) (domain.Credential, error) {
	b.mu.Lock()
	cred := b.cred
	b.mu.Unlock()
	if cred.ValidAt(b.now(), b.opts.SafetyMargin) {
		return cred, nil
	}
	return b.fetch(ctx)
}

func (b *Broker) fetch(ctx context.Context) (domain.Credential, error) {
	ch := b.group.DoChan(fetchKey, func() (any, error) {
		// the fetch outlives a single caller giving up; others may be waiting on it
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.FetchTimeout)
		defer cancel()

		cred, err := b.source.FetchCredential(fctx)
		if err != nil {
			return domain.Credential{}, asCredentialError(err)
		}
		if !cred.ValidAt(b.now(), 0) {
			return domain.Credential{}, &domain.CredentialError{Kind: domain.Unauthorized, Err: errors.New("token endpoint returned an expired credential")}
		}
		b.replace(cred)
		return cred, nil
	})

	select {
	case <-ctx.Done():
		return domain.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Credential{}, res.Err
		}
		return res.Val.(domain.Credential), nil
	}
}

func asCredentialError(err error) error {
	var ce *domain.CredentialError
	if errors.As(err, &ce) {
		return err
	}
	return &domain.CredentialError{Kind: domain.NetworkUnavailable, Err: err}
}

// replace swaps in cred and arms its renewal.
func (b *Broker) replace(cred domain.Credential) {
	b.mu.Lock()
	b.cred = cred
	b.mu.Unlock()
	log.Debug().Str("module", "app.credential").Time("expires_at", cred.ExpiresAt).Msg("credential stored")
	b.ScheduleRenewal(cred, b.opts.RenewLead)
}

// ScheduleRenewal arms a single renewal at cred.ExpiresAt-lead, replacing any
// previously armed one. A credential living less than lead renews at half its
// remaining lifetime.
func (b *Broker) ScheduleRenewal(cred domain.Credential, lead time.Duration) {
	remaining := cred.ExpiresAt.Sub(b.now())
	after := remaining - lead
	if after <= 0 {
		after = remaining / 2
	}
	b.schedule(after, lead)
}

func (b *Broker) schedule(after, lead time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(max(after, 0), func() { b.renew(lead) })
}

// RenewNow replaces the credential as soon as possible, e.g. when the
// signaling backend warns that the token is about to expire.
func (b *Broker) RenewNow() {
	b.schedule(0, b.opts.RenewLead)
}

func (b *Broker) renew(lead time.Duration) {
	b.publish(domain.EventTokenExpiring, "")

	// the old credential stays cached until its replacement arrives
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.FetchTimeout)
	defer cancel()
	cred, err := b.fetch(ctx)
	b.metrics.TokenRenewal(err)
	if err != nil {
		log.Warn().Str("module", "app.credential").Err(err).Dur("retry_in", b.opts.RetryDelay).Msg("renewal failed")
		b.schedule(b.opts.RetryDelay, lead)
		return
	}

	b.mu.Lock()
	subs := append([]func(domain.Credential){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(cred)
	}
	log.Info().Str("module", "app.credential").Time("expires_at", cred.ExpiresAt).Msg("credential renewed")
	b.publish(domain.EventTokenRenewed, "")
	// fetch already rescheduled with the configured lead; keep the caller's lead
	b.ScheduleRenewal(cred, lead)
}

func (b *Broker) publish(kind domain.EventKind, msg string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(domain.Event{Kind: kind, Message: msg, At: b.now()})
}

// Close stops pending renewals.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
}
