// Package call runs outbound calls: one Session per call attempt, driven by a
// single goroutine so transitions never interleave.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/callconsole/internal/app/events"
	"github.com/dkeye/callconsole/internal/app/media"
	"github.com/dkeye/callconsole/internal/app/retry"
	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/dkeye/callconsole/internal/metrics"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MediaGate is the microphone as seen by a session.
type MediaGate interface {
	Acquire(ctx context.Context, c domain.MediaConstraints) (*media.Handle, error)
	Release(h *media.Handle)
	SampleLevel(h *media.Handle) int
	SetMuted(h *media.Handle, muted bool) error
}

type Credentials interface {
	GetCredential(ctx context.Context) (domain.Credential, error)
}

type Softphone interface {
	Register(ctx context.Context, cred domain.Credential) error
	OnIncomingLeg(h core.LegHandler) (detach func())
}

// Deps are the collaborators shared by every session of a manager.
type Deps struct {
	Media       MediaGate
	Credentials Credentials
	Softphone   Softphone
	Backend     core.CallBackend
	Directory   core.Directory
	CallLog     core.CallLog
	Bus         *events.Bus
	Metrics     *metrics.Metrics
}

type Config struct {
	AgentID           string
	From              string
	Constraints       domain.MediaConstraints
	RingingTimeout    time.Duration
	ConnectingTimeout time.Duration
	LevelInterval     time.Duration
	CredentialBudget  retry.Budget
	RetryOptions      []retry.Option
}

func DefaultConfig() Config {
	return Config{
		Constraints:       domain.DefaultMediaConstraints(),
		RingingTimeout:    30 * time.Second,
		ConnectingTimeout: 30 * time.Second,
		LevelInterval:     200 * time.Millisecond,
		CredentialBudget:  retry.DefaultBudget(),
	}
}

// fsm event names
const (
	evRequestMedia    = "request_media"
	evMediaAcquired   = "media_acquired"
	evRegistered      = "registration_confirmed"
	evBackendAccepted = "backend_accepted"
	evLegIncoming     = "leg_incoming"
	evLegAccepted     = "leg_accepted"
	evHangup          = "hangup"
	evCleanupComplete = "cleanup_complete"
	evFail            = "fail"
)

func states(s ...domain.CallState) []string {
	out := make([]string, len(s))
	for i, st := range s {
		out[i] = string(st)
	}
	return out
}

func newMachine() *fsm.FSM {
	live := states(domain.CallIdle, domain.CallMediaRequested, domain.CallCredentialReady,
		domain.CallPlacing, domain.CallRinging, domain.CallConnecting, domain.CallConnected)
	return fsm.NewFSM(
		string(domain.CallIdle),
		fsm.Events{
			{Name: evRequestMedia, Src: states(domain.CallIdle), Dst: string(domain.CallMediaRequested)},
			{Name: evMediaAcquired, Src: states(domain.CallMediaRequested), Dst: string(domain.CallCredentialReady)},
			{Name: evRegistered, Src: states(domain.CallCredentialReady), Dst: string(domain.CallPlacing)},
			{Name: evBackendAccepted, Src: states(domain.CallPlacing), Dst: string(domain.CallRinging)},
			{Name: evLegIncoming, Src: states(domain.CallRinging), Dst: string(domain.CallConnecting)},
			{Name: evLegAccepted, Src: states(domain.CallConnecting), Dst: string(domain.CallConnected)},
			{Name: evHangup, Src: live, Dst: string(domain.CallEnding)},
			{Name: evCleanupComplete, Src: states(domain.CallEnding), Dst: string(domain.CallEnded)},
			{Name: evFail, Src: append(live, string(domain.CallEnding)), Dst: string(domain.CallFailed)},
		},
		fsm.Callbacks{},
	)
}

var errHangup = errors.New("hangup requested")

type legEvent struct {
	err error
}

// Session is one call attempt. Its exported methods are safe for concurrent use;
// everything else runs on the session's own goroutine.
type Session struct {
	id     domain.CallID
	number domain.E164
	deps   Deps
	cfg    Config
	logger zerolog.Logger
	retry  *retry.Policy

	machine *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc
	legs   chan core.Leg
	legEvs chan legEvent
	done   chan struct{}

	persist     chan func(context.Context)
	persistDone chan struct{}
	opened      bool

	mu      sync.RWMutex
	record  domain.CallRecord
	handle  *media.Handle
	leg     core.Leg
	detach  func()
	logID   string
	waiting bool
}

func newSession(parent context.Context, id domain.CallID, number domain.E164, deps Deps, cfg Config) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:      id,
		number:  number,
		deps:    deps,
		cfg:     cfg,
		logger:  log.With().Str("module", "app.call").Str("call_id", string(id)).Logger(),
		machine: newMachine(),
		ctx:     ctx,
		cancel:  cancel,
		legs:    make(chan core.Leg, 1),
		legEvs:  make(chan legEvent, 4),
		done:    make(chan struct{}),
		persist: make(chan func(context.Context), 4),

		persistDone: make(chan struct{}),
		record: domain.CallRecord{
			ID:        id,
			Number:    number,
			State:     domain.CallIdle,
			StartedAt: time.Now(),
		},
	}
	s.retry = retry.New(func(err error) bool {
		return domain.KindOf(err) == domain.NetworkUnavailable
	}, cfg.RetryOptions...)
	return s
}

func (s *Session) ID() domain.CallID { return s.id }

// Done is closed once the session reached Ended or Failed and released everything.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Record() domain.CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.record
	if rec.Failure != nil {
		f := *rec.Failure
		rec.Failure = &f
	}
	return rec
}

func (s *Session) State() domain.CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.State
}

// Hangup queues the end of the call. It never blocks on an in-flight
// transition, and calls after the first are no-ops.
func (s *Session) Hangup() {
	s.logger.Debug().Msg("hangup requested")
	s.cancel()
}

// SetMuted toggles the microphone of a call holding media.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.record.State.IsTerminal() {
		return domain.ErrNoActiveCall
	}
	if err := s.deps.Media.SetMuted(s.handle, muted); err != nil {
		return err
	}
	s.record.Muted = muted
	return nil
}

func (s *Session) start() {
	go s.drainPersist()
	go s.run()
}

func (s *Session) run() {
	defer close(s.done)
	err := s.dial()
	if err == nil {
		err = s.talk()
	}
	s.conclude(err)
}

// hungUp reports whether Hangup cancelled the session.
func (s *Session) hungUp() bool {
	return s.ctx.Err() != nil
}

func (s *Session) dial() error {
	s.fire(evRequestMedia, nil)
	h, err := s.deps.Media.Acquire(s.ctx, s.cfg.Constraints)
	if h != nil {
		s.mu.Lock()
		s.handle = h
		s.record.HasMedia = true
		s.mu.Unlock()
	}
	switch {
	case s.hungUp():
		return errHangup
	case err != nil:
		return err
	}
	s.fire(evMediaAcquired, nil)

	cred, err := s.credential()
	if err == nil {
		err = s.deps.Softphone.Register(s.ctx, cred)
	}
	switch {
	case s.hungUp():
		return errHangup
	case err != nil:
		return err
	}
	s.fire(evRegistered, nil)

	// the backend may open the leg before it acknowledges the request
	detach := s.deps.Softphone.OnIncomingLeg(s.onLeg)
	s.mu.Lock()
	s.detach = detach
	s.waiting = true
	s.mu.Unlock()

	ack, err := s.deps.Backend.PlaceCall(s.ctx, cred, domain.CallRequest{To: s.number, From: s.cfg.From, At: time.Now()})
	switch {
	case s.hungUp():
		return errHangup
	case err != nil:
		return err
	}
	s.mu.Lock()
	s.record.BackendID = ack.CallID
	s.mu.Unlock()
	s.fire(evBackendAccepted, nil)
	s.openCallRecord(ack.CallID)

	leg, err := s.awaitLeg()
	if err != nil {
		return err
	}
	s.fire(evLegIncoming, nil)

	return s.connect(leg)
}

func (s *Session) credential() (domain.Credential, error) {
	var cred domain.Credential
	err := s.retry.Execute(s.ctx, "call.credential", s.cfg.CredentialBudget, func(ctx context.Context) error {
		var err error
		cred, err = s.deps.Credentials.GetCredential(ctx)
		return err
	})
	return cred, err
}

// onLeg runs on the signaling goroutine; it only hands the leg over.
func (s *Session) onLeg(leg core.Leg) {
	s.mu.RLock()
	waiting := s.waiting
	s.mu.RUnlock()
	if !waiting {
		leg.Reject()
		return
	}
	select {
	case s.legs <- leg:
	default:
		s.logger.Warn().Str("leg", leg.ID()).Msg("extra leg rejected")
		leg.Reject()
	}
}

func (s *Session) awaitLeg() (core.Leg, error) {
	timer := time.NewTimer(s.cfg.RingingTimeout)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return nil, errHangup
	case ev := <-s.legEvs:
		return nil, legFailure(ev.err)
	case <-timer.C:
		return nil, &domain.SignalingError{Kind: domain.Timeout, Err: errors.New("no leg before ringing timeout")}
	case leg := <-s.legs:
		s.mu.Lock()
		s.leg = leg
		s.waiting = false
		s.mu.Unlock()
		leg.OnDisconnect(func() { s.legEvent(nil) })
		leg.OnError(func(err error) { s.legEvent(err) })
		s.logger.Info().Str("leg", leg.ID()).Msg("leg incoming")
		return leg, nil
	}
}

func (s *Session) legEvent(err error) {
	select {
	case s.legEvs <- legEvent{err: err}:
	default:
	}
}

func legFailure(err error) error {
	if err == nil {
		err = errors.New("leg ended before answer")
	}
	var se *domain.SignalingError
	if errors.As(err, &se) {
		return err
	}
	return &domain.SignalingError{Kind: domain.LegDropped, Err: err}
}

func (s *Session) connect(leg core.Leg) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectingTimeout)
	err := leg.Accept(ctx)
	cancel()
	switch {
	case s.hungUp():
		return errHangup
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.SignalingError{Kind: domain.Timeout, Err: errors.New("leg not connected before timeout")}
	default:
		return legFailure(err)
	}

	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if err := leg.Attach(h.Source()); err != nil {
		return legFailure(err)
	}
	s.fire(evLegAccepted, nil)
	return nil
}

// talk samples the input level until the call ends. A nil return is a normal end.
func (s *Session) talk() error {
	ticker := time.NewTicker(s.cfg.LevelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return errHangup
		case ev := <-s.legEvs:
			if ev.err != nil {
				return legFailure(ev.err)
			}
			s.logger.Info().Msg("remote side ended the call")
			return nil
		case <-ticker.C:
			s.publishLevel()
		}
	}
}

func (s *Session) publishLevel() {
	s.mu.RLock()
	h, muted := s.handle, s.record.Muted
	s.mu.RUnlock()
	level := s.deps.Media.SampleLevel(h)
	s.publish(domain.Event{
		Kind:   domain.EventAudioLevel,
		CallID: s.id,
		Audio:  &domain.AudioSample{Level: level, Muted: muted},
		At:     time.Now(),
	})
}

func (s *Session) conclude(err error) {
	if err == nil || errors.Is(err, errHangup) {
		s.fire(evHangup, nil)
		s.cleanup()
		s.fire(evCleanupComplete, nil)
	} else {
		s.logger.Warn().Err(err).Str("state", s.State().String()).Msg("call failed")
		s.cleanup()
		f := domain.FailureOf(err)
		s.fire(evFail, &f)
	}
	s.cancel()

	rec := s.Record()
	var kind domain.ErrorKind
	if rec.Failure != nil {
		kind = rec.Failure.Kind
	}
	s.deps.Metrics.CallFinished(rec.State, kind, rec.TalkTime())
	s.closeCallRecord(rec)
	close(s.persist)
}

// cleanup releases everything the session holds. Sampling already stopped with talk.
func (s *Session) cleanup() {
	s.mu.Lock()
	h, leg, detach := s.handle, s.leg, s.detach
	s.handle, s.leg, s.detach = nil, nil, nil
	s.waiting = false
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
drain:
	for {
		select {
		case pending := <-s.legs:
			pending.Reject()
		default:
			break drain
		}
	}
	if leg != nil {
		leg.Disconnect()
	}
	if h != nil {
		s.deps.Media.Release(h)
	}
}

// fire applies a transition and publishes exactly one event for it.
func (s *Session) fire(name string, failure *domain.Failure) {
	from := s.machine.Current()
	if err := s.machine.Event(context.Background(), name); err != nil {
		s.logger.Error().Err(err).Str("event", name).Str("state", from).Msg("invalid transition")
		return
	}
	state := domain.CallState(s.machine.Current())
	now := time.Now()

	s.mu.Lock()
	s.record.State = state
	switch {
	case state == domain.CallConnected:
		s.record.ConnectedAt = now
	case state.IsTerminal():
		s.record.EndedAt = now
		s.record.HasMedia = false
		s.record.Failure = failure
	}
	s.mu.Unlock()

	s.logger.Info().Str("from", from).Str("state", string(state)).Msg("call state")
	ev := domain.Event{
		Kind:    domain.TransitionKind(state),
		CallID:  s.id,
		State:   state,
		Failure: failure,
		At:      now,
	}
	if failure != nil {
		ev.Message = failure.Message
	}
	s.publish(ev)
}

func (s *Session) publish(e domain.Event) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(e)
	}
}
