package call

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callconsole/internal/app/events"
	"github.com/dkeye/callconsole/internal/app/media"
	"github.com/dkeye/callconsole/internal/app/retry"
	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/stretchr/testify/require"
)

// capture

type fakeTrack struct {
	mu      sync.Mutex
	enabled bool
	onStop  func()
}

func (t *fakeTrack) SetEnabled(e bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = e
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Stop() { t.onStop() }

type fakeStream struct {
	track  *fakeTrack
	frames chan []byte
}

func (s *fakeStream) Tracks() []core.CaptureTrack { return []core.CaptureTrack{s.track} }
func (s *fakeStream) PCM() []int16                { return []int16{8000, -8000, 8000, -8000} }
func (s *fakeStream) Frames() <-chan []byte       { return s.frames }

type fakeCapture struct {
	mu     sync.Mutex
	err    error
	opens  int
	stops  int
	tracks []*fakeTrack
}

func (c *fakeCapture) Open(context.Context, domain.MediaConstraints) (core.CaptureStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.opens++
	tr := &fakeTrack{enabled: true}
	tr.onStop = func() {
		c.mu.Lock()
		c.stops++
		c.mu.Unlock()
	}
	c.tracks = append(c.tracks, tr)
	return &fakeStream{track: tr, frames: make(chan []byte)}, nil
}

func (c *fakeCapture) counts() (opens, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.stops
}

// credentials

type fakeCredentials struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeCredentials) GetCredential(context.Context) (domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.Credential{}, err
		}
	}
	return domain.Credential{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeCredentials) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// softphone

type fakeSoftphone struct {
	mu        sync.Mutex
	err       error
	registers int
	handler   core.LegHandler
	detached  int
}

func (p *fakeSoftphone) Register(context.Context, domain.Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registers++
	return p.err
}

func (p *fakeSoftphone) OnIncomingLeg(h core.LegHandler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.handler = nil
		p.detached++
	}
}

func (p *fakeSoftphone) deliver(leg core.Leg) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		leg.Reject()
		return
	}
	h(leg)
}

func (p *fakeSoftphone) detachCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}

// backend

type fakeBackend struct {
	mu       sync.Mutex
	calls    int
	requests []domain.CallRequest
	err      error
	block    bool
	onPlace  func()
}

func (b *fakeBackend) PlaceCall(ctx context.Context, _ domain.Credential, req domain.CallRequest) (domain.CallAck, error) {
	b.mu.Lock()
	b.calls++
	b.requests = append(b.requests, req)
	err, block, onPlace := b.err, b.block, b.onPlace
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.CallAck{}, ctx.Err()
	}
	if err != nil {
		return domain.CallAck{}, err
	}
	if onPlace != nil {
		onPlace()
	}
	return domain.CallAck{CallID: "CA123"}, nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// leg

type fakeLeg struct {
	id       string
	acceptFn func(ctx context.Context) error

	mu          sync.Mutex
	onDisc      func()
	onErr       func(error)
	attached    core.AudioSource
	disconnects int
	rejected    bool
}

func (l *fakeLeg) ID() string   { return l.id }
func (l *fakeLeg) From() string { return "client:agent" }

func (l *fakeLeg) Accept(ctx context.Context) error {
	if l.acceptFn != nil {
		return l.acceptFn(ctx)
	}
	return nil
}

func (l *fakeLeg) Reject() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejected = true
}

func (l *fakeLeg) Attach(src core.AudioSource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached = src
	return nil
}

func (l *fakeLeg) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
}

func (l *fakeLeg) OnDisconnect(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisc = fn
}

func (l *fakeLeg) OnError(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onErr = fn
}

func (l *fakeLeg) remoteHangup() {
	l.mu.Lock()
	fn := l.onDisc
	l.mu.Unlock()
	fn()
}

func (l *fakeLeg) fail(err error) {
	l.mu.Lock()
	fn := l.onErr
	l.mu.Unlock()
	fn(err)
}

func (l *fakeLeg) disconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// directory and call log

type fakeRecords struct {
	mu       sync.Mutex
	created  []core.CallRecordData
	ended    []core.CallEndData
	statuses []string
}

func (r *fakeRecords) GetAgent(_ context.Context, id string) (core.Agent, error) {
	return core.Agent{ID: id, Status: core.AgentAvailable}, nil
}

func (r *fakeRecords) UpdateAgentStatus(_ context.Context, _, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRecords) CreateCallRecord(_ context.Context, data core.CallRecordData) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, data)
	return "rec-1", nil
}

func (r *fakeRecords) EndCallRecord(_ context.Context, _ string, data core.CallEndData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, data)
	return nil
}

// normalizer

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(raw string) (domain.E164, error) {
	if !e164.MatchString(raw) {
		return "", &domain.InvalidNumberError{Raw: raw, Reason: "not E.164"}
	}
	return domain.E164(raw), nil
}

// events

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(e domain.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) transitions() []domain.CallState {
	var out []domain.CallState
	for _, e := range r.all() {
		if e.IsTransition() {
			out = append(out, e.State)
		}
	}
	return out
}

func (r *recorder) count(kind domain.EventKind) int {
	n := 0
	for _, e := range r.all() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// harness

type harness struct {
	capture *fakeCapture
	creds   *fakeCredentials
	phone   *fakeSoftphone
	backend *fakeBackend
	records *fakeRecords
	bus     *events.Bus
	events  *recorder
	delays  *[]time.Duration
	cfg     Config
}

func newHarness() *harness {
	h := &harness{
		capture: &fakeCapture{},
		creds:   &fakeCredentials{},
		phone:   &fakeSoftphone{},
		backend: &fakeBackend{},
		records: &fakeRecords{},
		bus:     events.NewBus(),
	}
	h.events = record(h.bus)

	var delays []time.Duration
	h.delays = &delays
	h.cfg = DefaultConfig()
	h.cfg.AgentID = "agent-7"
	h.cfg.From = "client:agent-7"
	h.cfg.RingingTimeout = 2 * time.Second
	h.cfg.ConnectingTimeout = 2 * time.Second
	h.cfg.LevelInterval = 5 * time.Millisecond
	h.cfg.RetryOptions = []retry.Option{retry.WithSleeper(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})}
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Media:       media.NewGate(h.capture),
		Credentials: h.creds,
		Softphone:   h.phone,
		Backend:     h.backend,
		Directory:   h.records,
		CallLog:     h.records,
		Bus:         h.bus,
	}
}

func (h *harness) manager() *Manager {
	return NewManager(fakeNormalizer{}, h.deps(), h.cfg)
}

// answerWith makes the backend open leg right after acknowledging the call.
func (h *harness) answerWith(leg *fakeLeg) {
	h.backend.onPlace = func() { go h.phone.deliver(leg) }
}

func waitState(t *testing.T, s *Session, want domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond,
		"state is %s, want %s", s.State(), want)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session stuck in %s", s.State())
	}
	<-s.persistDone
}
