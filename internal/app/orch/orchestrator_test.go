package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callconsole/internal/app/call"
	"github.com/dkeye/callconsole/internal/app/credential"
	"github.com/dkeye/callconsole/internal/app/events"
	"github.com/dkeye/callconsole/internal/app/media"
	"github.com/dkeye/callconsole/internal/app/retry"
	"github.com/dkeye/callconsole/internal/app/softphone"
	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenSource struct {
	mu  sync.Mutex
	err error
}

func (s *tokenSource) FetchCredential(context.Context) (domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Credential{}, s.err
	}
	now := time.Now()
	return domain.Credential{Token: "tok", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}, nil
}

type device struct {
	mu        sync.Mutex
	err       error
	connected bool
	closed    bool
	listener  core.DeviceListener
}

func (d *device) Register(context.Context, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.connected = true
	return nil
}

func (d *device) UpdateToken(string) error { return nil }

func (d *device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *device) SetListener(l core.DeviceListener) { d.listener = l }

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed, d.connected = true, false
	return nil
}

func (d *device) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

type noCapture struct{}

func (noCapture) Open(context.Context, domain.MediaConstraints) (core.CaptureStream, error) {
	return nil, media.ErrBusy
}

type noBackend struct{}

func (noBackend) PlaceCall(context.Context, domain.Credential, domain.CallRequest) (domain.CallAck, error) {
	return domain.CallAck{}, errors.New("unused")
}

type plusOnly struct{}

func (plusOnly) Normalize(raw string) (domain.E164, error) {
	if len(raw) < 8 || raw[0] != '+' {
		return "", &domain.InvalidNumberError{Raw: raw, Reason: "needs +"}
	}
	return domain.E164(raw), nil
}

type console struct {
	*Orchestrator
	tokens *tokenSource
	device *device
}

func newConsole(t *testing.T) console {
	t.Helper()
	bus := events.NewBus()
	tokens := &tokenSource{}
	dev := &device{}
	nosleep := retry.WithSleeper(func(context.Context, time.Duration) error { return nil })

	broker := credential.NewBroker(tokens, bus, nil, credential.DefaultOptions())
	registry := softphone.NewRegistry(dev, bus, nil, retry.DefaultBudget(), softphone.WithRetryOptions(nosleep))
	cfg := call.DefaultConfig()
	cfg.AgentID = "agent-7"
	cfg.RetryOptions = []retry.Option{nosleep}
	calls := call.NewManager(plusOnly{}, call.Deps{
		Media:       media.NewGate(noCapture{}),
		Credentials: broker,
		Softphone:   registry,
		Backend:     noBackend{},
		Bus:         bus,
	}, cfg)

	o := &Orchestrator{
		AgentID:     "agent-7",
		Calls:       calls,
		Softphone:   registry,
		Credentials: broker,
		Bus:         bus,
	}
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return console{Orchestrator: o, tokens: tokens, device: dev}
}

func TestStartRegistersSoftphone(t *testing.T) {
	c := newConsole(t)

	c.Start(context.Background())

	require.Eventually(t, func() bool {
		return c.SoftphoneStatus().State == domain.Registered
	}, time.Second, 5*time.Millisecond)
}

func TestServiceStatus(t *testing.T) {
	c := newConsole(t)

	st := c.ServiceStatus(context.Background())
	assert.True(t, st.Available)
	assert.False(t, st.ExpiresAt.IsZero())
	assert.Nil(t, st.Failure)
}

func TestServiceStatusUnavailable(t *testing.T) {
	c := newConsole(t)
	c.tokens.err = &domain.CredentialError{Kind: domain.Unauthorized, Err: errors.New("403")}

	st := c.ServiceStatus(context.Background())
	assert.False(t, st.Available)
	require.NotNil(t, st.Failure)
	assert.Equal(t, domain.Unauthorized, st.Failure.Kind)
	assert.NotEmpty(t, st.Failure.Message)
}

func TestResetSoftphoneLeavesDegraded(t *testing.T) {
	c := newConsole(t)
	c.device.fail(&domain.RegistrationError{Kind: domain.NetworkError, Err: errors.New("refused")})

	err := c.ResetSoftphone(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.Degraded, c.SoftphoneStatus().State)

	c.device.fail(nil)
	require.NoError(t, c.ResetSoftphone(context.Background()))
	assert.Equal(t, domain.Registered, c.SoftphoneStatus().State)
}

func TestPlaceCallRejectsInvalidNumber(t *testing.T) {
	c := newConsole(t)

	_, err := c.PlaceCall("123", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidNumber)
	_, ok := c.ActiveCall(nil, true)
	assert.False(t, ok)
	assert.ErrorIs(t, c.Hangup(), domain.ErrNoActiveCall)
	assert.ErrorIs(t, c.SetMuted(true), domain.ErrNoActiveCall)
}

func TestPlaceCallViewUsesFormatter(t *testing.T) {
	c := newConsole(t)

	v, err := c.PlaceCall("+573001234567", func(n domain.E164) string { return "fmt:" + n.String() })
	require.NoError(t, err)
	assert.Equal(t, "fmt:+573001234567", v.Display)
	assert.Equal(t, domain.E164("+573001234567"), v.Number)

	// the capture device is busy, so the call fails without reaching the backend
	require.Eventually(t, func() bool {
		last, ok := c.ActiveCall(nil, false)
		return ok && last.State == domain.CallFailed
	}, time.Second, 5*time.Millisecond)
	last, _ := c.ActiveCall(nil, false)
	require.NotNil(t, last.Failure)
	assert.Equal(t, domain.DeviceBusy, last.Failure.Kind)
	assert.Equal(t, "+573001234567", last.Display)
}

func TestAgentWithoutDirectory(t *testing.T) {
	c := newConsole(t)

	a, err := c.Agent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent-7", a.ID)
	assert.Equal(t, core.AgentAvailable, a.Status)

	recs, stats := c.CallHistory(10)
	assert.Empty(t, recs)
	assert.Equal(t, core.CallStats{}, stats)
}

func TestSubscribeAndShutdown(t *testing.T) {
	c := newConsole(t)
	got := make(chan domain.Event, 4)
	unsubscribe := c.Subscribe(func(e domain.Event) { got <- e })
	defer unsubscribe()
	assert.Equal(t, 1, c.Bus.Len())

	c.Start(context.Background())
	select {
	case e := <-got:
		assert.Equal(t, domain.EventDeviceRegistered, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("no registration event")
	}

	require.NoError(t, c.Shutdown(context.Background()))
	c.device.mu.Lock()
	defer c.device.mu.Unlock()
	assert.True(t, c.device.closed)
}
