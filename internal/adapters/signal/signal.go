package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/callconsole/internal/adapters/rtc"
	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrNotConnected = errors.New("signaling connection not open")
)

// Leg is a media leg the device can end on the backend's behalf.
type Leg interface {
	core.Leg
	RemoteHangup()
	RemoteError(err error)
}

// LegFactory builds the media leg for an incoming offer.
type LegFactory func(id, from, offer string, sig rtc.Signaler) Leg

func RTCLegs(cfg rtc.Config) LegFactory {
	return func(id, from, offer string, sig rtc.Signaler) Leg {
		return rtc.NewLeg(cfg, id, from, offer, sig)
	}
}

type Options struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	WriteTimeout time.Duration
	NewLeg       LegFactory
}

// Device is the websocket registration with the signaling backend.
type Device struct {
	opts   Options
	dialer *websocket.Dialer

	mu         sync.RWMutex
	conn       *wsConn
	cancel     context.CancelFunc
	registered bool
	pending    chan error
	listener   core.DeviceListener
	legs       map[string]Leg
}

func NewDevice(opts Options) *Device {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.NewLeg == nil {
		opts.NewLeg = RTCLegs(rtc.DefaultConfig())
	}
	return &Device{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		legs:   make(map[string]Leg),
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrNotConnected
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (d *Device) SetListener(l core.DeviceListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = l
}

func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn != nil && d.registered
}

// Register opens the socket if needed and blocks until the backend answers
// the register message.
func (d *Device) Register(ctx context.Context, token string) error {
	c, err := d.connect(ctx)
	if err != nil {
		return &domain.RegistrationError{Kind: domain.NetworkError, Err: err}
	}

	result := make(chan error, 1)
	d.mu.Lock()
	d.pending = result
	d.mu.Unlock()

	if err := d.sendJSON(c, message{Type: msgRegister, Token: token}); err != nil {
		return &domain.RegistrationError{Kind: domain.NetworkError, Err: err}
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		d.mu.Lock()
		if d.pending == result {
			d.pending = nil
		}
		d.mu.Unlock()
		return &domain.RegistrationError{Kind: domain.NetworkError, Err: ctx.Err()}
	}
}

func (d *Device) connect(ctx context.Context) (*wsConn, error) {
	d.mu.RLock()
	c := d.conn
	d.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	ws, _, err := d.dialer.DialContext(ctx, d.opts.URL, d.opts.Header)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("url", d.opts.URL).Msg("dial failed")
		return nil, err
	}
	c = &wsConn{conn: ws, send: make(chan []byte, 32)}
	pumpCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.conn = c
	d.cancel = cancel
	d.registered = false
	d.mu.Unlock()

	log.Info().Str("module", "adapters.signal").Str("url", d.opts.URL).Msg("signaling connected")
	go d.writePump(pumpCtx, c)
	go d.readPump(pumpCtx, c)
	return c, nil
}

// UpdateToken swaps the token on the live registration.
func (d *Device) UpdateToken(token string) error {
	d.mu.RLock()
	c := d.conn
	d.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	return d.sendJSON(c, message{Type: msgUpdateToken, Token: token})
}

// Close drops the connection without reporting the device offline.
func (d *Device) Close() error {
	d.mu.Lock()
	c, cancel := d.conn, d.cancel
	d.conn, d.cancel = nil, nil
	d.registered = false
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c != nil {
		c.Close()
	}
	return nil
}

// connLost runs when the read side of c ends.
func (d *Device) connLost(c *wsConn, err error) {
	d.mu.Lock()
	if d.conn != c {
		// Close already detached it
		d.mu.Unlock()
		return
	}
	wasRegistered := d.registered
	pending := d.pending
	d.conn, d.registered, d.pending = nil, false, nil
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	listener := d.listener
	d.mu.Unlock()

	if pending != nil {
		pending <- &domain.RegistrationError{Kind: domain.NetworkError, Err: fmt.Errorf("connection lost: %w", err)}
	}
	if wasRegistered && listener != nil {
		listener.OnOffline(err)
	}
}

// rtc.Signaler

func (d *Device) Answer(legID, sdp string) error {
	c, err := d.live()
	if err != nil {
		return err
	}
	return d.sendJSON(c, message{Type: msgAnswer, Leg: legID, SDP: sdp})
}

func (d *Device) Reject(legID string) {
	d.forget(legID)
	if c, err := d.live(); err == nil {
		_ = d.sendJSON(c, message{Type: msgReject, Leg: legID})
	}
}

func (d *Device) Hangup(legID string) {
	d.forget(legID)
	if c, err := d.live(); err == nil {
		_ = d.sendJSON(c, message{Type: msgHangup, Leg: legID})
	}
}

func (d *Device) live() (*wsConn, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil, ErrNotConnected
	}
	return d.conn, nil
}

func (d *Device) forget(legID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.legs, legID)
}
