package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/callconsole/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// message types
const (
	msgRegister       = "register"
	msgUpdateToken    = "update_token"
	msgAnswer         = "answer"
	msgReject         = "reject"
	msgHangup         = "hangup"
	msgPing           = "ping"
	msgRegistered     = "registered"
	msgRegisterFailed = "register_failed"
	msgIncoming       = "incoming"
	msgError          = "error"
	msgTokenExpiring  = "token_will_expire"
	msgPong           = "pong"
)

// message is the envelope for both directions.
type message struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Leg   string `json:"leg,omitempty"`
	From  string `json:"from,omitempty"`
	SDP   string `json:"sdp,omitempty"`
	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func (d *Device) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(d.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "adapters.signal").Msg("writePump ctx done")
			return
		case <-ping.C:
			_ = d.sendJSON(c, message{Type: msgPing})
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "adapters.signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(d.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (d *Device) readPump(ctx context.Context, c *wsConn) {
	var readErr error
	defer func() {
		log.Info().Str("module", "adapters.signal").Msg("readPump closing")
		c.Close()
		d.connLost(c, readErr)
	}()

	for {
		select {
		case <-ctx.Done():
			readErr = ctx.Err()
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				readErr = err
				if !errors.Is(err, websocket.ErrCloseSent) {
					log.Warn().Err(err).Str("module", "adapters.signal").Msg("readPump read error")
				}
				return
			}
			d.handleSignal(data)
		}
	}
}

func (d *Device) handleSignal(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("bad json")
		return
	}

	switch msg.Type {
	case msgRegistered:
		d.handleRegistered()
	case msgRegisterFailed:
		d.handleRegisterFailed(msg)
	case msgIncoming:
		d.handleIncoming(msg)
	case msgHangup:
		d.handleHangup(msg)
	case msgError:
		d.handleError(msg)
	case msgTokenExpiring:
		d.mu.RLock()
		l := d.listener
		d.mu.RUnlock()
		if l != nil {
			l.OnTokenWillExpire()
		}
	case msgPong:
	default:
		log.Warn().Str("module", "adapters.signal").Str("type", msg.Type).Msg("unknown signal")
	}
}

func (d *Device) takePending() chan error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending
	d.pending = nil
	return p
}

func (d *Device) handleRegistered() {
	d.mu.Lock()
	d.registered = true
	d.mu.Unlock()
	if p := d.takePending(); p != nil {
		p <- nil
	}
	log.Info().Str("module", "adapters.signal").Msg("registered")
}

func (d *Device) handleRegisterFailed(msg message) {
	kind := domain.NetworkError
	if msg.Code == http.StatusUnauthorized || msg.Code == http.StatusForbidden {
		kind = domain.AuthRejected
	}
	log.Warn().Str("module", "adapters.signal").Int("code", msg.Code).Str("error", msg.Error).Msg("register failed")
	if p := d.takePending(); p != nil {
		p <- &domain.RegistrationError{Kind: kind, Err: errors.New(msg.Error)}
	}
}

func (d *Device) handleIncoming(msg message) {
	if msg.Leg == "" {
		log.Warn().Str("module", "adapters.signal").Msg("incoming without leg id")
		return
	}
	leg := d.opts.NewLeg(msg.Leg, msg.From, msg.SDP, d)

	d.mu.Lock()
	d.legs[msg.Leg] = leg
	listener := d.listener
	d.mu.Unlock()

	if listener == nil {
		leg.Reject()
		return
	}
	listener.OnIncoming(leg)
}

func (d *Device) leg(id string) (Leg, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.legs[id]
	if ok {
		delete(d.legs, id)
	}
	return l, ok
}

func (d *Device) handleHangup(msg message) {
	if l, ok := d.leg(msg.Leg); ok {
		l.RemoteHangup()
	}
}

func (d *Device) handleError(msg message) {
	if msg.Leg == "" {
		log.Warn().Str("module", "adapters.signal").Str("error", msg.Error).Msg("backend error")
		return
	}
	if l, ok := d.leg(msg.Leg); ok {
		l.RemoteError(errors.New(msg.Error))
	}
}

func (d *Device) sendJSON(c *wsConn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("sendJSON marshal")
		return err
	}
	return c.TrySend(b)
}
