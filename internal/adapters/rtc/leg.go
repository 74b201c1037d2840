package rtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

var errLegEnded = errors.New("leg already ended")

// Signaler carries a leg's answer and teardown back to the backend.
type Signaler interface {
	Answer(legID, sdp string) error
	Reject(legID string)
	Hangup(legID string)
}

type Config struct {
	WebRTC webrtc.Configuration
	// Playback receives the remote party's μ-law audio; nil discards it.
	Playback io.Writer
}

func DefaultConfig() Config {
	return Config{
		WebRTC: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{
					URLs: []string{"stun:stun.l.google.com:19302"},
				},
			},
		},
	}
}

// Leg answers a backend SDP offer with a PCMU sample track.
type Leg struct {
	id    string
	from  string
	offer string
	cfg   Config
	sig   Signaler
	log   zerolog.Logger

	pc        *webrtc.PeerConnection
	track     *webrtc.TrackLocalStaticSample
	connected chan struct{}
	failed    chan error

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	onDisconnect func()
	onError      func(error)
	closing      bool
	// ended is set once the remote side ended the leg; endErr is nil for a hangup.
	ended    bool
	endErr   error
	connOnce sync.Once
	endOnce  sync.Once
}

func NewLeg(cfg Config, id, from, offer string, sig Signaler) *Leg {
	ctx, cancel := context.WithCancel(context.Background())
	return &Leg{
		id:        id,
		from:      from,
		offer:     offer,
		cfg:       cfg,
		sig:       sig,
		log:       log.With().Str("module", "adapters.rtc").Str("leg", id).Logger(),
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (l *Leg) ID() string   { return l.id }
func (l *Leg) From() string { return l.from }

// Accept answers the offer and waits for the peer connection to come up.
func (l *Leg) Accept(ctx context.Context) error {
	l.mu.Lock()
	closing := l.closing
	l.mu.Unlock()
	if closing {
		return &domain.SignalingError{Kind: domain.LegDropped, Err: errLegEnded}
	}
	if err := l.start(); err != nil {
		l.Disconnect()
		return &domain.SignalingError{Kind: domain.LegDropped, Err: err}
	}

	answer, err := l.answer(ctx)
	if err != nil {
		l.Disconnect()
		return err
	}
	if err := l.sig.Answer(l.id, answer); err != nil {
		l.Disconnect()
		return &domain.SignalingError{Kind: domain.LegDropped, Err: err}
	}

	select {
	case <-l.connected:
		return nil
	case err := <-l.failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Leg) start() error {
	pc, err := webrtc.NewPeerConnection(l.cfg.WebRTC)
	if err != nil {
		return err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		"audio", "callconsole",
	)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return err
	}

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		_ = pc.Close()
		return errLegEnded
	}
	l.pc, l.track = pc, track
	l.mu.Unlock()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.log.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.connOnce.Do(func() { close(l.connected) })
		case webrtc.PeerConnectionStateFailed:
			l.RemoteError(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			l.RemoteHangup()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		go newPlayout(track, l.cfg.Playback).loop(l.ctx, &l.log)
	})
	return nil
}

func (l *Leg) answer(ctx context.Context) (string, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: l.offer}); err != nil {
		return "", &domain.SignalingError{Kind: domain.LegDropped, Err: err}
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", &domain.SignalingError{Kind: domain.LegDropped, Err: err}
	}

	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", &domain.SignalingError{Kind: domain.LegDropped, Err: err}
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return l.pc.LocalDescription().SDP, nil
}

func (l *Leg) Reject() {
	l.log.Info().Msg("rejecting leg")
	l.sig.Reject(l.id)
	l.close()
}

// Attach streams src to the remote party until the leg ends or src closes.
func (l *Leg) Attach(src core.AudioSource) error {
	l.mu.Lock()
	track := l.track
	l.mu.Unlock()
	if track == nil {
		return &domain.SignalingError{Kind: domain.LegDropped, Err: errors.New("leg not accepted")}
	}

	go func() {
		frames := src.Frames()
		for {
			select {
			case <-l.ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
					l.log.Error().Err(err).Msg("write sample, stopping send")
					return
				}
			}
		}
	}()
	return nil
}

// Disconnect hangs up from our side. The disconnect callback is not invoked.
func (l *Leg) Disconnect() {
	l.mu.Lock()
	already := l.closing
	l.closing = true
	l.mu.Unlock()
	if already {
		return
	}
	l.sig.Hangup(l.id)
	l.close()
}

func (l *Leg) close() {
	l.mu.Lock()
	l.closing = true
	pc := l.pc
	l.mu.Unlock()

	l.cancel()
	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		l.log.Error().Err(err).Msg("close error")
	} else {
		l.log.Info().Msg("closed")
	}
}

// OnDisconnect registers fn for a remote hangup. A leg the remote side
// already hung up calls fn right away.
func (l *Leg) OnDisconnect(fn func()) {
	l.mu.Lock()
	l.onDisconnect = fn
	late := l.ended && l.endErr == nil
	l.mu.Unlock()
	if late && fn != nil {
		fn()
	}
}

// OnError registers fn for a leg failure, calling it right away if the leg already failed.
func (l *Leg) OnError(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	err := l.endErr
	late := l.ended && err != nil
	l.mu.Unlock()
	if late && fn != nil {
		fn(err)
	}
}

// RemoteHangup ends the leg on behalf of the backend.
func (l *Leg) RemoteHangup() {
	l.endOnce.Do(func() {
		l.mu.Lock()
		local := l.closing
		if !local {
			l.ended, l.closing = true, true
		}
		fn := l.onDisconnect
		l.mu.Unlock()
		if local {
			return
		}
		l.log.Info().Msg("remote hangup")
		if fn != nil {
			fn()
		}
		go l.close()
	})
}

// RemoteError fails the leg.
func (l *Leg) RemoteError(err error) {
	l.endOnce.Do(func() {
		serr := &domain.SignalingError{Kind: domain.LegDropped, Err: err}
		l.mu.Lock()
		local := l.closing
		if !local {
			l.ended, l.endErr, l.closing = true, serr, true
		}
		fn := l.onError
		l.mu.Unlock()
		if local {
			return
		}
		l.log.Warn().Err(err).Msg("leg failed")
		select {
		case l.failed <- serr:
		default:
		}
		if fn != nil {
			fn(serr)
		}
		go l.close()
	})
}
