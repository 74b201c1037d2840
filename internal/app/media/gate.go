// Package media owns the microphone: it hands out capture handles and
// turns platform failures into media errors a UI can explain.
package media

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Platform errors a capture device may return besides os.ErrPermission and os.ErrNotExist.
var (
	ErrBusy              = errors.New("capture device busy")
	ErrUnsupportedFormat = errors.New("capture format not supported")
)

// Handle is a live microphone capture owned by one call session.
type Handle struct {
	id      string
	stream  core.CaptureStream
	muted   atomic.Bool
	active  atomic.Bool
	release sync.Once
}

func (h *Handle) ID() string { return h.id }

// Source returns the audio frames to attach to a leg.
func (h *Handle) Source() core.AudioSource { return h.stream }

func (h *Handle) Active() bool { return h != nil && h.active.Load() }

func (h *Handle) Muted() bool { return h != nil && h.muted.Load() }

type Gate struct {
	device core.CaptureDevice
}

func NewGate(device core.CaptureDevice) *Gate {
	return &Gate{device: device}
}

// Acquire opens the capture device. Failures come back as *domain.MediaError.
func (g *Gate) Acquire(ctx context.Context, c domain.MediaConstraints) (*Handle, error) {
	stream, err := g.device.Open(ctx, c)
	if err != nil {
		kind := classify(err)
		log.Warn().Str("module", "app.media").Err(err).Str("kind", string(kind)).Msg("capture refused")
		return nil, &domain.MediaError{Kind: kind, Err: err}
	}
	h := &Handle{id: uuid.NewString(), stream: stream}
	h.active.Store(true)
	log.Debug().Str("module", "app.media").Str("handle", h.id).Int("tracks", len(stream.Tracks())).Msg("capture acquired")
	return h, nil
}

func classify(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, os.ErrPermission):
		return domain.PermissionDenied
	case errors.Is(err, os.ErrNotExist):
		return domain.DeviceNotFound
	case errors.Is(err, ErrUnsupportedFormat):
		return domain.ConstraintsUnsatisfiable
	case errors.Is(err, ErrBusy), errors.Is(err, syscall.EBUSY):
		return domain.DeviceBusy
	default:
		// unknown platform failures surface as a busy device
		return domain.DeviceBusy
	}
}

// Release stops every track of h. Safe on nil and on repeated calls.
func (g *Gate) Release(h *Handle) {
	if h == nil {
		return
	}
	h.release.Do(func() {
		h.active.Store(false)
		for _, t := range h.stream.Tracks() {
			t.Stop()
		}
		log.Debug().Str("module", "app.media").Str("handle", h.id).Msg("capture released")
	})
}

// SetMuted disables or re-enables every track without releasing the capture.
func (g *Gate) SetMuted(h *Handle, muted bool) error {
	if !h.Active() {
		return domain.ErrNoActiveCall
	}
	for _, t := range h.stream.Tracks() {
		t.SetEnabled(!muted)
	}
	h.muted.Store(muted)
	return nil
}

// SampleLevel returns the input level in 0..100.
// It never fails: an inactive or muted handle, or a broken frame, reads as 0.
func (g *Gate) SampleLevel(h *Handle) (level int) {
	if !h.Active() || h.Muted() {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Str("module", "app.media").Interface("panic", r).Msg("level analysis failed")
			level = 0
		}
	}()
	return rmsLevel(h.stream.PCM())
}

func rmsLevel(pcm []int16) int {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	level := int(math.Round(rms * 100))
	return min(max(level, 0), 100)
}
