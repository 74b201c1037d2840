// Package capture reads raw 8 kHz mono G.711 μ-law audio from a file or a
// named pipe and exposes it as the console's microphone.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/callconsole/internal/app/media"
	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/zaf/g711"
)

const (
	SampleRate    = 8000
	Channels      = 1
	FrameSize     = 160
	FrameDuration = 20 * time.Millisecond

	ulawSilence = 0xFF
)

// Device opens Path once at a time.
type Device struct {
	Path string
	// Loop restarts regular files at EOF; pipes always end the stream.
	Loop bool

	mu   sync.Mutex
	busy bool
}

func NewDevice(path string, loop bool) *Device {
	return &Device{Path: path, Loop: loop}
}

func (d *Device) Open(ctx context.Context, c domain.MediaConstraints) (core.CaptureStream, error) {
	if (c.SampleRate != 0 && c.SampleRate != SampleRate) || c.ChannelCount > Channels {
		return nil, fmt.Errorf("%w: %d Hz x%d, device is %d Hz mono",
			media.ErrUnsupportedFormat, c.SampleRate, c.ChannelCount, SampleRate)
	}

	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return nil, media.ErrBusy
	}
	d.busy = true
	d.mu.Unlock()

	f, err := os.Open(d.Path)
	if err != nil {
		d.free()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		d.free()
		return nil, err
	}

	s := newStream(f, d.Loop && info.Mode().IsRegular(), d.free)
	go s.run(ctx)
	log.Info().Str("module", "adapters.capture").Str("path", d.Path).Msg("capture opened")
	return s, nil
}

func (d *Device) free() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = false
}

type stream struct {
	src    io.ReadSeekCloser
	loop   bool
	frames chan []byte
	track  *track
	pcm    atomic.Pointer[[]int16]

	stop     chan struct{}
	stopOnce sync.Once
	onStop   func()
}

func newStream(src io.ReadSeekCloser, loop bool, onStop func()) *stream {
	s := &stream{
		src:    src,
		loop:   loop,
		frames: make(chan []byte, 8),
		stop:   make(chan struct{}),
		onStop: onStop,
	}
	s.track = &track{stream: s}
	s.track.enabled.Store(true)
	return s
}

func (s *stream) Tracks() []core.CaptureTrack { return []core.CaptureTrack{s.track} }
func (s *stream) Frames() <-chan []byte       { return s.frames }

func (s *stream) PCM() []int16 {
	p := s.pcm.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *stream) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.src.Close()
		if s.onStop != nil {
			s.onStop()
		}
		log.Info().Str("module", "adapters.capture").Msg("capture closed")
	})
}

// run paces one frame per tick until the source ends or the stream stops.
func (s *stream) run(ctx context.Context) {
	defer close(s.frames)
	defer s.close()

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}

		frame, err := s.next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Warn().Err(err).Str("module", "adapters.capture").Msg("capture read failed")
			}
			return
		}
		if !s.track.Enabled() {
			frame = silence()
		}
		s.pcm.Store(ptr(decode(frame)))

		select {
		case s.frames <- frame:
		default:
			// consumer is behind, drop the frame
		}
	}
}

func (s *stream) next() ([]byte, error) {
	frame := make([]byte, FrameSize)
	_, err := io.ReadFull(s.src, frame)
	if err == nil {
		return frame, nil
	}
	if s.loop && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		if _, serr := s.src.Seek(0, io.SeekStart); serr != nil {
			return nil, serr
		}
		if _, err = io.ReadFull(s.src, frame); err == nil {
			return frame, nil
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return nil, err
}

type track struct {
	stream  *stream
	enabled atomic.Bool
}

func (t *track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *track) Enabled() bool           { return t.enabled.Load() }
func (t *track) Stop()                   { t.stream.close() }

func silence() []byte {
	frame := make([]byte, FrameSize)
	for i := range frame {
		frame[i] = ulawSilence
	}
	return frame
}

// decode turns a μ-law frame into linear samples for level analysis.
func decode(frame []byte) []int16 {
	lpcm := g711.DecodeUlaw(frame)
	out := make([]int16, len(lpcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(lpcm[2*i:]))
	}
	return out
}

func ptr[T any](v T) *T { return &v }
