package core

import (
	"context"

	"github.com/dkeye/callconsole/internal/domain"
)

// CaptureDevice opens the local audio input.
// Open returns platform errors (os.ErrPermission, os.ErrNotExist, ...);
// the media gate maps them onto the domain taxonomy.
type CaptureDevice interface {
	Open(ctx context.Context, c domain.MediaConstraints) (CaptureStream, error)
}

// CaptureTrack is one audio track of a capture stream.
type CaptureTrack interface {
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the track; further calls are no-ops.
	Stop()
}

// CaptureStream is a live capture owned by exactly one media handle.
type CaptureStream interface {
	Tracks() []CaptureTrack
	// PCM returns the most recent decoded frame, nil before the first frame.
	PCM() []int16
	AudioSource
}

// AudioSource feeds encoded 20ms frames to a leg.
type AudioSource interface {
	// Frames is closed when the source stops.
	Frames() <-chan []byte
}
