package capture

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/callconsole/internal/app/media"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
)

func writeTone(t *testing.T, frames int) string {
	t.Helper()
	pcm := make([]byte, 0, frames*FrameSize*2)
	for i := 0; i < frames*FrameSize; i++ {
		v := int16(8000)
		if i%2 == 0 {
			v = -8000
		}
		pcm = append(pcm, byte(v), byte(uint16(v)>>8))
	}
	path := filepath.Join(t.TempDir(), "tone.ulaw")
	require.NoError(t, os.WriteFile(path, g711.EncodeUlaw(pcm), 0o600))
	return path
}

func nextFrame(t *testing.T, frames <-chan []byte) []byte {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "frames closed")
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame")
		return nil
	}
}

func TestOpenStreamsFramesAndLevels(t *testing.T) {
	d := NewDevice(writeTone(t, 5), false)
	s, err := d.Open(context.Background(), domain.DefaultMediaConstraints())
	require.NoError(t, err)
	defer s.Tracks()[0].Stop()

	f := nextFrame(t, s.Frames())
	assert.Len(t, f, FrameSize)
	require.NotEmpty(t, s.PCM())
	assert.Greater(t, absMax(s.PCM()), int16(4000))
}

func TestDisabledTrackSendsSilence(t *testing.T) {
	d := NewDevice(writeTone(t, 5), false)
	s, err := d.Open(context.Background(), domain.DefaultMediaConstraints())
	require.NoError(t, err)
	defer s.Tracks()[0].Stop()

	s.Tracks()[0].SetEnabled(false)
	f := nextFrame(t, s.Frames())
	assert.Equal(t, bytes.Repeat([]byte{ulawSilence}, FrameSize), f)
	assert.Less(t, absMax(s.PCM()), int16(100))
}

func TestStreamEndsAtEOFWithoutLoop(t *testing.T) {
	d := NewDevice(writeTone(t, 2), false)
	s, err := d.Open(context.Background(), domain.DefaultMediaConstraints())
	require.NoError(t, err)

	n := 0
	for range s.Frames() {
		n++
	}
	assert.Equal(t, 2, n)

	// the device is free again once the stream ends
	s2, err := d.Open(context.Background(), domain.DefaultMediaConstraints())
	require.NoError(t, err)
	s2.Tracks()[0].Stop()
}

func TestLoopRestartsRegularFile(t *testing.T) {
	d := NewDevice(writeTone(t, 1), true)
	s, err := d.Open(context.Background(), domain.DefaultMediaConstraints())
	require.NoError(t, err)
	defer s.Tracks()[0].Stop()

	for i := 0; i < 3; i++ {
		nextFrame(t, s.Frames())
	}
}

func TestSecondOpenIsBusy(t *testing.T) {
	d := NewDevice(writeTone(t, 50), false)
	s, err := d.Open(context.Background(), domain.DefaultMediaConstraints())
	require.NoError(t, err)

	_, err = d.Open(context.Background(), domain.DefaultMediaConstraints())
	assert.ErrorIs(t, err, media.ErrBusy)

	s.Tracks()[0].Stop()
	s.Tracks()[0].Stop()
	s2, err := d.Open(context.Background(), domain.DefaultMediaConstraints())
	require.NoError(t, err)
	s2.Tracks()[0].Stop()
}

func TestOpenErrors(t *testing.T) {
	wideband := domain.DefaultMediaConstraints()
	wideband.SampleRate = 48000
	stereo := domain.DefaultMediaConstraints()
	stereo.ChannelCount = 2

	cases := []struct {
		name string
		path string
		c    domain.MediaConstraints
		want error
	}{
		{"missing file", filepath.Join(t.TempDir(), "nope"), domain.DefaultMediaConstraints(), os.ErrNotExist},
		{"wideband", writeTone(t, 1), wideband, media.ErrUnsupportedFormat},
		{"stereo", writeTone(t, 1), stereo, media.ErrUnsupportedFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDevice(tc.path, false).Open(context.Background(), tc.c)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestOpenWithoutPermission(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file modes")
	}
	path := writeTone(t, 1)
	require.NoError(t, os.Chmod(path, 0))

	_, err := NewDevice(path, false).Open(context.Background(), domain.DefaultMediaConstraints())
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestOpenSinkDiscardsWithoutPath(t *testing.T) {
	w, err := OpenSink("")
	require.NoError(t, err)
	n, err := w.Write([]byte{1, 2, 3})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, w.Close())
}

func absMax(pcm []int16) int16 {
	var m int16
	for _, s := range pcm {
		if s < 0 {
			s = -s
		}
		m = max(m, s)
	}
	return m
}
