package capture

import (
	"io"
	"os"
)

// OpenSink opens path for the remote party's μ-law audio. An empty path
// discards it.
func OpenSink(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{io.Discard}, nil
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
