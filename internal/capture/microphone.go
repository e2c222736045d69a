package capture

import (
	"context"
	"errors"
	"io"
)

// ErrNoMicrophone is returned when no recorder can be acquired.
var ErrNoMicrophone = errors.New("no microphone available")

// Microphone acquires audio captures.
type Microphone interface {
	// Supports reports whether captures can be produced in mime.
	Supports(mime string) bool
	// Open starts capturing encoded audio in mime.
	Open(ctx context.Context, mime string) (Capture, error)
}

// Capture is a live recording. Read yields encoded bytes as they are
// produced. After Stop, Read drains the remaining data and returns io.EOF.
// Close releases the device and must be safe to call more than once.
type Capture interface {
	io.Reader
	Stop() error
	Close() error
}
