// Package audio defines the capture-side device abstractions and PCM helpers
// used by talkback.
//
// The two primary abstractions are:
//
//   - [Source]: a capture device (usually the default microphone). Opening it
//     may block while the operating system asks the user for permission.
//   - [Capture]: an open device handle delivering [AudioFrame] values until it
//     is closed.
//
// Device-specific implementations live in sub-packages (e.g. audio/portaudio).
// The mock sub-package provides in-memory doubles for tests.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is wrapped by [Source.Open] implementations when the
// device cannot be acquired: permission denied, no input device, device busy.
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// Capture is an open capture device.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Frames returns the channel on which captured PCM arrives in capture
	// order. The channel is closed once the device has been closed and the
	// last buffered frame was delivered.
	Frames() <-chan AudioFrame

	// Format reports the PCM format of the frames delivered on Frames.
	Format() Format

	// Close stops capturing and releases the device. It is safe to call Close
	// more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Source is the entry point for a capture device.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open acquires the device and starts capturing. It blocks until the
	// device is ready or acquisition fails; failures wrap
	// [ErrDeviceUnavailable]. ctx bounds the acquisition only.
	Open(ctx context.Context) (Capture, error)
}
