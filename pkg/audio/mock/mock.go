// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Capture] for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can assert
// on them, and expose fields that control return values.
//
// Typical usage:
//
//	capture := mock.NewCapture(audio.Format{SampleRate: 48000, Channels: 1})
//	src := &mock.Source{OpenResult: capture}
//	capture.Push(audio.AudioFrame{Data: pcm, SampleRate: 48000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/talkback/pkg/audio"
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a mock [audio.Capture]. Tests feed frames with [Capture.Push];
// [Capture.Close] closes the frame channel like a real device would.
type Capture struct {
	mu     sync.Mutex
	format audio.Format
	frames chan audio.AudioFrame
	closed bool

	// CloseError is returned by the first Close call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCapture returns an open mock capture delivering frames in format f.
func NewCapture(f audio.Format) *Capture {
	return &Capture{format: f, frames: make(chan audio.AudioFrame, 64)}
}

// Push delivers frame to the consumer. Frames pushed after Close are dropped.
func (c *Capture) Push(frame audio.AudioFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.frames <- frame
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.AudioFrame { return c.frames }

// Format implements [audio.Capture].
func (c *Capture) Format() audio.Format { return c.format }

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.frames)
	return c.CloseError
}

// Closed reports whether Close has been called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenResult is returned by Open.
	OpenResult audio.Capture

	// OpenError is returned by Open. Wrap [audio.ErrDeviceUnavailable] to
	// simulate a permission failure.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (audio.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	return s.OpenResult, nil
}

// Opens returns the number of Open calls so far.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountOpen
}
