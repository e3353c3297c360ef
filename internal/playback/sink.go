// Package playback renders audio clips received from the server.
//
// Every inbound frame is a complete audio file. [Sink.Render] decodes it and
// starts playing it immediately; clips that arrive while another one is still
// playing are mixed on top of it rather than queued.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/faiface/beep"

	"github.com/MrWong99/talkback/internal/observe"
)

// resampleQuality is the beep resampler quality; 4 is beep's recommended
// default for real-time use.
const resampleQuality = 4

// Output is an audio device that plays streamers.
type Output interface {
	// Play starts s without blocking. Streams passed to concurrent or
	// successive Play calls are mixed.
	Play(s beep.Streamer)

	// SampleRate is the rate Play expects streams at.
	SampleRate() beep.SampleRate

	// Close stops all playback and releases the device.
	Close() error
}

// Option configures a [Sink].
type Option func(*Sink)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.log = l }
}

// Sink decodes inbound frames and plays them on an [Output].
// Render is safe for concurrent use.
type Sink struct {
	out     Output
	metrics *observe.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	active map[*clip]struct{}
	wg     sync.WaitGroup
}

// clip is one playing frame. release runs once, either when the clip ends or
// when the sink closes while it is still queued.
type clip struct {
	stream beep.StreamCloser
	once   sync.Once
}

// NewSink creates a sink playing on out.
func NewSink(out Output, opts ...Option) *Sink {
	s := &Sink{out: out, log: slog.Default(), active: make(map[*clip]struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Render decodes frame and starts playing it. It returns as soon as playback
// has started. An undecodable frame returns an error and leaves the sink
// ready for the next frame.
func (s *Sink) Render(frame []byte) error {
	ctx, span := observe.StartSpan(context.Background(), "playback.render")
	defer span.End()

	format, err := Sniff(frame)
	if err != nil {
		s.metrics.RecordPlaybackError(ctx, "decode")
		return observe.Fail(span, fmt.Errorf("playback: %d byte frame: %w", len(frame), err))
	}
	observe.AnnotateClip(span, format, len(frame))
	stream, f, err := decode(format, frame)
	if err != nil {
		s.metrics.RecordPlaybackError(ctx, "decode")
		return observe.Fail(span, err)
	}

	var streamer beep.Streamer = stream
	if target := s.out.SampleRate(); f.SampleRate != target {
		streamer = beep.Resample(resampleQuality, f.SampleRate, target, stream)
	}

	c := &clip{stream: stream}
	s.mu.Lock()
	s.active[c] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
	s.metrics.ActivePlaybacks.Add(ctx, 1)

	s.out.Play(beep.Seq(streamer, beep.Callback(func() { s.release(c) })))
	s.metrics.RecordPlayback(ctx, format)

	observe.Logger(ctx).Debug("playback: clip started",
		"format", format,
		"bytes", len(frame),
		"sample_rate", int(f.SampleRate),
		"duration", f.SampleRate.D(streamLen(stream)),
	)
	return nil
}

// Handle renders frame and logs any failure. It matches the transport's
// message callback.
func (s *Sink) Handle(frame []byte) {
	if err := s.Render(frame); err != nil {
		s.log.Warn("playback: dropping inbound frame", "err", err)
	}
}

// release closes the decoder of c and drops it from the active set.
func (s *Sink) release(c *clip) {
	c.once.Do(func() {
		if err := c.stream.Close(); err != nil {
			s.log.Debug("playback: closing decoder", "err", err)
		}
		s.mu.Lock()
		delete(s.active, c)
		s.mu.Unlock()
		s.metrics.ActivePlaybacks.Add(context.Background(), -1)
		s.wg.Done()
	})
}

// Close releases the output. Clips still playing are cut off and their
// decoders closed, since the output never finishes them.
func (s *Sink) Close() error {
	err := s.out.Close()

	s.mu.Lock()
	pending := make([]*clip, 0, len(s.active))
	for c := range s.active {
		pending = append(pending, c)
	}
	s.mu.Unlock()
	for _, c := range pending {
		s.release(c)
	}
	return err
}

// Wait blocks until every started clip has finished playing or been cut off
// by Close.
func (s *Sink) Wait() { s.wg.Wait() }

// streamLen returns the length in samples of streams that know it.
func streamLen(s beep.Streamer) int {
	switch v := s.(type) {
	case beep.StreamSeeker:
		return v.Len()
	case *pcmStreamer:
		return len(v.pcm) / v.channels
	default:
		return 0
	}
}
