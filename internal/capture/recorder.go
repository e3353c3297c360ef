package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/talkback/pkg/audio"
	"github.com/MrWong99/talkback/pkg/audio/ogg"
	"github.com/MrWong99/talkback/pkg/audio/opus"
)

// Recorder acquires the microphone and turns its audio into encoded chunks.
type Recorder interface {
	// Record acquires the capture device and starts delivering encoded chunks
	// to onChunk, one call at a time, in encoding order. onChunk owns each
	// slice it receives. Acquisition may block (e.g. on a permission prompt);
	// failures wrap [audio.ErrDeviceUnavailable].
	Record(ctx context.Context, onChunk func([]byte)) (Recording, error)
}

// Recording is an in-progress capture started by a [Recorder].
type Recording interface {
	// Finish releases the device, flushes the encoder and returns once the
	// final chunk has been delivered. No chunk is delivered after Finish
	// returns. Finish is idempotent.
	Finish() error
}

// PacketEncoder compresses one fixed-size PCM frame into one packet.
// [opus.Encoder] is the production implementation.
type PacketEncoder interface {
	FrameSamples() int
	FrameBytes() int
	Encode(pcm []byte) ([]byte, error)
}

// EncoderFactory builds a [PacketEncoder] for 48 kHz PCM with the given
// channel count and frame duration.
type EncoderFactory func(channels int, frameDuration time.Duration) (PacketEncoder, error)

// RecorderOption configures a [MicRecorder].
type RecorderOption func(*MicRecorder)

// WithFrameDuration sets the Opus frame duration. Default: 20ms.
func WithFrameDuration(d time.Duration) RecorderOption {
	return func(m *MicRecorder) { m.frameDuration = d }
}

// WithBitrate sets the Opus target bitrate in bits per second. Default: 32000.
func WithBitrate(bps int) RecorderOption {
	return func(m *MicRecorder) { m.bitrate = bps }
}

// WithEncoderFactory replaces the Opus encoder, mainly for tests.
func WithEncoderFactory(f EncoderFactory) RecorderOption {
	return func(m *MicRecorder) { m.newEncoder = f }
}

// WithRecorderLogger sets the logger. Defaults to slog.Default().
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(m *MicRecorder) { m.log = l }
}

// MicRecorder records mono Ogg Opus from an [audio.Source]. Every Ogg page is
// emitted as one chunk, so concatenating a recording's chunks in order yields
// a complete, playable file.
type MicRecorder struct {
	src           audio.Source
	frameDuration time.Duration
	bitrate       int
	newEncoder    EncoderFactory
	log           *slog.Logger
}

var _ Recorder = (*MicRecorder)(nil)

// NewMicRecorder creates a recorder reading from src.
func NewMicRecorder(src audio.Source, opts ...RecorderOption) *MicRecorder {
	m := &MicRecorder{
		src:           src,
		frameDuration: 20 * time.Millisecond,
		bitrate:       32000,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.newEncoder == nil {
		bitrate := m.bitrate
		m.newEncoder = func(channels int, d time.Duration) (PacketEncoder, error) {
			return opus.NewEncoder(channels, d, bitrate)
		}
	}
	return m
}

// Record implements [Recorder].
func (m *MicRecorder) Record(ctx context.Context, onChunk func([]byte)) (Recording, error) {
	enc, err := m.newEncoder(1, m.frameDuration)
	if err != nil {
		return nil, fmt.Errorf("capture: create encoder: %w", err)
	}

	c, err := m.src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: open microphone: %w", err)
	}

	w, err := ogg.NewWriter(chunkWriter(onChunk), 1)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("capture: start stream: %w", err)
	}

	r := &micRecording{
		capture: c,
		enc:     enc,
		writer:  w,
		conv: &audio.FormatConverter{
			Target: audio.Format{SampleRate: opus.SampleRate, Channels: 1},
			Logger: m.log,
		},
		log:  m.log,
		done: make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// chunkWriter forwards every Write as one chunk.
type chunkWriter func([]byte)

func (f chunkWriter) Write(p []byte) (int, error) {
	f(append([]byte(nil), p...))
	return len(p), nil
}

// micRecording is one live encoder run.
type micRecording struct {
	capture audio.Capture
	enc     PacketEncoder
	writer  *ogg.Writer
	conv    *audio.FormatConverter
	log     *slog.Logger

	done   chan struct{}
	runErr error

	finishOnce sync.Once
	finishErr  error
}

// run consumes PCM until the capture closes its frame channel, then flushes
// the trailing partial frame padded with silence.
func (r *micRecording) run() {
	defer close(r.done)

	frameBytes := r.enc.FrameBytes()
	var pending []byte

	for frame := range r.capture.Frames() {
		frame = r.conv.Convert(frame)
		if len(frame.Data) == 0 {
			continue
		}
		pending = append(pending, frame.Data...)

		for len(pending) >= frameBytes {
			if err := r.encode(pending[:frameBytes]); err != nil {
				r.runErr = err
				r.log.Error("capture: encoder failed, discarding remaining audio", "err", err)
				audio.Drain(r.capture.Frames())
				return
			}
			pending = append(pending[:0], pending[frameBytes:]...)
		}
	}

	if len(pending) > 0 {
		last := make([]byte, frameBytes)
		copy(last, pending)
		if err := r.encode(last); err != nil {
			r.runErr = err
		}
	}
}

func (r *micRecording) encode(pcm []byte) error {
	packet, err := r.enc.Encode(pcm)
	if err != nil {
		return fmt.Errorf("capture: encode: %w", err)
	}
	return r.writer.WritePacket(packet, r.enc.FrameSamples())
}

// Finish implements [Recording].
func (r *micRecording) Finish() error {
	r.finishOnce.Do(func() {
		closeErr := r.capture.Close()
		<-r.done
		r.finishErr = errors.Join(closeErr, r.runErr, r.writer.Close())
	})
	return r.finishErr
}
