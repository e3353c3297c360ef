package capture_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/talkback/internal/capture"
	"github.com/MrWong99/talkback/pkg/audio"
	"github.com/MrWong99/talkback/pkg/audio/mock"
	"github.com/MrWong99/talkback/pkg/audio/ogg"
)

// countingEncoder emits a 2-byte packet per frame: a TOC byte and a sequence
// number, and remembers the last PCM frame it saw.
type countingEncoder struct {
	n    atomic.Int32
	mu   sync.Mutex
	last []byte
}

func (e *countingEncoder) FrameSamples() int { return 960 }
func (e *countingEncoder) FrameBytes() int   { return 1920 }

func (e *countingEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != e.FrameBytes() {
		return nil, fmt.Errorf("frame of %d bytes", len(pcm))
	}
	e.mu.Lock()
	e.last = append([]byte(nil), pcm...)
	e.mu.Unlock()
	return []byte{0xf8, byte(e.n.Add(1))}, nil
}

func factoryFor(enc capture.PacketEncoder) capture.EncoderFactory {
	return func(int, time.Duration) (capture.PacketEncoder, error) { return enc, nil }
}

// chunkSink collects chunks delivered by a recorder.
type chunkSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *chunkSink) add(c []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
}

func (s *chunkSink) joined() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.chunks, nil)
}

func (s *chunkSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func pcmFrame(samples int, rate int, value int16) audio.AudioFrame {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = value
	}
	return audio.AudioFrame{Data: audio.Int16sToBytes(pcm), SampleRate: rate, Channels: 1}
}

func readPackets(t *testing.T, data []byte) [][]byte {
	t.Helper()
	r, err := ogg.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.Header().Channels != 1 {
		t.Errorf("channels = %d, want 1", r.Header().Channels)
	}
	var packets [][]byte
	for {
		p, err := r.NextPacket()
		if errors.Is(err, io.EOF) {
			return packets
		}
		if err != nil {
			t.Fatalf("NextPacket: %v", err)
		}
		packets = append(packets, p)
	}
}

func TestMicRecorder_EncodesFramesIntoOggPages(t *testing.T) {
	t.Parallel()
	c := mock.NewCapture(audio.Format{SampleRate: 48000, Channels: 1})
	src := &mock.Source{OpenResult: c}
	enc := &countingEncoder{}
	rec := capture.NewMicRecorder(src, capture.WithEncoderFactory(factoryFor(enc)))

	sink := &chunkSink{}
	recording, err := rec.Record(context.Background(), sink.add)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if sink.len() != 2 {
		t.Errorf("header chunks = %d, want 2", sink.len())
	}

	// 2.5 frames: two full frames plus a half frame flushed on Finish.
	c.Push(pcmFrame(1200, 48000, 100))
	c.Push(pcmFrame(1200, 48000, 100))

	if err := recording.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !c.Closed() {
		t.Error("capture device not closed by Finish")
	}

	packets := readPackets(t, sink.joined())
	if len(packets) != 3 {
		t.Fatalf("packets = %d, want 3", len(packets))
	}
	for i, p := range packets {
		if p[1] != byte(i+1) {
			t.Errorf("packet %d has sequence %d", i, p[1])
		}
	}

	// The flushed half frame is padded with silence.
	enc.mu.Lock()
	last := audio.BytesToInt16s(enc.last)
	enc.mu.Unlock()
	if last[0] != 100 || last[len(last)-1] != 0 {
		t.Errorf("last frame starts %d ends %d, want 100 then silence", last[0], last[len(last)-1])
	}

	if sink.len() != 5 {
		t.Errorf("total chunks = %d, want 5", sink.len())
	}
	if err := recording.Finish(); err != nil {
		t.Errorf("second Finish: %v", err)
	}
}

func TestMicRecorder_ResamplesDeviceFormat(t *testing.T) {
	t.Parallel()
	c := mock.NewCapture(audio.Format{SampleRate: 24000, Channels: 1})
	src := &mock.Source{OpenResult: c}
	enc := &countingEncoder{}
	rec := capture.NewMicRecorder(src, capture.WithEncoderFactory(factoryFor(enc)))

	sink := &chunkSink{}
	recording, err := rec.Record(context.Background(), sink.add)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	// 40ms at 24 kHz becomes exactly two 20ms frames at 48 kHz.
	c.Push(pcmFrame(960, 24000, 5))
	if err := recording.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got := enc.n.Load(); got != 2 {
		t.Errorf("encoded frames = %d, want 2", got)
	}
}

func TestMicRecorder_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	src := &mock.Source{OpenError: fmt.Errorf("%w: no input device", audio.ErrDeviceUnavailable)}
	rec := capture.NewMicRecorder(src, capture.WithEncoderFactory(factoryFor(&countingEncoder{})))

	called := false
	_, err := rec.Record(context.Background(), func([]byte) { called = true })
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Record err = %v, want ErrDeviceUnavailable", err)
	}
	if called {
		t.Error("chunk delivered despite device failure")
	}
}

func TestPipeline_WithMicRecorderNeverOpensDeviceWhenClosed(t *testing.T) {
	t.Parallel()
	src := &mock.Source{OpenResult: mock.NewCapture(audio.Format{SampleRate: 48000, Channels: 1})}
	rec := capture.NewMicRecorder(src, capture.WithEncoderFactory(factoryFor(&countingEncoder{})))
	p := newPipeline(t, newFakeChannel(false), rec)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if src.Opens() != 0 {
		t.Errorf("device opened %d times, want 0", src.Opens())
	}
}

func TestPipeline_WithMicRecorderSendsPlayableRecording(t *testing.T) {
	t.Parallel()
	c := mock.NewCapture(audio.Format{SampleRate: 48000, Channels: 1})
	src := &mock.Source{OpenResult: c}
	rec := capture.NewMicRecorder(src, capture.WithEncoderFactory(factoryFor(&countingEncoder{})))
	ch := newFakeChannel(true)
	p := newPipeline(t, ch, rec)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 5 {
		c.Push(pcmFrame(960, 48000, 1))
	}
	o := await(t, p.Stop())
	if !o.Sent {
		t.Fatalf("outcome = %+v, want sent", o)
	}

	sent := ch.Sent()
	if len(sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(sent))
	}
	if !ogg.IsOgg(sent[0]) {
		t.Fatal("payload is not an Ogg stream")
	}
	if got := len(readPackets(t, sent[0])); got != 5 {
		t.Errorf("packets = %d, want 5", got)
	}
}
