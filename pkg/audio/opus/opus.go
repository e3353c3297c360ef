// Package opus wraps the gopus bindings with the frame bookkeeping talkback
// needs: fixed-duration encoding of little-endian PCM and decoding of single
// Opus packets.
package opus

import (
	"errors"
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/talkback/pkg/audio"
)

const (
	// SampleRate is the rate Opus operates at internally and the rate talkback
	// encodes and decodes at.
	SampleRate = 48000

	// maxPacketBytes bounds the size of a single encoded packet.
	maxPacketBytes = 4000

	// maxFrameSamples is the longest Opus frame (120 ms at 48 kHz) per channel.
	maxFrameSamples = 5760
)

// ErrFrameSize is returned by [Encoder.Encode] when the PCM buffer does not
// hold exactly one frame.
var ErrFrameSize = errors.New("opus: pcm buffer is not exactly one frame")

var validFrameDurations = []time.Duration{
	2500 * time.Microsecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	40 * time.Millisecond,
	60 * time.Millisecond,
}

// ValidFrameDuration reports whether d is a frame duration Opus accepts.
func ValidFrameDuration(d time.Duration) bool {
	for _, v := range validFrameDurations {
		if d == v {
			return true
		}
	}
	return false
}

// Encoder turns fixed-size PCM frames into Opus packets.
// Not safe for concurrent use.
type Encoder struct {
	enc       *gopus.Encoder
	format    audio.Format
	frameSize int // samples per channel per frame
}

// NewEncoder creates a voice-tuned encoder for channels at 48 kHz. bitrate is
// in bits per second; zero keeps the codec default.
func NewEncoder(channels int, frameDuration time.Duration, bitrate int) (*Encoder, error) {
	if !ValidFrameDuration(frameDuration) {
		return nil, fmt.Errorf("opus: invalid frame duration %v", frameDuration)
	}
	enc, err := gopus.NewEncoder(SampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &Encoder{
		enc:       enc,
		format:    audio.Format{SampleRate: SampleRate, Channels: channels},
		frameSize: int(int64(SampleRate) * int64(frameDuration) / int64(time.Second)),
	}, nil
}

// Format returns the PCM format Encode expects.
func (e *Encoder) Format() audio.Format { return e.format }

// FrameSamples returns the number of samples per channel in one frame. This is
// also the granule advance of one packet in an Ogg stream.
func (e *Encoder) FrameSamples() int { return e.frameSize }

// FrameBytes returns the PCM byte length of one frame.
func (e *Encoder) FrameBytes() int { return e.frameSize * e.format.Channels * 2 }

// Encode encodes exactly one frame of interleaved little-endian PCM.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != e.FrameBytes() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(pcm), e.FrameBytes())
	}
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm), e.frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// Decoder turns Opus packets into interleaved int16 PCM at 48 kHz. Decoder
// state carries across packets, so use one Decoder per stream.
type Decoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewDecoder creates a decoder producing channels interleaved channels.
func NewDecoder(channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, channels: channels}, nil
}

// Channels returns the channel count of decoded PCM.
func (d *Decoder) Channels() int { return d.channels }

// Decode decodes one packet into interleaved samples.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, maxFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return pcm, nil
}
