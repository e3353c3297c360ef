package playback

import (
	"fmt"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

// Speaker is the system audio output. beep's speaker is process-global, so
// only one Speaker should exist at a time.
type Speaker struct {
	rate beep.SampleRate
}

var _ Output = (*Speaker)(nil)

// NewSpeaker opens the default output device at rate with the given buffer
// duration. Smaller buffers lower latency at the cost of underruns.
func NewSpeaker(rate int, buffer time.Duration) (*Speaker, error) {
	sr := beep.SampleRate(rate)
	if err := speaker.Init(sr, sr.N(buffer)); err != nil {
		return nil, fmt.Errorf("playback: open speaker: %w", err)
	}
	return &Speaker{rate: sr}, nil
}

// Play implements [Output]. The speaker mixes all playing streams.
func (s *Speaker) Play(st beep.Streamer) { speaker.Play(st) }

// SampleRate implements [Output].
func (s *Speaker) SampleRate() beep.SampleRate { return s.rate }

// Close implements [Output].
func (s *Speaker) Close() error {
	speaker.Clear()
	speaker.Close()
	return nil
}
