package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter adapts captured frames to the format an encoder expects.
// Microphones frequently ignore the requested rate or channel layout, so the
// capture path runs every frame through one of these.
//
// A converter keeps per-stream warning state; create one per capture and do
// not share it between goroutines.
type FormatConverter struct {
	Target Format

	// Logger receives the one-shot mismatch and corruption warnings.
	// Defaults to slog.Default().
	Logger *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Convert returns frame in the target format. Frames already in the target
// format are returned as-is. Frames whose byte length is not sample aligned
// come back with nil Data and should be dropped by the caller.
//
// Channel reduction happens before resampling and channel expansion after it,
// so the resampler always works on the narrower layout.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.Channels <= 0 || len(frame.Data)%(2*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			c.logger().Warn("audio: misaligned pcm frame dropped",
				"bytes", len(frame.Data),
				"channels", frame.Channels,
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		c.logger().Info("audio: converting capture format",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data
	channels := frame.Channels

	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}

	if frame.SampleRate != c.Target.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			left, right := splitStereo(pcm)
			left = ResampleMono16(left, frame.SampleRate, c.Target.SampleRate)
			right = ResampleMono16(right, frame.SampleRate, c.Target.SampleRate)
			pcm = joinStereo(left, right)
		}
	}

	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		channels = 2
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := clamp16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 converts mono int16 PCM from srcRate to dstRate with linear
// interpolation. Invalid rates and equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := BytesToInt16s(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	dst := make([]int16, n)
	step := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(src[idx])
		s1 := s0
		if idx+1 < len(src) {
			s1 = float64(src[idx+1])
		}
		dst[i] = int16(s0 + (s1-s0)*frac)
	}
	return Int16sToBytes(dst)
}

func splitStereo(pcm []byte) (left, right []byte) {
	frames := len(pcm) / 4
	left = make([]byte, frames*2)
	right = make([]byte, frames*2)
	for i := range frames {
		copy(left[i*2:i*2+2], pcm[i*4:i*4+2])
		copy(right[i*2:i*2+2], pcm[i*4+2:i*4+4])
	}
	return left, right
}

func joinStereo(left, right []byte) []byte {
	frames := min(len(left), len(right)) / 2
	out := make([]byte, frames*4)
	for i := range frames {
		copy(out[i*4:i*4+2], left[i*2:i*2+2])
		copy(out[i*4+2:i*4+4], right[i*2:i*2+2])
	}
	return out
}

func clamp16(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// formatString renders a format for logs, e.g. "48000Hz mono".
func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
