package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"

	"github.com/MrWong99/talkback/pkg/audio/ogg"
	"github.com/MrWong99/talkback/pkg/audio/opus"
)

// ErrUnsupportedFormat is returned for frames whose container is not
// recognised.
var ErrUnsupportedFormat = errors.New("playback: unsupported audio format")

// Container formats recognised by [Sniff].
const (
	FormatOgg = "ogg"
	FormatWAV = "wav"
	FormatMP3 = "mp3"
)

// Sniff identifies the container of an audio file from its leading bytes.
func Sniff(frame []byte) (string, error) {
	switch {
	case ogg.IsOgg(frame):
		return FormatOgg, nil
	case len(frame) >= 12 && bytes.Equal(frame[:4], []byte("RIFF")) && bytes.Equal(frame[8:12], []byte("WAVE")):
		return FormatWAV, nil
	case bytes.HasPrefix(frame, []byte("ID3")):
		return FormatMP3, nil
	case len(frame) >= 2 && frame[0] == 0xff && frame[1]&0xe0 == 0xe0:
		return FormatMP3, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// decode turns a complete audio file into a stream and its format.
func decode(format string, frame []byte) (beep.StreamCloser, beep.Format, error) {
	switch format {
	case FormatOgg:
		return decodeOggOpus(frame)
	case FormatWAV:
		s, f, err := wav.Decode(bytes.NewReader(frame))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("playback: decode wav: %w", err)
		}
		return s, f, nil
	case FormatMP3:
		s, f, err := mp3.Decode(io.NopCloser(bytes.NewReader(frame)))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("playback: decode mp3: %w", err)
		}
		return s, f, nil
	default:
		return nil, beep.Format{}, ErrUnsupportedFormat
	}
}

// decodeOggOpus decodes a whole Ogg Opus file up front. Clips are short, and
// decoding eagerly keeps the speaker goroutine free of codec work.
func decodeOggOpus(frame []byte) (beep.StreamCloser, beep.Format, error) {
	r, err := ogg.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("playback: decode ogg: %w", err)
	}
	h := r.Header()
	if h.Channels < 1 || h.Channels > 2 {
		return nil, beep.Format{}, fmt.Errorf("playback: decode ogg: %d channels", h.Channels)
	}
	dec, err := opus.NewDecoder(h.Channels)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("playback: decode ogg: %w", err)
	}

	var pcm []int16
	for {
		packet, err := r.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("playback: decode ogg: %w", err)
		}
		samples, err := dec.Decode(packet)
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("playback: decode opus: %w", err)
		}
		pcm = append(pcm, samples...)
	}

	skip := min(h.PreSkip*h.Channels, len(pcm))
	s := &pcmStreamer{pcm: pcm[skip:], channels: h.Channels}
	return s, beep.Format{SampleRate: opus.SampleRate, NumChannels: h.Channels, Precision: 2}, nil
}

// pcmStreamer plays interleaved int16 PCM held in memory.
type pcmStreamer struct {
	pcm      []int16
	channels int
	pos      int
}

func (p *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	if p.pos >= len(p.pcm) {
		return 0, false
	}
	n := 0
	for n < len(samples) && p.pos+p.channels <= len(p.pcm) {
		l := float64(p.pcm[p.pos]) / 32768
		r := l
		if p.channels == 2 {
			r = float64(p.pcm[p.pos+1]) / 32768
		}
		samples[n] = [2]float64{l, r}
		p.pos += p.channels
		n++
	}
	return n, n > 0
}

func (p *pcmStreamer) Err() error { return nil }

func (p *pcmStreamer) Close() error { return nil }
