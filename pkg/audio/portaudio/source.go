// Package portaudio provides an [audio.Source] backed by the system
// microphone through PortAudio.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/talkback/pkg/audio"
)

const (
	defaultSampleRate = 48000
	defaultChannels   = 1
	defaultBuffer     = 20 * time.Millisecond
)

// Option configures a [Source].
type Option func(*Source)

// WithDevice selects the first input device whose name contains name
// (case-insensitive). The default input device is used when empty.
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// WithFormat sets the requested capture format. Devices may not honour it;
// the reported [audio.Capture.Format] is what they actually deliver.
func WithFormat(f audio.Format) Option {
	return func(s *Source) { s.format = f }
}

// WithBuffer sets the duration of each delivered frame.
func WithBuffer(d time.Duration) Option {
	return func(s *Source) { s.buffer = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// Source opens the microphone on demand. Each Open initialises PortAudio and
// the matching Close terminates it, so a Source holds no resources while idle.
type Source struct {
	device string
	format audio.Format
	buffer time.Duration
	log    *slog.Logger
}

var _ audio.Source = (*Source)(nil)

// New creates a microphone source.
func New(opts ...Option) *Source {
	s := &Source{
		format: audio.Format{SampleRate: defaultSampleRate, Channels: defaultChannels},
		buffer: defaultBuffer,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open acquires the input device and starts streaming. Every failure wraps
// [audio.ErrDeviceUnavailable].
func (s *Source) Open(ctx context.Context) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialise portaudio: %w", audio.ErrDeviceUnavailable, err)
	}

	framesPerBuffer := int(int64(s.format.SampleRate) * int64(s.buffer) / int64(time.Second))
	buf := make([]int16, framesPerBuffer*s.format.Channels)

	stream, err := s.openStream(framesPerBuffer, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %w", audio.ErrDeviceUnavailable, err)
	}

	c := &capture{
		stream: stream,
		buf:    buf,
		format: s.format,
		frames: make(chan audio.AudioFrame, 32),
		done:   make(chan struct{}),
		log:    s.log,
	}
	c.wg.Add(1)
	go c.readLoop()

	s.log.Info("portaudio: capture started",
		"device", s.deviceLabel(),
		"sample_rate", s.format.SampleRate,
		"channels", s.format.Channels,
	)
	return c, nil
}

func (s *Source) openStream(framesPerBuffer int, buf []int16) (*portaudio.Stream, error) {
	if s.device == "" {
		return portaudio.OpenDefaultStream(s.format.Channels, 0, float64(s.format.SampleRate), framesPerBuffer, buf)
	}
	dev, err := findInputDevice(s.device)
	if err != nil {
		return nil, err
	}
	p := portaudio.LowLatencyParameters(dev, nil)
	p.Input.Channels = s.format.Channels
	p.SampleRate = float64(s.format.SampleRate)
	p.FramesPerBuffer = framesPerBuffer
	return portaudio.OpenStream(p, buf)
}

func (s *Source) deviceLabel() string {
	if s.device == "" {
		return "default"
	}
	return s.device
}

// Device describes one capture-capable device.
type Device struct {
	Name       string
	HostAPI    string
	Channels   int
	SampleRate int
	Default    bool
}

// InputDevices lists every device with at least one input channel. Any
// [Device.Name] substring is accepted by [WithDevice].
func InputDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %w", audio.ErrDeviceUnavailable, err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var def string
	if d, err := portaudio.DefaultInputDevice(); err == nil {
		def = d.Name
	}

	var out []Device
	for _, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		dev := Device{
			Name:       d.Name,
			Channels:   d.MaxInputChannels,
			SampleRate: int(d.DefaultSampleRate),
			Default:    d.Name == def,
		}
		if d.HostApi != nil {
			dev.HostAPI = d.HostApi.Name
		}
		out = append(out, dev)
	}
	return out, nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(name)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no input device matching %q", name)
}

// inputStream is the part of [portaudio.Stream] a capture drives. Read fills
// the buffer the stream was opened with.
type inputStream interface {
	Read() error
	Stop() error
	Close() error
}

// capture is a running PortAudio input stream.
type capture struct {
	stream inputStream
	buf    []int16
	format audio.Format
	frames chan audio.AudioFrame
	log    *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func (c *capture) Frames() <-chan audio.AudioFrame { return c.frames }

func (c *capture) Format() audio.Format { return c.format }

func (c *capture) readLoop() {
	defer c.wg.Done()
	defer close(c.frames)

	start := time.Now()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		if err := c.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				c.log.Debug("portaudio: input overflowed")
				continue
			}
			c.log.Error("portaudio: read failed", "err", err)
			return
		}
		frame := audio.AudioFrame{
			Data:       audio.Int16sToBytes(c.buf),
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			Timestamp:  time.Since(start),
		}
		// A buffer already read is always delivered, so the tail of the
		// recording survives Close. The consumer drains until the channel
		// closes.
		c.frames <- frame
	}
}

// Close stops the stream and releases the device. The frame channel is
// closed once the read loop exits; the consumer must keep receiving until
// then, because the last buffer read is still delivered.
func (c *capture) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.closeErr = errors.Join(c.stream.Stop(), c.stream.Close(), portaudio.Terminate())
	})
	return c.closeErr
}
