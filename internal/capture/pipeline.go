// Package capture implements push-to-talk recording: it turns microphone audio
// into encoded chunks while a session is active and, when the session stops,
// sends the assembled recording over the transport channel exactly once.
//
// A [Pipeline] moves through Idle → Starting → Recording → Finalizing → Idle.
// Starting while not Idle and stopping while not Recording are no-ops, so a
// burst of start/stop requests can never produce overlapping sessions or
// duplicate sends. Each session's chunks live on that session's own object,
// which the chunk callback is bound to; a late chunk from a finished session
// can never leak into the next one.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/talkback/internal/observe"
	"github.com/MrWong99/talkback/pkg/audio/ogg"
)

// MediaType is the media type of every payload the pipeline sends.
const MediaType = ogg.MediaType

const defaultSendTimeout = 30 * time.Second

// ErrNotOpen is reported in an [Outcome] when the channel was not Open once
// the recording was finalized. The payload is discarded, not queued.
var ErrNotOpen = errors.New("capture: channel not open, recording discarded")

// Channel is the subset of the transport the pipeline needs.
type Channel interface {
	IsOpen() bool
	Send(ctx context.Context, payload []byte) error
}

// State is the lifecycle state of a [Pipeline].
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateFinalizing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome reports what happened to one stopped session.
type Outcome struct {
	// Chunks is the number of non-empty chunks the session collected.
	Chunks int

	// Size is the payload size in bytes.
	Size int

	// Sent is true when the payload was written to the channel.
	Sent bool

	// Err is non-nil when finalizing or sending failed, or when the channel
	// was not Open ([ErrNotOpen]). An empty recording is not an error.
	Err error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithSendTimeout bounds the write of one payload. Default: 30s.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.sendTimeout = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline owns the recording session state. All methods are safe for
// concurrent use.
type Pipeline struct {
	ch          Channel
	rec         Recorder
	sendTimeout time.Duration
	metrics     *observe.Metrics
	log         *slog.Logger

	mu     sync.Mutex
	state  State
	cur    *session
	closed bool

	finalizers sync.WaitGroup
}

// New creates an idle pipeline that records with rec and sends over ch.
func New(ch Channel, rec Recorder, opts ...Option) *Pipeline {
	p := &Pipeline{
		ch:          ch,
		rec:         rec,
		sendTimeout: defaultSendTimeout,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Recording reports whether a session is actively recording.
func (p *Pipeline) Recording() bool { return p.State() == StateRecording }

// Buffered returns the number of chunks held by the current session, or 0
// when there is none.
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return 0
	}
	return p.cur.len()
}

// Start begins a recording session.
//
// It is a no-op returning nil when the pipeline is not Idle, and when the
// channel is not Open; in the latter case the microphone is never touched and
// a warning is logged. Start blocks while the recorder acquires the device. If
// acquisition fails the pipeline returns to Idle and the error is returned;
// device problems wrap [audio.ErrDeviceUnavailable].
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		p.log.Debug("capture: start ignored", "state", state.String())
		return nil
	}
	if !p.ch.IsOpen() {
		p.mu.Unlock()
		p.log.Warn("capture: not recording, channel is not open")
		return nil
	}
	s := newSession()
	p.cur = s
	p.state = StateStarting
	p.mu.Unlock()

	recording, err := p.rec.Record(ctx, func(chunk []byte) { p.collect(s, chunk) })

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		s.discard()
		p.cur = nil
		p.state = StateIdle
		return fmt.Errorf("capture: start: %w", err)
	}
	if p.closed {
		s.discard()
		p.cur = nil
		p.state = StateIdle
		p.log.Debug("capture: pipeline closed during start, releasing device")
		return recording.Finish()
	}
	s.recording = recording
	p.state = StateRecording
	p.log.Info("capture: recording started", "session", s.id)
	return nil
}

// collect appends one chunk to session s. Zero-length chunks are dropped.
func (p *Pipeline) collect(s *session, chunk []byte) {
	ctx := context.Background()
	if len(chunk) == 0 {
		p.metrics.RecordChunk(ctx, false)
		return
	}
	if s.append(chunk) {
		p.metrics.RecordChunk(ctx, true)
	}
}

// Stop ends the current session. The returned channel delivers exactly one
// [Outcome] once the recording has been finalized and delivered, then closes.
// When no session is recording, Stop does nothing and the returned channel is
// already closed.
func (p *Pipeline) Stop() <-chan Outcome {
	out := make(chan Outcome, 1)

	p.mu.Lock()
	if p.state != StateRecording {
		state := p.state
		p.mu.Unlock()
		p.log.Debug("capture: stop ignored", "state", state.String())
		close(out)
		return out
	}
	s := p.cur
	p.state = StateFinalizing
	p.finalizers.Add(1)
	p.mu.Unlock()

	go p.finalize(s, out)
	return out
}

// finalize waits for the last chunk, assembles the payload, resets the
// pipeline and sends the payload if the channel is still Open.
func (p *Pipeline) finalize(s *session, out chan<- Outcome) {
	defer p.finalizers.Done()
	defer close(out)

	ctx, span := observe.StartSpan(observe.WithSession(context.Background(), s.id), "capture.finalize")
	defer span.End()
	log := observe.Logger(ctx)

	finishErr := s.recording.Finish()
	if finishErr != nil {
		log.Warn("capture: finalizing recording", "err", finishErr)
	}

	chunks := s.drain()
	payload := bytes.Join(chunks, nil)

	p.mu.Lock()
	p.cur = nil
	p.state = StateIdle
	p.mu.Unlock()

	o := Outcome{Chunks: len(chunks), Size: len(payload), Err: finishErr}
	status := p.deliver(ctx, log, payload, &o)
	observe.AnnotatePayload(span, o.Size, o.Chunks)
	observe.Fail(span, o.Err)
	p.metrics.RecordSession(ctx, time.Since(s.started), o.Size, status)
	out <- o
}

// deliver sends payload and records the result on o. It returns the metric
// status label.
func (p *Pipeline) deliver(ctx context.Context, log *slog.Logger, payload []byte, o *Outcome) string {
	if len(payload) == 0 {
		log.Info("capture: recording is empty, nothing to send")
		return "skipped"
	}
	if !p.ch.IsOpen() {
		log.Warn("capture: channel closed while finalizing, recording discarded", "bytes", len(payload))
		o.Err = errors.Join(o.Err, ErrNotOpen)
		return "skipped"
	}

	sendCtx := ctx
	if p.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.sendTimeout)
		defer cancel()
	}
	if err := p.ch.Send(sendCtx, payload); err != nil {
		log.Error("capture: sending recording", "err", err, "bytes", len(payload))
		o.Err = errors.Join(o.Err, err)
		return "error"
	}
	o.Sent = true
	log.Info("capture: recording sent", "bytes", len(payload), "chunks", o.Chunks, "media_type", MediaType)
	return "sent"
}

// Close finalizes any in-flight session and waits for every pending delivery.
// After Close, Start is a no-op.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var err error
	for o := range p.Stop() {
		err = o.Err
	}
	p.finalizers.Wait()
	return err
}
