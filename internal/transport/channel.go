// Package transport maintains the single bidirectional binary connection
// between talkback and its server.
//
// A [Channel] wraps one WebSocket. Outbound recordings are written as single
// binary messages with [Channel.Send]; every inbound binary message is handed,
// in arrival order, to the callback registered with [Channel.OnMessage].
// Nothing is queued, acknowledged or retried: a send on a channel that is not
// Open is dropped with a warning and reported as [ErrNotOpen].
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/talkback/internal/observe"
)

const (
	// defaultReadLimit bounds a single inbound message. Clips are complete
	// audio files, so the websocket default of 32 KiB is far too small.
	defaultReadLimit int64 = 16 << 20

	defaultDialTimeout = 10 * time.Second
)

// ErrNotOpen is returned by [Channel.Send] when the channel is not Open.
var ErrNotOpen = errors.New("transport: channel not open")

// State is the lifecycle state of a [Channel].
type State int32

const (
	// StateClosed means no connection exists. A new Channel starts here, and
	// so does one without an endpoint, permanently.
	StateClosed State = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateOpen means frames can be sent and are being received.
	StateOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a [Channel].
type Option func(*Channel)

// WithReadLimit sets the maximum size in bytes of one inbound message.
func WithReadLimit(n int64) Option {
	return func(c *Channel) { c.readLimit = n }
}

// WithDialTimeout bounds how long [Channel.Open] waits for the handshake.
// Zero means only the caller's context applies.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) { c.dialTimeout = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// Channel is a WebSocket connection to the talkback server.
// All methods are safe for concurrent use.
type Channel struct {
	endpoint    string
	readLimit   int64
	dialTimeout time.Duration
	metrics     *observe.Metrics
	log         *slog.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	closed    bool
	readDone  chan struct{}
	onOpen    func()
	onMessage func([]byte)
	onClose   func(error)
}

// New creates a Channel for endpoint (a ws:// or wss:// URL). No connection
// is made until [Channel.Open].
func New(endpoint string, opts ...Option) *Channel {
	c := &Channel{
		endpoint:    endpoint,
		readLimit:   defaultReadLimit,
		dialTimeout: defaultDialTimeout,
		log:         slog.Default(),
		state:       StateClosed,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// OnOpen registers fn to run each time the channel becomes Open.
func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

// OnMessage registers fn to receive every inbound binary frame. fn runs on
// the read goroutine; frames are delivered one at a time in arrival order,
// so fn must not block for long.
func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnClose registers fn to run once when an open connection ends. err is the
// read error that ended it.
func (c *Channel) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Endpoint returns the configured endpoint URL.
func (c *Channel) Endpoint() string { return c.endpoint }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the channel is Open.
func (c *Channel) IsOpen() bool { return c.State() == StateOpen }

// Open dials the endpoint and starts the read loop.
//
// Without an endpoint Open logs a configuration error and returns nil; the
// channel stays Closed for good and every Send fails with [ErrNotOpen]. A dial
// failure leaves the channel Closed and is returned. Calling Open on a channel
// that is connecting, open or already closed via [Channel.Close] is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	if c.endpoint == "" {
		c.log.Error("transport: no server endpoint configured, audio will not be sent or received",
			"env", "TALKBACK_WS_URL")
		return nil
	}

	c.mu.Lock()
	if c.closed || c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(ctx, StateConnecting)
	c.mu.Unlock()

	dialCtx := ctx
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	c.log.Debug("transport: connecting", "endpoint", c.endpoint)
	conn, _, err := websocket.Dial(dialCtx, c.endpoint, nil)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(ctx, StateClosed)
		c.mu.Unlock()
		return fmt.Errorf("transport: dial %s: %w", c.endpoint, err)
	}
	conn.SetReadLimit(c.readLimit)

	c.mu.Lock()
	if c.closed {
		c.setStateLocked(ctx, StateClosed)
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "client closed")
		return nil
	}
	c.conn = conn
	c.readDone = make(chan struct{})
	c.setStateLocked(ctx, StateOpen)
	onOpen := c.onOpen
	done := c.readDone
	c.mu.Unlock()

	c.log.Info("transport: connected", "endpoint", c.endpoint)
	if onOpen != nil {
		onOpen()
	}

	go c.readLoop(conn, done)
	return nil
}

// Send writes payload as one binary message. It does not wait for any
// acknowledgement and never retries.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		c.log.Warn("transport: dropping outbound payload, channel not open",
			"state", state.String(),
			"bytes", len(payload),
		)
		return ErrNotOpen
	}
	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	c.log.Debug("transport: payload sent", "bytes", len(payload))
	return nil
}

// Close shuts the connection down with a normal closure and waits for the read
// loop to exit. It is idempotent and safe to call on a channel that was never
// opened.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, done := c.conn, c.readDone
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			c.log.Debug("transport: close handshake", "err", err)
		}
		<-done
	}

	c.mu.Lock()
	c.setStateLocked(context.Background(), StateClosed)
	c.mu.Unlock()
	return nil
}

// readLoop hands every binary frame to the message callback until the
// connection fails or is closed.
func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	ctx := context.Background()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.connectionEnded(err)
			return
		}
		if typ != websocket.MessageBinary {
			c.log.Debug("transport: ignoring non-binary frame", "bytes", len(data))
			continue
		}
		c.metrics.FramesReceived.Add(ctx, 1)

		c.mu.Lock()
		onMessage := c.onMessage
		c.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (c *Channel) connectionEnded(err error) {
	c.mu.Lock()
	c.conn = nil
	c.setStateLocked(context.Background(), StateClosed)
	requested := c.closed
	onClose := c.onClose
	c.mu.Unlock()

	switch {
	case requested || websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		c.log.Info("transport: connection closed")
	default:
		c.log.Warn("transport: connection lost", "err", err)
	}
	if onClose != nil {
		onClose(err)
	}
}

// setStateLocked records a transition. c.mu must be held.
func (c *Channel) setStateLocked(ctx context.Context, s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.metrics.RecordTransportState(ctx, s.String())
}
