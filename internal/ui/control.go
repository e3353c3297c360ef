// Package ui is the terminal surface of talkback: a single push-to-talk
// toggle driven by the Enter key.
package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/talkback/internal/capture"
)

// Button labels.
const (
	LabelStart = "Start recording"
	LabelStop  = "Stop recording"
)

// Toggler is the recording control the UI drives. [capture.Pipeline]
// implements it.
type Toggler interface {
	Recording() bool
	Start(ctx context.Context) error
	Stop() <-chan capture.Outcome
}

// Control reads commands line by line: an empty line toggles recording and
// "q" quits.
type Control struct {
	t   Toggler
	in  io.Reader
	log *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

// New creates a control reading from in and printing to out.
func New(t Toggler, in io.Reader, out io.Writer, log *slog.Logger) *Control {
	if log == nil {
		log = slog.Default()
	}
	return &Control{t: t, in: in, out: out, log: log}
}

// Label is the action the next toggle performs.
func (c *Control) Label() string {
	if c.t.Recording() {
		return LabelStop
	}
	return LabelStart
}

// Run processes input until the user quits, the input ends, or ctx is
// cancelled. End of input only stops reading; Run then waits for ctx so
// inbound playback keeps working when stdin is not a terminal. Quitting
// returns nil.
func (c *Control) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil && !errors.Is(err, io.EOF) {
				c.log.Warn("ui: reading input", "err", err)
			}
			c.log.Debug("ui: input closed, waiting for shutdown")
			<-ctx.Done()
			return nil
		case line := <-lines:
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "":
				c.Toggle(ctx)
			case "q", "quit", "exit":
				c.printf("bye\n")
				return nil
			default:
				c.printf("unknown command %q\n", line)
			}
			c.prompt()
		}
	}
}

// Toggle starts recording when idle and stops it when recording. Stopping
// waits for the recording to be delivered and prints the result.
func (c *Control) Toggle(ctx context.Context) {
	if c.t.Recording() {
		c.printOutcome(c.t.Stop())
		return
	}
	if err := c.t.Start(ctx); err != nil {
		c.printf("could not start recording: %v\n", err)
		return
	}
	if !c.t.Recording() {
		c.printf("not connected, recording unavailable\n")
		return
	}
	c.printf("recording...\n")
}

// Notify prints a one-line message, e.g. a connection change.
func (c *Control) Notify(msg string) {
	c.printf("%s\n", msg)
}

func (c *Control) printOutcome(out <-chan capture.Outcome) {
	o, ok := <-out
	switch {
	case !ok:
		return
	case o.Sent:
		c.printf("sent %d bytes\n", o.Size)
	case o.Err != nil:
		c.printf("recording not sent: %v\n", o.Err)
	default:
		c.printf("nothing recorded\n")
	}
}

func (c *Control) prompt() {
	c.printf("[Enter] %s   [q] quit\n", c.Label())
}

func (c *Control) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
