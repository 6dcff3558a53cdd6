package task

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
)

// Console is the pair of text channels a processor writes to. The writers
// returned by Stdout and Stderr stay valid across captures; a capture only
// swaps the targets behind them.
type Console struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

// NewConsole creates a console writing to the given targets. Nil targets
// discard.
func NewConsole(stdout, stderr io.Writer) *Console {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &Console{stdout: stdout, stderr: stderr}
}

// Stdout returns the console's stdout channel.
func (c *Console) Stdout() io.Writer {
	return consoleWriter{console: c}
}

// Stderr returns the console's stderr channel.
func (c *Console) Stderr() io.Writer {
	return consoleWriter{console: c, stderr: true}
}

// Targets returns the writers the channels currently forward to.
func (c *Console) Targets() (stdout, stderr io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout, c.stderr
}

func (c *Console) swap(stdout, stderr io.Writer) (prevOut, prevErr io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prevOut, prevErr = c.stdout, c.stderr
	c.stdout, c.stderr = stdout, stderr
	return prevOut, prevErr
}

type consoleWriter struct {
	console *Console
	stderr  bool
}

func (w consoleWriter) Write(p []byte) (int, error) {
	out, errw := w.console.Targets()
	if w.stderr {
		return errw.Write(p)
	}
	return out.Write(p)
}

// Begin redirects both channels into a new capture. The capture must be
// released; WithCapture does that on every exit path.
func (c *Console) Begin() *Capture {
	capture := &Capture{console: c}
	capture.prevOut, capture.prevErr = c.swap(
		captureWriter{capture: capture},
		captureWriter{capture: capture, stderr: true},
	)
	return capture
}

// Capture collects console text and typed outputs, in production order,
// into Outputs.
type Capture struct {
	console *Console
	prevOut io.Writer
	prevErr io.Writer

	mu      sync.Mutex
	outBuf  bytes.Buffer
	errBuf  bytes.Buffer
	outputs Outputs

	once sync.Once
}

type captureWriter struct {
	capture *Capture
	stderr  bool
}

func (w captureWriter) Write(p []byte) (int, error) {
	w.capture.mu.Lock()
	defer w.capture.mu.Unlock()
	if w.stderr {
		return w.capture.errBuf.Write(p)
	}
	return w.capture.outBuf.Write(p)
}

// Emit appends a typed output to stdout after any pending text.
func (c *Capture) Emit(obj OutputObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	c.outputs.Print(obj)
}

// EmitError appends a typed output to stderr after any pending text.
func (c *Capture) EmitError(obj OutputObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	c.outputs.PrintError(obj)
}

// Release restores the channel targets that were active at Begin and
// returns the captured outputs. It is safe to call more than once.
func (c *Capture) Release() Outputs {
	c.once.Do(func() {
		c.console.swap(c.prevOut, c.prevErr)
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	return Outputs{
		Stdout: append([]OutputObject(nil), c.outputs.Stdout...),
		Stderr: append([]OutputObject(nil), c.outputs.Stderr...),
	}
}

func (c *Capture) flushLocked() {
	if text := trimText(&c.outBuf); text != "" {
		c.outputs.Print(TextOutput(text))
	}
	if text := trimText(&c.errBuf); text != "" {
		c.outputs.PrintError(TextOutput(text))
	}
}

func trimText(buf *bytes.Buffer) string {
	text := strings.TrimRight(buf.String(), "\r\n")
	buf.Reset()
	return text
}

// WithCapture runs fn with the console captured and returns what was
// captured together with fn's error. The capture is released even if fn
// panics; the panic then continues.
func WithCapture(console *Console, fn func(*Capture) error) (outputs Outputs, err error) {
	capture := console.Begin()
	defer func() {
		outputs = capture.Release()
	}()
	err = fn(capture)
	return outputs, err
}

type consoleKey struct{}

// WithConsole returns a context carrying console.
func WithConsole(ctx context.Context, console *Console) context.Context {
	return context.WithValue(ctx, consoleKey{}, console)
}

// ConsoleFrom returns the console carried by ctx, or a discarding console.
func ConsoleFrom(ctx context.Context) *Console {
	if c, ok := ctx.Value(consoleKey{}).(*Console); ok && c != nil {
		return c
	}
	return NewConsole(nil, nil)
}
