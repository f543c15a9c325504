package session

import (
	"context"
	"io"
	"log/slog"
)

// Env is what a Program sees of its session: standard streams bound to the
// attached device, the window geometry, prompts and the signal channel.
// Streams resolve the device on every call, so a program started before a
// device was attached gets ErrNoDevice until one is.
type Env struct {
	s   *Session
	ctx context.Context

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Raw bypasses auto carriage return. Programs that already emit
	// terminal-ready output write here.
	Raw io.Writer
}

func newEnv(s *Session, ctx context.Context) *Env {
	e := &Env{s: s, ctx: ctx}
	e.Stdin = e.Input(ctx)
	e.Stdout = stdout{e: e}
	e.Stderr = stdout{e: e}
	e.Raw = stdout{e: e, raw: true}
	return e
}

func (e *Env) Session() *Session { return e.s }

func (e *Env) Params() Params { return e.s.params }

func (e *Env) Logger() *slog.Logger { return e.s.logger }

// Signals delivers resize and control signals in the order they were
// issued. Winch signals carry the geometry current at delivery.
func (e *Env) Signals() <-chan Signal { return e.s.sigOut }

// Size returns the geometry of the attached device.
func (e *Env) Size() (rows, cols int, err error) {
	return e.s.size()
}

// Prompt blocks the program until a line is submitted on the device.
func (e *Env) Prompt(prompt string, secure, shell bool) (string, error) {
	return e.PromptContext(e.ctx, prompt, secure, shell)
}

// PromptContext is Prompt that gives up when ctx is done.
func (e *Env) PromptContext(ctx context.Context, prompt string, secure, shell bool) (string, error) {
	port := e.s.currentPort()
	if port == nil {
		return "", ErrNoDevice
	}
	return port.Prompt(ctx, prompt, secure, shell)
}

func (e *Env) Readline(prompt string, secure bool) (string, error) {
	return e.Prompt(prompt, secure, false)
}

func (e *Env) SetRawMode(raw bool) error {
	port := e.s.currentPort()
	if port == nil {
		return ErrNoDevice
	}
	return port.SetRawMode(raw)
}

// WriteString writes text through the device's cooked output path.
func (e *Env) WriteString(text string) (int, error) {
	return e.Stdout.Write([]byte(text))
}

// Input returns a reader over device input that gives up when ctx is done
// without consuming input. Helper goroutines that may outlive their command
// should read through it.
func (e *Env) Input(ctx context.Context) io.Reader {
	return stdin{e: e, ctx: ctx}
}

type stdin struct {
	e   *Env
	ctx context.Context
}

func (r stdin) Read(b []byte) (int, error) {
	port := r.e.s.currentPort()
	if port == nil {
		return 0, ErrNoDevice
	}
	return port.ReadContext(r.ctx, b)
}

type stdout struct {
	e   *Env
	raw bool
}

func (w stdout) Write(b []byte) (int, error) {
	port := w.e.s.currentPort()
	if port == nil {
		return 0, ErrNoDevice
	}
	if w.raw {
		return port.WriteRaw(b)
	}
	return port.Write(b)
}
