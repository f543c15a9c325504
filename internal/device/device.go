package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	defaultRows = 24
	defaultCols = 80
	// maxDimension is the largest geometry a pty window size can carry.
	maxDimension = 65535

	// maxPendingOutput bounds what is kept while no output surface is attached.
	maxPendingOutput = 64 * 1024
)

var (
	ErrBusy        = errors.New("device: readline already pending")
	ErrClosed      = errors.New("device: closed")
	ErrDetached    = errors.New("device: port detached")
	ErrInterrupted = errors.New("device: readline interrupted")
	ErrInvalidSize = errors.New("device: rows and cols must be between 1 and 65535")
)

// Input is the keyboard surface feeding a Device.
type Input interface {
	SetSecureTextEntry(secure bool)
	Reset()
}

// Owner is the session side of an attachment. Both methods may be called
// from any goroutine and must not block.
type Owner interface {
	Sigwinch()
	HandleControl(code string)
}

// Delegate receives lines submitted while no readline is pending.
type Delegate interface {
	LineSubmitted(line string)
}

// HistoryRecorder stores lines read in shell mode.
type HistoryRecorder interface {
	RecordLine(line string)
}

// Device is a terminal device shared between one input/output surface and
// at most one attached session.
type Device struct {
	mu     sync.Mutex
	inCond *sync.Cond

	rows    int
	cols    int
	rawMode bool
	autoCR  bool
	secure  bool

	input    Input
	output   io.Writer
	delegate Delegate
	history  HistoryRecorder

	owner   Owner
	gen     uint64
	hold    bool
	pending *readline
	inbuf   []byte
	closed  bool

	// outMu serializes writes to the output surface and fences them against
	// attachment changes. Lock order is outMu, then mu.
	outMu      sync.Mutex
	pendingOut []byte

	logger *slog.Logger
}

type Option func(*Device)

func WithSize(rows, cols int) Option {
	return func(d *Device) {
		if validSize(rows, cols) {
			d.rows, d.cols = rows, cols
		}
	}
}

func WithAutoCR(enabled bool) Option {
	return func(d *Device) { d.autoCR = enabled }
}

func WithHistory(h HistoryRecorder) Option {
	return func(d *Device) { d.history = h }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a Device with a 24x80 window.
func New(opts ...Option) *Device {
	d := &Device{
		rows:   defaultRows,
		cols:   defaultCols,
		logger: slog.Default(),
	}
	d.inCond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AttachInput replaces the input surface. Buffered input is kept.
func (d *Device) AttachInput(in Input) {
	d.mu.Lock()
	if d.input == in {
		d.mu.Unlock()
		return
	}
	d.input = in
	secure := d.secure
	d.mu.Unlock()

	if in != nil {
		in.SetSecureTextEntry(secure)
	}
}

// AttachOutput replaces the output surface and flushes anything written
// while no surface was attached.
func (d *Device) AttachOutput(out io.Writer) {
	d.outMu.Lock()
	defer d.outMu.Unlock()

	d.mu.Lock()
	if d.output == out {
		d.mu.Unlock()
		return
	}
	d.output = out
	pending := d.pendingOut
	d.pendingOut = nil
	d.mu.Unlock()

	if out != nil && len(pending) > 0 {
		if _, err := out.Write(pending); err != nil {
			d.logger.Debug("device output flush failed", "error", err)
		}
	}
}

func (d *Device) SetDelegate(delegate Delegate) {
	d.mu.Lock()
	d.delegate = delegate
	d.mu.Unlock()
}

// Attach makes owner the attached session, detaching any previous one and
// finalizing its pending readline. The returned Port is the only handle the
// owner may do I/O through. Attach waits for an in-flight write to finish, so
// nothing written through an older Port reaches the surface afterwards.
func (d *Device) Attach(owner Owner) (*Port, error) {
	if owner == nil {
		return nil, errors.New("device: owner is required")
	}
	d.outMu.Lock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.outMu.Unlock()
		return nil, ErrClosed
	}
	rl := d.pending
	d.pending = nil
	d.gen++
	d.owner = owner
	d.hold = false
	gen := d.gen
	d.inCond.Broadcast()
	d.mu.Unlock()
	d.outMu.Unlock()

	d.resolve(rl, "", ErrDetached)
	return &Port{d: d, gen: gen}, nil
}

// Detach releases the attachment held by p. Stale ports are ignored.
func (d *Device) Detach(p *Port) {
	if p == nil {
		return
	}
	d.outMu.Lock()
	d.mu.Lock()
	if p.gen != d.gen || d.owner == nil {
		d.mu.Unlock()
		d.outMu.Unlock()
		return
	}
	rl := d.pending
	d.pending = nil
	d.gen++
	d.owner = nil
	d.hold = false
	d.inCond.Broadcast()
	d.mu.Unlock()
	d.outMu.Unlock()

	d.resolve(rl, "", ErrDetached)
}

// Attached reports whether a session currently owns the device.
func (d *Device) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner != nil
}

// Resize updates the window geometry and notifies the attached session once.
func (d *Device) Resize(rows, cols int) error {
	if !validSize(rows, cols) {
		return fmt.Errorf("%w: got %dx%d", ErrInvalidSize, rows, cols)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.rows, d.cols = rows, cols
	owner := d.owner
	d.mu.Unlock()

	if owner != nil {
		owner.Sigwinch()
	}
	return nil
}

// Size returns the current window geometry.
func (d *Device) Size() (rows, cols int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rows, d.cols
}

func (d *Device) RawMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rawMode
}

func (d *Device) SetRawMode(raw bool) {
	d.mu.Lock()
	d.rawMode = raw
	d.mu.Unlock()
}

func (d *Device) AutoCR() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.autoCR
}

func (d *Device) SetAutoCR(enabled bool) {
	d.mu.Lock()
	d.autoCR = enabled
	d.mu.Unlock()
}

func (d *Device) SecureTextEntry() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.secure
}

func (d *Device) SetSecureTextEntry(secure bool) {
	d.mu.Lock()
	d.secure = secure
	in := d.input
	d.mu.Unlock()

	if in != nil {
		in.SetSecureTextEntry(secure)
	}
}

// HandleControl forwards a control input (e.g. "c" for Ctrl-C) to the
// attached session.
func (d *Device) HandleControl(code string) {
	d.mu.Lock()
	owner := d.owner
	d.mu.Unlock()

	if owner != nil {
		owner.HandleControl(code)
	}
}

// Write writes text to the output surface, translating \n to \r\n when
// auto carriage return is on. Writes after Close are dropped.
func (d *Device) Write(text string) {
	_ = d.write(0, []byte(text), true)
}

// WriteRaw writes bytes to the output surface untouched.
func (d *Device) WriteRaw(p []byte) {
	_ = d.write(0, p, false)
}

// WriteOutLn writes text followed by a line break.
func (d *Device) WriteOutLn(text string) {
	d.Write(text + "\n")
}

// WriteIn feeds keyboard bytes into the device. While a readline is pending
// and the device is not in raw mode the bytes are edited into the line;
// otherwise they are buffered for the attached session.
func (d *Device) WriteIn(p []byte) {
	if len(p) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	rl := d.pending
	if rl == nil || d.rawMode {
		d.inbuf = append(d.inbuf, p...)
		d.inCond.Broadcast()
		d.mu.Unlock()
		return
	}

	echo, done, rest := rl.edit(p)
	if done != nil {
		d.pending = nil
		if len(rest) > 0 {
			d.inbuf = append(d.inbuf, rest...)
			d.inCond.Broadcast()
		}
	}
	d.mu.Unlock()

	if len(echo) > 0 {
		_ = d.write(0, echo, false)
	}
	if done != nil {
		d.resolve(rl, done.line, done.err)
	}
}

// Submit delivers a complete line from the surface. It resolves the pending
// readline if there is one, otherwise it goes to the delegate.
func (d *Device) Submit(line string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	rl := d.pending
	d.pending = nil
	delegate := d.delegate
	d.mu.Unlock()

	if rl != nil {
		d.resolve(rl, line, nil)
		return
	}
	if delegate != nil {
		delegate.LineSubmitted(line)
	}
}

// Close tears the device down. A pending prompt fails with ErrClosed and the
// attached session is detached. Calling Close again is a no-op.
func (d *Device) Close() {
	d.outMu.Lock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.outMu.Unlock()
		return
	}
	d.closed = true
	rl := d.pending
	d.pending = nil
	d.gen++
	d.owner = nil
	d.inCond.Broadcast()
	d.mu.Unlock()
	d.outMu.Unlock()

	d.resolve(rl, "", ErrClosed)
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// write sends p to the output surface. gen 0 is the device itself; any
// other value must match the current attachment.
func (d *Device) write(gen uint64, p []byte, cooked bool) error {
	d.outMu.Lock()
	defer d.outMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	if gen != 0 && gen != d.gen {
		d.mu.Unlock()
		return ErrDetached
	}
	if cooked && d.autoCR {
		p = addCR(p)
	}
	out := d.output
	if out == nil {
		d.pendingOut = appendBounded(d.pendingOut, p, maxPendingOutput)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if _, err := out.Write(p); err != nil {
		d.logger.Debug("device output write failed", "error", err)
		return err
	}
	return nil
}

func (d *Device) flush() {
	d.outMu.Lock()
	defer d.outMu.Unlock()

	d.mu.Lock()
	out := d.output
	d.mu.Unlock()
	if f, ok := out.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			d.logger.Debug("device output flush failed", "error", err)
		}
	}
}

func addCR(p []byte) []byte {
	out := make([]byte, 0, len(p)+8)
	for i, b := range p {
		if b == '\n' && (i == 0 || p[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, b)
	}
	return out
}

func appendBounded(buf, p []byte, limit int) []byte {
	buf = append(buf, p...)
	if len(buf) > limit {
		buf = append([]byte(nil), buf[len(buf)-limit:]...)
	}
	return buf
}

func validSize(rows, cols int) bool {
	return rows >= 1 && cols >= 1 && rows <= maxDimension && cols <= maxDimension
}
