package device

import (
	"context"
	"io"
)

// Port is a session's handle on a Device attachment. Every operation checks
// that the attachment is still current, so a detached session can never
// read input or write output belonging to its successor.
type Port struct {
	d   *Device
	gen uint64
}

func (p *Port) Device() *Device { return p.d }

// Current reports whether the port still holds the attachment.
func (p *Port) Current() bool {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	return !p.d.closed && p.d.gen == p.gen
}

// Read reads buffered input. It returns io.EOF once the port is detached.
func (p *Port) Read(b []byte) (int, error) {
	return p.ReadContext(context.Background(), b)
}

// ReadContext is Read that gives up with ctx's error when ctx is done.
// No input is consumed by a cancelled read.
func (p *Port) ReadContext(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	d := p.d
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.inCond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if d.closed || d.gen != p.gen {
			return 0, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !d.hold && len(d.inbuf) > 0 {
			n := copy(b, d.inbuf)
			d.inbuf = d.inbuf[n:]
			if len(d.inbuf) == 0 {
				d.inbuf = nil
			}
			return n, nil
		}
		d.inCond.Wait()
	}
}

// Write writes program output, honouring auto carriage return.
func (p *Port) Write(b []byte) (int, error) {
	if err := p.d.write(p.gen, b, true); err != nil {
		return 0, err
	}
	return len(b), nil
}

// WriteRaw writes program output untouched.
func (p *Port) WriteRaw(b []byte) (int, error) {
	if err := p.d.write(p.gen, b, false); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Size returns the device geometry, or ErrDetached for a stale port.
func (p *Port) Size() (rows, cols int, err error) {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, 0, ErrClosed
	}
	if d.gen != p.gen {
		return 0, 0, ErrDetached
	}
	return d.rows, d.cols, nil
}

// Prompt opens a readline on behalf of the attached session.
func (p *Port) Prompt(ctx context.Context, prompt string, secure, shell bool) (string, error) {
	return p.d.prompt(ctx, p.gen, prompt, secure, shell)
}

// Hold stops (or restarts) input delivery to this port without detaching.
func (p *Port) Hold(hold bool) {
	d := p.d
	d.mu.Lock()
	if d.gen == p.gen {
		d.hold = hold
		d.inCond.Broadcast()
	}
	d.mu.Unlock()
}

func (p *Port) SetRawMode(raw bool) error {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != p.gen {
		return ErrDetached
	}
	d.rawMode = raw
	return nil
}

// Flush flushes the output surface if it buffers.
func (p *Port) Flush() {
	if p.Current() {
		p.d.flush()
	}
}

// Detach releases the attachment.
func (p *Port) Detach() {
	p.d.Detach(p)
}
