package device

import (
	"context"
	"io"
	"sync"
	"unicode/utf8"
)

type readlineResult struct {
	line string
	err  error
}

// readline is the state of one outstanding prompt.
type readline struct {
	prompt     string
	secure     bool
	shell      bool
	prevSecure bool
	gen        uint64
	partial    []byte
	once       sync.Once
	done       chan readlineResult
}

// edit applies keyboard bytes to the partial line. It returns the bytes to
// echo, the result when the line is complete, and any bytes past the line
// terminator.
func (rl *readline) edit(p []byte) (echo []byte, done *readlineResult, rest []byte) {
	for i := 0; i < len(p); i++ {
		b := p[i]
		switch b {
		case '\r', '\n':
			if b == '\r' && i+1 < len(p) && p[i+1] == '\n' {
				i++
			}
			echo = append(echo, '\r', '\n')
			return echo, &readlineResult{line: string(rl.partial)}, p[i+1:]
		case 0x03:
			echo = append(echo, '^', 'C', '\r', '\n')
			return echo, &readlineResult{err: ErrInterrupted}, p[i+1:]
		case 0x04:
			if len(rl.partial) == 0 {
				return echo, &readlineResult{err: io.EOF}, p[i+1:]
			}
		case 0x7f, 0x08:
			if len(rl.partial) == 0 {
				continue
			}
			_, size := utf8.DecodeLastRune(rl.partial)
			rl.partial = rl.partial[:len(rl.partial)-size]
			if !rl.secure {
				echo = append(echo, '\b', ' ', '\b')
			}
		default:
			rl.partial = append(rl.partial, b)
			if !rl.secure {
				echo = append(echo, b)
			}
		}
	}
	return echo, nil, nil
}

// Prompt writes prompt and blocks the calling goroutine until a line is
// submitted. It fails with ErrBusy when another prompt is pending, with
// ErrClosed when the device is torn down while waiting, and with the
// context error when ctx is done first.
func (d *Device) Prompt(ctx context.Context, prompt string, secure, shell bool) (string, error) {
	return d.prompt(ctx, 0, prompt, secure, shell)
}

// Readline prompts for a non-shell line.
func (d *Device) Readline(prompt string, secure bool) (string, error) {
	return d.Prompt(context.Background(), prompt, secure, false)
}

// CloseReadline abandons the pending readline, if any. The waiting prompt
// returns ErrInterrupted.
func (d *Device) CloseReadline() {
	d.mu.Lock()
	rl := d.pending
	d.pending = nil
	d.mu.Unlock()

	d.resolve(rl, "", ErrInterrupted)
}

// ReadlinePending reports whether a prompt is waiting for input.
func (d *Device) ReadlinePending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *Device) prompt(ctx context.Context, gen uint64, prompt string, secure, shell bool) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrClosed
	}
	if gen != 0 && gen != d.gen {
		d.mu.Unlock()
		return "", ErrDetached
	}
	if d.pending != nil {
		d.mu.Unlock()
		return "", ErrBusy
	}
	rl := &readline{
		prompt:     prompt,
		secure:     secure,
		shell:      shell,
		prevSecure: d.secure,
		gen:        gen,
		done:       make(chan readlineResult, 1),
	}
	d.pending = rl
	d.secure = secure
	in := d.input
	d.mu.Unlock()

	if in != nil && secure != rl.prevSecure {
		in.SetSecureTextEntry(secure)
	}
	if prompt != "" {
		_ = d.write(0, []byte(prompt), false)
	}

	select {
	case res := <-rl.done:
		return res.line, res.err
	case <-ctx.Done():
		d.mu.Lock()
		if d.pending == rl {
			d.pending = nil
		}
		d.mu.Unlock()
		d.resolve(rl, "", ctx.Err())
		res := <-rl.done
		return res.line, res.err
	}
}

// resolve completes rl exactly once; later calls are ignored. Side effects
// (secure entry restore, history) happen before the waiter is released.
func (d *Device) resolve(rl *readline, line string, err error) {
	if rl == nil {
		return
	}
	rl.once.Do(func() {
		d.mu.Lock()
		restore := rl.secure != rl.prevSecure && d.pending == nil
		if restore {
			d.secure = rl.prevSecure
		}
		in := d.input
		history := d.history
		d.mu.Unlock()

		if restore && in != nil {
			in.SetSecureTextEntry(rl.prevSecure)
		}
		if err == nil && rl.shell && !rl.secure && history != nil && line != "" {
			history.RecordLine(line)
		}
		rl.done <- readlineResult{line: line, err: err}
	})
}
