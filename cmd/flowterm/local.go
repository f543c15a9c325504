package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/user/flowterm/internal/tab"
)

// runLocal attaches this process's terminal to a new tab until the tab's
// session exits or ctx ends.
func runLocal(ctx context.Context, tabs *tab.Manager, logger *slog.Logger) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("local mode needs a terminal on stdin")
	}

	t, err := tabs.Open(ctx, "", "local")
	if err != nil {
		return err
	}
	if err := tabs.Focus(t.ID()); err != nil {
		return err
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw terminal: %w", err)
	}
	defer term.Restore(fd, state)

	resize := func() {
		cols, rows, err := term.GetSize(fd)
		if err != nil {
			return
		}
		if err := t.Resize(rows, cols); err != nil {
			logger.Debug("local resize failed", "error", err)
		}
	}
	resize()

	_, _ = os.Stdout.Write(t.Scrollback())
	t.SetMirror(os.Stdout)
	defer t.SetMirror(nil)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	go pumpStdin(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if s := t.Session(); s != nil {
			_, _ = s.Wait(ctx)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-winch:
			resize()
		}
	}
}

// pumpStdin feeds keystrokes to the tab. Ctrl-C typed while a command tab
// is busy becomes an interrupt; everywhere else it is ordinary input.
func pumpStdin(t *tab.Tab) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if t.Commands() != nil && !t.Device().ReadlinePending() && bytes.IndexByte(chunk, 0x03) >= 0 {
				t.Control("c")
				chunk = bytes.ReplaceAll(chunk, []byte{0x03}, nil)
			}
			if len(chunk) > 0 {
				t.Input(append([]byte(nil), chunk...))
			}
		}
		if err != nil {
			return
		}
	}
}
