package pty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/user/flowterm/internal/session"
)

const (
	defaultRows      = 24
	defaultCols      = 80
	defaultKillDelay = time.Second
	// drainTimeout bounds how long output is collected after the child
	// exits; a background grandchild may keep the PTY open.
	drainTimeout = 500 * time.Millisecond
)

// StatusNotFound is returned when the command cannot be started.
const StatusNotFound = 127

// controlBytes are written to the PTY so its line discipline raises the
// matching signal in the foreground process group.
var controlBytes = map[session.SignalKind][]byte{
	session.SignalInterrupt: {0x03},
	session.SignalEOF:       {0x04},
	session.SignalQuit:      {0x1c},
	session.SignalSuspend:   {0x1a},
}

// Program runs argv as a child process in a pseudo terminal, bridging it to
// the session environment. It is both a session.Program and a
// session.Runner.
type Program struct {
	Dir string
	Env []string
	// KillDelay is how long a child gets between SIGTERM and SIGKILL once
	// the session is cancelled.
	KillDelay time.Duration
}

func (pr Program) Main(ctx context.Context, env *session.Env, argv []string) int {
	return pr.RunCommand(ctx, env, argv)
}

func (pr Program) RunCommand(ctx context.Context, env *session.Env, argv []string) int {
	logger := env.Logger()
	rows, cols, err := env.Size()
	if err != nil {
		rows, cols = defaultRows, defaultCols
	}

	dir := pr.Dir
	if d := env.Params().Config["dir"]; d != "" && dir == "" {
		dir = d
	}
	proc, err := start(argv, dir, pr.Env, rows, cols, env.Raw)
	if err != nil {
		fmt.Fprintf(env.Stderr, "flowterm: %s: %v\n", argv0(argv), err)
		return StatusNotFound
	}
	defer proc.Close()
	logger.Debug("pty process started", "argv", argv, "rows", rows, "cols", cols)

	inCtx, stopInput := context.WithCancel(ctx)
	defer stopInput()
	go pumpInput(inCtx, env, proc)

	killDelay := pr.KillDelay
	if killDelay <= 0 {
		killDelay = defaultKillDelay
	}
	var killTimer <-chan time.Time
	done := ctx.Done()

	for {
		select {
		case <-proc.exited:
			stopInput()
			select {
			case <-proc.readDone:
			case <-time.After(drainTimeout):
			}
			status := proc.ExitStatus()
			logger.Debug("pty process exited", "argv", argv, "status", status)
			return status

		case sig := <-env.Signals():
			handleSignal(proc, sig, logger)

		case <-done:
			done = nil
			_ = proc.Signal(syscall.SIGTERM)
			killTimer = time.After(killDelay)

		case <-killTimer:
			killTimer = nil
			logger.Warn("pty process ignored SIGTERM, killing", "argv", argv)
			_ = proc.Signal(syscall.SIGKILL)
		}
	}
}

func handleSignal(proc *process, sig session.Signal, logger *slog.Logger) {
	switch sig.Kind {
	case session.SignalWinch:
		if err := proc.Resize(sig.Rows, sig.Cols); err != nil {
			logger.Debug("pty resize failed", "error", err)
		}
	default:
		if b, ok := controlBytes[sig.Kind]; ok {
			_, _ = proc.Write(b)
		}
	}
}

// pumpInput forwards device input to the child until ctx is done. Input
// that arrives after the command ends stays in the device for the next
// reader.
func pumpInput(ctx context.Context, env *session.Env, proc *process) {
	in := env.Input(ctx)
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := proc.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				env.Logger().Debug("pty input pump stopped", "error", err)
			}
			return
		}
	}
}

func argv0(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}
