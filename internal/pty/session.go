package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
)

// process wraps a child running inside a PTY.
type process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	readDone chan struct{}
	exited   chan struct{}
	waitErr  error

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// start spawns argv inside a new PTY of the given size. Output is copied to
// out until the PTY reports EOF or an error.
func start(argv []string, dir string, env []string, rows, cols int, out io.Writer) (*process, error) {
	if len(argv) == 0 {
		return nil, errors.New("pty: argv must not be empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, err
	}

	p := &process{
		cmd:      cmd,
		ptmx:     ptmx,
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go p.readPump(out)
	go p.waitExit()
	return p, nil
}

// readPump copies PTY output to out. It runs until the PTY is closed or any
// read error occurs; a write error only stops the copy to out.
func (p *process) readPump(out io.Writer) {
	defer close(p.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && out != nil {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out = nil
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *process) waitExit() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.closed = true
	p.waitErr = err
	p.mu.Unlock()
	close(p.exited)
}

// Write sends data to the PTY and therefore to the child's stdin.
func (p *process) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("pty: process has exited")
	}
	return p.ptmx.Write(data)
}

// Resize changes the PTY window size.
func (p *process) Resize(rows, cols int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("pty: process has exited")
	}
	return creackpty.Setsize(p.ptmx, &creackpty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

func (p *process) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("pty: process not started")
	}
	return p.cmd.Process.Signal(sig)
}

// ExitStatus returns the shell-style status of an exited child.
func (p *process) ExitStatus() int {
	p.mu.Lock()
	err := p.waitErr
	p.mu.Unlock()
	return exitStatus(err)
}

// Close terminates the child (SIGTERM) if it is still running and closes
// the PTY fd. It is safe to call Close multiple times.
func (p *process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		running := !p.closed
		p.closed = true
		p.mu.Unlock()

		if running && p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
		err = p.ptmx.Close()
	})
	return err
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}
