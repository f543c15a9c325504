package tab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/user/flowterm/internal/bridge"
	"github.com/user/flowterm/internal/db"
	"github.com/user/flowterm/internal/device"
	"github.com/user/flowterm/internal/profile"
	"github.com/user/flowterm/internal/pty"
	"github.com/user/flowterm/internal/session"
	"github.com/user/flowterm/internal/shell"
)

type Status string

const (
	StatusRunning Status = "running"
	// StatusBusy marks a command tab that is executing a command.
	StatusBusy   Status = "busy"
	StatusExited Status = "exited"
)

// Info is the externally visible state of a tab.
type Info struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Profile   string `json:"profile"`
	SessionID string `json:"session_id,omitempty"`
	Status    Status `json:"status"`
	ExitCode  int    `json:"exit_code"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

// Tab owns one device for its whole life and runs one session at a time
// on it.
type Tab struct {
	id      string
	title   string
	profile *profile.Profile
	dev     *device.Device
	scroll  *scrollback
	m       *Manager
	logger  *slog.Logger

	// startMu is held for the whole of start so two restarts cannot both
	// attach a session to the device.
	startMu sync.Mutex

	mu       sync.Mutex
	sess     *session.Session
	queue    *session.CommandSession
	signals  *bridge.Signals
	status   Status
	exitCode int
	mirror   io.Writer
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) Title() string { return t.title }

func (t *Tab) Device() *device.Device { return t.dev }

func (t *Tab) Profile() *profile.Profile { return t.profile }

func (t *Tab) Info() Info {
	rows, cols := t.dev.Size()
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:       t.id,
		Title:    t.title,
		Profile:  t.profile.ID,
		Status:   t.status,
		ExitCode: t.exitCode,
		Rows:     rows,
		Cols:     cols,
	}
	if t.sess != nil {
		info.SessionID = t.sess.ID()
	}
	return info
}

// Session returns the current session, finished or not.
func (t *Tab) Session() *session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

// Commands returns the command session of a queue tab, or nil.
func (t *Tab) Commands() *session.CommandSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue
}

// Available reports whether a command submitted now would start without
// waiting behind other work.
func (t *Tab) Available() bool {
	t.mu.Lock()
	queue := t.queue
	status := t.status
	t.mu.Unlock()
	if queue == nil || status == StatusExited {
		return false
	}
	return !queue.IsRunningCommand() && queue.Pending() == 0
}

// Scrollback returns the output kept for replay.
func (t *Tab) Scrollback() []byte { return t.scroll.Bytes() }

// OutputSince returns output chunks written at or after since.
func (t *Tab) OutputSince(since time.Time) []Chunk { return t.scroll.Since(since) }

// SetMirror copies all further output to w as well. Nil removes the mirror.
func (t *Tab) SetMirror(w io.Writer) {
	t.mu.Lock()
	t.mirror = w
	t.mu.Unlock()
}

func (t *Tab) Input(p []byte) { t.dev.WriteIn(p) }

func (t *Tab) Line(line string) { t.dev.Submit(line) }

func (t *Tab) Resize(rows, cols int) error { return t.dev.Resize(rows, cols) }

func (t *Tab) Control(code string) { t.dev.HandleControl(code) }

// Enqueue submits text to a queue tab. A non-nil callback is reported to
// the completion hook once the command finishes.
func (t *Tab) Enqueue(text string, callback *url.URL) error {
	queue := t.Commands()
	if queue == nil {
		return fmt.Errorf("%w: %s", ErrNotCommandTab, t.id)
	}
	if callback != nil {
		return queue.EnqueueXCallbackCommand(text, callback)
	}
	return queue.EnqueueCommand(text, false)
}

// start runs a new session on the tab's device. The previous session, if
// any, must be finished.
func (t *Tab) start(ctx context.Context) error {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	t.mu.Lock()
	if t.sess != nil && t.sess.State() != session.StateFinished {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTabRunning, t.id)
	}
	t.mu.Unlock()

	params, err := t.profile.Params()
	if err != nil {
		return err
	}
	signals := bridge.New(t.m.worker, bridge.WithLogger(t.logger))
	opts := []session.Option{
		session.WithDelegate(t),
		session.WithLogger(t.logger),
		session.WithKillGrace(t.m.killGrace),
		session.WithInterrupter(signals),
	}
	program := pty.Program{Dir: params.Config["dir"], Env: t.profile.Env, KillDelay: t.m.killGrace / 2}

	var (
		sess  *session.Session
		queue *session.CommandSession
	)
	switch t.profile.Kind {
	case profile.KindQueue:
		cfg := session.CommandConfig{
			Runner: shell.New(shell.Config{
				Program: program,
				History: t.m.historyLister(),
				Bridge:  signals,
			}),
			Hook:   t.m.hook,
			Prompt: t.profile.Prompt,
		}
		if t.m.history != nil {
			cfg.History = t.m.history
		}
		queue, err = session.NewCommandSession(params, cfg, t.dev, opts...)
		if err == nil {
			queue.RegisterClient(commandClient{t: t})
			sess = queue.Session
		}
	default:
		sess, err = session.New(params, program, t.dev, opts...)
	}
	if err != nil {
		signals.Close()
		return err
	}

	t.m.recordStart(ctx, t, sess)

	t.mu.Lock()
	t.sess = sess
	t.queue = queue
	t.signals = signals
	t.status = StatusRunning
	t.exitCode = 0
	t.mu.Unlock()

	if err := sess.Run(nil); err != nil {
		sess.Kill()
		return fmt.Errorf("start session: %w", err)
	}
	t.logger.Info("session started", "session_id", sess.ID(), "profile", t.profile.ID, "argv", params.Argv)
	t.m.publishStatus(t)
	return nil
}

// SessionFinished records the outcome and leaves the device ready for the
// next session.
func (t *Tab) SessionFinished(s *session.Session, status int, err error) {
	t.m.recordFinish(s, status, err)

	t.mu.Lock()
	current := t.sess == s
	var signals *bridge.Signals
	if current {
		t.status = StatusExited
		t.exitCode = status
		signals = t.signals
		t.signals = nil
	}
	t.mu.Unlock()
	if !current {
		return
	}
	if signals != nil {
		go signals.Close()
	}

	if !t.dev.Closed() {
		msg := fmt.Sprintf("\r\n[process exited with status %d]\r\n", status)
		if err != nil && !errors.Is(err, session.ErrKilled) {
			msg = fmt.Sprintf("\r\n[process exited with status %d: %v]\r\n", status, err)
		}
		t.dev.WriteRaw([]byte(msg))
	}
	t.m.publishStatus(t)
}

// LineSubmitted handles a line entered while nothing is prompting. Command
// tabs queue it; program tabs type it into the program.
func (t *Tab) LineSubmitted(line string) {
	if queue := t.Commands(); queue != nil {
		if err := queue.EnqueueCommand(line, false); err != nil {
			t.logger.Debug("dropping submitted line", "error", err)
		}
		return
	}
	t.dev.WriteIn([]byte(line + "\r"))
}

func (t *Tab) currentMirror() io.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mirror
}

func (t *Tab) currentSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return ""
	}
	return t.sess.ID()
}

func (t *Tab) setStatus(status Status) {
	t.mu.Lock()
	if t.status == StatusExited {
		t.mu.Unlock()
		return
	}
	changed := t.status != status
	t.status = status
	t.mu.Unlock()
	if changed {
		t.m.publishStatus(t)
	}
}

// output is the device's output surface: scrollback, sink and mirror.
type output struct {
	t *Tab
}

func (o output) Write(p []byte) (int, error) {
	o.t.scroll.Add(p)
	o.t.m.currentSink().TabOutput(o.t.id, p)
	if mirror := o.t.currentMirror(); mirror != nil {
		_, _ = mirror.Write(p)
	}
	return len(p), nil
}

// historyRecorder stores shell lines read by the device's prompt.
type historyRecorder struct {
	t *Tab
}

func (h historyRecorder) RecordLine(line string) {
	if h.t.m.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.t.m.history.AppendHistory(ctx, h.t.currentSessionID(), line); err != nil {
		h.t.logger.Warn("failed to record history", "error", err)
	}
}

// commandClient mirrors command session events into the store and the
// tab status.
type commandClient struct {
	t *Tab
}

func (c commandClient) Notify(ev session.Event) {
	switch ev.Type {
	case session.EventCommandStarted:
		c.t.setStatus(StatusBusy)
	case session.EventCommandFinished:
		c.t.setStatus(StatusRunning)
	}
	c.t.m.recordCommand(ev)
}

func commandStatus(ev session.Event) string {
	switch {
	case ev.Type == session.EventCommandCancelled:
		return db.CommandStatusCancelled
	case ev.Err != nil || ev.Status != 0:
		return db.CommandStatusFailed
	}
	return db.CommandStatusDone
}
