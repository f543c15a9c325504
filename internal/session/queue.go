package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/user/flowterm/internal/device"
)

const defaultPrompt = "$ "

// StatusUsage is the status of a command line that could not be parsed.
const StatusUsage = 2

// ErrCommandCancelled is attached to queued commands that never ran because
// the session finished first.
var ErrCommandCancelled = errors.New("session: command cancelled")

// Runner executes one parsed command line on the session's execution
// context and returns its exit status.
type Runner interface {
	RunCommand(ctx context.Context, env *Env, argv []string) int
}

type RunnerFunc func(ctx context.Context, env *Env, argv []string) int

func (f RunnerFunc) RunCommand(ctx context.Context, env *Env, argv []string) int {
	return f(ctx, env, argv)
}

// HistoryStore persists submitted command lines.
type HistoryStore interface {
	AppendHistory(ctx context.Context, sessionID, line string) error
}

// Command is one queued command line. Status and Err are set once it has
// run (or been cancelled).
type Command struct {
	ID          string
	Text        string
	SkipHistory bool
	Callback    *url.URL
	QueuedAt    time.Time
	Status      int
	Err         error
}

// CompletionHook is invoked once per x-callback command after it finishes.
// It runs on its own goroutine and cannot affect the queue.
type CompletionHook func(ctx context.Context, cmd Command)

type EventType string

const (
	EventCommandQueued    EventType = "command_queued"
	EventCommandStarted   EventType = "command_started"
	EventCommandFinished  EventType = "command_finished"
	EventCommandCancelled EventType = "command_cancelled"
	EventSessionFinished  EventType = "session_finished"
)

type Event struct {
	Type      EventType
	SessionID string
	Command   Command
	Status    int
	Err       error
}

// Client observes a command session. Notify must not block for long; it is
// called outside the queue lock from the session goroutine or the caller of
// EnqueueCommand.
type Client interface {
	Notify(Event)
}

type CommandConfig struct {
	Runner  Runner
	History HistoryStore
	Hook    CompletionHook
	// Prompt is written before each interactive line. Empty means "$ ".
	Prompt string
}

// CommandSession is a Session whose program is a command loop: lines typed
// on the device and commands enqueued by other callers run one at a time, in
// submission order.
type CommandSession struct {
	*Session

	runner  Runner
	history HistoryStore
	hook    CompletionHook
	prompt  string

	mu           sync.Mutex
	queue        []Command
	running      bool
	clients      map[Client]struct{}
	promptCancel context.CancelFunc
	closed       bool

	wake chan struct{}
}

func NewCommandSession(params Params, cfg CommandConfig, dev *device.Device, opts ...Option) (*CommandSession, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("session: command runner is required")
	}
	cs := &CommandSession{
		runner:  cfg.Runner,
		history: cfg.History,
		hook:    cfg.Hook,
		prompt:  cfg.Prompt,
		clients: make(map[Client]struct{}),
		wake:    make(chan struct{}, 1),
	}
	if cs.prompt == "" {
		cs.prompt = defaultPrompt
	}
	s, err := New(params, ProgramFunc(cs.loop), nil, opts...)
	if err != nil {
		return nil, err
	}
	s.cleanup = cs.finished
	s.onControl = cs.control
	cs.Session = s
	if dev != nil {
		if err := cs.SetDevice(dev); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// SetDevice attaches dev and wakes an idle loop waiting for one.
func (cs *CommandSession) SetDevice(dev *device.Device) error {
	if err := cs.Session.SetDevice(dev); err != nil {
		return err
	}
	cs.signalWake()
	return nil
}

// EnqueueCommand queues text for execution and returns without waiting.
func (cs *CommandSession) EnqueueCommand(text string, skipHistory bool) error {
	return cs.enqueue(Command{Text: text, SkipHistory: skipHistory})
}

// EnqueueXCallbackCommand queues text like EnqueueCommand and records
// successURL for the completion hook.
func (cs *CommandSession) EnqueueXCallbackCommand(text string, successURL *url.URL) error {
	return cs.enqueue(Command{Text: text, Callback: successURL})
}

// IsRunningCommand reports whether a command is executing. The answer may
// be stale by the time the caller looks at it.
func (cs *CommandSession) IsRunningCommand() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.running
}

// Pending returns the number of queued commands not yet started.
func (cs *CommandSession) Pending() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.queue)
}

func (cs *CommandSession) RegisterClient(c Client) {
	if c == nil {
		return
	}
	cs.mu.Lock()
	cs.clients[c] = struct{}{}
	cs.mu.Unlock()
}

func (cs *CommandSession) UnregisterClient(c Client) {
	cs.mu.Lock()
	delete(cs.clients, c)
	cs.mu.Unlock()
}

func (cs *CommandSession) enqueue(cmd Command) error {
	cmd.ID = uuid.NewString()
	cmd.QueuedAt = time.Now().UTC()

	cs.mu.Lock()
	closed := cs.closed
	cs.mu.Unlock()
	if closed {
		return ErrAlreadyFinished
	}
	// Clients see the command queued before the loop can start it.
	cs.notify(Event{Type: EventCommandQueued, Command: cmd})

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		cmd.Err = ErrCommandCancelled
		cs.notify(Event{Type: EventCommandCancelled, Command: cmd, Err: cmd.Err})
		return ErrAlreadyFinished
	}
	cs.queue = append(cs.queue, cmd)
	cancelPrompt := cs.promptCancel
	cs.promptCancel = nil
	cs.mu.Unlock()

	if cancelPrompt != nil {
		cancelPrompt()
	}
	cs.signalWake()
	return nil
}

func (cs *CommandSession) signalWake() {
	select {
	case cs.wake <- struct{}{}:
	default:
	}
}

// next pops the head of the queue and marks it running.
func (cs *CommandSession) next() (Command, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.queue) == 0 {
		return Command{}, false
	}
	cmd := cs.queue[0]
	cs.queue = cs.queue[1:]
	cs.running = true
	return cmd, true
}

func (cs *CommandSession) loop(ctx context.Context, env *Env, _ []string) int {
	for {
		if ctx.Err() != nil {
			return StatusKilled
		}
		cmd, ok := cs.next()
		if !ok {
			if status, exit := cs.idle(ctx, env); exit {
				return status
			}
			continue
		}
		if status, exit := cs.execute(ctx, env, cmd); exit {
			return status
		}
	}
}

// idle reads one interactive line, or waits for work when there is no
// device to read from. It returns exit=true when the loop should end.
func (cs *CommandSession) idle(ctx context.Context, env *Env) (int, bool) {
	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cs.mu.Lock()
	if len(cs.queue) > 0 {
		cs.mu.Unlock()
		return 0, false
	}
	cs.promptCancel = cancel
	cs.mu.Unlock()

	line, err := env.PromptContext(promptCtx, cs.prompt, false, true)

	cs.mu.Lock()
	cs.promptCancel = nil
	cs.mu.Unlock()

	switch {
	case err == nil:
		if line == "" {
			return 0, false
		}
		// The device already recorded the line as shell input.
		if err := cs.EnqueueCommand(line, true); err != nil {
			return 0, true
		}
		return 0, false
	case ctx.Err() != nil:
		return StatusKilled, true
	case errors.Is(err, io.EOF):
		return 0, true
	case errors.Is(err, context.Canceled), errors.Is(err, device.ErrInterrupted):
		return 0, false
	}

	// No usable device: wait until something is queued or one is attached.
	env.Logger().Debug("command loop waiting", "reason", err)
	select {
	case <-cs.wake:
		return 0, false
	case <-ctx.Done():
		return StatusKilled, true
	}
}

func (cs *CommandSession) execute(ctx context.Context, env *Env, cmd Command) (status int, exit bool) {
	defer func() {
		cs.mu.Lock()
		cs.running = false
		cs.mu.Unlock()
	}()

	cs.drainSignals()
	if !cmd.SkipHistory && cs.history != nil && cmd.Text != "" {
		if err := cs.history.AppendHistory(ctx, cs.ID(), cmd.Text); err != nil {
			env.Logger().Warn("failed to record history", "error", err)
		}
	}
	cs.notify(Event{Type: EventCommandStarted, Command: cmd})

	argv, err := shellquote.Split(cmd.Text)
	switch {
	case err != nil:
		fmt.Fprintf(env.Stderr, "flowterm: %v\n", err)
		status = StatusUsage
		cmd.Err = err
	case len(argv) == 0:
	case argv[0] == "exit":
		exit = true
		if len(argv) > 1 {
			if n, convErr := strconv.Atoi(argv[1]); convErr == nil {
				status = n
			}
		}
	default:
		status, cmd.Err = cs.run(ctx, env, argv)
	}

	cmd.Status = status
	cs.notify(Event{Type: EventCommandFinished, Command: cmd, Status: status, Err: cmd.Err})
	cs.complete(cmd)
	return status, exit
}

func (cs *CommandSession) run(ctx context.Context, env *Env, argv []string) (status int, err error) {
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			status = 1
			err = fmt.Errorf("session: command panic: %v", r)
			fmt.Fprintf(env.Stderr, "flowterm: %s: %v\n", argv[0], r)
		}
	}()
	return cs.runner.RunCommand(cmdCtx, env, argv), nil
}

func (cs *CommandSession) complete(cmd Command) {
	if cmd.Callback == nil || cs.hook == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				cs.logger.Warn("completion hook panic", "command_id", cmd.ID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cs.hook(ctx, cmd)
	}()
}

// control cancels an idle prompt on interrupt so the loop prints a fresh one.
func (cs *CommandSession) control(kind SignalKind) {
	if kind != SignalInterrupt || cs.IsRunningCommand() {
		return
	}
	if dev := cs.Device(); dev != nil && dev.ReadlinePending() {
		dev.CloseReadline()
	}
}

// finished cancels whatever is still queued and tells clients the session
// is gone.
func (cs *CommandSession) finished(status int, err error) {
	cs.mu.Lock()
	cs.closed = true
	dropped := cs.queue
	cs.queue = nil
	cs.mu.Unlock()

	for _, cmd := range dropped {
		cmd.Err = ErrCommandCancelled
		cs.notify(Event{Type: EventCommandCancelled, Command: cmd, Err: cmd.Err})
		cs.complete(cmd)
	}
	cs.notify(Event{Type: EventSessionFinished, Status: status, Err: err})
}

func (cs *CommandSession) notify(ev Event) {
	ev.SessionID = cs.ID()
	cs.mu.Lock()
	clients := make([]Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.mu.Unlock()

	for _, c := range clients {
		c.Notify(ev)
	}
}
