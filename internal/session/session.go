package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/user/flowterm/internal/device"
)

const (
	defaultKillGrace = 2 * time.Second

	// StatusKilled is reported when a program is force-finished after the
	// grace period.
	StatusKilled = 137
)

type State int

const (
	StateCreated State = iota
	StateRunning
	StateSuspended
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Params is the configuration a session is created from. Config is opaque
// to the session and passed through to the program.
type Params struct {
	Argv    []string
	Profile string
	Config  map[string]string
}

// Program is the entry point run on a session's execution context, the
// equivalent of main(argc, argv). It returns the exit status.
type Program interface {
	Main(ctx context.Context, env *Env, argv []string) int
}

type ProgramFunc func(ctx context.Context, env *Env, argv []string) int

func (f ProgramFunc) Main(ctx context.Context, env *Env, argv []string) int {
	return f(ctx, env, argv)
}

// Delegate is notified exactly once when a session finishes.
type Delegate interface {
	SessionFinished(s *Session, status int, err error)
}

// Interrupter cancels asynchronous work tied to a session on Ctrl-C.
type Interrupter interface {
	SignalCtrlC()
}

type Option func(*Session)

func WithDelegate(d Delegate) Option {
	return func(s *Session) { s.delegate = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithKillGrace(grace time.Duration) Option {
	return func(s *Session) {
		if grace > 0 {
			s.grace = grace
		}
	}
}

func WithInterrupter(i Interrupter) Option {
	return func(s *Session) { s.interrupter = i }
}

func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// Session runs one Program on a dedicated goroutine against an attached
// Device and owns its lifecycle: Created -> Running <-> Suspended -> Finished.
type Session struct {
	id          string
	params      Params
	program     Program
	logger      *slog.Logger
	grace       time.Duration
	interrupter Interrupter

	mu       sync.Mutex
	state    State
	dev      *device.Device
	port     *device.Port
	delegate Delegate
	cancel   context.CancelFunc
	killing  bool
	status   int
	exitErr  error

	// cleanup runs inside finish before the delegate is notified.
	cleanup func(status int, err error)
	// onControl observes control signals after they are queued.
	onControl func(SignalKind)

	signals    *signalQueue
	sigOut     chan Signal
	done       chan struct{}
	finishOnce sync.Once
}

// New creates a session for program. dev may be nil; interactive I/O then
// fails with ErrNoDevice until SetDevice is called.
func New(params Params, program Program, dev *device.Device, opts ...Option) (*Session, error) {
	if program == nil {
		return nil, fmt.Errorf("session: program is required")
	}
	s := &Session{
		id:      uuid.NewString(),
		params:  params,
		program: program,
		logger:  slog.Default(),
		grace:   defaultKillGrace,
		signals: newSignalQueue(),
		sigOut:  make(chan Signal),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.id)
	if dev != nil {
		if err := s.SetDevice(dev); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Params() Params { return s.params }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the attached device, if any.
func (s *Session) Device() *device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

// SetDelegate replaces the delegate. Passing nil stops notifications.
func (s *Session) SetDelegate(d Delegate) {
	s.mu.Lock()
	s.delegate = d
	s.mu.Unlock()
}

func (s *Session) SetInterrupter(i Interrupter) {
	s.mu.Lock()
	s.interrupter = i
	s.mu.Unlock()
}

// SetDevice attaches the session to dev, releasing any previous device.
// A nil dev only detaches.
func (s *Session) SetDevice(dev *device.Device) error {
	s.mu.Lock()
	if s.state == StateFinished {
		s.mu.Unlock()
		return ErrAlreadyFinished
	}
	old := s.port
	s.port = nil
	s.dev = nil
	s.mu.Unlock()

	if old != nil {
		old.Detach()
	}
	if dev == nil {
		return nil
	}
	port, err := dev.Attach(s)
	if err != nil {
		return fmt.Errorf("session: attach device: %w", err)
	}

	s.mu.Lock()
	if s.state == StateFinished {
		s.mu.Unlock()
		port.Detach()
		return ErrAlreadyFinished
	}
	s.dev = dev
	s.port = port
	if s.state == StateSuspended {
		port.Hold(true)
	}
	s.mu.Unlock()
	return nil
}

// Execute splits args with shell quoting rules and runs the result.
func (s *Session) Execute(args string) error {
	argv, err := shellquote.Split(args)
	if err != nil {
		return fmt.Errorf("session: parse args: %w", err)
	}
	return s.Run(argv)
}

// Run starts the program on its own goroutine. A nil argv falls back to the
// session params.
func (s *Session) Run(argv []string) error {
	s.mu.Lock()
	switch s.state {
	case StateRunning, StateSuspended:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case StateFinished:
		s.mu.Unlock()
		return ErrAlreadyFinished
	}
	if argv == nil {
		argv = append([]string(nil), s.params.Argv...)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Debug("session starting", "argv", argv)
	env := newEnv(s, ctx)
	go s.pumpSignals(ctx)
	go s.main(ctx, env, argv)
	return nil
}

func (s *Session) main(ctx context.Context, env *Env, argv []string) {
	status := 0
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				status = 1
				err = fmt.Errorf("session: program panic: %v", r)
			}
		}()
		status = s.program.Main(ctx, env, argv)
	}()

	s.mu.Lock()
	killed := s.killing
	s.mu.Unlock()
	if err == nil && killed {
		err = ErrKilled
	}
	s.finish(status, err)
}

// Suspend stops the session from consuming device input while keeping its
// execution context alive.
func (s *Session) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateCreated:
		return ErrNotStarted
	case StateFinished:
		return ErrAlreadyFinished
	case StateSuspended:
		return nil
	}
	s.state = StateSuspended
	if s.port != nil {
		s.port.Hold(true)
	}
	return nil
}

// Resume undoes Suspend and delivers the current geometry.
func (s *Session) Resume() error {
	s.mu.Lock()
	switch s.state {
	case StateCreated:
		s.mu.Unlock()
		return ErrNotStarted
	case StateFinished:
		s.mu.Unlock()
		return ErrAlreadyFinished
	case StateRunning:
		s.mu.Unlock()
		return nil
	}
	s.state = StateRunning
	if s.port != nil {
		s.port.Hold(false)
	}
	s.mu.Unlock()

	s.signals.push(Signal{Kind: SignalWinch})
	return nil
}

// Kill asks the program to terminate and returns immediately. If the
// program has not returned after the grace period the session is finished
// anyway and its device released. Killing a finished session is a no-op.
func (s *Session) Kill() {
	s.mu.Lock()
	switch {
	case s.state == StateFinished || s.killing:
		s.mu.Unlock()
		return
	case s.state == StateCreated:
		s.killing = true
		s.mu.Unlock()
		s.finish(StatusKilled, ErrKilled)
		return
	}
	s.killing = true
	cancel := s.cancel
	port := s.port
	grace := s.grace
	s.mu.Unlock()

	s.logger.Debug("session kill requested")
	if port != nil {
		port.Hold(false)
	}
	cancel()

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn("session did not exit within grace period, reclaiming", "grace", grace)
			s.finish(StatusKilled, ErrKillTimeout)
		}
	}()
}

// Done is closed once the session is finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session finishes or ctx is done.
func (s *Session) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.status, s.exitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Sigwinch forwards the device geometry to the running program. It may be
// called from any goroutine and is a no-op unless the session is running.
func (s *Session) Sigwinch() {
	if s.State() != StateRunning {
		return
	}
	s.signals.push(Signal{Kind: SignalWinch})
}

// HandleControl maps a control input to the program's interrupt semantics.
// Ctrl-C also cancels outstanding asynchronous calls tied to the session,
// even while it is suspended. The session itself keeps running.
func (s *Session) HandleControl(code string) {
	kind, ok := controlSignal(code)
	if !ok {
		s.logger.Debug("ignoring unknown control", "code", code)
		return
	}
	s.mu.Lock()
	state := s.state
	interrupter := s.interrupter
	s.mu.Unlock()
	if state != StateRunning && state != StateSuspended {
		return
	}
	if kind == SignalInterrupt && interrupter != nil {
		interrupter.SignalCtrlC()
	}
	if state != StateRunning {
		return
	}
	s.signals.push(Signal{Kind: kind})
	if s.onControl != nil {
		s.onControl(kind)
	}
}

// drainSignals drops signals nobody has received yet.
func (s *Session) drainSignals() {
	s.signals.clear()
	for {
		select {
		case <-s.sigOut:
		default:
			return
		}
	}
}

func (s *Session) pumpSignals(ctx context.Context) {
	for {
		sig, ok := s.signals.pop()
		if !ok {
			select {
			case <-s.signals.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		if sig.Kind == SignalWinch {
			rows, cols, err := s.size()
			if err != nil {
				continue
			}
			sig.Rows, sig.Cols = rows, cols
		}
		select {
		case s.sigOut <- sig:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) currentPort() *device.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Session) size() (int, int, error) {
	port := s.currentPort()
	if port == nil {
		return 0, 0, ErrNoDevice
	}
	return port.Size()
}

// finish moves the session to Finished exactly once: it releases the
// device, flushes output and notifies the delegate.
func (s *Session) finish(status int, err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = StateFinished
		s.status = status
		s.exitErr = err
		port := s.port
		s.port = nil
		s.dev = nil
		cancel := s.cancel
		cleanup := s.cleanup
		delegate := s.delegate
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if port != nil {
			port.Flush()
			port.Detach()
		}
		close(s.done)

		if err != nil {
			s.logger.Info("session finished", "status", status, "error", err)
		} else {
			s.logger.Info("session finished", "status", status)
		}
		if cleanup != nil {
			cleanup(status, err)
		}
		if delegate != nil {
			delegate.SessionFinished(s, status, err)
		}
	})
}
