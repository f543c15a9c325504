package session

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/flowterm/internal/device"
)

type recordingRunner struct {
	mu      sync.Mutex
	ran     []string
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
	ch      chan string
}

func newRecordingRunner(delay time.Duration) *recordingRunner {
	return &recordingRunner{delay: delay, ch: make(chan string, 32)}
}

func (r *recordingRunner) RunCommand(ctx context.Context, env *Env, argv []string) int {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		seen := r.maxSeen.Load()
		if n <= seen || r.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	line := strings.Join(argv, " ")
	r.mu.Lock()
	r.ran = append(r.ran, line)
	r.mu.Unlock()
	r.ch <- line
	if argv[0] == "fail" {
		return 1
	}
	if argv[0] == "panic" {
		panic("runner exploded")
	}
	return 0
}

func (r *recordingRunner) wait(t *testing.T) string {
	t.Helper()
	select {
	case line := <-r.ch:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("command did not run")
		return ""
	}
}

type memoryHistory struct {
	mu    sync.Mutex
	lines []string
}

func (h *memoryHistory) AppendHistory(_ context.Context, _ string, line string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, line)
	return nil
}

func (h *memoryHistory) RecordLine(line string) {
	_ = h.AppendHistory(context.Background(), "", line)
}

func (h *memoryHistory) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

type eventClient struct {
	ch chan Event
}

func (c *eventClient) Notify(ev Event) {
	select {
	case c.ch <- ev:
	default:
	}
}

func waitEvent(t *testing.T, c *eventClient, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return Event{}
		}
	}
}

func waitPrompt(t *testing.T, dev *device.Device) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dev.ReadlinePending() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("command loop never prompted")
}

func TestCommandsRunInSubmissionOrder(t *testing.T) {
	runner := newRecordingRunner(10 * time.Millisecond)
	cs, err := NewCommandSession(Params{}, CommandConfig{Runner: runner}, nil)
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer cs.Kill()

	want := []string{"one", "two", "three", "four", "five"}
	for _, cmd := range want {
		if err := cs.EnqueueCommand(cmd, false); err != nil {
			t.Fatalf("EnqueueCommand(%q) error = %v", cmd, err)
		}
	}
	for i := range want {
		if got := runner.wait(t); got != want[i] {
			t.Fatalf("command %d = %q, want %q", i, got, want[i])
		}
	}
	if seen := runner.maxSeen.Load(); seen != 1 {
		t.Fatalf("%d commands ran at once, want 1", seen)
	}
}

func TestEnqueueCommandDoesNotBlock(t *testing.T) {
	runner := newRecordingRunner(200 * time.Millisecond)
	cs, err := NewCommandSession(Params{}, CommandConfig{Runner: runner}, nil)
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer cs.Kill()

	begin := time.Now()
	_ = cs.EnqueueCommand("slow", false)
	_ = cs.EnqueueCommand("slower", false)
	if elapsed := time.Since(begin); elapsed > 100*time.Millisecond {
		t.Fatalf("EnqueueCommand() blocked for %v", elapsed)
	}

	deadline := time.Now().Add(time.Second)
	for !cs.IsRunningCommand() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !cs.IsRunningCommand() {
		t.Fatal("IsRunningCommand() = false while a command executes")
	}
	runner.wait(t)
	runner.wait(t)
}

func TestInteractiveLineRuns(t *testing.T) {
	history := &memoryHistory{}
	dev := device.New(device.WithHistory(history))
	out := &syncBuffer{}
	dev.AttachOutput(out)
	runner := newRecordingRunner(0)

	cs, err := NewCommandSession(Params{}, CommandConfig{Runner: runner, History: history, Prompt: "> "}, dev)
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer cs.Kill()

	waitPrompt(t, dev)
	dev.WriteIn([]byte("ls -la\r"))
	if got := runner.wait(t); got != "ls -la" {
		t.Fatalf("ran %q, want %q", got, "ls -la")
	}
	waitPrompt(t, dev)

	if got := history.all(); len(got) != 1 || got[0] != "ls -la" {
		t.Fatalf("history = %q, want exactly [ls -la]", got)
	}
	if !strings.Contains(out.String(), "> ls -la") {
		t.Fatalf("output = %q, want prompt and echo", out.String())
	}
}

func TestEnqueueWhilePromptingRunsImmediately(t *testing.T) {
	dev := device.New()
	runner := newRecordingRunner(0)
	history := &memoryHistory{}
	cs, err := NewCommandSession(Params{}, CommandConfig{Runner: runner, History: history}, dev)
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer cs.Kill()

	waitPrompt(t, dev)
	if err := cs.EnqueueCommand("remote", false); err != nil {
		t.Fatalf("EnqueueCommand() error = %v", err)
	}
	if got := runner.wait(t); got != "remote" {
		t.Fatalf("ran %q, want remote", got)
	}
	if err := cs.EnqueueCommand("quiet", true); err != nil {
		t.Fatalf("EnqueueCommand() error = %v", err)
	}
	runner.wait(t)
	waitPrompt(t, dev)

	if got := history.all(); len(got) != 1 || got[0] != "remote" {
		t.Fatalf("history = %q, want [remote]", got)
	}
}

func TestInterruptAtPromptReprompts(t *testing.T) {
	dev := device.New()
	out := &syncBuffer{}
	dev.AttachOutput(out)
	cs, err := NewCommandSession(Params{}, CommandConfig{Runner: newRecordingRunner(0)}, dev)
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer cs.Kill()

	waitPrompt(t, dev)
	dev.HandleControl("c")

	deadline := time.Now().Add(2 * time.Second)
	for strings.Count(out.String(), defaultPrompt) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := strings.Count(out.String(), defaultPrompt); n < 2 {
		t.Fatalf("prompt printed %d times, want a fresh prompt after interrupt", n)
	}
	if cs.State() != StateRunning {
		t.Fatalf("State() = %v, want running", cs.State())
	}
}

func TestXCallbackHookRunsAfterCommand(t *testing.T) {
	runner := newRecordingRunner(0)
	hooked := make(chan Command, 2)
	hook := func(_ context.Context, cmd Command) {
		hooked <- cmd
		panic("hook failure must not matter")
	}
	cs, err := NewCommandSession(Params{}, CommandConfig{Runner: runner, Hook: hook}, nil)
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer cs.Kill()

	success, _ := url.Parse("https://example.com/done")
	if err := cs.EnqueueXCallbackCommand("fail now", success); err != nil {
		t.Fatalf("EnqueueXCallbackCommand() error = %v", err)
	}
	runner.wait(t)

	select {
	case cmd := <-hooked:
		if cmd.Status != 1 || cmd.Callback.String() != success.String() {
			t.Fatalf("hook got status %d callback %v", cmd.Status, cmd.Callback)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion hook not invoked")
	}

	if err := cs.EnqueueCommand("after", false); err != nil {
		t.Fatalf("EnqueueCommand() error = %v", err)
	}
	if got := runner.wait(t); got != "after" {
		t.Fatalf("ran %q after hook failure, want after", got)
	}
}

func TestCommandPanicDoesNotStopQueue(t *testing.T) {
	runner := newRecordingRunner(0)
	client := &eventClient{ch: make(chan Event, 16)}
	cs, err := NewCommandSession(Params{}, CommandConfig{Runner: runner}, nil)
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	cs.RegisterClient(client)
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer cs.Kill()

	_ = cs.EnqueueCommand("panic", false)
	ev := waitEvent(t, client, EventCommandFinished)
	if ev.Status != 1 || ev.Err == nil {
		t.Fatalf("finished event = %+v, want status 1 with error", ev)
	}
	_ = cs.EnqueueCommand("next", false)
	runner.wait(t)
	if got := runner.wait(t); got != "next" {
		t.Fatalf("ran %q, want next", got)
	}
}

func TestExitCancelsQueuedCommands(t *testing.T) {
	runner := newRecordingRunner(0)
	delegate := newRecordingDelegate()
	client := &eventClient{ch: make(chan Event, 16)}
	cs, err := NewCommandSession(Params{}, CommandConfig{Runner: runner}, nil, WithDelegate(delegate))
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	cs.RegisterClient(client)

	// Queue everything before the loop starts so exit is followed by work.
	_ = cs.EnqueueCommand("exit 3", false)
	_ = cs.EnqueueCommand("never", false)
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	call := delegate.wait(t)
	if call.status != 3 || call.err != nil {
		t.Fatalf("SessionFinished(%d, %v), want (3, nil)", call.status, call.err)
	}
	ev := waitEvent(t, client, EventCommandCancelled)
	if ev.Command.Text != "never" || !errors.Is(ev.Err, ErrCommandCancelled) {
		t.Fatalf("cancelled event = %+v", ev)
	}
	waitEvent(t, client, EventSessionFinished)

	if err := cs.EnqueueCommand("late", false); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("EnqueueCommand() after finish error = %v, want ErrAlreadyFinished", err)
	}
	select {
	case line := <-runner.ch:
		t.Fatalf("runner ran %q after exit", line)
	default:
	}
}

func TestUnregisteredClientStopsReceiving(t *testing.T) {
	runner := newRecordingRunner(0)
	client := &eventClient{ch: make(chan Event, 16)}
	cs, err := NewCommandSession(Params{}, CommandConfig{Runner: runner}, nil)
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	cs.RegisterClient(client)
	cs.UnregisterClient(client)
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer cs.Kill()

	_ = cs.EnqueueCommand("one", false)
	runner.wait(t)
	select {
	case ev := <-client.ch:
		t.Fatalf("unregistered client got %s", ev.Type)
	default:
	}
}

func TestAttachDeviceWakesIdleLoop(t *testing.T) {
	runner := newRecordingRunner(0)
	cs, err := NewCommandSession(Params{}, CommandConfig{Runner: runner}, nil)
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer cs.Kill()
	waitState(t, cs.Session, StateRunning)

	dev := device.New()
	if err := cs.SetDevice(dev); err != nil {
		t.Fatalf("SetDevice() error = %v", err)
	}
	waitPrompt(t, dev)
	dev.Submit("pwd")
	if got := runner.wait(t); got != "pwd" {
		t.Fatalf("ran %q, want pwd", got)
	}
}
