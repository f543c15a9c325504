package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeOwner struct {
	winch    atomic.Int32
	controls chan string
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{controls: make(chan string, 8)}
}

func (o *fakeOwner) Sigwinch() { o.winch.Add(1) }

func (o *fakeOwner) HandleControl(code string) { o.controls <- code }

type fakeInput struct {
	mu     sync.Mutex
	secure []bool
}

func (i *fakeInput) SetSecureTextEntry(secure bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.secure = append(i.secure, secure)
}

func (i *fakeInput) Reset() {}

func (i *fakeInput) calls() []bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]bool(nil), i.secure...)
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) LineSubmitted(line string) { r.RecordLine(line) }

func (r *lineRecorder) RecordLine(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *lineRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// startPrompt runs Prompt in a goroutine and waits until it is pending.
func startPrompt(t *testing.T, d *Device, ctx context.Context, prompt string, secure, shell bool) <-chan readlineResult {
	t.Helper()
	ch := make(chan readlineResult, 1)
	go func() {
		line, err := d.Prompt(ctx, prompt, secure, shell)
		ch <- readlineResult{line: line, err: err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !d.ReadlinePending() {
		if time.Now().After(deadline) {
			t.Fatal("prompt never became pending")
		}
		time.Sleep(time.Millisecond)
	}
	return ch
}

func waitResult(t *testing.T, ch <-chan readlineResult) readlineResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prompt result")
		return readlineResult{}
	}
}

func TestResize(t *testing.T) {
	tests := []struct {
		name     string
		rows     int
		cols     int
		wantErr  bool
		wantRows int
		wantCols int
	}{
		{name: "valid", rows: 40, cols: 120, wantRows: 40, wantCols: 120},
		{name: "minimum", rows: 1, cols: 1, wantRows: 1, wantCols: 1},
		{name: "zero rows", rows: 0, cols: 80, wantErr: true, wantRows: 24, wantCols: 80},
		{name: "zero cols", rows: 24, cols: 0, wantErr: true, wantRows: 24, wantCols: 80},
		{name: "negative", rows: -3, cols: -3, wantErr: true, wantRows: 24, wantCols: 80},
		{name: "maximum", rows: 65535, cols: 65535, wantRows: 65535, wantCols: 65535},
		{name: "rows overflow pty size", rows: 65536, cols: 80, wantErr: true, wantRows: 24, wantCols: 80},
		{name: "cols overflow pty size", rows: 24, cols: 70000, wantErr: true, wantRows: 24, wantCols: 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New()
			err := d.Resize(tt.rows, tt.cols)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSize) {
					t.Fatalf("Resize() error = %v, want ErrInvalidSize", err)
				}
			} else if err != nil {
				t.Fatalf("Resize() error = %v", err)
			}
			rows, cols := d.Size()
			if rows != tt.wantRows || cols != tt.wantCols {
				t.Fatalf("Size() = %dx%d, want %dx%d", rows, cols, tt.wantRows, tt.wantCols)
			}
		})
	}
}

func TestResizeNotifiesAttachedOwnerOncePerCall(t *testing.T) {
	d := New()
	owner := newFakeOwner()
	if _, err := d.Attach(owner); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := d.Resize(30+i, 100); err != nil {
			t.Fatalf("Resize() error = %v", err)
		}
	}
	_ = d.Resize(0, 0)

	if got := owner.winch.Load(); got != 3 {
		t.Fatalf("Sigwinch calls = %d, want 3", got)
	}
}

func TestPromptBusyLeavesPendingPromptIntact(t *testing.T) {
	d := New()
	first := startPrompt(t, d, context.Background(), "> ", false, false)

	if _, err := d.Prompt(context.Background(), "again> ", false, false); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Prompt() error = %v, want ErrBusy", err)
	}

	d.Submit("hello")
	res := waitResult(t, first)
	if res.err != nil || res.line != "hello" {
		t.Fatalf("first prompt = (%q, %v), want (hello, nil)", res.line, res.err)
	}
}

func TestClosePendingPromptReturnsClosed(t *testing.T) {
	d := New()
	ch := startPrompt(t, d, context.Background(), "> ", false, false)

	d.Close()
	res := waitResult(t, ch)
	if !errors.Is(res.err, ErrClosed) {
		t.Fatalf("prompt error = %v, want ErrClosed", res.err)
	}

	if _, err := d.Prompt(context.Background(), "> ", false, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("Prompt() after Close error = %v, want ErrClosed", err)
	}
	d.Close()
}

func TestPromptContextCancel(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := startPrompt(t, d, ctx, "", false, false)
	cancel()

	res := waitResult(t, ch)
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("prompt error = %v, want context.Canceled", res.err)
	}
	if d.ReadlinePending() {
		t.Fatal("readline still pending after cancel")
	}
}

func TestWriteAfterCloseIsNoop(t *testing.T) {
	out := &syncBuffer{}
	d := New()
	d.AttachOutput(out)
	d.Write("before")
	d.Close()
	d.Write("after")
	d.WriteRaw([]byte("raw"))

	if got := out.String(); got != "before" {
		t.Fatalf("output = %q, want %q", got, "before")
	}
}

func TestAutoCR(t *testing.T) {
	out := &syncBuffer{}
	d := New(WithAutoCR(true))
	d.AttachOutput(out)

	d.Write("a\nb\r\nc")
	d.WriteRaw([]byte("\n"))

	if got, want := out.String(), "a\r\nb\r\nc\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestAttachOutputFlushesPending(t *testing.T) {
	d := New()
	d.Write("early ")
	out := &syncBuffer{}
	d.AttachOutput(out)
	d.AttachOutput(out)
	d.Write("late")

	if got := out.String(); got != "early late" {
		t.Fatalf("output = %q", got)
	}
}

func TestWriteInEditsLineAndEchoes(t *testing.T) {
	out := &syncBuffer{}
	history := &lineRecorder{}
	d := New(WithHistory(history))
	d.AttachOutput(out)

	ch := startPrompt(t, d, context.Background(), "$ ", false, true)
	d.WriteIn([]byte("lx\x7fs -l\rnext"))

	res := waitResult(t, ch)
	if res.err != nil || res.line != "ls -l" {
		t.Fatalf("prompt = (%q, %v), want (ls -l, nil)", res.line, res.err)
	}
	if got, want := out.String(), "$ lx\b \bs -l\r\n"; got != want {
		t.Fatalf("echo = %q, want %q", got, want)
	}
	if got := history.all(); len(got) != 1 || got[0] != "ls -l" {
		t.Fatalf("history = %v", got)
	}

	owner := newFakeOwner()
	port, err := d.Attach(owner)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	buf := make([]byte, 16)
	n, err := port.Read(buf)
	if err != nil || string(buf[:n]) != "next" {
		t.Fatalf("Read() = (%q, %v), want leftover input", buf[:n], err)
	}
}

func TestSecurePromptSuppressesEchoAndRestoresInput(t *testing.T) {
	out := &syncBuffer{}
	in := &fakeInput{}
	history := &lineRecorder{}
	d := New(WithHistory(history))
	d.AttachOutput(out)
	d.AttachInput(in)

	ch := startPrompt(t, d, context.Background(), "Password: ", true, true)
	if !d.SecureTextEntry() {
		t.Fatal("secure text entry not enabled during secure prompt")
	}
	d.WriteIn([]byte("hunter2\n"))

	res := waitResult(t, ch)
	if res.line != "hunter2" {
		t.Fatalf("line = %q", res.line)
	}
	if got, want := out.String(), "Password: \r\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
	if d.SecureTextEntry() {
		t.Fatal("secure text entry not restored")
	}
	if got := in.calls(); len(got) != 3 || got[0] || !got[1] || got[2] {
		t.Fatalf("input secure calls = %v, want [false true false]", got)
	}
	if len(history.all()) != 0 {
		t.Fatal("secure line must not be recorded")
	}
}

func TestCtrlCInterruptsReadline(t *testing.T) {
	d := New()
	ch := startPrompt(t, d, context.Background(), "", false, false)
	d.WriteIn([]byte("abc\x03"))

	if res := waitResult(t, ch); !errors.Is(res.err, ErrInterrupted) {
		t.Fatalf("prompt error = %v, want ErrInterrupted", res.err)
	}
}

func TestSubmitWithoutReadlineGoesToDelegate(t *testing.T) {
	d := New()
	rec := &lineRecorder{}
	d.SetDelegate(rec)
	d.Submit("uptime")

	if got := rec.all(); len(got) != 1 || got[0] != "uptime" {
		t.Fatalf("delegate lines = %v", got)
	}
}

func TestAttachReplacesOwnerAndInvalidatesOldPort(t *testing.T) {
	out := &syncBuffer{}
	d := New()
	d.AttachOutput(out)

	first := newFakeOwner()
	oldPort, err := d.Attach(first)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	pending := make(chan error, 1)
	go func() {
		_, err := oldPort.Prompt(context.Background(), "", false, false)
		pending <- err
	}()
	for !d.ReadlinePending() {
		time.Sleep(time.Millisecond)
	}

	second := newFakeOwner()
	newPort, err := d.Attach(second)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	select {
	case err := <-pending:
		if !errors.Is(err, ErrDetached) {
			t.Fatalf("old prompt error = %v, want ErrDetached", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("old prompt not finalized on re-attach")
	}

	if _, err := oldPort.Write([]byte("stale")); !errors.Is(err, ErrDetached) {
		t.Fatalf("stale Write() error = %v, want ErrDetached", err)
	}
	if _, err := oldPort.Read(make([]byte, 4)); err != io.EOF {
		t.Fatalf("stale Read() error = %v, want io.EOF", err)
	}
	if _, err := newPort.Write([]byte("fresh")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := out.String(); got != "fresh" {
		t.Fatalf("output = %q, want only fresh session output", got)
	}

	d.HandleControl("c")
	select {
	case code := <-second.controls:
		if code != "c" {
			t.Fatalf("control = %q", code)
		}
	case <-time.After(time.Second):
		t.Fatal("control not delivered to current owner")
	}
	if len(first.controls) != 0 {
		t.Fatal("control delivered to detached owner")
	}

	oldPort.Detach()
	if !d.Attached() {
		t.Fatal("stale Detach must not release the current attachment")
	}
	newPort.Detach()
	if d.Attached() {
		t.Fatal("device still attached after Detach")
	}
}

// gatedWriter blocks its first write until gate is closed.
type gatedWriter struct {
	syncBuffer
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.gate
	}
	return g.syncBuffer.Write(p)
}

func TestDetachWaitsForInFlightWrite(t *testing.T) {
	out := &gatedWriter{started: make(chan struct{}), gate: make(chan struct{})}
	d := New()
	d.AttachOutput(out)

	oldPort, err := d.Attach(newFakeOwner())
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	wrote := make(chan error, 1)
	go func() {
		_, err := oldPort.Write([]byte("stale"))
		wrote <- err
	}()
	<-out.started

	detached := make(chan struct{})
	go func() {
		oldPort.Detach()
		close(detached)
	}()
	select {
	case <-detached:
		t.Fatal("Detach() returned while a write through the port was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(out.gate)
	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("Detach() did not return after the write finished")
	}
	if err := <-wrote; err != nil {
		t.Fatalf("in-flight Write() error = %v", err)
	}

	newPort, err := d.Attach(newFakeOwner())
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := oldPort.Write([]byte("late")); !errors.Is(err, ErrDetached) {
		t.Fatalf("Write() after Detach error = %v, want ErrDetached", err)
	}
	if _, err := newPort.Write([]byte("fresh")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := out.String(); got != "stalefresh" {
		t.Fatalf("output = %q, want %q", got, "stalefresh")
	}
}

func TestReadContextCancelDoesNotConsumeInput(t *testing.T) {
	d := New()
	port, err := d.Attach(newFakeOwner())
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := port.ReadContext(ctx, make([]byte, 8))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("ReadContext() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadContext did not return after cancel")
	}

	d.WriteIn([]byte("kept"))
	buf := make([]byte, 8)
	n, err := port.Read(buf)
	if err != nil || string(buf[:n]) != "kept" {
		t.Fatalf("Read() = (%q, %v)", buf[:n], err)
	}
}

func TestHoldBlocksInput(t *testing.T) {
	d := New()
	port, err := d.Attach(newFakeOwner())
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	port.Hold(true)
	d.WriteIn([]byte("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := port.ReadContext(ctx, make([]byte, 1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("held ReadContext() error = %v, want deadline exceeded", err)
	}

	port.Hold(false)
	buf := make([]byte, 1)
	if n, err := port.Read(buf); err != nil || n != 1 || buf[0] != 'x' {
		t.Fatalf("Read() = (%d, %v)", n, err)
	}
}

func TestCloseDetachesAndUnblocksReaders(t *testing.T) {
	d := New()
	port, err := d.Attach(newFakeOwner())
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 1))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	d.Close()

	select {
	case err := <-errCh:
		if err != io.EOF {
			t.Fatalf("Read() error = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader not released by Close")
	}
	if _, err := d.Attach(newFakeOwner()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Attach() after Close error = %v, want ErrClosed", err)
	}
	if err := d.Resize(10, 10); !errors.Is(err, ErrClosed) {
		t.Fatalf("Resize() after Close error = %v, want ErrClosed", err)
	}
}

func TestKeySequence(t *testing.T) {
	tests := map[string]string{
		"Enter": "\r",
		"C-c":   "\x03",
		" up ":  "\x1b[A",
		"q":     "q",
	}
	for in, want := range tests {
		if got := KeySequence(in); got != want {
			t.Errorf("KeySequence(%q) = %q, want %q", in, got, want)
		}
	}
}
