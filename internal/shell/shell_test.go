package shell

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/flowterm/internal/bridge"
	"github.com/user/flowterm/internal/db"
	"github.com/user/flowterm/internal/device"
	"github.com/user/flowterm/internal/session"
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

type finishedClient struct {
	started  chan session.Command
	finished chan session.Event
}

func (c *finishedClient) Notify(ev session.Event) {
	switch ev.Type {
	case session.EventCommandStarted:
		c.started <- ev.Command
	case session.EventCommandFinished:
		c.finished <- ev
	}
}

type harness struct {
	cs     *session.CommandSession
	dev    *device.Device
	out    *syncBuffer
	events *finishedClient
}

func newHarness(t *testing.T, cfg Config, opts ...session.Option) *harness {
	t.Helper()
	dev := device.New(device.WithSize(24, 80))
	out := &syncBuffer{}
	dev.AttachOutput(out)

	cs, err := session.NewCommandSession(session.Params{}, session.CommandConfig{Runner: New(cfg)}, dev, opts...)
	if err != nil {
		t.Fatalf("NewCommandSession() error = %v", err)
	}
	events := &finishedClient{started: make(chan session.Command, 16), finished: make(chan session.Event, 16)}
	cs.RegisterClient(events)
	if err := cs.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	t.Cleanup(cs.Kill)
	return &harness{cs: cs, dev: dev, out: out, events: events}
}

func (h *harness) run(t *testing.T, line string) int {
	t.Helper()
	if err := h.cs.EnqueueCommand(line, true); err != nil {
		t.Fatalf("EnqueueCommand(%q) error = %v", line, err)
	}
	return h.wait(t)
}

func (h *harness) wait(t *testing.T) int {
	t.Helper()
	select {
	case ev := <-h.events.finished:
		return ev.Status
	case <-time.After(5 * time.Second):
		t.Fatal("command did not finish")
		return -1
	}
}

func TestBuiltins(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	h := newHarness(t, Config{})

	tests := []struct {
		line       string
		wantStatus int
		wantOut    string
	}{
		{line: "echo hello   world", wantOut: "hello world"},
		{line: "size", wantOut: "24 80"},
		{line: "cd " + dir},
		{line: "cd sub"},
		{line: "pwd", wantOut: sub},
		{line: "cd missing-dir", wantStatus: StatusFailure, wantOut: "cd:"},
		{line: "help", wantOut: "history [n]"},
		{line: "history", wantStatus: StatusFailure, wantOut: "not available"},
		{line: "sleep nope", wantStatus: session.StatusUsage},
		{line: "curl /x", wantStatus: StatusFailure, wantOut: "no service"},
	}
	for _, tt := range tests {
		if got := h.run(t, tt.line); got != tt.wantStatus {
			t.Fatalf("%q status = %d, want %d (output %q)", tt.line, got, tt.wantStatus, h.out.String())
		}
		if tt.wantOut != "" && !strings.Contains(h.out.String(), tt.wantOut) {
			t.Fatalf("%q output = %q, want it to contain %q", tt.line, h.out.String(), tt.wantOut)
		}
	}
}

func TestExternalCommandRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{})
	if got := h.run(t, "cd "+dir); got != 0 {
		t.Fatalf("cd status = %d", got)
	}
	if got := h.run(t, "sh -c 'pwd; exit 3'"); got != 3 {
		t.Fatalf("status = %d, want 3", got)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if out := h.out.String(); !strings.Contains(out, dir) && !strings.Contains(out, resolved) {
		t.Fatalf("output = %q, want the working directory %q", out, dir)
	}
}

func TestSleepInterruptedByCtrlC(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.cs.EnqueueCommand("sleep 30", true); err != nil {
		t.Fatalf("EnqueueCommand() error = %v", err)
	}
	<-h.events.started
	time.Sleep(20 * time.Millisecond)
	h.dev.HandleControl("c")
	if got := h.wait(t); got != StatusInterrupted {
		t.Fatalf("status = %d, want %d", got, StatusInterrupted)
	}
	if got := h.run(t, "echo still-here"); got != 0 {
		t.Fatalf("next command status = %d", got)
	}
}

func TestHistoryBuiltinReadsStore(t *testing.T) {
	store, err := db.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	defer store.Close()
	repo := db.NewHistoryRepo(store.SQL())
	for _, line := range []string{"ls", "make test"} {
		if err := repo.AppendHistory(context.Background(), "s1", line); err != nil {
			t.Fatalf("AppendHistory() error = %v", err)
		}
	}

	h := newHarness(t, Config{History: repo})
	if got := h.run(t, "history 5"); got != 0 {
		t.Fatalf("history status = %d", got)
	}
	out := h.out.String()
	if !strings.Contains(out, "1  ls") || !strings.Contains(out, "2  make test") {
		t.Fatalf("history output = %q", out)
	}
}

func TestCurlBuiltin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			_, _ = w.Write([]byte("all good"))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	signals := bridge.New(bridge.NewHTTPWorker(bridge.HTTPConfig{BaseURL: srv.URL}))
	defer signals.Close()
	h := newHarness(t, Config{Bridge: signals}, session.WithInterrupter(signals))

	if got := h.run(t, "curl /status"); got != 0 {
		t.Fatalf("curl status = %d (output %q)", got, h.out.String())
	}
	if !strings.Contains(h.out.String(), "all good") {
		t.Fatalf("output = %q", h.out.String())
	}
	if got := h.run(t, "curl /broken"); got != StatusFailure {
		t.Fatalf("curl /broken status = %d, want %d", got, StatusFailure)
	}
}

func TestCurlCancelledByCtrlC(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	worker := bridge.WorkerFunc(func(ctx context.Context, req bridge.Request) (bridge.Response, error) {
		select {
		case <-ctx.Done():
			return bridge.Response{}, ctx.Err()
		case <-release:
			return bridge.Response{Code: 200}, nil
		}
	})
	signals := bridge.New(worker)
	defer signals.Close()
	h := newHarness(t, Config{Bridge: signals}, session.WithInterrupter(signals))

	if err := h.cs.EnqueueCommand("curl /slow", true); err != nil {
		t.Fatalf("EnqueueCommand() error = %v", err)
	}
	<-h.events.started
	deadline := time.Now().Add(2 * time.Second)
	for signals.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.dev.HandleControl("c")
	if got := h.wait(t); got != StatusInterrupted {
		t.Fatalf("status = %d, want %d", got, StatusInterrupted)
	}
	if h.cs.State() != session.StateRunning {
		t.Fatalf("State() = %v, want running", h.cs.State())
	}
}

func TestIsBuiltin(t *testing.T) {
	if !IsBuiltin("history") || IsBuiltin("ls") {
		t.Fatal("IsBuiltin gave the wrong answer")
	}
}
