// Package shell implements flowsh, the command runner behind queue
// sessions. A handful of builtins run in process; everything else is
// spawned in a pseudo terminal.
package shell

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/user/flowterm/internal/bridge"
	"github.com/user/flowterm/internal/db"
	"github.com/user/flowterm/internal/pty"
	"github.com/user/flowterm/internal/session"
)

// Exit statuses used by builtins.
const (
	StatusFailure     = 1
	StatusInterrupted = 130
)

const defaultHistoryCount = 20

// HistoryLister reads back recorded command lines, oldest first.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]*db.HistoryEntry, error)
}

type builtin struct {
	usage string
	run   func(r *Runner, ctx context.Context, env *session.Env, args []string) int
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"cd":      {usage: "cd [dir]", run: (*Runner).cd},
		"clear":   {usage: "clear", run: (*Runner).clear},
		"curl":    {usage: "curl [-X method] [-d body] [-auth] target", run: (*Runner).curl},
		"echo":    {usage: "echo [args...]", run: (*Runner).echo},
		"help":    {usage: "help", run: (*Runner).help},
		"history": {usage: "history [n]", run: (*Runner).history},
		"pwd":     {usage: "pwd", run: (*Runner).pwd},
		"size":    {usage: "size", run: (*Runner).size},
		"sleep":   {usage: "sleep seconds", run: (*Runner).sleep},
	}
}

// Runner is a session.Runner. One Runner serves one session; the working
// directory set by cd is per Runner.
type Runner struct {
	program pty.Program
	lister  HistoryLister
	bridge  *bridge.Signals

	mu  sync.Mutex
	dir string
}

type Config struct {
	// Program runs commands that are not builtins.
	Program pty.Program
	History HistoryLister
	// Bridge serves the curl builtin. Nil disables it.
	Bridge *bridge.Signals
}

func New(cfg Config) *Runner {
	return &Runner{
		program: cfg.Program,
		lister:  cfg.History,
		bridge:  cfg.Bridge,
		dir:     cfg.Program.Dir,
	}
}

// IsBuiltin reports whether name runs in process.
func IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

func (r *Runner) RunCommand(ctx context.Context, env *session.Env, argv []string) int {
	if len(argv) == 0 {
		return 0
	}
	if b, ok := builtins[argv[0]]; ok {
		return b.run(r, ctx, env, argv[1:])
	}
	prog := r.program
	prog.Dir = r.workDir(env)
	return prog.RunCommand(ctx, env, argv)
}

func (r *Runner) workDir(env *session.Env) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dir == "" {
		r.dir = env.Params().Config["dir"]
	}
	return r.dir
}

func (r *Runner) cd(_ context.Context, env *session.Env, args []string) int {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	if target == "" || target == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(env.Stderr, "cd: %v\n", err)
			return StatusFailure
		}
		target = home
	}
	if !filepath.IsAbs(target) {
		base := r.workDir(env)
		if base == "" {
			base, _ = os.Getwd()
		}
		target = filepath.Join(base, target)
	}
	info, err := os.Stat(target)
	if err != nil {
		fmt.Fprintf(env.Stderr, "cd: %v\n", err)
		return StatusFailure
	}
	if !info.IsDir() {
		fmt.Fprintf(env.Stderr, "cd: %s: not a directory\n", target)
		return StatusFailure
	}
	r.mu.Lock()
	r.dir = filepath.Clean(target)
	r.mu.Unlock()
	return 0
}

func (r *Runner) pwd(_ context.Context, env *session.Env, _ []string) int {
	dir := r.workDir(env)
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			fmt.Fprintf(env.Stderr, "pwd: %v\n", err)
			return StatusFailure
		}
	}
	fmt.Fprintln(env.Stdout, dir)
	return 0
}

func (r *Runner) clear(_ context.Context, env *session.Env, _ []string) int {
	if _, err := io.WriteString(env.Raw, "\x1b[H\x1b[2J"); err != nil {
		return StatusFailure
	}
	return 0
}

func (r *Runner) echo(_ context.Context, env *session.Env, args []string) int {
	if _, err := fmt.Fprintln(env.Stdout, strings.Join(args, " ")); err != nil {
		return StatusFailure
	}
	return 0
}

func (r *Runner) help(_ context.Context, env *session.Env, _ []string) int {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(env.Stdout, "builtins:")
	for _, name := range names {
		fmt.Fprintf(env.Stdout, "  %s\n", builtins[name].usage)
	}
	fmt.Fprintln(env.Stdout, "  exit [status]")
	fmt.Fprintln(env.Stdout, "other commands run in a pseudo terminal")
	return 0
}

func (r *Runner) history(ctx context.Context, env *session.Env, args []string) int {
	if r.lister == nil {
		fmt.Fprintln(env.Stderr, "history: not available")
		return StatusFailure
	}
	limit := defaultHistoryCount
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintf(env.Stderr, "history: invalid count %q\n", args[0])
			return session.StatusUsage
		}
		limit = n
	}
	entries, err := r.lister.List(ctx, limit)
	if err != nil {
		fmt.Fprintf(env.Stderr, "history: %v\n", err)
		return StatusFailure
	}
	for i, e := range entries {
		fmt.Fprintf(env.Stdout, "%5d  %s\n", i+1, e.Line)
	}
	return 0
}

func (r *Runner) size(_ context.Context, env *session.Env, _ []string) int {
	rows, cols, err := env.Size()
	if err != nil {
		fmt.Fprintf(env.Stderr, "size: %v\n", err)
		return StatusFailure
	}
	fmt.Fprintf(env.Stdout, "%d %d\n", rows, cols)
	return 0
}

func (r *Runner) sleep(ctx context.Context, env *session.Env, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(env.Stderr, "usage: sleep seconds")
		return session.StatusUsage
	}
	secs, err := strconv.ParseFloat(args[0], 64)
	if err != nil || secs < 0 {
		fmt.Fprintf(env.Stderr, "sleep: invalid time interval %q\n", args[0])
		return session.StatusUsage
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return 0
		case <-ctx.Done():
			return StatusInterrupted
		case sig := <-env.Signals():
			if interrupts(sig) {
				return StatusInterrupted
			}
		}
	}
}

func (r *Runner) curl(ctx context.Context, env *session.Env, args []string) int {
	if r.bridge == nil {
		fmt.Fprintln(env.Stderr, "curl: no service configured")
		return StatusFailure
	}
	fs := flag.NewFlagSet("curl", flag.ContinueOnError)
	fs.SetOutput(env.Stderr)
	method := fs.String("X", "GET", "request method")
	body := fs.String("d", "", "request body")
	auth := fs.Bool("auth", false, "send the configured bearer token")
	if err := fs.Parse(args); err != nil {
		return session.StatusUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(env.Stderr, "usage: "+builtins["curl"].usage)
		return session.StatusUsage
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req := bridge.Request{Method: *method, Target: fs.Arg(0), RequiresAuth: *auth}
	if *body != "" {
		req.Body = []byte(*body)
	}
	call := r.bridge.Submit(reqCtx, req)

	for {
		select {
		case <-call.Done():
			resp, _ := call.Result()
			return r.report(env, req, resp)
		case <-ctx.Done():
			cancel()
			<-call.Done()
			return StatusInterrupted
		case sig := <-env.Signals():
			if interrupts(sig) {
				cancel()
			}
		}
	}
}

func (r *Runner) report(env *session.Env, req bridge.Request, resp bridge.Response) int {
	if len(resp.Body) > 0 {
		_, _ = env.Stdout.Write(resp.Body)
		if resp.Body[len(resp.Body)-1] != '\n' {
			fmt.Fprintln(env.Stdout)
		}
	}
	switch {
	case resp.Code == bridge.CodeCancelled:
		fmt.Fprintln(env.Stderr, "curl: cancelled")
		return StatusInterrupted
	case resp.Err != nil:
		fmt.Fprintf(env.Stderr, "curl: %s: %v\n", req.Target, resp.Err)
		return StatusFailure
	}
	return 0
}

func interrupts(sig session.Signal) bool {
	switch sig.Kind {
	case session.SignalInterrupt, session.SignalQuit:
		return true
	}
	return false
}
