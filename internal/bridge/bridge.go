package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Status codes synthesized by the bridge itself. Worker responses carry
// their own (HTTP) codes.
const (
	CodeCancelled  int32 = -1
	CodeWorkerGone int32 = -2
	CodeFailed     int32 = -3
)

// ErrBridgeFailure wraps every failed or cancelled request.
var ErrBridgeFailure = errors.New("bridge: request failed")

// Request is the narrow call forwarded to the worker.
type Request struct {
	Method       string
	Target       string
	RequiresAuth bool
	Body         []byte
}

// Response is delivered exactly once per request. Body belongs to the
// receiver once delivered.
type Response struct {
	Code int32
	Body []byte
	Err  error
}

// Worker performs requests on behalf of the bridge. It must honour ctx.
type Worker interface {
	Do(ctx context.Context, req Request) (Response, error)
}

type WorkerFunc func(ctx context.Context, req Request) (Response, error)

func (f WorkerFunc) Do(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type Callback func(Response)

// Signals forwards requests from one session to a worker and cancels them
// on Ctrl-C. Every request completes exactly once: with the worker's
// response, with CodeCancelled after SignalCtrlC, or with CodeWorkerGone
// after Close.
type Signals struct {
	worker Worker
	logger *slog.Logger

	mu     sync.Mutex
	calls  map[*Call]struct{}
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Signals)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Signals) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(worker Worker, opts ...Option) *Signals {
	s := &Signals{
		worker: worker,
		logger: slog.Default(),
		calls:  make(map[*Call]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Call is one in-flight request.
type Call struct {
	Request Request

	cancel context.CancelFunc
	cb     Callback
	once   sync.Once
	done   chan struct{}
	resp   Response
}

// Done is closed once the response is available.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the response if the call has completed.
func (c *Call) Result() (Response, bool) {
	select {
	case <-c.done:
		return c.resp, true
	default:
		return Response{}, false
	}
}

// Wait blocks until the call completes or ctx is done. Giving up on ctx
// does not cancel the call.
func (c *Call) Wait(ctx context.Context) (Response, error) {
	select {
	case <-c.done:
		return c.resp, c.resp.Err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Call) complete(resp Response) bool {
	completed := false
	c.once.Do(func() {
		completed = true
		c.resp = resp
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
		if c.cb != nil {
			c.cb(resp)
		}
	})
	return completed
}

// Submit issues req and returns the pending call.
func (s *Signals) Submit(ctx context.Context, req Request) *Call {
	return s.start(ctx, req, nil)
}

// RequestService issues req and invokes cb exactly once with the outcome.
// cb runs on the goroutine that completes the call.
func (s *Signals) RequestService(req Request, cb Callback) *Call {
	return s.start(context.Background(), req, cb)
}

func (s *Signals) start(ctx context.Context, req Request, cb Callback) *Call {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithCancel(ctx)
	c := &Call{Request: req, cancel: cancel, cb: cb, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed || s.worker == nil {
		s.mu.Unlock()
		c.complete(Response{Code: CodeWorkerGone, Err: fmt.Errorf("%w: worker unavailable", ErrBridgeFailure)})
		return c
	}
	s.calls[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(callCtx, c)
	return c
}

func (s *Signals) run(ctx context.Context, c *Call) {
	defer s.wg.Done()
	defer s.forget(c)

	resp, err := s.do(ctx, c.Request)
	switch {
	case err != nil && ctx.Err() != nil:
		resp = Response{Code: CodeCancelled, Err: fmt.Errorf("%w: %w", ErrBridgeFailure, ctx.Err())}
	case err != nil:
		code := resp.Code
		if code == 0 {
			code = CodeFailed
		}
		resp = Response{Code: code, Body: resp.Body, Err: fmt.Errorf("%w: %w", ErrBridgeFailure, err)}
	}
	if !c.complete(resp) {
		s.logger.Debug("bridge response dropped after completion", "target", c.Request.Target)
	}
}

func (s *Signals) do(ctx context.Context, req Request) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return s.worker.Do(ctx, req)
}

func (s *Signals) forget(c *Call) {
	s.mu.Lock()
	delete(s.calls, c)
	s.mu.Unlock()
}

func (s *Signals) snapshot() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]*Call, 0, len(s.calls))
	for c := range s.calls {
		calls = append(calls, c)
	}
	return calls
}

// Pending returns the number of calls without a response yet.
func (s *Signals) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// SignalCtrlC cancels every outstanding call. Their callbacks fire with
// CodeCancelled.
func (s *Signals) SignalCtrlC() {
	calls := s.snapshot()
	for _, c := range calls {
		c.complete(Response{Code: CodeCancelled, Err: fmt.Errorf("%w: %w", ErrBridgeFailure, context.Canceled)})
	}
	if len(calls) > 0 {
		s.logger.Debug("bridge calls cancelled", "count", len(calls))
	}
}

// Close tears the worker side down. Outstanding calls complete with
// CodeWorkerGone and later requests fail immediately. Close waits for the
// worker goroutines to return.
func (s *Signals) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range s.snapshot() {
		c.complete(Response{Code: CodeWorkerGone, Err: fmt.Errorf("%w: worker gone", ErrBridgeFailure)})
	}
	s.wg.Wait()
}
