package session

import (
	"strings"
	"sync"
)

type SignalKind int

const (
	SignalWinch SignalKind = iota
	SignalInterrupt
	SignalEOF
	SignalQuit
	SignalSuspend
)

func (k SignalKind) String() string {
	switch k {
	case SignalWinch:
		return "winch"
	case SignalInterrupt:
		return "interrupt"
	case SignalEOF:
		return "eof"
	case SignalQuit:
		return "quit"
	case SignalSuspend:
		return "suspend"
	default:
		return "unknown"
	}
}

// Signal is an out-of-band event delivered to a running program. Rows and
// Cols are set for SignalWinch and reflect the geometry at delivery time.
type Signal struct {
	Kind SignalKind
	Rows int
	Cols int
}

// controlSignal maps a control input from the surface to a signal.
func controlSignal(code string) (SignalKind, bool) {
	c := strings.ToLower(strings.TrimSpace(code))
	c = strings.TrimPrefix(c, "ctrl-")
	c = strings.TrimPrefix(c, "c-")
	switch c {
	case "c", "\x03":
		return SignalInterrupt, true
	case "d", "\x04":
		return SignalEOF, true
	case "\\", "\x1c":
		return SignalQuit, true
	case "z", "\x1a":
		return SignalSuspend, true
	}
	return 0, false
}

// maxQueuedSignals bounds the queue of a program that does not read its
// signals. The oldest signal is dropped to make room.
const maxQueuedSignals = 64

// signalQueue is a bounded FIFO of signals. Consecutive winches collapse
// into one since the receiver reads the current geometry anyway.
type signalQueue struct {
	mu     sync.Mutex
	items  []Signal
	notify chan struct{}
}

func newSignalQueue() *signalQueue {
	return &signalQueue{notify: make(chan struct{}, 1)}
}

func (q *signalQueue) push(sig Signal) {
	q.mu.Lock()
	if n := len(q.items); sig.Kind == SignalWinch && n > 0 && q.items[n-1].Kind == SignalWinch {
		q.items[n-1] = sig
	} else {
		if n >= maxQueuedSignals {
			q.items = append(q.items[:0], q.items[1:]...)
		}
		q.items = append(q.items, sig)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *signalQueue) pop() (Signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Signal{}, false
	}
	sig := q.items[0]
	q.items = q.items[1:]
	return sig, true
}

func (q *signalQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
