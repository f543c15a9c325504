package hub

import (
	"sync"
	"time"
)

const defaultMaxPending = 64 * 1024

// RateLimiter batches output per tab and flushes it once per interval, or
// early when a tab has buffered maxPending bytes.
type RateLimiter struct {
	mu         sync.Mutex
	pending    map[string]*pendingOutput
	interval   time.Duration
	maxPending int
	onFlush    func(tabID string, msg OutputMessage)
}

type pendingOutput struct {
	buf   []byte
	ts    int64
	timer *time.Timer
}

func NewRateLimiter(interval time.Duration, onFlush func(string, OutputMessage)) *RateLimiter {
	return &RateLimiter{
		pending:    make(map[string]*pendingOutput),
		interval:   interval,
		maxPending: defaultMaxPending,
		onFlush:    onFlush,
	}
}

// Add buffers a copy of data for tabID.
func (r *RateLimiter) Add(tabID string, data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	p, exists := r.pending[tabID]
	if !exists {
		p = &pendingOutput{}
		r.pending[tabID] = p
	}
	p.buf = append(p.buf, data...)
	p.ts = time.Now().UnixMilli()
	full := len(p.buf) >= r.maxPending
	if !full && p.timer == nil {
		p.timer = time.AfterFunc(r.interval, func() {
			r.Flush(tabID)
		})
	}
	r.mu.Unlock()

	if full {
		r.Flush(tabID)
	}
}

// Flush sends whatever is buffered for tabID now.
func (r *RateLimiter) Flush(tabID string) {
	r.mu.Lock()
	p, exists := r.pending[tabID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.pending, tabID)
	if p.timer != nil {
		p.timer.Stop()
	}
	r.mu.Unlock()

	if r.onFlush != nil && len(p.buf) > 0 {
		r.onFlush(tabID, OutputMessage{
			Type: "output",
			Tab:  tabID,
			Text: string(p.buf),
			Ts:   p.ts,
		})
	}
}

func (r *RateLimiter) FlushAll() {
	r.mu.Lock()
	tabs := make([]string, 0, len(r.pending))
	for id := range r.pending {
		tabs = append(tabs, id)
	}
	r.mu.Unlock()

	for _, id := range tabs {
		r.Flush(id)
	}
}
