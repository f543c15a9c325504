package tab

import (
	"sync"
	"time"
)

const defaultScrollbackBytes = 256 * 1024

// Chunk is one write to a tab's output surface.
type Chunk struct {
	Data []byte
	At   time.Time
}

// scrollback keeps the most recent output of a tab, bounded in bytes.
type scrollback struct {
	mu     sync.RWMutex
	chunks []Chunk
	bytes  int
	limit  int
}

func newScrollback(limit int) *scrollback {
	if limit <= 0 {
		limit = defaultScrollbackBytes
	}
	return &scrollback{limit: limit}
}

func (s *scrollback) Add(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(data) > s.limit {
		data = data[len(data)-s.limit:]
	}
	s.chunks = append(s.chunks, Chunk{Data: append([]byte(nil), data...), At: time.Now().UTC()})
	s.bytes += len(data)
	drop := 0
	for s.bytes > s.limit && drop < len(s.chunks) {
		s.bytes -= len(s.chunks[drop].Data)
		drop++
	}
	if drop > 0 {
		s.chunks = append([]Chunk(nil), s.chunks[drop:]...)
	}
}

// Since returns the chunks written at or after since. A zero since returns
// everything kept.
func (s *scrollback) Since(since time.Time) []Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		if since.IsZero() || !c.At.Before(since) {
			result = append(result, c)
		}
	}
	return result
}

// Bytes returns the kept output as one slice.
func (s *scrollback) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, 0, s.bytes)
	for _, c := range s.chunks {
		out = append(out, c.Data...)
	}
	return out
}
