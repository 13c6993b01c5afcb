package terminal

import (
	"sync"
	"unicode/utf8"
)

// outputBuffer keeps the most recent limit bytes of combined output. When
// it overflows the oldest bytes are dropped, never splitting a UTF-8
// sequence, and the buffer is marked truncated.
type outputBuffer struct {
	mu        sync.Mutex
	limit     int
	data      []byte
	truncated bool
}

func newOutputBuffer(limit int) *outputBuffer {
	if limit <= 0 {
		limit = DefaultOutputByteLimit
	}
	return &outputBuffer{limit: limit}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n > b.limit {
		// Only the tail of p can survive; skip copying the rest.
		p = p[n-b.limit:]
		b.data = b.data[:0]
		b.truncated = true
	}
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.truncated = true
		cut := over
		for cut < len(b.data) && !utf8.RuneStart(b.data[cut]) {
			cut++
		}
		copy(b.data, b.data[cut:])
		b.data = b.data[:len(b.data)-cut]
	}
	if b.truncated && len(b.data) > 0 && !utf8.RuneStart(b.data[0]) {
		// A chunk larger than the limit may start mid-sequence.
		cut := 0
		for cut < len(b.data) && !utf8.RuneStart(b.data[cut]) {
			cut++
		}
		b.data = b.data[cut:]
	}
	return n, nil
}

func (b *outputBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data), b.truncated
}
