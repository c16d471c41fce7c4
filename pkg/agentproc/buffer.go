package agentproc

import "sync"

// ringBuffer keeps the most recent output bytes for late-joining
// diagnostics. Writes past capacity evict the oldest bytes.
type ringBuffer struct {
	mu   sync.Mutex
	data []byte
	cap  int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 64 * 1024
	}
	return &ringBuffer{cap: capacity}
}

func (b *ringBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.cap {
		b.data = append(b.data[:0], p[len(p)-b.cap:]...)
		return
	}

	b.data = append(b.data, p...)
	if overflow := len(b.data) - b.cap; overflow > 0 {
		b.data = append(b.data[:0], b.data[overflow:]...)
	}
}

func (b *ringBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}
