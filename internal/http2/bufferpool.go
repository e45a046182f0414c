package http2

import (
	"bytes"
	"sync"
)

// BufferPool lends reusable byte buffers to the Flusher, so each flush cycle
// doesn't allocate a fresh one for its combined write.
type BufferPool interface {
	Get() *bytes.Buffer
	Put(*bytes.Buffer)
}

type syncBufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a BufferPool backed by sync.Pool, grounded on the
// teacher hpack adapter's encodeBuf reuse idiom.
func NewBufferPool() BufferPool {
	return &syncBufferPool{
		pool: sync.Pool{New: func() interface{} { return new(bytes.Buffer) }},
	}
}

func (p *syncBufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func (p *syncBufferPool) Put(buf *bytes.Buffer) {
	if buf.Cap() > 1<<20 {
		// Don't let one oversized frame bloat the pool forever.
		return
	}
	p.pool.Put(buf)
}
