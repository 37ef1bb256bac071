package relay

import (
	"sync"
	"sync/atomic"
)

// bufferPool hands out fixed-size outbound buffers. Gets and puts are
// counted so the status surface can report pool churn.
type bufferPool struct {
	pool sync.Pool
	gets atomic.Uint64
	puts atomic.Uint64
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{
		pool: sync.Pool{New: func() interface{} {
			b := make([]byte, size)
			return &b
		}},
	}
}

func (p *bufferPool) get() []byte {
	p.gets.Add(1)
	return *(p.pool.Get().(*[]byte))
}

func (p *bufferPool) put(b []byte) {
	p.puts.Add(1)
	p.pool.Put(&b)
}

func (p *bufferPool) stats() (gets, puts uint64) {
	return p.gets.Load(), p.puts.Load()
}
