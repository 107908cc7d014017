package cache

import (
	"sync"
)

// BufferPool defines a generic interface for reusing large scratch
// allocations between loss computations.
type BufferPool interface {
	// Get returns a buffer of at least size bytes.
	Get(size int) []byte
	// Put returns a buffer to the pool for reuse.
	Put(buf []byte)
	// Size returns the number of buffers currently held.
	Size() int
}

// maxPerClass bounds how many idle buffers one size class retains.
const maxPerClass = 8

// MapPool is a simple in-memory implementation of BufferPool, keyed by
// exact buffer capacity. Workspace sizes repeat across requests with the
// same lattice configuration, so exact-size classes hit often.
type MapPool struct {
	free map[int][][]byte
	held int
	mu   sync.Mutex
}

func NewMapPool() *MapPool {
	return &MapPool{
		free: make(map[int][][]byte),
	}
}

func (p *MapPool) Get(size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bufs := p.free[size]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.free[size] = bufs[:len(bufs)-1]
		p.held--
		return buf
	}
	return make([]byte, size)
}

func (p *MapPool) Put(buf []byte) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	size := len(buf)
	if len(p.free[size]) >= maxPerClass {
		return
	}
	p.free[size] = append(p.free[size], buf)
	p.held++
}

func (p *MapPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}
