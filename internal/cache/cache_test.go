package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapPoolGetAllocates(t *testing.T) {
	p := NewMapPool()
	buf := p.Get(1024)
	require.Len(t, buf, 1024)
	assert.Equal(t, 0, p.Size())
}

func TestMapPoolReuse(t *testing.T) {
	p := NewMapPool()
	buf := p.Get(512)
	buf[0] = 0xAB
	p.Put(buf)
	assert.Equal(t, 1, p.Size())

	again := p.Get(512)
	assert.Equal(t, byte(0xAB), again[0], "expected the pooled buffer back")
	assert.Equal(t, 0, p.Size())
}

func TestMapPoolSizeClasses(t *testing.T) {
	p := NewMapPool()
	p.Put(make([]byte, 256))
	p.Put(make([]byte, 512))
	assert.Equal(t, 2, p.Size())

	buf := p.Get(256)
	assert.Len(t, buf, 256)
	assert.Equal(t, 1, p.Size())
}

func TestMapPoolBoundsIdleBuffers(t *testing.T) {
	p := NewMapPool()
	for i := 0; i < 2*maxPerClass; i++ {
		p.Put(make([]byte, 64))
	}
	assert.Equal(t, maxPerClass, p.Size())
}

func TestMapPoolNilPut(t *testing.T) {
	p := NewMapPool()
	p.Put(nil)
	assert.Equal(t, 0, p.Size())
}

func TestMapPoolConcurrent(t *testing.T) {
	p := NewMapPool()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := p.Get(2048)
				p.Put(buf)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.Size(), maxPerClass)
}
