package arena

import (
	"math/bits"
	"sync"
)

// Pool recycles arena regions by power-of-two size class so that releasing
// and reacquiring scratch memory does not churn the heap.
type Pool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats counts traffic through one size class.
type PoolStats struct {
	Gets   int64
	Puts   int64
	Misses int64
	InUse  int64
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed buffer of exactly size bytes whose backing array is
// aligned to Alignment.
func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	class := sizeClass(size)

	p.mu.Lock()
	pool, ok := p.pools[class]
	if !ok {
		pool = &sync.Pool{}
		p.pools[class] = pool
		p.stats[class] = &PoolStats{}
	}
	st := p.stats[class]
	st.Gets++
	st.InUse++
	p.mu.Unlock()

	buf, _ := pool.Get().([]byte)
	if buf == nil {
		p.mu.Lock()
		st.Misses++
		p.mu.Unlock()
		buf = alignedAlloc(class)
	}
	buf = buf[:size]
	clear(buf)
	return buf
}

// Put hands a buffer obtained from Get back to its size class.
func (p *Pool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	class := sizeClass(cap(buf))

	p.mu.Lock()
	pool, ok := p.pools[class]
	if !ok || class != cap(buf) {
		p.mu.Unlock()
		return
	}
	st := p.stats[class]
	st.Puts++
	st.InUse--
	p.mu.Unlock()

	pool.Put(buf[:cap(buf)])
}

// Stats returns a copy of the per-class counters.
func (p *Pool) Stats() map[int]PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]PoolStats, len(p.stats))
	for class, st := range p.stats {
		out[class] = *st
	}
	return out
}

func sizeClass(n int) int {
	if n <= Alignment {
		return Alignment
	}
	return 1 << bits.Len(uint(n-1))
}
