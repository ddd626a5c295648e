// Package buffer pools the scratch buffers the I/O node reads file data into.
package buffer

import (
	"sync"
	"sync/atomic"
)

const minBucket = 4096

// BytePool hands out byte slices from power-of-two size buckets between 4KiB
// and the configured maximum. Larger requests are allocated directly.
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewBytePool creates a pool whose largest bucket holds at least limit bytes.
func NewBytePool(limit int) *BytePool {
	if limit < minBucket {
		limit = minBucket
	}
	p := &BytePool{}
	for size := minBucket; ; size <<= 1 {
		size := size
		p.sizes = append(p.sizes, size)
		p.pools = append(p.pools, &sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		})
		if size >= limit {
			break
		}
	}
	return p
}

// Get retrieves a byte slice of length size.
func (p *BytePool) Get(size int) []byte {
	for i, bucket := range p.sizes {
		if bucket >= size {
			p.hits.Add(1)
			buf := p.pools[i].Get().(*[]byte)
			return (*buf)[:size]
		}
	}
	p.misses.Add(1)
	return make([]byte, size)
}

// Put returns a slice obtained from Get. Slices of foreign capacity are left
// to the garbage collector.
func (p *BytePool) Put(buf []byte) {
	c := cap(buf)
	for i, bucket := range p.sizes {
		if bucket == c {
			buf = buf[:c]
			clear(buf)
			p.pools[i].Put(&buf)
			return
		}
	}
}

// PoolStats describes a BytePool.
type PoolStats struct {
	PoolSizes     []int  `json:"pool_sizes"`
	MaxBufferSize int    `json:"max_buffer_size"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
}

// Stats returns the bucket layout and the hit counters.
func (p *BytePool) Stats() PoolStats {
	sizes := make([]int, len(p.sizes))
	copy(sizes, p.sizes)
	return PoolStats{
		PoolSizes:     sizes,
		MaxBufferSize: sizes[len(sizes)-1],
		Hits:          p.hits.Load(),
		Misses:        p.misses.Load(),
	}
}
