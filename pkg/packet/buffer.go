// Package packet holds the owned byte buffers produced by payload handlers
// and the ordered queue they travel in until the I/O layer sends them.
package packet

import (
	"sync"

	"github.com/tevino/abool"
)

// MaxPacketSize is the largest RTP datagram the pool hands out.
const MaxPacketSize = 1500

// Buffer is an owned byte buffer with a release function. Ownership moves
// with the pointer; whoever holds it last calls Release exactly once.
type Buffer struct {
	data     []byte
	release  func([]byte)
	released *abool.AtomicBool
}

// New wraps data. release may be nil.
func New(data []byte, release func([]byte)) *Buffer {
	return &Buffer{
		data:     data,
		release:  release,
		released: abool.New(),
	}
}

// NewOwned wraps a plain heap allocation.
func NewOwned(data []byte) *Buffer {
	return New(data, nil)
}

func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Release runs the release function. Releasing twice is a bug in the caller
// and panics.
func (b *Buffer) Release() {
	if !b.released.SetToIf(false, true) {
		panic("packet: buffer released twice")
	}
	data := b.data
	b.data = nil
	if b.release != nil {
		b.release(data)
	}
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b.released.IsSet()
}

// Pool recycles packet-sized storage between buffers.
type Pool struct {
	pool sync.Pool
	size int
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = MaxPacketSize
	}
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of length n whose release hands the storage back to
// the pool. Requests larger than the pool size fall back to a plain
// allocation.
func (p *Pool) Get(n int) *Buffer {
	if n > p.size {
		return NewOwned(make([]byte, n))
	}
	bp := p.pool.Get().(*[]byte)
	return New((*bp)[:n], func(data []byte) {
		data = data[:cap(data)]
		p.pool.Put(&data)
	})
}

// DefaultPool is shared by handlers that do not carry their own pool.
var DefaultPool = NewPool(MaxPacketSize)
