package relay

import "sync"

// BufferPool hands out fixed-size byte slices for forwarders.
type BufferPool struct {
	pool sync.Pool
}

func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *BufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *BufferPool) Put(b []byte) {
	// Boxing the slice header costs one small allocation per Put.
	p.pool.Put(&b)
}

var forwardBuffers = NewBufferPool(readBufferSize)
