package relay

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Forwarder copies bytes read from one endpoint into another.
type Forwarder struct {
	src, dst *Endpoint
	log      *zap.Logger

	detached atomic.Bool
	bytes    atomic.Int64
	done     chan struct{}
}

// Forward starts copying src into dst and throttles src whenever dst is
// unwritable. When src reaches EOF or fails, src is closed and dst is closed
// once its queue drains, unless the forwarder was detached. When dst is no
// longer active, whatever src delivers is discarded and src is closed after
// flushing.
func Forward(src, dst *Endpoint, log *zap.Logger) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Forwarder{
		src:  src,
		dst:  dst,
		log:  log,
		done: make(chan struct{}),
	}
	Throttle(dst, src)
	go f.run()
	return f
}

// Throttle makes peer stop reading while local is unwritable.
func Throttle(local, peer *Endpoint) {
	local.OnWritabilityChanged(func(writable bool) {
		peer.SetAutoRead(writable)
	})
	peer.SetAutoRead(local.Writable())
}

// ThrottleAll makes peer read only while every one of locals is writable.
// It replaces the writability callbacks of locals.
func ThrottleAll(peer *Endpoint, locals ...*Endpoint) {
	var mu sync.Mutex
	update := func(bool) {
		mu.Lock()
		defer mu.Unlock()
		on := true
		for _, l := range locals {
			if !l.Writable() {
				on = false
				break
			}
		}
		peer.SetAutoRead(on)
	}
	for _, l := range locals {
		l.OnWritabilityChanged(update)
	}
	update(true)
}

// Detach stops f from tearing down dst when src goes away. Bytes already
// flowing through f still reach dst.
func (f *Forwarder) Detach() {
	f.detached.Store(true)
}

// Detached reports whether Detach was called.
func (f *Forwarder) Detached() bool {
	return f.detached.Load()
}

// Bytes returns the number of bytes handed to dst.
func (f *Forwarder) Bytes() int64 {
	return f.bytes.Load()
}

// Done is closed when f stops.
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}

func (f *Forwarder) run() {
	defer close(f.done)

	buf := forwardBuffers.Get()
	defer forwardBuffers.Put(buf)

	for {
		n, err := f.src.Read(buf)
		if n > 0 {
			if !f.dst.Active() {
				if ce := f.log.Check(zap.DebugLevel, "peer inactive, discarding"); ce != nil {
					ce.Write(zap.Int("bytes", n))
				}
				f.src.CloseAfterFlush()
				return
			}
			if _, werr := f.dst.Write(buf[:n]); werr != nil {
				f.src.CloseAfterFlush()
				return
			}
			f.bytes.Add(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.src.CloseAfterFlush()
			} else {
				if !errors.Is(err, ErrClosed) {
					if ce := f.log.Check(zap.DebugLevel, "forward read failed"); ce != nil {
						ce.Write(zap.Error(err))
					}
				}
				_ = f.src.Close()
			}
			if !f.detached.Load() && f.dst.Active() {
				f.dst.CloseAfterFlush()
			}
			return
		}
	}
}
