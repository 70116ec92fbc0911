package relay

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Pair.
type State int32

const (
	Unconnected State = iota
	Connected
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Pair couples a client endpoint with its upstream endpoint. It moves from
// Unconnected to Connected when an upstream is attached, to Ready when bytes
// start flowing in both directions, and to Closed when torn down. Once
// Closed it stays Closed.
type Pair struct {
	Client *Endpoint
	log    *zap.Logger

	mu       sync.Mutex
	upstream *Endpoint
	fwd      [2]*Forwarder

	state     atomic.Int32
	closeOnce sync.Once
	hooks     []func()
	done      chan struct{}
}

// NewPair returns an Unconnected pair for client. Closing client before the
// pair is Ready closes the pair.
func NewPair(client *Endpoint, log *zap.Logger) *Pair {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pair{
		Client: client,
		log:    log,
		done:   make(chan struct{}),
	}
	client.OnClose(func() {
		if p.State() != Ready {
			p.Close()
		}
	})
	return p
}

// State returns the current state.
func (p *Pair) State() State {
	return State(p.state.Load())
}

// Upstream returns the upstream endpoint, or nil before Connect.
func (p *Pair) Upstream() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upstream
}

// Connect records upstream and moves the pair to Connected. It returns
// false, and closes upstream, if the pair was not Unconnected.
func (p *Pair) Connect(upstream *Endpoint) bool {
	p.mu.Lock()
	if !p.state.CompareAndSwap(int32(Unconnected), int32(Connected)) {
		p.mu.Unlock()
		_ = upstream.Close()
		return false
	}
	p.upstream = upstream
	p.mu.Unlock()

	upstream.OnClose(func() {
		if p.State() != Ready {
			p.Close()
		}
	})
	return true
}

// Wire starts forwarding in both directions and moves the pair to Ready.
// It is a no-op unless the pair is Connected.
func (p *Pair) Wire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CompareAndSwap(int32(Connected), int32(Ready)) {
		return false
	}
	p.fwd[0] = Forward(p.Client, p.upstream, p.log.With(zap.String("dir", "up")))
	p.fwd[1] = Forward(p.upstream, p.Client, p.log.With(zap.String("dir", "down")))
	go func() {
		<-p.fwd[0].Done()
		<-p.fwd[1].Done()
		p.Close()
	}()
	return true
}

// OnClose registers fn to run when the pair closes.
func (p *Pair) OnClose(fn func()) {
	p.mu.Lock()
	if p.State() == Closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

// Done is closed once the pair is closed.
func (p *Pair) Done() <-chan struct{} {
	return p.done
}

// Close tears down both endpoints. It is idempotent.
func (p *Pair) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state.Store(int32(Closed))
		upstream := p.upstream
		hooks := p.hooks
		p.hooks = nil
		p.mu.Unlock()

		_ = p.Client.Close()
		if upstream != nil {
			_ = upstream.Close()
		}
		for _, fn := range hooks {
			fn()
		}
		close(p.done)
	})
}
