package relay

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	defaultHighWatermark = 64 << 10
	defaultLowWatermark  = 32 << 10
	readBufferSize       = 32 << 10
)

// ErrClosed is returned by operations on a closed Endpoint.
var ErrClosed = net.ErrClosed

// Options tunes an Endpoint.
type Options struct {
	// HighWatermark is the number of queued outbound bytes at which the
	// endpoint becomes unwritable.
	HighWatermark int
	// LowWatermark is the number of queued outbound bytes at or below which
	// an unwritable endpoint becomes writable again.
	LowWatermark int
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.HighWatermark <= 0 {
		o.HighWatermark = defaultHighWatermark
	}
	if o.LowWatermark <= 0 || o.LowWatermark >= o.HighWatermark {
		o.LowWatermark = min(defaultLowWatermark, o.HighWatermark/2)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Endpoint is one side of a relay.
//
// Writes never block: they are appended to an outbound queue drained by a
// writer goroutine. When the queue crosses the high watermark the endpoint
// becomes unwritable, and it becomes writable again once drained to the low
// watermark. Reads pass through a valve (auto-read) that a peer may close to
// throttle this side.
//
// An Endpoint may be created pending, before its connection exists. Writes
// to a pending endpoint are queued and flushed in order once Attach is
// called; reads block until then.
type Endpoint struct {
	opts Options
	log  *zap.Logger

	conn     net.Conn
	r        *bufio.Reader
	attached chan struct{}
	done     chan struct{}

	autoRead valve

	mu       sync.Mutex
	cond     *sync.Cond
	queue    Queue
	writable bool
	closing  bool
	closed   bool
	hooks    []func()

	notifyMu     sync.Mutex
	notified     bool
	onWritable   func(bool)
	closeOnce    sync.Once
	attachOnce   sync.Once
	bytesWritten atomic.Int64
}

// NewEndpoint returns an attached Endpoint for conn.
func NewEndpoint(conn net.Conn, opts Options) *Endpoint {
	e := NewPendingEndpoint(opts)
	_ = e.Attach(conn)
	return e
}

// NewPendingEndpoint returns an Endpoint that queues writes until Attach.
func NewPendingEndpoint(opts Options) *Endpoint {
	opts = opts.withDefaults()
	e := &Endpoint{
		opts:     opts,
		log:      opts.Logger,
		attached: make(chan struct{}),
		done:     make(chan struct{}),
		writable: true,
		notified: true,
	}
	e.cond = sync.NewCond(&e.mu)
	e.autoRead.init()
	e.r = bufio.NewReaderSize(endpointReader{e}, readBufferSize)
	return e
}

// Attach binds conn to a pending endpoint and starts flushing queued
// writes to it. If the endpoint was closed in the meantime, conn is closed
// and ErrClosed is returned.
func (e *Endpoint) Attach(conn net.Conn) error {
	err := errors.New("relay: endpoint already attached")
	e.attachOnce.Do(func() {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			_ = conn.Close()
			err = ErrClosed
			return
		}
		e.conn = conn
		e.mu.Unlock()

		close(e.attached)
		go e.writeLoop()
		err = nil
	})
	return err
}

// Attached reports whether the endpoint has a connection.
func (e *Endpoint) Attached() bool {
	select {
	case <-e.attached:
		return true
	default:
		return false
	}
}

// Conn returns the underlying connection, or nil while pending.
func (e *Endpoint) Conn() net.Conn {
	if !e.Attached() {
		return nil
	}
	return e.conn
}

// Reader returns the buffered reader used for all reads of e. Protocol
// decoders read through it so bytes they peek at stay visible to later
// readers.
func (e *Endpoint) Reader() *bufio.Reader {
	return e.r
}

// Peek returns the next n bytes without consuming them.
func (e *Endpoint) Peek(n int) ([]byte, error) {
	return e.r.Peek(n)
}

// Read reads through the endpoint's buffered reader.
func (e *Endpoint) Read(p []byte) (int, error) {
	return e.r.Read(p)
}

// Write queues a copy of p for the writer goroutine.
func (e *Endpoint) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b := make([]byte, len(p))
	copy(b, p)

	e.mu.Lock()
	if e.closed || e.closing {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	e.queue.Push(b)
	if e.writable && e.queue.Len() >= e.opts.HighWatermark {
		e.writable = false
	}
	e.cond.Signal()
	e.mu.Unlock()

	e.notifyWritability()
	return len(p), nil
}

// Writable reports whether the outbound queue is below the high watermark.
func (e *Endpoint) Writable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writable
}

// Queued returns the number of bytes waiting to be written.
func (e *Endpoint) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// BytesWritten returns the number of bytes written to the connection.
func (e *Endpoint) BytesWritten() int64 {
	return e.bytesWritten.Load()
}

// OnWritabilityChanged sets the function called when Writable changes.
// Only the most recently set function is called.
func (e *Endpoint) OnWritabilityChanged(fn func(writable bool)) {
	e.notifyMu.Lock()
	e.onWritable = fn
	e.notifyMu.Unlock()
}

// SetAutoRead opens or closes the read valve.
func (e *Endpoint) SetAutoRead(on bool) {
	e.autoRead.set(on)
}

// AutoRead reports whether the read valve is open.
func (e *Endpoint) AutoRead() bool {
	return e.autoRead.isOpen()
}

// OnClose registers fn to run once when the endpoint closes. If it is
// already closed, fn runs immediately.
func (e *Endpoint) OnClose(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fn()
		return
	}
	e.hooks = append(e.hooks, fn)
	e.mu.Unlock()
}

// Active reports whether the endpoint is open.
func (e *Endpoint) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

// Done is closed once the endpoint is closed.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// CloseAfterFlush closes the endpoint once every queued byte has been
// written. Further writes are rejected. A pending endpoint is flushed and
// closed as soon as it is attached.
func (e *Endpoint) CloseAfterFlush() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closing = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Close closes the endpoint immediately, discarding anything still queued.
// It is idempotent; close hooks run exactly once.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		discarded := e.queue.Discard()
		hooks := e.hooks
		e.hooks = nil
		conn := e.conn
		e.cond.Broadcast()
		e.mu.Unlock()

		if discarded > 0 {
			if ce := e.log.Check(zap.DebugLevel, "discarding queued bytes"); ce != nil {
				ce.Write(zap.Int("bytes", discarded))
			}
		}

		e.autoRead.close()
		if conn != nil {
			err = conn.Close()
		}
		for _, fn := range hooks {
			fn()
		}
		close(e.done)
	})
	return err
}

// LocalAddr returns the local address of the connection.
func (e *Endpoint) LocalAddr() net.Addr {
	if c := e.Conn(); c != nil {
		return c.LocalAddr()
	}
	return pendingAddr{}
}

// RemoteAddr returns the remote address of the connection.
func (e *Endpoint) RemoteAddr() net.Addr {
	if c := e.Conn(); c != nil {
		return c.RemoteAddr()
	}
	return pendingAddr{}
}

// SetDeadline sets the read and write deadlines of the connection.
func (e *Endpoint) SetDeadline(t time.Time) error {
	if c := e.Conn(); c != nil {
		return c.SetDeadline(t)
	}
	return nil
}

// SetReadDeadline sets the read deadline of the connection.
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	if c := e.Conn(); c != nil {
		return c.SetReadDeadline(t)
	}
	return nil
}

// SetWriteDeadline sets the write deadline of the connection.
func (e *Endpoint) SetWriteDeadline(t time.Time) error {
	if c := e.Conn(); c != nil {
		return c.SetWriteDeadline(t)
	}
	return nil
}

func (e *Endpoint) writeLoop() {
	for {
		e.mu.Lock()
		for e.queue.Len() == 0 && !e.closed && !e.closing {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		chunk, ok := e.queue.Pop()
		if !ok {
			// Closing with nothing left to flush.
			e.mu.Unlock()
			_ = e.Close()
			return
		}
		e.mu.Unlock()

		n, err := e.conn.Write(chunk)
		e.bytesWritten.Add(int64(n))

		e.mu.Lock()
		e.queue.Written(len(chunk))
		if !e.writable && e.queue.Len() <= e.opts.LowWatermark {
			e.writable = true
		}
		e.mu.Unlock()
		e.notifyWritability()

		if err != nil {
			if ce := e.log.Check(zap.DebugLevel, "endpoint write failed"); ce != nil {
				ce.Write(zap.Error(err))
			}
			_ = e.Close()
			return
		}
	}
}

// notifyWritability delivers the current writability to the callback if it
// differs from what was last delivered. Deliveries are serialized so the
// callback always ends up seeing the latest state.
func (e *Endpoint) notifyWritability() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	cur := e.Writable()
	if cur == e.notified {
		return
	}
	e.notified = cur
	if e.onWritable != nil {
		e.onWritable(cur)
	}
}

// endpointReader feeds the buffered reader: it waits for the connection to
// be attached and for the auto-read valve to be open.
type endpointReader struct {
	e *Endpoint
}

func (r endpointReader) Read(p []byte) (int, error) {
	e := r.e
	select {
	case <-e.attached:
	case <-e.done:
		return 0, ErrClosed
	}
	if !e.autoRead.wait() {
		return 0, ErrClosed
	}
	return e.conn.Read(p)
}

type pendingAddr struct{}

func (pendingAddr) Network() string { return "pending" }
func (pendingAddr) String() string  { return "pending" }

// valve blocks readers while closed (auto-read off).
type valve struct {
	mu     sync.Mutex
	cond   *sync.Cond
	open   bool
	closed bool
}

func (v *valve) init() {
	v.cond = sync.NewCond(&v.mu)
	v.open = true
}

func (v *valve) set(open bool) {
	v.mu.Lock()
	v.open = open
	v.cond.Broadcast()
	v.mu.Unlock()
}

func (v *valve) isOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

func (v *valve) close() {
	v.mu.Lock()
	v.closed = true
	v.cond.Broadcast()
	v.mu.Unlock()
}

// wait blocks until the valve is open. It returns false if the valve was
// closed for good.
func (v *valve) wait() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for !v.open && !v.closed {
		v.cond.Wait()
	}
	return !v.closed
}
