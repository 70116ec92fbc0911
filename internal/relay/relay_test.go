package relay

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func TestQueue(t *testing.T) {
	var q Queue
	q.Push([]byte("abc"))
	q.Push([]byte("de"))
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 2, q.Chunks())

	b, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "abc", string(b))
	assert.Equal(t, 5, q.Len(), "popped bytes stay counted until written")

	q.Written(3)
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, 2, q.Discard())
	assert.Equal(t, 0, q.Len())
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestEndpointWritesInOrder(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	e := NewEndpoint(a, Options{})
	defer e.Close()

	for _, s := range []string{"one ", "two ", "three"} {
		_, err := e.Write([]byte(s))
		require.NoError(t, err)
	}

	got := make([]byte, len("one two three"))
	_, err := io.ReadFull(b, got)
	require.NoError(t, err)
	assert.Equal(t, "one two three", string(got))
}

func TestPendingEndpointQueuesUntilAttach(t *testing.T) {
	e := NewPendingEndpoint(Options{})
	defer e.Close()

	assert.False(t, e.Attached())
	assert.Nil(t, e.Conn())
	assert.Equal(t, "pending", e.RemoteAddr().String())

	_, err := e.Write([]byte("early "))
	require.NoError(t, err)
	_, err = e.Write([]byte("bytes"))
	require.NoError(t, err)
	assert.Equal(t, 11, e.Queued())

	a, b := net.Pipe()
	defer b.Close()
	require.NoError(t, e.Attach(a))
	assert.Error(t, e.Attach(a), "second attach")

	got := make([]byte, 11)
	_, err = io.ReadFull(b, got)
	require.NoError(t, err)
	assert.Equal(t, "early bytes", string(got))
}

func TestAttachAfterCloseClosesConn(t *testing.T) {
	e := NewPendingEndpoint(Options{})
	_, err := e.Write([]byte("dropped"))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	a, b := net.Pipe()
	defer b.Close()
	require.ErrorIs(t, e.Attach(a), ErrClosed)

	_, err = b.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestEndpointWatermarks(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	e := NewEndpoint(a, Options{HighWatermark: 16, LowWatermark: 8})
	defer e.Close()

	var mu sync.Mutex
	var seen []bool
	e.OnWritabilityChanged(func(w bool) {
		mu.Lock()
		seen = append(seen, w)
		mu.Unlock()
	})

	_, err := e.Write(make([]byte, 10))
	require.NoError(t, err)
	assert.True(t, e.Writable())

	_, err = e.Write(make([]byte, 10))
	require.NoError(t, err)
	assert.False(t, e.Writable(), "20 queued bytes cross the high watermark")

	_, err = io.ReadFull(b, make([]byte, 20))
	require.NoError(t, err)

	require.Eventually(t, e.Writable, waitFor, time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{false, true}, seen)
	mu.Unlock()
}

func TestEndpointCloseIsIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	e := NewEndpoint(a, Options{})
	var calls int
	e.OnClose(func() { calls++ })

	require.NoError(t, e.Close())
	_ = e.Close()
	_ = e.Close()

	assert.Equal(t, 1, calls)
	assert.False(t, e.Active())
	_, err := e.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	late := false
	e.OnClose(func() { late = true })
	assert.True(t, late, "hook registered after close runs immediately")

	select {
	case <-e.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestCloseAfterFlush(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	e := NewEndpoint(a, Options{})
	_, err := e.Write([]byte("goodbye"))
	require.NoError(t, err)
	e.CloseAfterFlush()

	_, err = e.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "goodbye", string(got))
	require.Eventually(t, func() bool { return !e.Active() }, waitFor, time.Millisecond)
}

func TestAutoReadValve(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	e := NewEndpoint(a, Options{})
	defer e.Close()

	e.SetAutoRead(false)
	assert.False(t, e.AutoRead())

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 5)
		n, _ := io.ReadFull(e, buf)
		got <- string(buf[:n])
	}()

	go func() { _, _ = b.Write([]byte("hello")) }()

	select {
	case s := <-got:
		t.Fatalf("read %q with auto-read off", s)
	case <-time.After(50 * time.Millisecond):
	}

	e.SetAutoRead(true)
	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-time.After(waitFor):
		t.Fatal("read did not resume")
	}
}

func TestForwarderThrottlesSource(t *testing.T) {
	srcConn, srcPeer := net.Pipe()
	dstConn, dstPeer := net.Pipe()
	defer srcPeer.Close()
	defer dstPeer.Close()

	src := NewEndpoint(srcConn, Options{})
	dst := NewEndpoint(dstConn, Options{HighWatermark: 8, LowWatermark: 4})
	defer src.Close()
	defer dst.Close()

	f := Forward(src, dst, nil)

	go func() { _, _ = srcPeer.Write([]byte("0123456789abcdef")) }()

	require.Eventually(t, func() bool { return !src.AutoRead() }, waitFor, time.Millisecond)

	got := make([]byte, 16)
	_, err := io.ReadFull(dstPeer, got)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", string(got))

	require.Eventually(t, src.AutoRead, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return f.Bytes() == 16 }, waitFor, time.Millisecond)
}

func TestForwarderClosesPeerAfterFlush(t *testing.T) {
	srcConn, srcPeer := net.Pipe()
	dstConn, dstPeer := net.Pipe()
	defer dstPeer.Close()

	src := NewEndpoint(srcConn, Options{})
	dst := NewEndpoint(dstConn, Options{})

	f := Forward(src, dst, nil)

	go func() {
		_, _ = srcPeer.Write([]byte("last words"))
		_ = srcPeer.Close()
	}()

	got, err := io.ReadAll(dstPeer)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))

	<-f.Done()
	require.Eventually(t, func() bool { return !dst.Active() && !src.Active() }, waitFor, time.Millisecond)
}

func TestDetachedForwarderLeavesPeerOpen(t *testing.T) {
	srcConn, srcPeer := net.Pipe()
	dstConn, dstPeer := net.Pipe()
	defer dstPeer.Close()

	src := NewEndpoint(srcConn, Options{})
	dst := NewEndpoint(dstConn, Options{})
	defer dst.Close()

	f := Forward(src, dst, nil)
	f.Detach()
	assert.True(t, f.Detached())

	_ = srcPeer.Close()
	<-f.Done()

	assert.True(t, dst.Active())
	_, err := dst.Write([]byte("still here"))
	require.NoError(t, err)

	got := make([]byte, 10)
	_, err = io.ReadFull(dstPeer, got)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))
}

func TestPairLifecycle(t *testing.T) {
	clientConn, clientPeer := net.Pipe()
	upConn, upPeer := net.Pipe()
	defer upPeer.Close()

	p := NewPair(NewEndpoint(clientConn, Options{}), nil)
	assert.Equal(t, Unconnected, p.State())
	assert.False(t, p.Wire(), "cannot wire before connect")

	require.True(t, p.Connect(NewEndpoint(upConn, Options{})))
	assert.Equal(t, Connected, p.State())
	assert.NotNil(t, p.Upstream())

	require.True(t, p.Wire())
	assert.Equal(t, Ready, p.State())
	assert.False(t, p.Wire(), "wired once")

	go func() { _, _ = clientPeer.Write([]byte("ping")) }()
	got := make([]byte, 4)
	_, err := io.ReadFull(upPeer, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	go func() { _, _ = upPeer.Write([]byte("pong")) }()
	_, err = io.ReadFull(clientPeer, got)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))

	var closed int
	p.OnClose(func() { closed++ })

	_ = clientPeer.Close()
	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("pair did not close")
	}
	assert.Equal(t, Closed, p.State())
	assert.Equal(t, 1, closed)

	p.Close()
	assert.Equal(t, 1, closed)
}

func TestPairConnectAfterClose(t *testing.T) {
	clientConn, clientPeer := net.Pipe()
	defer clientPeer.Close()
	p := NewPair(NewEndpoint(clientConn, Options{}), nil)
	p.Close()

	upConn, upPeer := net.Pipe()
	defer upPeer.Close()
	up := NewEndpoint(upConn, Options{})
	assert.False(t, p.Connect(up))
	assert.False(t, up.Active(), "late upstream is closed")
	assert.Equal(t, Closed, p.State())
}

func TestPairClosesWhenClientDiesBeforeReady(t *testing.T) {
	clientConn, clientPeer := net.Pipe()
	defer clientPeer.Close()
	client := NewEndpoint(clientConn, Options{})
	p := NewPair(client, nil)

	_ = client.Close()
	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("pair did not close")
	}
}

func TestThrottleAllWaitsForEveryLocal(t *testing.T) {
	aConn, aPeer := net.Pipe()
	bConn, bPeer := net.Pipe()
	srcConn, srcPeer := net.Pipe()
	defer aPeer.Close()
	defer bPeer.Close()
	defer srcPeer.Close()

	a := NewEndpoint(aConn, Options{HighWatermark: 16, LowWatermark: 8})
	b := NewEndpoint(bConn, Options{HighWatermark: 16, LowWatermark: 8})
	src := NewEndpoint(srcConn, Options{})
	defer a.Close()
	defer b.Close()
	defer src.Close()

	ThrottleAll(src, a, b)
	assert.True(t, src.AutoRead())

	_, err := a.Write(make([]byte, 20))
	require.NoError(t, err)
	_, err = b.Write(make([]byte, 20))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !src.AutoRead() }, waitFor, time.Millisecond)

	// Draining one local is not enough.
	_, err = io.ReadFull(aPeer, make([]byte, 20))
	require.NoError(t, err)
	require.Eventually(t, a.Writable, waitFor, time.Millisecond)
	assert.False(t, src.AutoRead())

	_, err = io.ReadFull(bPeer, make([]byte, 20))
	require.NoError(t, err)
	require.Eventually(t, src.AutoRead, waitFor, time.Millisecond)
}
