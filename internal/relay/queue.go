package relay

// Queue is a FIFO of outbound chunks. Len counts both queued bytes and bytes
// popped but not yet reported Written, so watermarks see data in flight.
// Queue is not safe for concurrent use.
type Queue struct {
	chunks   [][]byte
	queued   int
	inFlight int
}

// Push appends b.
func (q *Queue) Push(b []byte) {
	q.chunks = append(q.chunks, b)
	q.queued += len(b)
}

// Pop removes the oldest chunk and marks it in flight.
func (q *Queue) Pop() ([]byte, bool) {
	if len(q.chunks) == 0 {
		return nil, false
	}
	b := q.chunks[0]
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]
	q.queued -= len(b)
	q.inFlight += len(b)
	return b, true
}

// Written reports that n in-flight bytes have left the queue.
func (q *Queue) Written(n int) {
	q.inFlight -= n
	if q.inFlight < 0 {
		q.inFlight = 0
	}
}

// Len returns the number of queued and in-flight bytes.
func (q *Queue) Len() int {
	return q.queued + q.inFlight
}

// Chunks returns the number of chunks not yet popped.
func (q *Queue) Chunks() int {
	return len(q.chunks)
}

// Discard drops every queued chunk and returns how many bytes were dropped.
func (q *Queue) Discard() int {
	n := q.queued
	q.chunks = nil
	q.queued = 0
	q.inFlight = 0
	return n
}
