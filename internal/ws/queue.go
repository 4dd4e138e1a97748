package ws

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop once a closed queue is empty.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of encoded frames with many producers and a
// single consumer. Push never blocks, so a session read loop is never held
// up by a slow socket.
type Queue struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	ready  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends a frame. It reports false when the queue is closed and the
// frame was dropped.
func (q *Queue) Push(frame []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	q.signal()
	return true
}

// Ready receives a value whenever frames may be available or the queue was
// closed.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes every queued frame in push order. closed reports that the
// queue is closed, in which case no frame will follow the returned ones.
func (q *Queue) Drain() (frames [][]byte, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	frames = q.frames
	q.frames = nil
	return frames, q.closed
}

// Pop removes the oldest frame, waiting for one if needed.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			more := len(q.frames) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return frame, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close stops accepting frames. Frames already queued can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
