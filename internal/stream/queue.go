package stream

import (
	"context"
	"sync"
)

// Queue is a FIFO buffer of outbound frames with a single parked
// consumer. Producers call Push from any goroutine; exactly one
// consumer calls Next. After Stop, Push silently drops frames, since
// nobody will read them.
type Queue struct {
	mu      sync.Mutex
	frames  []Frame
	stopped bool

	// wake holds at most one pending token. A buffered channel keeps
	// Push non-blocking whether or not the consumer is parked.
	wake chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends one frame and wakes a parked consumer. No-op after Stop.
func (q *Queue) Push(f Frame) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next returns the next buffered frame, blocking until one is pushed.
// It returns ok=false when ctx is done or the queue has been stopped
// and drained. Frames come out in exactly the order they went in.
//
// Cancellation wins over buffered frames: an abandoned consumer must
// not forward frames pushed after its context fired.
func (q *Queue) Next(ctx context.Context) (Frame, bool) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, false
		default:
		}

		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, true
		}
		stopped := q.stopped
		q.mu.Unlock()

		if stopped {
			return Frame{}, false
		}

		select {
		case <-ctx.Done():
			return Frame{}, false
		case <-q.wake:
		}
	}
}

// Stop marks the queue closed. Subsequent pushes are dropped; a parked
// consumer is woken so it can observe the stop.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}
