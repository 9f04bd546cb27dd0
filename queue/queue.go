// Package queue implements the bounded FIFO fabric every module's ingress
// and egress endpoints are built on. It generalizes the non-blocking
// select/default idiom used ad hoc in the teacher's tap example into a
// reusable, named, capacity-bounded handle.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/finswire/fins"
)

// ErrClosed is returned by Enqueue/Dequeue/TryEnqueue/TryDequeue once Close
// has been called on the owning Queue.
var ErrClosed = errors.New("queue: closed")

// ErrFull is returned by TryEnqueue when the queue has no free capacity.
var ErrFull = errors.New("queue: full")

// ErrEmpty is returned by TryDequeue when the queue holds no frame.
var ErrEmpty = errors.New("queue: empty")

// Queue is a named, bounded FIFO of fins.Frame values. The zero value is not
// usable; construct one with New. A Queue is safe for concurrent use by
// multiple producers and consumers: the implementation serializes on the
// channel runtime's own internal lock, matching the "opaque handle whose
// operations acquire the enclosed mutex internally" design note.
type Queue struct {
	name   string
	buf    chan fins.Frame
	closed chan struct{}
}

// New returns a Queue named name (used only for diagnostics, e.g. in a
// CTRL_ERROR "queue_full" report) with room for capacity frames before
// Enqueue starts blocking or TryEnqueue starts failing.
func New(name string, capacity int) *Queue {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Queue{
		name:   name,
		buf:    make(chan fins.Frame, capacity),
		closed: make(chan struct{}),
	}
}

// Name returns the queue's diagnostic name.
func (q *Queue) Name() string { return q.name }

// Len returns the number of frames currently queued.
func (q *Queue) Len() int { return len(q.buf) }

// Cap returns the queue's maximum depth.
func (q *Queue) Cap() int { return cap(q.buf) }

// Close marks the queue closed. Any blocked or subsequent Enqueue/Dequeue
// call returns ErrClosed. Close is idempotent-safe to call more than once
// only through a sync.Once at the call site; calling it twice here panics,
// matching close(chan) semantics, since a module shuts down its endpoint
// exactly once.
func (q *Queue) Close() { close(q.closed) }

// Enqueue blocks until the frame is accepted, ctx is done, or the queue is
// closed, whichever happens first.
func (q *Queue) Enqueue(ctx context.Context, f fins.Frame) error {
	select {
	case q.buf <- f:
		return nil
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.buf <- f:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a frame is available, ctx is done, or the queue is
// closed and drained, whichever happens first.
func (q *Queue) Dequeue(ctx context.Context) (fins.Frame, error) {
	select {
	case f := <-q.buf:
		return f, nil
	default:
	}
	select {
	case f := <-q.buf:
		return f, nil
	case <-q.closed:
		select {
		case f := <-q.buf:
			return f, nil
		default:
			return fins.Frame{}, ErrClosed
		}
	case <-ctx.Done():
		return fins.Frame{}, ctx.Err()
	}
}

// TryEnqueue is the non-blocking variant of Enqueue: it returns ErrFull
// immediately instead of waiting for space.
func (q *Queue) TryEnqueue(f fins.Frame) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.buf <- f:
		return nil
	default:
		return ErrFull
	}
}

// TryDequeue is the non-blocking variant of Dequeue: it returns ErrEmpty
// immediately instead of waiting for a frame to arrive.
func (q *Queue) TryDequeue() (fins.Frame, error) {
	select {
	case f := <-q.buf:
		return f, nil
	default:
	}
	select {
	case <-q.closed:
		return fins.Frame{}, ErrClosed
	default:
		return fins.Frame{}, ErrEmpty
	}
}

func (q *Queue) String() string {
	return fmt.Sprintf("queue(%s len=%d cap=%d)", q.name, q.Len(), q.Cap())
}

// Pair bundles the ingress and egress queues a single module owns.
type Pair struct {
	Ingress *Queue
	Egress  *Queue
}

// NewPair allocates an ingress/egress pair named "<name>.in"/"<name>.out",
// both of capacity cap.
func NewPair(name string, capacity int) Pair {
	return Pair{
		Ingress: New(name+".in", capacity),
		Egress:  New(name+".out", capacity),
	}
}
