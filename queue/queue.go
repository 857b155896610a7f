// Package queue implements CommandQueue & Worker (SPEC_FULL.md §4.5.1,
// §5): a thread-affine FIFO of commands consumed by a single worker
// loop, one per dispatch target.
package queue

import (
	"errors"
	"sync"

	"github.com/rdumusc/collage/wire"
)

var (
	ErrWouldBlock = errors.New("collage: command queue would block")
	ErrClosed     = errors.New("collage: command queue is closed")
)

// Queue is a bounded, blocking FIFO of *wire.Command. Grounded on
// chotki toyqueue/queue.go's RecordQueue (mutex+cond-based bounded FIFO
// with Drain/Feed/Close), generalized from []byte records to
// *wire.Command items.
type Queue struct {
	mu     sync.Mutex
	notAt  sync.Cond // signalled when items become available
	notFul sync.Cond // signalled when room becomes available
	items  []*wire.Command
	limit  int
	closed bool
}

func New(limit int) *Queue {
	q := &Queue{limit: limit}
	q.notAt.L = &q.mu
	q.notFul.L = &q.mu
	return q
}

// Push appends cmd, blocking while the queue is full. Implements
// wire.Queue so a Dispatcher can target this Queue directly.
func (q *Queue) Push(cmd *wire.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.limit > 0 && len(q.items) >= q.limit {
		q.notFul.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, cmd)
	q.notAt.Signal()
	return nil
}

// TryPush appends cmd without blocking; returns ErrWouldBlock if full.
func (q *Queue) TryPush(cmd *wire.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		return ErrWouldBlock
	}
	q.items = append(q.items, cmd)
	q.notAt.Signal()
	return nil
}

// Pop blocks until a command is available or the queue closes.
func (q *Queue) Pop() (*wire.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.items) == 0 {
		q.notAt.Wait()
	}
	if len(q.items) == 0 {
		return nil, ErrClosed
	}
	cmd := q.items[0]
	q.items = q.items[1:]
	q.notFul.Signal()
	return cmd, nil
}

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes every blocked Push/Pop.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.notAt.Broadcast()
	q.notFul.Broadcast()
	return nil
}
