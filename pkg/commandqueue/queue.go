package commandqueue

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/harun/ranya-runtime/internal/observability"
)

// ErrClosed is returned by Enqueue after Close, and by Dequeue once the
// queue is closed and empty.
var ErrClosed = errors.New("commandqueue: queue closed")

const (
	EventEnqueued = "enqueued"
	EventDequeued = "dequeued"
	EventClosed   = "closed"
)

// Event describes one queue state change.
type Event struct {
	Type  string
	Queue string
	Seq   uint64
	Size  int
}

// EventHandler is a function that handles queue events. Handlers run on the
// goroutine that caused the event, outside the queue lock.
type EventHandler func(event Event)

// Stats is a point-in-time view of a queue.
type Stats struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Enqueued uint64 `json:"enqueued"`
	Dequeued uint64 `json:"dequeued"`
	Rejected uint64 `json:"rejected"`
	Closed   bool   `json:"closed"`
}

// Queue is a FIFO of T guarded by one mutex and condition variable.
type Queue[T any] struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	head   int
	closed bool

	seq      uint64
	dequeued uint64
	rejected uint64

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates an empty queue. name labels logs and metrics.
func New[T any](name string) *Queue[T] {
	observability.EnsureRegistered()

	q := &Queue[T]{
		name:          name,
		eventHandlers: make(map[string][]EventHandler),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue label.
func (q *Queue[T]) Name() string {
	return q.name
}

// Enqueue appends item and wakes one waiting consumer. It returns the
// item's sequence number.
func (q *Queue[T]) Enqueue(item T) (uint64, error) {
	return q.EnqueueFunc(func(uint64) T { return item })
}

// EnqueueFunc builds the item under the queue lock so it can carry its own
// sequence number. build must not call back into the queue.
func (q *Queue[T]) EnqueueFunc(build func(seq uint64) T) (uint64, error) {
	q.mu.Lock()
	if q.closed {
		q.rejected++
		q.mu.Unlock()
		observability.RecordQueueRejected(q.name)
		return 0, ErrClosed
	}

	q.seq++
	seq := q.seq
	q.items = append(q.items, build(seq))
	size := q.lenLocked()
	q.cond.Signal()
	q.mu.Unlock()

	observability.RecordQueueEnqueue(q.name, size)
	log.Debug().Str("queue", q.name).Uint64("seq", seq).Int("size", size).Msg("Item enqueued")
	q.emit(Event{Type: EventEnqueued, Queue: q.name, Seq: seq, Size: size})

	return seq, nil
}

// Dequeue blocks until an item is available or the queue is closed and
// empty, in which case it returns ErrClosed.
func (q *Queue[T]) Dequeue() (T, error) {
	q.mu.Lock()
	for q.lenLocked() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.lenLocked() == 0 {
		q.mu.Unlock()
		var zero T
		return zero, ErrClosed
	}

	item := q.popLocked()
	size := q.lenLocked()
	q.mu.Unlock()

	q.afterDequeue(size)
	return item, nil
}

// TryDequeue removes the head item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	if q.lenLocked() == 0 {
		q.mu.Unlock()
		var zero T
		return zero, false
	}

	item := q.popLocked()
	size := q.lenLocked()
	q.mu.Unlock()

	q.afterDequeue(size)
	return item, true
}

func (q *Queue[T]) afterDequeue(size int) {
	observability.RecordQueueDequeue(q.name, size)
	q.emit(Event{Type: EventDequeued, Queue: q.name, Size: size})
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.dequeued++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > 64 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	return item
}

// Close stops accepting items and wakes every blocked consumer. It is safe
// to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	size := q.lenLocked()
	q.cond.Broadcast()
	q.mu.Unlock()

	log.Debug().Str("queue", q.name).Int("remaining", size).Msg("Queue closed")
	q.emit(Event{Type: EventClosed, Queue: q.name, Size: size})
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	n := q.lenLocked()
	if n == 0 {
		q.mu.Unlock()
		return nil
	}
	out := make([]T, n)
	copy(out, q.items[q.head:])
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	q.dequeued += uint64(n)
	q.mu.Unlock()

	observability.SetQueueSize(q.name, 0)
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stats returns counters for the queue.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:     q.name,
		Size:     q.lenLocked(),
		Enqueued: q.seq,
		Dequeued: q.dequeued,
		Rejected: q.rejected,
		Closed:   q.closed,
	}
}

// On registers an event handler for the given event type
func (q *Queue[T]) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes all handlers for the given event type
func (q *Queue[T]) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	delete(q.eventHandlers, eventType)
}

func (q *Queue[T]) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
