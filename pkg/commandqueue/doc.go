// Package commandqueue provides an unbounded multi-producer, multi-consumer
// FIFO queue with blocking dequeue and close-to-wake shutdown.
//
// Invariants:
// - Items are dequeued in exactly the order Enqueue accepted them, across all producers.
// - Every enqueue sequence number is unique and strictly increasing.
// - Close wakes every blocked consumer. Items already queued are still handed out.
// - After Close, Enqueue fails with ErrClosed. Nothing is dropped silently.
//
// Usage:
//
//	q := commandqueue.New[Job]("jobs")
//	go func() {
//		for {
//			job, err := q.Dequeue()
//			if errors.Is(err, commandqueue.ErrClosed) {
//				return
//			}
//			run(job)
//		}
//	}()
//	_, _ = q.Enqueue(job)
//	q.Close()
package commandqueue
