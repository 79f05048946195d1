// Package queue provides the lock-free multi-producer single-consumer queue
// used for every hand-off between goroutines in dMux: the dispatcher command
// queue and the outbound message queue of the send worker.
//
// Guarantees:
//
//   - Push never blocks and may be called from any number of goroutines.
//   - Items pushed by one goroutine are delivered in the order they were
//     pushed. Items of different producers interleave in completion order.
//   - Close stops further pushes; everything pushed before Close is still
//     delivered, after which the Recv channel is closed. This gives the
//     send worker its "flush on stop" behaviour for free.
//   - The queue is unbounded, a slow consumer only costs memory.
package queue
