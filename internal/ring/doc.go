// Package ring implements a bounded multi-producer, single-consumer slot
// ring used to funnel concurrent writers into one sequential processor.
//
// Producers claim a slot with StartProducer, fill it in place and publish it
// with FinishProducer. Claiming never blocks: a full ring reports false and
// the caller decides how to back off. The consumer is a worker.Worker, so at
// most one drain pass runs at a time and slots are processed in claim order.
// Consumption follows claim order, not the order in which FinishProducer
// calls complete: a slot published early waits behind an older claim that
// is still being filled.
//
// Head and tail are ever-increasing sequence numbers; a sequence maps to
// slot seq&(C-1), so a stale claim can never succeed after the ring wraps.
//
// A ring of capacity C holds at most C-1 published items; one slot always
// separates head from tail so that "full" and "empty" are distinguishable.
package ring
