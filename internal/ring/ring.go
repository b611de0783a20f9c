package ring

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/rzbill/flomq/internal/worker"
	"github.com/rzbill/flomq/pkg/log"
)

// spinLimit bounds how long the consumer waits on a claimed but unpublished
// slot before yielding. The producer's FinishProducer wakes it again.
const spinLimit = 64

// Slot is a reusable container owned by the ring.
type Slot[T any] struct {
	valid atomic.Bool
	Item  T
}

// Options tunes ring behavior.
type Options struct {
	Logger log.Logger
	// OnError receives processor errors. The failed item is not retried.
	OnError func(err error)
	// OnDrained runs at the end of a drain pass that emptied the ring.
	OnDrained func()
}

// Ring is a fixed-capacity MPSC ring of T.
type Ring[T any] struct {
	slots []Slot[T]
	mask  uint64

	// head is the sequence of the next slot a producer will claim; tail the
	// sequence the consumer reads next. Both only grow; a slot is
	// slots[seq&mask].
	head atomic.Uint64
	tail atomic.Uint64

	closed  atomic.Bool
	process func(*T) error
	opts    Options
	worker  *worker.Worker
	logger  log.Logger
}

// New creates a ring of at least capacity slots, rounded up to a power of two.
// process is called for each published item, in claim order, by a single
// worker on pool.
func New[T any](pool *worker.Pool, name string, capacity int, process func(*T) error, opts Options) *Ring[T] {
	n := nextPow2(capacity)
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Ring[T]{
		slots:   make([]Slot[T], n),
		mask:    uint64(n - 1),
		process: process,
		opts:    opts,
		logger:  logger.With(log.Str("ring", name)),
	}
	r.worker = pool.New(name, r.drain)
	return r
}

func nextPow2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Capacity returns the number of slots. At most Capacity()-1 are usable.
func (r *Ring[T]) Capacity() int { return len(r.slots) }

// Len returns an approximate count of claimed, unconsumed slots.
func (r *Ring[T]) Len() int {
	tail := r.tail.Load()
	return int(r.head.Load() - tail)
}

// StartProducer claims the next slot. It returns false when the ring is full
// or closed; it never blocks.
func (r *Ring[T]) StartProducer() (*Slot[T], bool) {
	for {
		if r.closed.Load() {
			return nil, false
		}
		// tail first: it never passes head, so head-tail cannot underflow.
		tail := r.tail.Load()
		head := r.head.Load()
		if head-tail >= r.mask {
			return nil, false
		}
		if r.head.CompareAndSwap(head, head+1) {
			return &r.slots[head&r.mask], true
		}
	}
}

// FinishProducer publishes a slot claimed with StartProducer and wakes the
// consumer.
func (r *Ring[T]) FinishProducer(s *Slot[T]) {
	s.valid.Store(true)
	r.worker.Wake()
}

// Closed reports whether Close has been called.
func (r *Ring[T]) Closed() bool { return r.closed.Load() }

// Close stops new claims and schedules a final drain. Already claimed slots
// are still processed once published.
func (r *Ring[T]) Close() {
	r.closed.Store(true)
	r.worker.Wake()
}

// Wake schedules a drain pass without publishing anything.
func (r *Ring[T]) Wake() { r.worker.Wake() }

// Idle reports whether the ring is empty and no drain pass is scheduled.
func (r *Ring[T]) Idle() bool {
	return r.worker.Idle() && r.head.Load() == r.tail.Load()
}

// DrainNow runs a drain pass on the calling goroutine. It is only safe when
// no worker pass can run concurrently, such as after the pool was closed.
func (r *Ring[T]) DrainNow() { r.drain() }

func (r *Ring[T]) drain() {
	var zero T
	for {
		tail := r.tail.Load()
		if tail == r.head.Load() {
			break
		}
		s := &r.slots[tail&r.mask]
		if !r.awaitPublished(s) {
			// Producer is between claim and publish; its FinishProducer
			// wakes us again.
			return
		}
		item := s.Item
		s.Item = zero
		s.valid.Store(false)
		r.tail.Store(tail + 1)

		r.run(&item)
	}
	if r.opts.OnDrained != nil {
		r.opts.OnDrained()
	}
}

func (r *Ring[T]) awaitPublished(s *Slot[T]) bool {
	for i := 0; i < spinLimit; i++ {
		if s.valid.Load() {
			return true
		}
		runtime.Gosched()
	}
	return s.valid.Load()
}

func (r *Ring[T]) run(item *T) {
	defer func() {
		if p := recover(); p != nil {
			r.fail(fmt.Errorf("ring: processor panic: %v", p))
		}
	}()
	if err := r.process(item); err != nil {
		r.fail(err)
	}
}

func (r *Ring[T]) fail(err error) {
	r.logger.Error("ring processor failed", log.Err(err))
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}
