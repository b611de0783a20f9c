package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rzbill/flomq/internal/worker"
	"github.com/rzbill/flomq/pkg/log"
)

// ErrReceiverClosed is returned by Receive after Close.
var ErrReceiverClosed = errors.New("delivery: receiver closed")

const DefaultDedupWindow = 4096

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	SettleMode SettleMode
	Prefetch   uint32
	// DedupWindow bounds how many ids exactly-once modes remember.
	DedupWindow int
	// Pool runs OnMessage handlers. Required only for push consumption.
	Pool   *worker.Pool
	Logger log.Logger
}

// Receiver is the consumer side of a link: a prefetch buffer with automatic
// settlement and credit refill.
type Receiver struct {
	settler  Settler
	mode     SettleMode
	prefetch uint64
	pool     *worker.Pool
	logger   log.Logger
	seen     *lru.Cache[uint64, struct{}]

	mu       sync.Mutex
	buf      []Delivery
	notify   chan struct{}
	consumed uint64
	granted  uint64
	closed   bool
	pusher   *worker.Worker
	handler  func(Delivery)
}

// NewReceiver builds a receiver settling through s. Call Start to grant the
// initial credit.
func NewReceiver(s Settler, opts ReceiverOptions) (*Receiver, error) {
	if opts.SettleMode == 0 {
		opts.SettleMode = TakeAtLeastOnce
	}
	if opts.Prefetch == 0 {
		opts.Prefetch = DefaultPrefetch
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	r := &Receiver{
		settler:  s,
		mode:     opts.SettleMode,
		prefetch: uint64(opts.Prefetch),
		pool:     opts.Pool,
		logger:   opts.Logger,
		notify:   make(chan struct{}),
	}
	if opts.SettleMode.exactlyOnce() {
		seen, err := lru.New[uint64, struct{}](opts.DedupWindow)
		if err != nil {
			return nil, fmt.Errorf("delivery: dedup window: %w", err)
		}
		r.seen = seen
	}
	return r, nil
}

// Subscribe attaches a link to ch and wires a started Receiver to it.
func Subscribe(ch *Channel, lo LinkOptions, ro ReceiverOptions) (*Receiver, *Link, error) {
	link, err := ch.Attach(lo)
	if err != nil {
		return nil, nil, err
	}
	ro.SettleMode = link.mode
	ro.Prefetch = link.prefetch
	r, err := NewReceiver(link, ro)
	if err != nil {
		link.Detach()
		return nil, nil, err
	}
	if err := link.Start(r.Deliver); err != nil {
		return nil, nil, err
	}
	if err := r.Start(); err != nil {
		link.Detach()
		return nil, nil, err
	}
	return r, link, nil
}

// Start grants the initial credit of one prefetch.
func (r *Receiver) Start() error {
	r.mu.Lock()
	r.granted = r.consumed
	target := r.consumed + r.prefetch
	r.mu.Unlock()
	return r.settler.Flow(target)
}

// Deliver is the link's Sink.
func (r *Receiver) Deliver(d Delivery) {
	d.r = r
	switch r.mode {
	case NetworkAtLeastOnce, NetworkExactlyOnce:
		r.settle(d, AcceptedOutcome)
		if r.mode == NetworkExactlyOnce && r.duplicate(d) {
			r.mu.Lock()
			target, refill := r.consumeLocked()
			r.mu.Unlock()
			r.refill(target, refill)
			return
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.buf = append(r.buf, d)
	close(r.notify)
	r.notify = make(chan struct{})
	pusher := r.pusher
	r.mu.Unlock()

	if pusher != nil {
		pusher.Wake()
	}
}

// Receive waits for the next delivery until ctx is done.
func (r *Receiver) Receive(ctx context.Context) (Delivery, error) {
	for {
		d, ok, wait, err := r.next()
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}
		if wait == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-wait:
		}
	}
}

// TryReceive returns the next delivery without waiting.
func (r *Receiver) TryReceive() (Delivery, bool) {
	for {
		d, ok, wait, err := r.next()
		if ok {
			return d, true
		}
		if err != nil || wait != nil {
			return Delivery{}, false
		}
	}
}

// next pops one delivery. When the buffer is empty it returns the channel
// closed on the next arrival. ok=false with a nil wait channel means a
// duplicate was discarded and the caller should try again.
func (r *Receiver) next() (Delivery, bool, <-chan struct{}, error) {
	r.mu.Lock()
	if len(r.buf) == 0 {
		if r.closed {
			r.mu.Unlock()
			return Delivery{}, false, nil, ErrReceiverClosed
		}
		wait := r.notify
		r.mu.Unlock()
		return Delivery{}, false, wait, nil
	}
	d := r.buf[0]
	r.buf[0] = Delivery{}
	r.buf = r.buf[1:]
	target, refill := r.consumeLocked()
	r.mu.Unlock()

	r.refill(target, refill)
	switch r.mode {
	case TakeAtLeastOnce:
		r.settle(d, AcceptedOutcome)
	case TakeExactlyOnce:
		r.settle(d, AcceptedOutcome)
		if r.duplicate(d) {
			return Delivery{}, false, nil, nil
		}
	}
	return d, true, nil, nil
}

// OnMessage switches the receiver to push consumption: handler is called for
// every buffered and future delivery on a worker from the configured pool.
func (r *Receiver) OnMessage(handler func(Delivery)) error {
	if r.pool == nil {
		return errors.New("delivery: push consumption requires a worker pool")
	}
	r.mu.Lock()
	r.handler = handler
	r.pusher = r.pool.New("receiver", r.push)
	pusher := r.pusher
	r.mu.Unlock()
	pusher.Wake()
	return nil
}

func (r *Receiver) push() {
	for {
		d, ok := r.TryReceive()
		if !ok {
			return
		}
		r.handler(d)
	}
}

// Buffered returns how many deliveries wait in the prefetch buffer.
func (r *Receiver) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Consumed returns how many deliveries left the buffer.
func (r *Receiver) Consumed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumed
}

// Close wakes pending Receive calls and detaches the link when the settler
// supports it. Buffered, unsettled deliveries follow the link's detach rules.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.buf = nil
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
	if d, ok := r.settler.(interface{ Detach() }); ok {
		d.Detach()
	}
}

// consumeLocked counts one delivery leaving the buffer and decides whether
// to refill credit. Caller holds r.mu.
func (r *Receiver) consumeLocked() (uint64, bool) {
	r.consumed++
	if 4*(r.consumed-r.granted) <= 3*r.prefetch {
		return 0, false
	}
	r.granted = r.consumed
	return r.consumed + r.prefetch, true
}

func (r *Receiver) refill(target uint64, ok bool) {
	if !ok {
		return
	}
	if err := r.settler.Flow(target); err != nil {
		r.logger.Debug("credit refill failed", log.Uint64("target", target), log.Err(err))
	}
}

// duplicate records d's id and reports whether it was already seen.
func (r *Receiver) duplicate(d Delivery) bool {
	seen, _ := r.seen.ContainsOrAdd(d.Message.ID, struct{}{})
	return seen
}

func (r *Receiver) settle(d Delivery, o Outcome) {
	if err := r.settler.Settle(d.Message.ID, o); err != nil {
		r.logger.Debug("automatic settlement failed", log.Uint64("id", d.Message.ID), log.Err(err))
	}
}
