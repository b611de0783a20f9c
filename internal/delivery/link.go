package delivery

import "time"

// Sink receives deliveries for a link. It is called from the channel's
// dispatch worker, one delivery at a time, and must not block.
type Sink func(Delivery)

// Settler is the receiver's handle on its link.
type Settler interface {
	// Flow sets the absolute credit target: the total number of deliveries
	// the link may have sent since attach.
	Flow(target uint64) error
	// Settle applies an outcome to an unsettled delivery.
	Settle(id uint64, o Outcome) error
}

// LinkOptions configures Attach.
type LinkOptions struct {
	Name       string
	SettleMode SettleMode
	Prefetch   uint32
	// Selector is an optional CEL expression; see Selector.
	Selector string
}

type inflight struct {
	it     *item
	sentAt time.Time
}

// Link is the sending side of one attached consumer. Its state is guarded by
// the owning channel's lock.
type Link struct {
	ch       *Channel
	name     string
	mode     SettleMode
	prefetch uint32
	selector *Selector
	sink     Sink

	credit    uint64
	delivered uint64
	unsettled map[uint64]*inflight
	// queue holds this link's fan-out copies.
	queue    backlog
	detached bool
}

var _ Settler = (*Link)(nil)

func (l *Link) Name() string           { return l.name }
func (l *Link) SettleMode() SettleMode { return l.mode }
func (l *Link) Prefetch() uint32       { return l.prefetch }
func (l *Link) Channel() *Channel      { return l.ch }

// Start sets the sink deliveries are handed to.
func (l *Link) Start(sink Sink) error {
	l.ch.mu.Lock()
	if l.detached {
		l.ch.mu.Unlock()
		return ErrDetached
	}
	l.sink = sink
	l.ch.mu.Unlock()
	l.ch.worker.Wake()
	return nil
}

// Flow sets the absolute credit target.
func (l *Link) Flow(target uint64) error {
	l.ch.mu.Lock()
	if l.detached {
		l.ch.mu.Unlock()
		return ErrDetached
	}
	l.credit = target
	l.ch.mu.Unlock()
	l.ch.worker.Wake()
	return nil
}

// Settle applies o to the unsettled delivery id. Settling an id that is not
// unsettled on this link is a no-op.
func (l *Link) Settle(id uint64, o Outcome) error { return l.ch.settle(l, id, o) }

func (l *Link) Accept(id uint64) error                { return l.Settle(id, AcceptedOutcome) }
func (l *Link) Reject(id uint64, reason string) error { return l.Settle(id, RejectedOutcome(reason)) }
func (l *Link) Release(id uint64) error               { return l.Settle(id, ReleasedOutcome) }

func (l *Link) Modify(id uint64, failed, undeliverableHere bool) error {
	return l.Settle(id, ModifiedOutcome(failed, undeliverableHere))
}

// Detach stops delivery to this link.
func (l *Link) Detach() { l.ch.detach(l) }

// LinkStats is a snapshot of one link's flow state.
type LinkStats struct {
	Credit    uint64
	Delivered uint64
	Unsettled int
	Backlog   int
	Detached  bool
}

// Stats returns the link's flow state.
func (l *Link) Stats() LinkStats {
	l.ch.mu.Lock()
	defer l.ch.mu.Unlock()
	return LinkStats{
		Credit:    l.credit,
		Delivered: l.delivered,
		Unsettled: len(l.unsettled),
		Backlog:   l.queue.Len(),
		Detached:  l.detached,
	}
}

// ready reports whether l may receive another delivery. Caller holds the
// channel lock.
func (l *Link) ready() bool {
	if l.detached || l.sink == nil || l.delivered >= l.credit {
		return false
	}
	return !l.mode.trackUnsettled() || uint32(len(l.unsettled)) < l.prefetch
}

// wants reports whether it may be delivered to l. Caller holds the channel
// lock.
func (l *Link) wants(it *item) bool {
	if _, excluded := it.e.excluded[l]; excluded {
		return false
	}
	return l.selector.Match(it.e.msg, it.attempts > 0)
}
