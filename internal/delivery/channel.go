package delivery

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rzbill/flomq/internal/worker"
	"github.com/rzbill/flomq/pkg/log"
)

const (
	DefaultPrefetch      = 100
	DefaultSettleTimeout = 30 * time.Second
	defaultMaxBatch      = 256
)

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	Name              string
	Mode              DistributionMode
	DefaultSettleMode SettleMode
	DefaultPrefetch   uint32
	// SettleTimeout is how long a delivery may stay unsettled before
	// RedeliverExpired returns it. Zero disables redelivery on timeout.
	SettleTimeout time.Duration
	// MaxDeliveries dead-letters a message once it has this many failed
	// attempts. Zero means unlimited.
	MaxDeliveries uint32
	Clock         clock.Clock
	Pool          *worker.Pool
	Logger        log.Logger
	// OnDone runs once a message is finished: accepted, rejected, expired,
	// dropped or, for fan-out, once every copy finished.
	OnDone func(m *Message)
	// OnDeadLetter runs before OnDone for rejected or exhausted messages.
	OnDeadLetter func(m *Message, link, reason string)
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Backlog      int
	Links        int
	Unsettled    int
	Sent         uint64
	Accepted     uint64
	Rejected     uint64
	Released     uint64
	Modified     uint64
	Redelivered  uint64
	Expired      uint64
	DeadLettered uint64
	Conflicts    uint64
}

type send struct {
	sink Sink
	d    Delivery
}

type event struct {
	msg    *Message
	dead   bool
	link   string
	reason string
}

// Channel is the delivery state of one address.
type Channel struct {
	opts   ChannelOptions
	logger log.Logger
	clock  clock.Clock
	worker *worker.Worker

	mu     sync.Mutex
	nextID uint64
	queue  backlog
	links  []*Link
	rr     int
	closed bool
	stats  Stats
}

// NewChannel creates a channel. Dispatch runs on opts.Pool.
func NewChannel(opts ChannelOptions) (*Channel, error) {
	if opts.Mode != Exclusive && opts.Mode != FanOut {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, opts.Mode)
	}
	if opts.DefaultSettleMode == 0 {
		opts.DefaultSettleMode = TakeAtLeastOnce
	}
	if opts.DefaultPrefetch == 0 {
		opts.DefaultPrefetch = DefaultPrefetch
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("delivery: channel %q requires a worker pool", opts.Name)
	}
	c := &Channel{
		opts:   opts,
		logger: opts.Logger.WithComponent("delivery").With(log.Str("address", opts.Name)),
		clock:  opts.Clock,
		nextID: 1,
	}
	c.worker = opts.Pool.New("dispatch:"+opts.Name, c.dispatch)
	return c, nil
}

// Name returns the channel's address.
func (c *Channel) Name() string { return c.opts.Name }

// Mode returns the distribution mode.
func (c *Channel) Mode() DistributionMode { return c.opts.Mode }

// NextID reserves the next message id. Ids increase in reservation order.
func (c *Channel) NextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// AdvanceID makes every future id greater than last.
func (c *Channel) AdvanceID(last uint64) {
	c.mu.Lock()
	if last >= c.nextID {
		c.nextID = last + 1
	}
	c.mu.Unlock()
}

// Send assigns an id to m, enqueues it and returns the id.
func (c *Channel) Send(m *Message) uint64 {
	m.ID = 0
	c.Enqueue(m)
	return m.ID
}

// Enqueue adds m to the channel. A zero m.ID is assigned; a preset id (from
// NextID or recovery) is kept and future ids stay above it.
func (c *Channel) Enqueue(m *Message) {
	var events []event
	c.mu.Lock()
	if m.ID == 0 {
		m.ID = c.nextID
	}
	if m.ID >= c.nextID {
		c.nextID = m.ID + 1
	}
	e := &entry{msg: m}
	switch c.opts.Mode {
	case Exclusive:
		c.queue.push(&item{e: e})
	case FanOut:
		for _, l := range c.links {
			if l.selector.Match(m, false) {
				e.copies++
				l.queue.push(&item{e: e})
			}
		}
		if e.copies == 0 {
			// Nobody subscribed: a topic message with no readers is done.
			events = append(events, event{msg: m})
		}
	}
	c.mu.Unlock()

	c.fire(events)
	c.worker.Wake()
}

// Attach registers a new link. Nothing is delivered until Start is called
// and credit is granted with Flow.
func (c *Channel) Attach(opts LinkOptions) (*Link, error) {
	if opts.SettleMode == 0 {
		opts.SettleMode = c.opts.DefaultSettleMode
	}
	if _, ok := settleModeNames[opts.SettleMode]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, opts.SettleMode)
	}
	if opts.Prefetch == 0 {
		opts.Prefetch = c.opts.DefaultPrefetch
	}
	sel, err := CompileSelector(opts.Selector)
	if err != nil {
		return nil, err
	}
	l := &Link{
		ch:        c,
		name:      opts.Name,
		mode:      opts.SettleMode,
		prefetch:  opts.Prefetch,
		selector:  sel,
		unsettled: make(map[uint64]*inflight),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	c.links = append(c.links, l)
	c.logger.Debug("link attached", log.Str("link", l.name), log.Str("settle", l.mode.String()),
		log.Uint64("prefetch", uint64(l.prefetch)))
	return l, nil
}

// RedeliverExpired returns deliveries unsettled for at least SettleTimeout to
// the backlog: the shared one for Exclusive channels, the link's own for
// FanOut. It returns how many were released.
func (c *Channel) RedeliverExpired() int {
	timeout := c.opts.SettleTimeout
	if timeout <= 0 {
		return 0
	}
	var events []event
	n := 0
	c.mu.Lock()
	now := c.clock.Now()
	for _, l := range c.links {
		for id, inf := range l.unsettled {
			if now.Sub(inf.sentAt) < timeout {
				continue
			}
			delete(l.unsettled, id)
			inf.it.blame++
			c.requeue(l, inf.it, &events)
			n++
		}
	}
	c.stats.Redelivered += uint64(n)
	c.mu.Unlock()

	if n > 0 {
		c.logger.Debug("redelivering unsettled deliveries", log.Int("count", n))
		c.fire(events)
		c.worker.Wake()
	}
	return n
}

// Stats returns current counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Backlog = c.queue.Len()
	s.Links = len(c.links)
	for _, l := range c.links {
		s.Backlog += l.queue.Len()
		s.Unsettled += len(l.unsettled)
	}
	return s
}

// Close detaches every link without finishing their messages and refuses
// further attaches.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	for _, l := range c.links {
		l.detached = true
		l.unsettled = nil
	}
	c.links = nil
	c.mu.Unlock()
}

// dispatch runs on the channel's worker and sends until no link can take
// more.
func (c *Channel) dispatch() {
	for {
		sends, events := c.collect()
		for _, s := range sends {
			s.sink(s.d)
		}
		c.fire(events)
		if len(sends) == 0 && len(events) == 0 {
			return
		}
	}
}

func (c *Channel) collect() ([]send, []event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil
	}
	now := c.clock.Now()
	var sends []send
	var events []event

	next := func(l *Link, q *backlog) bool {
		it := q.popMatching(func(it *item) bool {
			return it.e.msg.Expired(now) || l.wants(it)
		})
		if it == nil {
			return false
		}
		if it.e.msg.Expired(now) {
			c.stats.Expired++
			c.finish(it, &events)
			return true
		}
		if s, ok := c.transfer(l, it, now, &events); ok {
			sends = append(sends, s)
		}
		return true
	}

	switch c.opts.Mode {
	case Exclusive:
		for progress := true; progress && len(sends) < defaultMaxBatch; {
			progress = false
			n := len(c.links)
			for i := 0; i < n && len(sends) < defaultMaxBatch; i++ {
				l := c.links[(c.rr+i)%n]
				if l.ready() && next(l, &c.queue) {
					progress = true
				}
			}
			if n > 0 {
				c.rr = (c.rr + 1) % n
			}
		}
	case FanOut:
		for _, l := range c.links {
			for len(sends) < defaultMaxBatch && l.ready() {
				if !next(l, &l.queue) {
					break
				}
			}
		}
	}
	return sends, events
}

// transfer sends it on l, or dead-letters it when it ran out of attempts.
func (c *Channel) transfer(l *Link, it *item, now time.Time, events *[]event) (send, bool) {
	if limit := c.opts.MaxDeliveries; limit > 0 && it.blame >= limit {
		c.deadLetter(it, l.name, fmt.Sprintf("delivery limit %d exceeded", limit), events)
		return send{}, false
	}
	it.attempts++
	l.delivered++
	c.stats.Sent++
	d := Delivery{Message: it.e.msg, Count: it.attempts}
	if l.mode.trackUnsettled() {
		l.unsettled[it.e.msg.ID] = &inflight{it: it, sentAt: now}
	} else {
		c.stats.Accepted++
		c.finish(it, events)
	}
	return send{sink: l.sink, d: d}, true
}

// settle applies an outcome from l's receiver.
func (c *Channel) settle(l *Link, id uint64, o Outcome) error {
	var events []event
	c.mu.Lock()
	inf, ok := l.unsettled[id]
	if !ok {
		c.stats.Conflicts++
		c.mu.Unlock()
		c.logger.Debug("ignoring settlement of delivery that is not unsettled",
			log.Str("link", l.name), log.Uint64("id", id), log.Str("outcome", o.State.String()))
		return nil
	}
	it := inf.it
	switch o.State {
	case Accepted:
		c.stats.Accepted++
		c.finish(it, &events)
	case Rejected:
		c.stats.Rejected++
		c.deadLetter(it, l.name, o.Reason, &events)
	case Released:
		c.stats.Released++
		c.requeue(l, it, &events)
	case Modified:
		c.stats.Modified++
		if o.Failed {
			it.blame++
		}
		switch {
		case o.UndeliverableHere && c.opts.Mode == FanOut:
			c.finish(it, &events)
		case o.UndeliverableHere:
			if it.e.excluded == nil {
				it.e.excluded = make(map[*Link]struct{})
			}
			it.e.excluded[l] = struct{}{}
			c.requeue(l, it, &events)
		default:
			c.requeue(l, it, &events)
		}
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidOutcome, o.State)
	}
	delete(l.unsettled, id)
	c.mu.Unlock()

	c.fire(events)
	c.worker.Wake()
	return nil
}

// detach removes l. Durable exclusive deliveries it held go back to the
// shared backlog; everything else it held is finished.
func (c *Channel) detach(l *Link) {
	var events []event
	c.mu.Lock()
	if l.detached {
		c.mu.Unlock()
		return
	}
	l.detached = true
	for i, x := range c.links {
		if x == l {
			c.links = append(c.links[:i], c.links[i+1:]...)
			break
		}
	}
	requeued, dropped := 0, 0
	for _, inf := range l.unsettled {
		if c.opts.Mode == Exclusive && inf.it.e.msg.Durable {
			c.queue.push(inf.it)
			requeued++
			continue
		}
		c.finish(inf.it, &events)
		dropped++
	}
	l.unsettled = nil
	for it := l.queue.pop(); it != nil; it = l.queue.pop() {
		c.finish(it, &events)
	}
	c.mu.Unlock()

	c.logger.Debug("link detached", log.Str("link", l.name),
		log.Int("requeued", requeued), log.Int("dropped", dropped))
	c.fire(events)
	c.worker.Wake()
}

// requeue makes it deliverable again. Caller holds c.mu.
func (c *Channel) requeue(l *Link, it *item, events *[]event) {
	if c.opts.Mode == Exclusive {
		c.queue.push(it)
		return
	}
	if l.detached {
		c.finish(it, events)
		return
	}
	l.queue.push(it)
}

// finish ends one copy. Caller holds c.mu.
func (c *Channel) finish(it *item, events *[]event) {
	if c.opts.Mode == FanOut {
		it.e.copies--
		if it.e.copies > 0 {
			return
		}
	}
	*events = append(*events, event{msg: it.e.msg})
}

func (c *Channel) deadLetter(it *item, link, reason string, events *[]event) {
	c.stats.DeadLettered++
	*events = append(*events, event{msg: it.e.msg, dead: true, link: link, reason: reason})
	c.finish(it, events)
}

func (c *Channel) fire(events []event) {
	for _, ev := range events {
		if ev.dead {
			if c.opts.OnDeadLetter != nil {
				c.opts.OnDeadLetter(ev.msg, ev.link, ev.reason)
			}
			continue
		}
		if c.opts.OnDone != nil {
			c.opts.OnDone(ev.msg)
		}
	}
}
