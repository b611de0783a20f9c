package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/rzbill/flomq/internal/address"
	"github.com/rzbill/flomq/internal/deadletter"
	"github.com/rzbill/flomq/internal/delivery"
	"github.com/rzbill/flomq/internal/envelope"
	"github.com/rzbill/flomq/internal/journal"
	pebblestore "github.com/rzbill/flomq/internal/storage/pebble"
	"github.com/rzbill/flomq/internal/worker"
	"github.com/rzbill/flomq/pkg/id"
	"github.com/rzbill/flomq/pkg/log"
)

var (
	// ErrUnknownChannel is returned for an address that was never declared.
	ErrUnknownChannel = errors.New("broker: unknown channel")
	// ErrBackpressure is returned when the journal cannot take the record.
	ErrBackpressure = journal.ErrBackpressure
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker: closed")
)

// Options configures a Broker. Journal, DB and Pool are owned by the caller.
type Options struct {
	Journal *journal.Journal
	DB      *pebblestore.DB
	Pool    *worker.Pool
	Clock   clock.Clock
	Logger  log.Logger

	// AllowAutoCreate declares unknown addresses on Subscribe.
	AllowAutoCreate bool
	DefaultPrefetch uint32
	SettleTimeout   time.Duration
	SweepInterval   time.Duration
	MaxDeliveries   uint32
	DedupWindow     int
}

// AddressOptions are the settings of a declared address. Zero values take
// the broker defaults.
type AddressOptions struct {
	Mode          delivery.DistributionMode
	SettleMode    delivery.SettleMode
	Prefetch      uint32
	MaxDeliveries uint32
}

// SendRequest is one message to send.
type SendRequest struct {
	Xid        uint64
	Durable    bool
	Priority   uint8
	ExpiresAt  time.Time
	Properties map[string]string
	Body       []byte
	// OnSettled runs once the message is accepted by the broker: right away
	// for transient messages, after the journal made it durable otherwise.
	// A non-nil err means the message was not stored and will not be
	// delivered.
	OnSettled func(id uint64, err error)
}

// SubscribeOptions configures a consumer.
type SubscribeOptions struct {
	// Name identifies the link in logs and dead-letter entries. Generated
	// when empty.
	Name       string
	SettleMode delivery.SettleMode
	Prefetch   uint32
	Selector   string
}

type destination struct {
	meta address.Meta
	ch   *delivery.Channel
	// mu orders id reservation with journal submission so per-destination
	// sequence numbers reach the log in increasing order.
	mu sync.Mutex
}

// Broker routes messages from senders through the journal to the delivery
// channel of each address.
type Broker struct {
	opts     Options
	logger   log.Logger
	clock    clock.Clock
	journal  *journal.Journal
	registry *address.Registry
	dlq      *deadletter.Store
	names    *id.Generator
	sweeper  *delivery.Sweeper
	acks     *acker

	// declMu serializes address creation so an id is allocated once.
	declMu sync.Mutex
	mu     sync.RWMutex
	dests  map[string]*destination
	byID   map[uint64]*destination
	closed bool
}

// Open builds a broker over an opened journal and metadata DB, recreates
// every declared address and requeues durable messages that were never
// acknowledged.
func Open(opts Options) (*Broker, error) {
	if opts.Journal == nil || opts.DB == nil || opts.Pool == nil {
		return nil, errors.New("broker: journal, db and pool are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.SettleTimeout == 0 {
		opts.SettleTimeout = delivery.DefaultSettleTimeout
	}
	b := &Broker{
		opts:     opts,
		logger:   opts.Logger.WithComponent("broker"),
		clock:    opts.Clock,
		journal:  opts.Journal,
		registry: address.NewRegistry(opts.DB),
		dlq:      deadletter.NewStore(opts.DB),
		names:    id.NewGenerator(),
		dests:    make(map[string]*destination),
		byID:     make(map[uint64]*destination),
	}
	b.acks = newAcker(b)

	metas, err := b.registry.List()
	if err != nil {
		return nil, fmt.Errorf("broker: load addresses: %w", err)
	}
	for _, m := range metas {
		if _, err := b.addDestination(m); err != nil {
			return nil, err
		}
	}
	if err := b.recover(); err != nil {
		b.closeChannels()
		return nil, err
	}

	b.sweeper = delivery.NewSweeper(opts.Clock, opts.SweepInterval, b.channels, b.logger)
	b.sweeper.Start()
	b.logger.Info("broker ready", log.Int("addresses", len(metas)))
	return b, nil
}

// Declare creates name if it does not exist and returns its settings. An
// existing address keeps the settings it was created with.
func (b *Broker) Declare(name string, o AddressOptions) (address.Meta, error) {
	b.mu.RLock()
	d, ok := b.dests[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return address.Meta{}, ErrClosed
	}
	if ok {
		return d.meta, nil
	}

	b.declMu.Lock()
	defer b.declMu.Unlock()
	want := address.Meta{Prefetch: o.Prefetch, MaxDeliveries: o.MaxDeliveries}
	if o.Mode != 0 {
		want.Mode = o.Mode.String()
	}
	if o.SettleMode != 0 {
		want.SettleMode = o.SettleMode.String()
	}
	meta, created, err := b.registry.Ensure(name, want)
	if err != nil {
		return address.Meta{}, err
	}
	d, err = b.addDestination(meta)
	if err != nil {
		return address.Meta{}, err
	}
	if created {
		b.logger.Info("address declared", log.Str("address", name), log.Str("mode", meta.Mode),
			log.Uint64("id", meta.ID))
	}
	return d.meta, nil
}

func (b *Broker) addDestination(meta address.Meta) (*destination, error) {
	mode, err := delivery.ParseDistributionMode(meta.Mode)
	if err != nil {
		return nil, fmt.Errorf("broker: address %s: %w", meta.Name, err)
	}
	settle, err := delivery.ParseSettleMode(meta.SettleMode)
	if err != nil {
		return nil, fmt.Errorf("broker: address %s: %w", meta.Name, err)
	}
	prefetch := meta.Prefetch
	if prefetch == 0 {
		prefetch = b.opts.DefaultPrefetch
	}
	maxDeliveries := meta.MaxDeliveries
	if maxDeliveries == 0 {
		maxDeliveries = b.opts.MaxDeliveries
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.dests[meta.Name]; ok {
		return d, nil
	}
	d := &destination{meta: meta}
	d.ch, err = delivery.NewChannel(delivery.ChannelOptions{
		Name:              meta.Name,
		Mode:              mode,
		DefaultSettleMode: settle,
		DefaultPrefetch:   prefetch,
		SettleTimeout:     b.opts.SettleTimeout,
		MaxDeliveries:     maxDeliveries,
		Clock:             b.clock,
		Pool:              b.opts.Pool,
		Logger:            b.opts.Logger,
		OnDone:            func(m *delivery.Message) { b.done(d, m) },
		OnDeadLetter:      func(m *delivery.Message, link, reason string) { b.deadLetter(d, m, link, reason) },
	})
	if err != nil {
		return nil, err
	}
	b.dests[meta.Name] = d
	b.byID[meta.ID] = d
	return d, nil
}

func (b *Broker) lookup(name string) (*destination, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	d, ok := b.dests[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return d, nil
}

// Send routes req to name and returns the message id. Transient messages are
// dispatched immediately. Durable ones are journaled first and dispatched
// once the record is durable; while the journal is saturated Send retries
// until ctx ends and then returns ErrBackpressure.
func (b *Broker) Send(ctx context.Context, name string, req SendRequest) (uint64, error) {
	d, err := b.lookup(name)
	if err != nil {
		return 0, err
	}
	m := &delivery.Message{
		Xid:        req.Xid,
		Durable:    req.Durable,
		Priority:   req.Priority,
		ExpiresAt:  req.ExpiresAt,
		Properties: req.Properties,
		Body:       req.Body,
	}
	if !req.Durable {
		id := d.ch.Send(m)
		if req.OnSettled != nil {
			req.OnSettled(id, nil)
		}
		return id, nil
	}

	payload, err := envelope.Encode(m)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m.ID = d.ch.NextID()
	err = b.journal.WriteContext(ctx, journal.RecordData, d.meta.ID, m.ID, m.Xid, payload,
		func(p journal.Placement, final bool, err error) {
			if err != nil {
				b.logger.Warn("durable send failed", log.Str("address", name), log.Uint64("id", m.ID), log.Err(err))
				if req.OnSettled != nil {
					req.OnSettled(m.ID, err)
				}
				return
			}
			if !final {
				return
			}
			b.acks.track(d.meta.ID, m.ID, p.Last())
			d.ch.Enqueue(m)
			if req.OnSettled != nil {
				req.OnSettled(m.ID, nil)
			}
		})
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// Subscribe attaches a consumer to name. Unknown addresses are declared with
// default settings when AllowAutoCreate is set.
func (b *Broker) Subscribe(name string, o SubscribeOptions) (*delivery.Receiver, error) {
	d, err := b.lookup(name)
	if errors.Is(err, ErrUnknownChannel) && b.opts.AllowAutoCreate {
		if _, err = b.Declare(name, AddressOptions{}); err == nil {
			d, err = b.lookup(name)
		}
	}
	if err != nil {
		return nil, err
	}
	if o.Name == "" {
		o.Name = b.names.Name("link")
	}
	r, _, err := delivery.Subscribe(d.ch,
		delivery.LinkOptions{Name: o.Name, SettleMode: o.SettleMode, Prefetch: o.Prefetch, Selector: o.Selector},
		delivery.ReceiverOptions{DedupWindow: b.opts.DedupWindow, Pool: b.opts.Pool, Logger: b.logger.With(log.Str("link", o.Name))})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("consumer attached", log.Str("address", name), log.Str("link", o.Name))
	return r, nil
}

// Addresses returns the declared addresses in name order.
func (b *Broker) Addresses() []address.Meta {
	b.mu.RLock()
	out := make([]address.Meta, 0, len(b.dests))
	for _, d := range b.dests {
		out = append(out, d.meta)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns the delivery counters of name.
func (b *Broker) Stats(name string) (delivery.Stats, error) {
	d, err := b.lookup(name)
	if err != nil {
		return delivery.Stats{}, err
	}
	return d.ch.Stats(), nil
}

// DeadLetters lists up to limit dead-lettered messages of name.
func (b *Broker) DeadLetters(name string, limit int) ([]deadletter.Entry, error) {
	if _, err := b.lookup(name); err != nil {
		return nil, err
	}
	return b.dlq.List(name, limit)
}

// PurgeDeadLetters drops every dead-lettered message of name.
func (b *Broker) PurgeDeadLetters(ctx context.Context, name string) error {
	if _, err := b.lookup(name); err != nil {
		return err
	}
	return b.dlq.Purge(ctx, name)
}

// Sweep returns timed-out deliveries of every address now rather than at
// the next sweep tick.
func (b *Broker) Sweep() int { return b.sweeper.Sweep() }

// Close stops redelivery, detaches every consumer and writes outstanding
// acknowledgements. The journal and DB stay open.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.sweeper.Stop()
	b.closeChannels()
	err := b.acks.close()
	b.logger.Info("broker closed")
	return multierr.Append(err, b.journal.Err())
}

func (b *Broker) channels() []*delivery.Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*delivery.Channel, 0, len(b.dests))
	for _, d := range b.dests {
		out = append(out, d.ch)
	}
	return out
}

func (b *Broker) closeChannels() {
	for _, ch := range b.channels() {
		ch.Close()
	}
}

func (b *Broker) done(d *destination, m *delivery.Message) {
	if m.Durable {
		b.acks.ack(d.meta.ID, m.ID, m.Xid)
	}
}

func (b *Broker) deadLetter(d *destination, m *delivery.Message, link, reason string) {
	err := b.dlq.Put(context.Background(), deadletter.Entry{
		Address: d.meta.Name,
		Link:    link,
		Reason:  reason,
		At:      b.clock.Now(),
		Message: m,
	})
	if err != nil {
		b.logger.Error("dead-letter write failed", log.Str("address", d.meta.Name), log.Uint64("id", m.ID), log.Err(err))
		return
	}
	b.logger.Debug("message dead-lettered", log.Str("address", d.meta.Name), log.Uint64("id", m.ID),
		log.Str("link", link), log.Str("reason", reason))
}
