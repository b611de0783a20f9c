package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rzbill/flomq/internal/worker"
)

type harness struct {
	ch    *Channel
	clock *clock.Mock

	mu   sync.Mutex
	done map[uint64]int
	dead map[uint64]string
}

func newHarness(t *testing.T, mode DistributionMode, mutate func(*ChannelOptions)) *harness {
	t.Helper()
	pool := worker.NewPool(4, nil)
	t.Cleanup(pool.Close)
	h := &harness{clock: clock.NewMock(), done: map[uint64]int{}, dead: map[uint64]string{}}
	opts := ChannelOptions{
		Name:          "test",
		Mode:          mode,
		SettleTimeout: 5 * time.Second,
		Clock:         h.clock,
		Pool:          pool,
		OnDone: func(m *Message) {
			h.mu.Lock()
			h.done[m.ID]++
			h.mu.Unlock()
		},
		OnDeadLetter: func(m *Message, _ string, reason string) {
			h.mu.Lock()
			h.dead[m.ID] = reason
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	ch, err := NewChannel(opts)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	t.Cleanup(ch.Close)
	h.ch = ch
	return h
}

func (h *harness) doneCount(id uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done[id]
}

func (h *harness) doneTotal() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.done)
}

func (h *harness) deadReason(id uint64) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.dead[id]
	return r, ok
}

// collector is a Sink backed by a buffered channel.
type collector chan Delivery

func newCollector() collector { return make(collector, 4096) }

func (c collector) sink(d Delivery) { c <- d }

func (c collector) next(t *testing.T) Delivery {
	t.Helper()
	select {
	case d := <-c:
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for delivery")
		return Delivery{}
	}
}

func (c collector) none(t *testing.T) {
	t.Helper()
	select {
	case d := <-c:
		t.Fatalf("unexpected delivery of message %d", d.ID())
	case <-time.After(30 * time.Millisecond):
	}
}

func attach(t *testing.T, ch *Channel, opts LinkOptions, credit uint64) (*Link, collector) {
	t.Helper()
	l, err := ch.Attach(opts)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	c := newCollector()
	if err := l.Start(c.sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if credit > 0 {
		if err := l.Flow(credit); err != nil {
			t.Fatalf("Flow: %v", err)
		}
	}
	return l, c
}

func msg(body string) *Message { return &Message{Body: []byte(body), Durable: true} }
