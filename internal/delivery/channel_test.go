package delivery

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdsAreMonotonicInSendOrder(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	reserved := h.ch.NextID()
	require.Equal(t, uint64(1), reserved)
	require.Equal(t, uint64(2), h.ch.Send(msg("a")))
	h.ch.Enqueue(&Message{ID: 10})
	require.Equal(t, uint64(11), h.ch.Send(msg("b")))
}

func TestSettlementIsIdempotent(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	l, c := attach(t, h.ch, LinkOptions{Name: "c1", SettleMode: ApplicationAck}, 10)

	id := h.ch.Send(msg("once"))
	d := c.next(t)
	require.Equal(t, id, d.ID())

	require.NoError(t, l.Accept(id))
	require.NoError(t, l.Accept(id))
	require.NoError(t, l.Reject(id, "too late"))
	require.NoError(t, l.Release(id))

	require.Equal(t, 1, h.doneCount(id))
	_, dead := h.deadReason(id)
	require.False(t, dead)
	st := h.ch.Stats()
	require.Equal(t, uint64(1), st.Accepted)
	require.Equal(t, uint64(3), st.Conflicts)
	c.none(t)
}

func TestFlowTargetIsAbsolute(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	l, c := attach(t, h.ch, LinkOptions{SettleMode: FireAndForget, Prefetch: 100}, 5)
	for i := 0; i < 20; i++ {
		h.ch.Send(msg("m"))
	}
	for i := 0; i < 5; i++ {
		c.next(t)
	}
	c.none(t)

	// Re-sending the same target grants nothing new.
	require.NoError(t, l.Flow(5))
	c.none(t)

	require.NoError(t, l.Flow(12))
	for i := 0; i < 7; i++ {
		c.next(t)
	}
	c.none(t)
	require.Equal(t, uint64(12), l.Stats().Delivered)
}

func TestFireAndForgetFinishesOnSend(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	l, c := attach(t, h.ch, LinkOptions{SettleMode: FireAndForget}, 10)
	id := h.ch.Send(msg("x"))
	c.next(t)
	require.Eventually(t, func() bool { return h.doneCount(id) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 0, l.Stats().Unsettled)
	require.NoError(t, l.Accept(id), "settling a fire-and-forget delivery is a no-op")
}

func TestUnsettledNeverExceedsPrefetch(t *testing.T) {
	const prefetch, total = 10, 1000
	h := newHarness(t, Exclusive, nil)
	l, err := h.ch.Attach(LinkOptions{SettleMode: ApplicationAck, Prefetch: prefetch})
	require.NoError(t, err)

	var outstanding, peak atomic.Int64
	inbox := make(chan Delivery, total)
	require.NoError(t, l.Start(func(d Delivery) {
		n := outstanding.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		inbox <- d
	}))
	require.NoError(t, l.Flow(prefetch))

	var senders sync.WaitGroup
	for g := 0; g < 4; g++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for i := 0; i < total/4; i++ {
				h.ch.Send(msg("p"))
			}
		}()
	}

	rng := rand.New(rand.NewSource(1))
	var consumed uint64
	deadline := time.After(10 * time.Second)
	for h.doneTotal() < total {
		select {
		case d := <-inbox:
			consumed++
			outstanding.Add(-1)
			if d.Count == 1 && rng.Intn(10) == 0 {
				require.NoError(t, l.Release(d.ID()))
			} else {
				require.NoError(t, l.Accept(d.ID()))
			}
			require.NoError(t, l.Flow(consumed+prefetch))
		case <-deadline:
			t.Fatalf("only %d of %d messages finished", h.doneTotal(), total)
		}
	}
	senders.Wait()

	require.LessOrEqual(t, peak.Load(), int64(prefetch))
	require.Equal(t, 0, l.Stats().Unsettled)
}

func TestReleaseRedeliversWithoutBlame(t *testing.T) {
	h := newHarness(t, Exclusive, func(o *ChannelOptions) { o.MaxDeliveries = 1 })
	l, c := attach(t, h.ch, LinkOptions{SettleMode: ApplicationAck}, 100)
	id := h.ch.Send(msg("r"))

	for attempt := uint32(1); attempt <= 3; attempt++ {
		d := c.next(t)
		require.Equal(t, attempt, d.Count)
		require.Equal(t, attempt > 1, d.Redelivered())
		require.NoError(t, l.Release(id))
	}
	c.next(t)
	require.NoError(t, l.Accept(id))
	require.Equal(t, 1, h.doneCount(id))
}

func TestModifyFailedDeadLettersAtLimit(t *testing.T) {
	h := newHarness(t, Exclusive, func(o *ChannelOptions) { o.MaxDeliveries = 2 })
	l, c := attach(t, h.ch, LinkOptions{SettleMode: ApplicationAck}, 100)
	id := h.ch.Send(msg("poison"))

	c.next(t)
	require.NoError(t, l.Modify(id, true, false))
	c.next(t)
	require.NoError(t, l.Modify(id, true, false))
	c.none(t)

	require.Eventually(t, func() bool { _, dead := h.deadReason(id); return dead }, time.Second, time.Millisecond)
	reason, _ := h.deadReason(id)
	require.Contains(t, reason, "delivery limit")
	require.Equal(t, 1, h.doneCount(id))
}

func TestRejectDeadLetters(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	l, c := attach(t, h.ch, LinkOptions{SettleMode: ApplicationAck}, 10)
	id := h.ch.Send(msg("bad"))
	c.next(t)
	require.NoError(t, l.Reject(id, "schema mismatch"))
	reason, dead := h.deadReason(id)
	require.True(t, dead)
	require.Equal(t, "schema mismatch", reason)
	require.Equal(t, 1, h.doneCount(id))
	c.none(t)
}

func TestModifyUndeliverableHereMovesToAnotherLink(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	l1, c1 := attach(t, h.ch, LinkOptions{Name: "a", SettleMode: ApplicationAck}, 10)
	id := h.ch.Send(msg("picky"))
	c1.next(t)

	l2, c2 := attach(t, h.ch, LinkOptions{Name: "b", SettleMode: ApplicationAck}, 10)
	require.NoError(t, l1.Modify(id, false, true))
	d := c2.next(t)
	require.Equal(t, id, d.ID())
	c1.none(t)
	require.NoError(t, l2.Accept(id))
	require.Equal(t, 1, h.doneCount(id))
}

func TestTimedOutDeliveriesAreRedelivered(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	l, c := attach(t, h.ch, LinkOptions{SettleMode: ApplicationAck}, 10)
	id := h.ch.Send(msg("slow"))
	c.next(t)

	h.clock.Add(4 * time.Second)
	require.Equal(t, 0, h.ch.RedeliverExpired())
	h.clock.Add(time.Second)
	require.Equal(t, 1, h.ch.RedeliverExpired())

	d := c.next(t)
	require.True(t, d.Redelivered())
	require.NoError(t, l.Accept(id))
	require.Equal(t, uint64(1), h.ch.Stats().Redelivered)
}

func TestFanOutFinishesAfterEveryCopy(t *testing.T) {
	h := newHarness(t, FanOut, nil)
	l1, c1 := attach(t, h.ch, LinkOptions{Name: "a", SettleMode: ApplicationAck}, 10)
	l2, c2 := attach(t, h.ch, LinkOptions{Name: "b", SettleMode: ApplicationAck}, 10)

	id := h.ch.Send(msg("news"))
	require.Equal(t, id, c1.next(t).ID())
	require.Equal(t, id, c2.next(t).ID())

	require.NoError(t, l1.Accept(id))
	require.Equal(t, 0, h.doneCount(id))
	require.NoError(t, l2.Release(id))
	require.Equal(t, id, c2.next(t).ID(), "released copy returns to the same link")
	c1.none(t)
	require.NoError(t, l2.Accept(id))
	require.Equal(t, 1, h.doneCount(id))
}

func TestFanOutWithoutSubscribersFinishesImmediately(t *testing.T) {
	h := newHarness(t, FanOut, nil)
	id := h.ch.Send(msg("void"))
	require.Equal(t, 1, h.doneCount(id))
}

func TestSelectorFiltersDeliveries(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	_, cb := attach(t, h.ch, LinkOptions{Name: "b-only", SettleMode: FireAndForget, Selector: `properties["kind"] == "b"`}, 10)
	h.ch.Send(&Message{Properties: map[string]string{"kind": "a"}})
	idB := h.ch.Send(&Message{Properties: map[string]string{"kind": "b"}})

	require.Equal(t, idB, cb.next(t).ID())
	cb.none(t)
	require.Equal(t, 1, h.ch.Stats().Backlog)

	_, err := h.ch.Attach(LinkOptions{Selector: `size +`})
	require.Error(t, err)
	_, err = h.ch.Attach(LinkOptions{Selector: `size`})
	require.Error(t, err, "non-boolean selector")
}

func TestPriorityOrdersBacklog(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	low := h.ch.Send(&Message{Priority: 1})
	high := h.ch.Send(&Message{Priority: 9})
	mid := h.ch.Send(&Message{Priority: 4})

	_, c := attach(t, h.ch, LinkOptions{SettleMode: FireAndForget}, 10)
	require.Equal(t, high, c.next(t).ID())
	require.Equal(t, mid, c.next(t).ID())
	require.Equal(t, low, c.next(t).ID())
}

func TestExpiredMessagesAreDropped(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	id := h.ch.Send(&Message{ExpiresAt: h.clock.Now().Add(time.Second)})
	h.clock.Add(2 * time.Second)
	_, c := attach(t, h.ch, LinkOptions{SettleMode: FireAndForget}, 10)
	c.none(t)
	require.Eventually(t, func() bool { return h.doneCount(id) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, uint64(1), h.ch.Stats().Expired)
}

func TestDetachRequeuesDurableAndDropsTransient(t *testing.T) {
	h := newHarness(t, Exclusive, nil)
	l1, c1 := attach(t, h.ch, LinkOptions{Name: "leaving", SettleMode: ApplicationAck}, 10)
	durable := h.ch.Send(&Message{Durable: true})
	transient := h.ch.Send(&Message{Durable: false})
	c1.next(t)
	c1.next(t)

	l1.Detach()
	require.Equal(t, 1, h.doneCount(transient))
	require.ErrorIs(t, l1.Flow(100), ErrDetached)
	require.NoError(t, l1.Accept(durable), "settling on a detached link is a no-op")

	l2, c2 := attach(t, h.ch, LinkOptions{Name: "staying", SettleMode: ApplicationAck}, 10)
	require.Equal(t, durable, c2.next(t).ID())
	require.NoError(t, l2.Accept(durable))
	require.Equal(t, 1, h.doneCount(durable))
}

func TestParseModes(t *testing.T) {
	for _, m := range []SettleMode{FireAndForget, NetworkAtLeastOnce, NetworkExactlyOnce, TakeAtLeastOnce, TakeExactlyOnce, ApplicationAck} {
		got, err := ParseSettleMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
	_, err := ParseSettleMode("whenever")
	require.ErrorIs(t, err, ErrInvalidMode)

	d, err := ParseDistributionMode("topic")
	require.NoError(t, err)
	require.Equal(t, FanOut, d)
}
