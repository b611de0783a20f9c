package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/flomq/internal/blockstore"
	"github.com/rzbill/flomq/internal/delivery"
	"github.com/rzbill/flomq/internal/journal"
	pebblestore "github.com/rzbill/flomq/internal/storage/pebble"
	"github.com/rzbill/flomq/internal/worker"
)

type env struct {
	t      *testing.T
	dir    string
	store  *blockstore.MemStore
	clock  *clock.Mock
	opts   Options
	pool   *worker.Pool
	db     *pebblestore.DB
	j      *journal.Journal
	b      *Broker
	closed bool
}

func newEnv(t *testing.T, mutate func(*Options)) *env {
	t.Helper()
	e := &env{t: t, dir: t.TempDir(), store: blockstore.NewMemStore("journal"), clock: clock.NewMock()}
	if mutate != nil {
		mutate(&e.opts)
	}
	e.open()
	t.Cleanup(e.close)
	return e
}

func (e *env) open() {
	e.t.Helper()
	var err error
	e.pool = worker.NewPool(4, nil)
	e.db, err = pebblestore.Open(pebblestore.Options{DataDir: e.dir})
	require.NoError(e.t, err)
	e.j, err = journal.Open(e.store, journal.Options{BlockSize: 512, Pool: e.pool})
	require.NoError(e.t, err)
	opts := e.opts
	opts.Journal, opts.DB, opts.Pool, opts.Clock = e.j, e.db, e.pool, e.clock
	e.b, err = Open(opts)
	require.NoError(e.t, err)
	e.closed = false
}

func (e *env) close() {
	if e.closed {
		return
	}
	e.closed = true
	require.NoError(e.t, e.b.Close())
	require.NoError(e.t, e.j.Close())
	e.pool.Close()
	require.NoError(e.t, e.db.Close())
}

func (e *env) restart() {
	e.close()
	e.store.Reopen()
	e.open()
}

func (e *env) send(address, body string, durable bool) uint64 {
	e.t.Helper()
	settled := make(chan error, 1)
	id, err := e.b.Send(context.Background(), address, SendRequest{
		Durable:   durable,
		Body:      []byte(body),
		OnSettled: func(_ uint64, err error) { settled <- err },
	})
	require.NoError(e.t, err)
	select {
	case err := <-settled:
		require.NoError(e.t, err)
	case <-time.After(2 * time.Second):
		e.t.Fatalf("send %s not settled", body)
	}
	return id
}

func receive(t *testing.T, r *delivery.Receiver) delivery.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := r.Receive(ctx)
	require.NoError(t, err)
	return d
}

func TestSendToUnknownAddressHasNoSideEffects(t *testing.T) {
	e := newEnv(t, nil)
	before := e.j.Stats().Records
	_, err := e.b.Send(context.Background(), "missing", SendRequest{Durable: true, Body: []byte("x")})
	require.ErrorIs(t, err, ErrUnknownChannel)
	require.Equal(t, before, e.j.Stats().Records)
	require.Empty(t, e.b.Addresses())
}

func TestDurableSendIsJournaledThenDelivered(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.b.Declare("orders", AddressOptions{})
	require.NoError(t, err)
	r, err := e.b.Subscribe("orders", SubscribeOptions{Prefetch: 10})
	require.NoError(t, err)
	defer r.Close()

	id1 := e.send("orders", "a", true)
	id2 := e.send("orders", "b", true)
	require.Equal(t, id1+1, id2)

	d := receive(t, r)
	require.Equal(t, id1, d.ID())
	require.Equal(t, "a", string(d.Message.Body))
	require.Equal(t, id2, receive(t, r).ID())

	// Both taken and accepted: ACKs written and the checkpoint passes them.
	require.Eventually(t, func() bool {
		return e.b.acks.liveCount() == 0 && e.j.Stats().Checkpoints >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransientSendSkipsJournal(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.b.Declare("ticks", AddressOptions{})
	require.NoError(t, err)
	r, err := e.b.Subscribe("ticks", SubscribeOptions{})
	require.NoError(t, err)
	defer r.Close()

	e.send("ticks", "t1", false)
	require.Equal(t, "t1", string(receive(t, r).Message.Body))
	require.Zero(t, e.j.Stats().Records)
}

func TestRestartRequeuesUnacknowledgedMessages(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.b.Declare("orders", AddressOptions{SettleMode: delivery.ApplicationAck})
	require.NoError(t, err)
	r, err := e.b.Subscribe("orders", SubscribeOptions{})
	require.NoError(t, err)

	for _, body := range []string{"one", "two", "three"} {
		e.send("orders", body, true)
	}
	first := receive(t, r)
	require.Equal(t, "one", string(first.Message.Body))
	require.NoError(t, first.Accept())
	require.Eventually(t, func() bool { return e.b.acks.liveCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	r.Close()

	e.restart()
	meta, err := e.b.Declare("orders", AddressOptions{})
	require.NoError(t, err)
	require.Equal(t, "application-ack", meta.SettleMode)

	r, err = e.b.Subscribe("orders", SubscribeOptions{})
	require.NoError(t, err)
	defer r.Close()
	got := []string{string(receive(t, r).Message.Body), string(receive(t, r).Message.Body)}
	require.Equal(t, []string{"two", "three"}, got)
	_, ok := r.TryReceive()
	require.False(t, ok)

	// New ids continue above the recovered ones.
	id := e.send("orders", "four", true)
	require.Equal(t, uint64(4), id)
}

func TestRestartKeepsIdsAboveAcknowledgedMessages(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.b.Declare("orders", AddressOptions{SettleMode: delivery.ApplicationAck})
	require.NoError(t, err)
	r, err := e.b.Subscribe("orders", SubscribeOptions{Prefetch: 10})
	require.NoError(t, err)

	for _, body := range []string{"one", "two", "three"} {
		e.send("orders", body, true)
	}
	receive(t, r)
	require.NoError(t, receive(t, r).Accept())
	require.NoError(t, receive(t, r).Accept())
	require.Eventually(t, func() bool {
		st, err := e.b.Stats("orders")
		return err == nil && st.Accepted == 2
	}, 2*time.Second, 5*time.Millisecond)
	// Only the oldest record is unfinished, so no checkpoint passes it.
	require.Equal(t, 3, e.b.acks.liveCount())
	r.Close()

	e.restart()
	r, err = e.b.Subscribe("orders", SubscribeOptions{})
	require.NoError(t, err)
	defer r.Close()
	d := receive(t, r)
	require.Equal(t, "one", string(d.Message.Body))
	require.Equal(t, uint64(1), d.Message.ID)

	require.Equal(t, uint64(4), e.send("orders", "four", true))
}

func TestRejectedMessagesAreDeadLettered(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.b.Declare("orders", AddressOptions{SettleMode: delivery.ApplicationAck})
	require.NoError(t, err)
	r, err := e.b.Subscribe("orders", SubscribeOptions{Name: "billing"})
	require.NoError(t, err)
	defer r.Close()

	id := e.send("orders", "bad", true)
	require.NoError(t, receive(t, r).Reject("schema mismatch"))

	var dead []string
	require.Eventually(t, func() bool {
		entries, err := e.b.DeadLetters("orders", 0)
		if err != nil || len(entries) != 1 {
			return false
		}
		de := entries[0]
		dead = []string{de.Reason, de.Link}
		return de.Message.ID == id
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"schema mismatch", "billing"}, dead)

	// Dead-lettered counts as finished: nothing comes back after restart.
	require.Eventually(t, func() bool { return e.b.acks.liveCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	r.Close()
	e.restart()
	require.Zero(t, e.b.acks.liveCount())

	require.NoError(t, e.b.PurgeDeadLetters(context.Background(), "orders"))
	entries, err := e.b.DeadLetters("orders", 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSubscribeAutoCreate(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.b.Subscribe("events", SubscribeOptions{})
	require.True(t, errors.Is(err, ErrUnknownChannel))

	e2 := newEnv(t, func(o *Options) { o.AllowAutoCreate = true })
	r, err := e2.b.Subscribe("events", SubscribeOptions{})
	require.NoError(t, err)
	defer r.Close()
	metas := e2.b.Addresses()
	require.Len(t, metas, 1)
	require.Equal(t, "events", metas[0].Name)
	require.Equal(t, "exclusive", metas[0].Mode)
}

func TestDeclareKeepsExistingSettings(t *testing.T) {
	e := newEnv(t, nil)
	m1, err := e.b.Declare("news", AddressOptions{Mode: delivery.FanOut, Prefetch: 5})
	require.NoError(t, err)
	m2, err := e.b.Declare("news", AddressOptions{Mode: delivery.Exclusive})
	require.NoError(t, err)
	require.Equal(t, m1, m2)
	require.Equal(t, "fanout", m2.Mode)

	_, err = e.b.Declare("bad/name", AddressOptions{})
	require.Error(t, err)
}

func TestFanOutDeliversToEveryConsumer(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.b.Declare("news", AddressOptions{Mode: delivery.FanOut})
	require.NoError(t, err)
	a, err := e.b.Subscribe("news", SubscribeOptions{})
	require.NoError(t, err)
	defer a.Close()
	b, err := e.b.Subscribe("news", SubscribeOptions{Selector: `properties["region"] == "eu"`})
	require.NoError(t, err)
	defer b.Close()

	_, err = e.b.Send(context.Background(), "news", SendRequest{Body: []byte("us"), Properties: map[string]string{"region": "us"}})
	require.NoError(t, err)
	_, err = e.b.Send(context.Background(), "news", SendRequest{Body: []byte("eu"), Properties: map[string]string{"region": "eu"}})
	require.NoError(t, err)

	require.Equal(t, "us", string(receive(t, a).Message.Body))
	require.Equal(t, "eu", string(receive(t, a).Message.Body))
	require.Equal(t, "eu", string(receive(t, b).Message.Body))
}

func TestSendAfterCloseFails(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.b.Declare("orders", AddressOptions{})
	require.NoError(t, err)
	require.NoError(t, e.b.Close())
	_, err = e.b.Send(context.Background(), "orders", SendRequest{Body: []byte("x")})
	require.ErrorIs(t, err, ErrClosed)
}
