package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/rzbill/flomq/internal/journal"
	"github.com/rzbill/flomq/internal/worker"
	"github.com/rzbill/flomq/pkg/log"
)

const ackRetryDelay = time.Millisecond

type recordKey struct{ dest, seq uint64 }

type liveRecord struct {
	ext  journal.Extent
	done bool
}

type ackRequest struct{ dest, seq, xid uint64 }

// acker writes ACK records for finished durable messages and advances the
// journal checkpoint past the longest finished prefix of the log.
type acker struct {
	b      *Broker
	worker *worker.Worker

	runMu sync.Mutex

	mu       sync.Mutex
	queue    []ackRequest
	live     []*liveRecord
	index    map[recordKey]*liveRecord
	pending  *journal.Extent
	retrying bool
}

func newAcker(b *Broker) *acker {
	a := &acker{b: b, index: make(map[recordKey]*liveRecord)}
	a.worker = b.opts.Pool.New("acker", a.run)
	return a
}

// track registers a durable DATA record. Records must be tracked in log
// order.
func (a *acker) track(dest, seq uint64, ext journal.Extent) {
	r := &liveRecord{ext: ext}
	a.mu.Lock()
	a.live = append(a.live, r)
	a.index[recordKey{dest, seq}] = r
	a.mu.Unlock()
}

func (a *acker) ack(dest, seq, xid uint64) {
	k := recordKey{dest, seq}
	a.mu.Lock()
	if r, ok := a.index[k]; ok {
		r.done = true
		delete(a.index, k)
	}
	a.queue = append(a.queue, ackRequest{dest: dest, seq: seq, xid: xid})
	a.mu.Unlock()
	a.worker.Wake()
}

// liveCount returns how many tracked records are not yet covered by a
// checkpoint.
func (a *acker) liveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

func (a *acker) run() {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.mu.Lock()
	batch := a.queue
	a.queue = nil
	a.mu.Unlock()

	for i, r := range batch {
		err := a.b.journal.Write(journal.RecordAck, r.dest, r.seq, r.xid, nil, nil)
		if errors.Is(err, journal.ErrBackpressure) {
			a.retry(batch[i:])
			return
		}
		if err != nil {
			a.b.logger.Warn("dropping acknowledgements", log.Int("count", len(batch)-i), log.Err(err))
			return
		}
	}
	a.checkpoint()
}

func (a *acker) checkpoint() {
	a.mu.Lock()
	n := 0
	for n < len(a.live) && a.live[n].done {
		n++
	}
	if n > 0 {
		ext := a.live[n-1].ext
		a.pending = &ext
		a.live = append(a.live[:0:0], a.live[n:]...)
	}
	pending := a.pending
	a.mu.Unlock()
	if pending == nil {
		return
	}

	err := a.b.journal.Checkpoint(pending.Addr, pending.Offset, pending.Length)
	if errors.Is(err, journal.ErrBackpressure) {
		a.retry(nil)
		return
	}
	if err != nil {
		a.b.logger.Warn("checkpoint failed", log.Err(err))
	}
	a.mu.Lock()
	if a.pending == pending {
		a.pending = nil
	}
	a.mu.Unlock()
}

func (a *acker) retry(rest []ackRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(rest, a.queue...)
	if a.retrying {
		return
	}
	a.retrying = true
	a.b.clock.AfterFunc(ackRetryDelay, func() {
		a.mu.Lock()
		a.retrying = false
		a.mu.Unlock()
		a.worker.Wake()
	})
}

// close writes whatever is queued. Records still refused by a saturated
// journal are left for recovery to redeliver.
func (a *acker) close() error {
	a.run()
	a.mu.Lock()
	left := len(a.queue)
	a.mu.Unlock()
	if left > 0 {
		return errors.New("broker: acknowledgements left unwritten")
	}
	return nil
}
