package broker

import (
	"fmt"

	"github.com/rzbill/flomq/internal/envelope"
	"github.com/rzbill/flomq/internal/journal"
	"github.com/rzbill/flomq/pkg/log"
)

// recover requeues every DATA record the journal replays that has no ACK.
func (b *Broker) recover() error {
	var order []recordKey
	live := make(map[recordKey]journal.Entry)
	last := make(map[uint64]uint64)
	err := b.journal.Replay(func(e journal.Entry) error {
		k := recordKey{e.ID, e.Seq}
		switch e.Type {
		case journal.RecordData:
			if _, dup := live[k]; !dup {
				order = append(order, k)
			}
			live[k] = e
			if e.Seq > last[e.ID] {
				last[e.ID] = e.Seq
			}
		case journal.RecordAck:
			delete(live, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("broker: replay: %w", err)
	}

	// Acknowledged records still in the replay window hold ids too.
	b.mu.RLock()
	for dest, seq := range last {
		if d := b.byID[dest]; d != nil {
			d.ch.AdvanceID(seq)
		}
	}
	b.mu.RUnlock()

	requeued, orphaned := 0, 0
	for _, k := range order {
		e, ok := live[k]
		if !ok {
			continue
		}
		delete(live, k)
		b.mu.RLock()
		d := b.byID[e.ID]
		b.mu.RUnlock()
		if d == nil {
			orphaned++
			continue
		}
		m, err := envelope.Decode(e.Payload)
		if err != nil {
			b.logger.Warn("skipping undecodable record", log.Uint64("dest", e.ID), log.Uint64("seq", e.Seq), log.Err(err))
			continue
		}
		m.ID = e.Seq
		m.Xid = e.Xid
		m.Durable = true
		b.acks.track(e.ID, e.Seq, e.Placement.Last())
		d.ch.Enqueue(m)
		requeued++
	}
	if requeued > 0 || orphaned > 0 {
		b.logger.Info("recovered durable messages", log.Int("requeued", requeued), log.Int("orphaned", orphaned))
	}
	return nil
}
