// Package deadletter keeps messages that were rejected or ran out of
// delivery attempts, per address, in Pebble.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rzbill/flomq/internal/delivery"
	"github.com/rzbill/flomq/internal/envelope"
	pebblestore "github.com/rzbill/flomq/internal/storage/pebble"
)

// ErrCorrupt is returned when a stored entry fails its checksum.
var ErrCorrupt = errors.New("deadletter: corrupt entry")

// Entry is one dead-lettered message.
type Entry struct {
	Address string
	Link    string
	Reason  string
	At      time.Time
	Message *delivery.Message
}

type header struct {
	Link    string `msgpack:"l"`
	Reason  string `msgpack:"r"`
	AtMs    int64  `msgpack:"t"`
	Xid     uint64 `msgpack:"x,omitempty"`
	Durable bool   `msgpack:"d,omitempty"`
}

// Store persists dead-lettered messages.
type Store struct {
	db *pebblestore.DB
}

// NewStore returns a store over db.
func NewStore(db *pebblestore.DB) *Store { return &Store{db: db} }

// Put records e. A message dead-lettered twice keeps the latest entry.
func (s *Store) Put(ctx context.Context, e Entry) error {
	hb, err := msgpack.Marshal(&header{
		Link:    e.Link,
		Reason:  e.Reason,
		AtMs:    e.At.UnixMilli(),
		Xid:     e.Message.Xid,
		Durable: e.Message.Durable,
	})
	if err != nil {
		return fmt.Errorf("deadletter: encode header: %w", err)
	}
	body, err := envelope.Encode(e.Message)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyEntry(e.Address, e.Message.ID), encodeRecord(hb, body), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// List returns up to limit entries of address in message id order. A
// non-positive limit returns all of them.
func (s *Store) List(address string, limit int) ([]Entry, error) {
	var out []Entry
	var decodeErr error
	prefix := keyPrefix(address)
	err := s.db.Scan(prefix, func(k, v []byte) bool {
		e, err := decodeEntry(address, k[len(prefix):], v)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// Count returns how many entries address holds.
func (s *Store) Count(address string) (int, error) {
	n := 0
	err := s.db.Scan(keyPrefix(address), func(_, _ []byte) bool { n++; return true })
	return n, err
}

// Delete removes one entry.
func (s *Store) Delete(address string, id uint64) error {
	return s.db.Delete(keyEntry(address, id))
}

// Purge removes every entry of address.
func (s *Store) Purge(ctx context.Context, address string) error {
	return s.db.DeletePrefix(ctx, keyPrefix(address))
}

func decodeEntry(address string, idBytes, v []byte) (Entry, error) {
	if len(idBytes) != 8 {
		return Entry{}, fmt.Errorf("%w: bad key", ErrCorrupt)
	}
	hb, body, ok := decodeRecord(v)
	if !ok {
		return Entry{}, ErrCorrupt
	}
	var h header
	if err := msgpack.Unmarshal(hb, &h); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	m, err := envelope.Decode(body)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	m.ID = beUint64(idBytes)
	m.Xid = h.Xid
	m.Durable = h.Durable
	return Entry{Address: address, Link: h.Link, Reason: h.Reason, At: time.UnixMilli(h.AtMs), Message: m}, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
