// Package envelope encodes messages for the journal and the dead-letter
// store using MessagePack.
package envelope

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rzbill/flomq/internal/delivery"
)

// Version is written first so the layout can evolve.
const Version = 1

type wire struct {
	V           int               `msgpack:"v"`
	Priority    uint8             `msgpack:"p,omitempty"`
	ExpiresAtMs int64             `msgpack:"e,omitempty"`
	Properties  map[string]string `msgpack:"h,omitempty"`
	Body        []byte            `msgpack:"b"`
}

// Encode serializes the parts of m that are not carried by the journal
// record header (id, xid and durability are).
func Encode(m *delivery.Message) ([]byte, error) {
	w := wire{V: Version, Priority: m.Priority, Properties: m.Properties, Body: m.Body}
	if !m.ExpiresAt.IsZero() {
		w.ExpiresAtMs = m.ExpiresAt.UnixMilli()
	}
	b, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return b, nil
}

// Decode rebuilds a message from an encoded envelope. The caller fills in
// id, xid and durability.
func Decode(b []byte) (*delivery.Message, error) {
	var w wire
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if w.V != Version {
		return nil, fmt.Errorf("envelope: unsupported version %d", w.V)
	}
	m := &delivery.Message{Priority: w.Priority, Properties: w.Properties, Body: w.Body}
	if w.ExpiresAtMs != 0 {
		m.ExpiresAt = time.UnixMilli(w.ExpiresAtMs)
	}
	return m, nil
}
