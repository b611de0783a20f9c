package id

import (
	"bytes"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// ID is 16 bytes big-endian: [8 bytes ms timestamp][8 bytes sequence], so
// byte order is creation order.
type ID [16]byte

var nameEncoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// String returns the hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Compare returns -1, 0 or 1.
func (i ID) Compare(other ID) int { return bytes.Compare(i[:], other[:]) }

// Time returns the millisecond timestamp part.
func (i ID) Time() time.Time { return time.UnixMilli(int64(binary.BigEndian.Uint64(i[:8]))) }

// Generator produces strictly increasing IDs per process.
type Generator struct {
	now func() int64

	mu     sync.Mutex
	lastMs int64
	seq    uint64
}

// NewGenerator returns a generator on the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: func() int64 { return time.Now().UnixMilli() }}
}

// Next returns the next ID. A clock that goes backwards pins to the last
// millisecond; an exhausted sequence borrows the following millisecond.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := g.now()
	switch {
	case ms > g.lastMs:
		g.lastMs, g.seq = ms, 0
	case g.seq == math.MaxUint64:
		g.lastMs, g.seq = g.lastMs+1, 0
	default:
		g.seq++
	}
	var id ID
	binary.BigEndian.PutUint64(id[:8], uint64(g.lastMs))
	binary.BigEndian.PutUint64(id[8:], g.seq)
	return id
}

// Name returns prefix joined to a compact, sortable form of the next ID,
// e.g. "link-01hx3k0s8g00000g".
func (g *Generator) Name(prefix string) string {
	id := g.Next()
	// Drop the high timestamp bytes and high sequence bytes, which are
	// zero for the foreseeable future.
	short := append(append([]byte(nil), id[2:8]...), id[12:]...)
	return prefix + "-" + nameEncoding.EncodeToString(short)
}
