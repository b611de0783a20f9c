package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/rzbill/flomq/internal/blockstore"
	"github.com/rzbill/flomq/internal/ring"
	"github.com/rzbill/flomq/internal/worker"
	"github.com/rzbill/flomq/pkg/log"
)

var (
	// ErrBackpressure is returned when the ingestion ring has no free slot.
	ErrBackpressure = errors.New("journal: backpressure")
	// ErrJournalFailed is returned after a fatal store error.
	ErrJournalFailed = errors.New("journal: failed")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("journal: closed")
	// ErrCorruptRecord reports a record that failed validation.
	ErrCorruptRecord = errors.New("journal: corrupt record")
	// ErrRecordType is returned for an unknown or reserved record type.
	ErrRecordType = errors.New("journal: invalid record type")
	// ErrRecordTooLarge is returned when a payload exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("journal: record too large")
)

const (
	DefaultBlockSize     = 64 << 10
	MinBlockSize         = 256
	DefaultRingCapacity  = 4096
	DefaultMaxPending    = 256
	DefaultMaxRecordSize = 16 << 20
)

// Extent locates one fragment's payload: block number, byte offset of the
// payload within that block, and payload length.
type Extent struct {
	Addr   uint64
	Offset uint32
	Length uint32
}

// Placement is where a record's payload landed.
type Placement struct {
	Store   string
	Extents []Extent
}

// Last returns the final extent, the one a checkpoint names.
func (p Placement) Last() Extent {
	if len(p.Extents) == 0 {
		return Extent{}
	}
	return p.Extents[len(p.Extents)-1]
}

// Callback is invoked once per physical fragment after the fragment is
// durable. Each call carries the extents written so far; final is true
// only for the last fragment. A non-nil err means the record is not
// durable and no further calls follow.
type Callback func(p Placement, final bool, err error)

// Options configures a Journal.
type Options struct {
	// BlockSize applies to new journals; existing ones keep their own.
	BlockSize     int
	RingCapacity  int
	MaxPending    int
	MaxRecordSize int
	Pool          *worker.Pool
	Logger        log.Logger
}

func (o *Options) defaults() {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BlockSize < MinBlockSize {
		o.BlockSize = MinBlockSize
	}
	if o.RingCapacity <= 0 {
		o.RingCapacity = DefaultRingCapacity
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.MaxRecordSize <= 0 {
		o.MaxRecordSize = DefaultMaxRecordSize
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
}

// Stats is a point-in-time snapshot of journal counters.
type Stats struct {
	Position    int64
	ReplayStart int64
	Records     uint64
	Fragments   uint64
	Flushes     uint64
	Checkpoints uint64
}

type request struct {
	kind    RecordType
	id      uint64
	seq     uint64
	xid     uint64
	payload []byte
	cb      Callback
}

type pendingCallback struct {
	req   uint64
	cb    Callback
	p     Placement
	final bool
}

// Journal appends records to a block store.
type Journal struct {
	store    blockstore.Store
	bs       int64
	opts     Options
	logger   log.Logger
	ring     *ring.Ring[request]
	pool     *worker.Pool
	ownsPool bool

	// Owned by the ring consumer after Open.
	pos     int64
	start   int64
	gen     uint64
	pending []pendingCallback
	buf     []byte
	reqs    uint64

	records     atomic.Uint64
	fragments   atomic.Uint64
	flushes     atomic.Uint64
	checkpoints atomic.Uint64
	position    atomic.Int64
	replayStart atomic.Int64

	failed  atomic.Bool
	errMu   sync.Mutex
	err     error
	closeMu sync.Mutex
	closed  bool

	recovered []Entry
}

// Open recovers the journal held by store and readies it for appends.
func Open(store blockstore.Store, opts Options) (*Journal, error) {
	opts.defaults()
	j := &Journal{
		store:  store,
		opts:   opts,
		logger: opts.Logger.WithComponent("journal").With(log.Str("store", store.Name())),
		pool:   opts.Pool,
	}
	if j.pool == nil {
		j.pool = worker.NewPool(1, j.logger)
		j.ownsPool = true
	}
	if err := j.recover(); err != nil {
		if j.ownsPool {
			j.pool.Close()
		}
		return nil, err
	}
	j.ring = ring.New[request](j.pool, "journal", opts.RingCapacity, j.process, ring.Options{
		Logger:    j.logger,
		OnDrained: j.onDrained,
	})
	return j, nil
}

// BlockSize returns the journal's block size.
func (j *Journal) BlockSize() int { return int(j.bs) }

// Replay hands every recovered entry to fn in log order and releases them.
// It stops at the first error.
func (j *Journal) Replay(fn func(Entry) error) error {
	entries := j.recovered
	j.recovered = nil
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Write appends a record. It never blocks: a full ring yields
// ErrBackpressure. payload must not be modified until the final callback.
func (j *Journal) Write(t RecordType, id, seq, xid uint64, payload []byte, cb Callback) error {
	if t != RecordData && t != RecordAck {
		return fmt.Errorf("%w: %s", ErrRecordType, t)
	}
	if len(payload) > j.opts.MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}
	return j.submit(request{kind: t, id: id, seq: seq, xid: xid, payload: payload, cb: cb})
}

// WriteContext is Write that retries on backpressure until ctx is done.
func (j *Journal) WriteContext(ctx context.Context, t RecordType, id, seq, xid uint64, payload []byte, cb Callback) error {
	backoff := 50 * time.Microsecond
	for {
		err := j.Write(t, id, seq, xid, payload, cb)
		if !errors.Is(err, ErrBackpressure) {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrBackpressure, ctx.Err())
		case <-timer.C:
		}
		if backoff < 5*time.Millisecond {
			backoff *= 2
		}
	}
}

// Checkpoint declares everything up to and including the record whose
// payload ends at the given extent discardable. Replay restarts right after
// it. Invalid extents are logged and ignored.
func (j *Journal) Checkpoint(blockAddr uint64, offset, length uint32) error {
	e := Extent{Addr: blockAddr, Offset: offset, Length: length}
	return j.submit(request{kind: RecordCheckpoint, payload: encodeCheckpoint(e)})
}

func (j *Journal) submit(r request) error {
	if err := j.Err(); err != nil {
		return err
	}
	s, ok := j.ring.StartProducer()
	if !ok {
		if j.ring.Closed() {
			return ErrClosed
		}
		return ErrBackpressure
	}
	s.Item = r
	j.ring.FinishProducer(s)
	return nil
}

// ReadPlacement reads a payload back from its extents.
func (j *Journal) ReadPlacement(p Placement) ([]byte, error) {
	n := 0
	for _, e := range p.Extents {
		n += int(e.Length)
	}
	out := make([]byte, n)
	off := 0
	for _, e := range p.Extents {
		at := int64(e.Addr)*j.bs + int64(e.Offset)
		if _, err := j.store.ReadAt(out[off:off+int(e.Length)], at); err != nil {
			return nil, fmt.Errorf("journal: read extent %d/%d: %w", e.Addr, e.Offset, err)
		}
		off += int(e.Length)
	}
	return out, nil
}

// Err returns the fatal error, if any.
func (j *Journal) Err() error {
	if !j.failed.Load() {
		return nil
	}
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.err
}

// Stats returns current counters.
func (j *Journal) Stats() Stats {
	return Stats{
		Position:    j.position.Load(),
		ReplayStart: j.replayStart.Load(),
		Records:     j.records.Load(),
		Fragments:   j.fragments.Load(),
		Flushes:     j.flushes.Load(),
		Checkpoints: j.checkpoints.Load(),
	}
}

// Close stops accepting records, appends everything already claimed and
// closes the store.
func (j *Journal) Close() error {
	j.closeMu.Lock()
	if j.closed {
		j.closeMu.Unlock()
		return nil
	}
	j.closed = true
	j.closeMu.Unlock()

	j.ring.Close()
	for !j.ring.Idle() {
		if j.pool.Stopped() {
			// Wakes are dropped once the pool is closed; finish here.
			j.ring.DrainNow()
		}
		time.Sleep(time.Millisecond)
	}
	// ACK records carry no callback and may not have been synced yet. A
	// failure here is reported through Err below.
	if !j.failed.Load() {
		_ = j.flush(true)
	}
	var err error
	if j.ownsPool {
		j.pool.Close()
	}
	if ferr := j.Err(); ferr != nil {
		err = multierr.Append(err, ferr)
	}
	return multierr.Append(err, j.store.Close())
}

// process runs on the ring consumer.
func (j *Journal) process(r *request) error {
	if err := j.Err(); err != nil {
		if r.cb != nil {
			r.cb(Placement{}, true, err)
		}
		return nil
	}
	if r.kind == RecordCheckpoint {
		return j.checkpoint(r)
	}
	if _, err := j.append(r); err != nil {
		return err
	}
	if len(j.pending) >= j.opts.MaxPending {
		return j.flush(false)
	}
	return nil
}

func (j *Journal) onDrained() {
	if j.failed.Load() {
		return
	}
	_ = j.flush(false)
}

// align skips to the next block when the current one cannot hold a minimal
// fragment.
func (j *Journal) align() {
	if rem := j.bs - j.pos%j.bs; rem < minFragment {
		j.pos += rem
	}
}

func (j *Journal) append(r *request) (Placement, error) {
	payload := r.payload
	placement := Placement{Store: j.store.Name()}
	j.reqs++
	flags := flagInit
	for {
		j.align()
		room := int(j.bs - j.pos%j.bs - HeaderSize - TrailerSize)
		n := len(payload)
		if n > room {
			n = room
		} else {
			flags |= flagFin
		}
		h := fragmentHeader{Type: r.kind, Flags: flags, ID: r.id, Seq: r.seq, Xid: r.xid}
		j.buf = appendFragment(j.buf[:0], h, payload[:n])
		if _, err := j.store.WriteAt(j.buf, j.pos); err != nil {
			j.fail(err)
			// Earlier fragments of this record were failed with the pending set.
			if r.cb != nil && len(placement.Extents) == 0 {
				r.cb(Placement{}, true, j.Err())
			}
			return Placement{}, err
		}
		ext := Extent{Addr: uint64(j.pos / j.bs), Offset: uint32(j.pos%j.bs) + HeaderSize, Length: uint32(n)}
		j.pos += int64(len(j.buf))
		j.position.Store(j.pos)
		j.fragments.Add(1)

		placement.Extents = append(placement.Extents, ext)
		final := flags&flagFin != 0
		if r.cb != nil {
			snapshot := Placement{Store: placement.Store, Extents: placement.Extents[:len(placement.Extents):len(placement.Extents)]}
			j.pending = append(j.pending, pendingCallback{req: j.reqs, cb: r.cb, p: snapshot, final: final})
		}
		if final {
			break
		}
		payload = payload[n:]
		flags = 0
	}
	j.records.Add(1)
	return placement, nil
}

// flush makes appended fragments durable, then runs their callbacks. With
// force it syncs the store even when no callback is waiting.
func (j *Journal) flush(force bool) error {
	if len(j.pending) == 0 && !force {
		return nil
	}
	if err := j.store.Flush(); err != nil {
		j.fail(err)
		return err
	}
	j.flushes.Add(1)
	pending := j.pending
	j.pending = nil
	for _, pc := range pending {
		pc.cb(pc.p, pc.final, nil)
	}
	return nil
}

func (j *Journal) checkpoint(r *request) error {
	target, ok := decodeCheckpoint(r.payload)
	if !ok {
		return fmt.Errorf("%w: malformed checkpoint", ErrCorruptRecord)
	}
	end := int64(target.Addr)*j.bs + int64(target.Offset) + int64(target.Length) + TrailerSize
	if end <= j.start || end > j.pos || int64(target.Offset) < HeaderSize {
		j.logger.Warn("ignoring checkpoint outside the live log",
			log.Uint64("addr", target.Addr), log.Int64("end", end), log.Int64("start", j.start), log.Int64("pos", j.pos))
		return nil
	}
	if _, err := j.append(r); err != nil {
		return err
	}
	if err := j.flush(true); err != nil {
		return err
	}
	if err := j.writeHeader(end); err != nil {
		j.fail(err)
		return err
	}
	j.checkpoints.Add(1)
	return nil
}

func (j *Journal) writeHeader(start int64) error {
	gen := j.gen + 1
	h := fileHeader{BlockSize: uint32(j.bs), Gen: gen, Start: uint64(start)}
	if _, err := j.store.WriteAt(encodeFileHeader(h), headerSlotOffset(gen)); err != nil {
		return err
	}
	if err := j.store.Flush(); err != nil {
		return err
	}
	j.gen = gen
	j.start = start
	j.replayStart.Store(start)
	return nil
}

// fail records the first fatal error and fails every pending callback.
func (j *Journal) fail(cause error) {
	j.errMu.Lock()
	if j.err == nil {
		j.err = fmt.Errorf("%w: %w", ErrJournalFailed, cause)
		j.failed.Store(true)
		j.logger.Error("journal failed, refusing further writes", log.Err(cause))
	}
	err := j.err
	j.errMu.Unlock()

	pending := j.pending
	j.pending = nil
	var last uint64
	for _, pc := range pending {
		if pc.req == last {
			continue
		}
		last = pc.req
		pc.cb(Placement{}, true, err)
	}
}
