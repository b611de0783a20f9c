package journal

import (
	"errors"
	"fmt"
	"io"

	"github.com/rzbill/flomq/internal/blockstore"
	"github.com/rzbill/flomq/pkg/log"
)

// Entry is a fully reassembled record read back from the store.
type Entry struct {
	Type      RecordType
	ID        uint64
	Seq       uint64
	Xid       uint64
	Payload   []byte
	Placement Placement
	// Offset is where the first fragment starts; End is just past the last
	// fragment's trailer.
	Offset int64
	End    int64
}

// ScanResult summarizes a walk over a journal.
type ScanResult struct {
	BlockSize int
	Start     int64
	End       int64
	Entries   int
	// Torn is non-nil when the walk stopped at an invalid record rather than
	// at the end of the store.
	Torn error
}

// Scan walks every record from the replay start without modifying the
// store, including CHECKPOINT records.
func Scan(store blockstore.Store, fn func(Entry) error) (ScanResult, error) {
	h, ok, err := readFileHeader(store)
	if err != nil {
		return ScanResult{}, err
	}
	if !ok {
		return ScanResult{}, fmt.Errorf("%w: no valid header", ErrCorruptRecord)
	}
	res := ScanResult{BlockSize: int(h.BlockSize), Start: int64(h.Start)}
	var cbErr error
	end, torn := walk(store, int64(h.BlockSize), int64(h.Start), func(e Entry) bool {
		res.Entries++
		if err := fn(e); err != nil {
			cbErr = err
			return false
		}
		return true
	})
	res.End = end
	res.Torn = torn
	return res, cbErr
}

func readFileHeader(store blockstore.Store) (fileHeader, bool, error) {
	buf := make([]byte, 2*headerSlotSize)
	n, err := store.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fileHeader{}, false, fmt.Errorf("journal: read header: %w", err)
	}
	buf = buf[:n]
	var best fileHeader
	found := false
	for off := 0; off+headerSlotSize <= len(buf); off += headerSlotSize {
		h, ok := decodeFileHeader(buf[off : off+headerSlotSize])
		if !ok || h.BlockSize < MinBlockSize {
			continue
		}
		if !found || h.Gen > best.Gen {
			best, found = h, true
		}
	}
	return best, found, nil
}

func (j *Journal) recover() error {
	size, err := j.store.Size()
	if err != nil {
		return fmt.Errorf("journal: size: %w", err)
	}
	h, ok, err := readFileHeader(j.store)
	if err != nil {
		return err
	}
	if !ok {
		if size > int64(j.opts.BlockSize) {
			return fmt.Errorf("%w: no valid header in %d byte journal", ErrCorruptRecord, size)
		}
		return j.initialize()
	}

	j.bs = int64(h.BlockSize)
	j.gen = h.Gen
	j.start = int64(h.Start)
	if j.bs != int64(j.opts.BlockSize) {
		j.logger.Info("using block size recorded in journal header",
			log.Int64("block_size", j.bs), log.Int("configured", j.opts.BlockSize))
	}

	var live []Entry
	tail, torn := walk(j.store, j.bs, j.start, func(e Entry) bool {
		if e.Type == RecordCheckpoint {
			live = dropCovered(live, e, j.bs)
			return true
		}
		live = append(live, e)
		return true
	})
	if torn != nil {
		j.logger.Warn("discarding torn journal tail", log.Int64("offset", tail), log.Err(torn))
	}
	if tail < j.start {
		tail = j.start
	}
	if size > tail {
		if err := j.store.Truncate(tail); err != nil {
			return fmt.Errorf("journal: truncate torn tail: %w", err)
		}
	}
	j.pos = tail
	j.position.Store(tail)
	j.replayStart.Store(j.start)
	j.recovered = live
	j.logger.Info("journal recovered",
		log.Int("entries", len(live)), log.Int64("start", j.start), log.Int64("tail", tail))
	return nil
}

func (j *Journal) initialize() error {
	j.bs = int64(j.opts.BlockSize)
	if err := j.store.Truncate(j.bs); err != nil {
		return fmt.Errorf("journal: init: %w", err)
	}
	j.gen = 0
	if err := j.writeHeader(j.bs); err != nil {
		return fmt.Errorf("journal: init header: %w", err)
	}
	j.pos = j.bs
	j.position.Store(j.pos)
	return nil
}

// dropCovered removes entries ending at or before the checkpoint's target.
func dropCovered(live []Entry, cp Entry, bs int64) []Entry {
	target, ok := decodeCheckpoint(cp.Payload)
	if !ok {
		return live
	}
	end := int64(target.Addr)*bs + int64(target.Offset) + int64(target.Length) + TrailerSize
	i := 0
	for i < len(live) && live[i].End <= end {
		i++
	}
	return live[i:]
}

// walk reads fragments from start and reassembles entries. It returns the
// offset just past the last complete entry and, when it stopped on an
// invalid or incomplete record, the reason.
func walk(store blockstore.Store, bs, start int64, visit func(Entry) bool) (int64, error) {
	pos := start
	tail := start
	var cur *Entry
	hdr := make([]byte, HeaderSize)
	for {
		if rem := bs - pos%bs; rem < minFragment {
			pos += rem
		}
		n, err := store.ReadAt(hdr, pos)
		if n == 0 && errors.Is(err, io.EOF) {
			if cur != nil {
				return tail, fmt.Errorf("%w: record at %d has no final fragment", ErrCorruptRecord, cur.Offset)
			}
			return tail, nil
		}
		if n < HeaderSize {
			return tail, fmt.Errorf("%w: short header at %d", ErrCorruptRecord, pos)
		}
		h, ok := decodeHeader(hdr)
		room := bs - pos%bs - HeaderSize - TrailerSize
		if !ok || int64(h.Length) > room {
			return tail, fmt.Errorf("%w: bad header at %d", ErrCorruptRecord, pos)
		}
		body := make([]byte, HeaderSize+int(h.Length)+TrailerSize)
		copy(body, hdr)
		if n, _ := store.ReadAt(body[HeaderSize:], pos+HeaderSize); n < len(body)-HeaderSize {
			return tail, fmt.Errorf("%w: short record at %d", ErrCorruptRecord, pos)
		}
		if !verifyTrailer(body[:HeaderSize+int(h.Length)], body[HeaderSize+int(h.Length):]) {
			return tail, fmt.Errorf("%w: checksum mismatch at %d", ErrCorruptRecord, pos)
		}

		ext := Extent{Addr: uint64(pos / bs), Offset: uint32(pos%bs) + HeaderSize, Length: h.Length}
		fragStart := pos
		pos += int64(len(body))

		switch {
		case h.init():
			cur = &Entry{Type: h.Type, ID: h.ID, Seq: h.Seq, Xid: h.Xid, Offset: fragStart}
		case cur == nil:
			// Continuation whose head precedes the replay start.
			tail = pos
			continue
		case cur.Type != h.Type || cur.ID != h.ID || cur.Seq != h.Seq:
			return tail, fmt.Errorf("%w: fragment at %d does not continue record at %d", ErrCorruptRecord, fragStart, cur.Offset)
		}
		cur.Payload = append(cur.Payload, body[HeaderSize:HeaderSize+int(h.Length)]...)
		cur.Placement.Extents = append(cur.Placement.Extents, ext)
		if !h.fin() {
			continue
		}
		cur.Placement.Store = store.Name()
		cur.End = pos
		tail = pos
		e := *cur
		cur = nil
		if !visit(e) {
			return tail, nil
		}
	}
}
