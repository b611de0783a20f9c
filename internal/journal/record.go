package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType identifies the kind of a journal record.
type RecordType uint8

const (
	RecordData       RecordType = 1
	RecordCheckpoint RecordType = 2
	// RecordAck marks a previously written data record as settled.
	RecordAck RecordType = 3
)

func (t RecordType) String() string {
	switch t {
	case RecordData:
		return "DATA"
	case RecordCheckpoint:
		return "CHECKPOINT"
	case RecordAck:
		return "ACK"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

func (t RecordType) valid() bool { return t >= RecordData && t <= RecordAck }

const (
	flagInit uint8 = 1 << 0
	flagFin  uint8 = 1 << 1
)

const (
	// HeaderSize is the size of a fragment header.
	HeaderSize = 32
	// TrailerSize is the size of the crc + sentinel trailer.
	TrailerSize = 8
	// Sentinel closes every fragment.
	Sentinel uint32 = 0x464c4d51

	minFragment = HeaderSize + TrailerSize + 1
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type fragmentHeader struct {
	Type   RecordType
	Flags  uint8
	Length uint32
	ID     uint64
	Seq    uint64
	Xid    uint64
}

func (h fragmentHeader) init() bool { return h.Flags&flagInit != 0 }
func (h fragmentHeader) fin() bool  { return h.Flags&flagFin != 0 }

// appendFragment encodes header, payload and trailer onto dst.
func appendFragment(dst []byte, h fragmentHeader, payload []byte) []byte {
	start := len(dst)
	var hb [HeaderSize]byte
	hb[0] = byte(h.Type)
	hb[1] = h.Flags
	binary.BigEndian.PutUint32(hb[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint64(hb[8:16], h.ID)
	binary.BigEndian.PutUint64(hb[16:24], h.Seq)
	binary.BigEndian.PutUint64(hb[24:32], h.Xid)
	dst = append(dst, hb[:]...)
	dst = append(dst, payload...)

	crc := crc32.Checksum(dst[start:], castagnoli)
	var tb [TrailerSize]byte
	binary.BigEndian.PutUint32(tb[0:4], crc)
	binary.BigEndian.PutUint32(tb[4:8], Sentinel)
	return append(dst, tb[:]...)
}

// decodeHeader parses a fragment header without validating the payload.
func decodeHeader(b []byte) (fragmentHeader, bool) {
	if len(b) < HeaderSize {
		return fragmentHeader{}, false
	}
	h := fragmentHeader{
		Type:   RecordType(b[0]),
		Flags:  b[1],
		Length: binary.BigEndian.Uint32(b[4:8]),
		ID:     binary.BigEndian.Uint64(b[8:16]),
		Seq:    binary.BigEndian.Uint64(b[16:24]),
		Xid:    binary.BigEndian.Uint64(b[24:32]),
	}
	if !h.Type.valid() || h.Flags&^(flagInit|flagFin) != 0 || b[2] != 0 || b[3] != 0 {
		return fragmentHeader{}, false
	}
	return h, true
}

// verifyTrailer checks the crc and sentinel following header|payload.
func verifyTrailer(headerAndPayload, trailer []byte) bool {
	if len(trailer) < TrailerSize {
		return false
	}
	if binary.BigEndian.Uint32(trailer[4:8]) != Sentinel {
		return false
	}
	return crc32.Checksum(headerAndPayload, castagnoli) == binary.BigEndian.Uint32(trailer[0:4])
}

// Header slots live in block 0.
const (
	headerMagic    uint32 = 0x464c4a31
	headerVersion  uint16 = 1
	headerSlotSize        = 32
)

type fileHeader struct {
	BlockSize uint32
	Gen       uint64
	Start     uint64
}

func encodeFileHeader(h fileHeader) []byte {
	b := make([]byte, headerSlotSize)
	binary.BigEndian.PutUint32(b[0:4], headerMagic)
	binary.BigEndian.PutUint16(b[4:6], headerVersion)
	binary.BigEndian.PutUint32(b[8:12], h.BlockSize)
	binary.BigEndian.PutUint64(b[12:20], h.Gen)
	binary.BigEndian.PutUint64(b[20:28], h.Start)
	binary.BigEndian.PutUint32(b[28:32], crc32.Checksum(b[:28], castagnoli))
	return b
}

func decodeFileHeader(b []byte) (fileHeader, bool) {
	if len(b) < headerSlotSize {
		return fileHeader{}, false
	}
	if binary.BigEndian.Uint32(b[0:4]) != headerMagic || binary.BigEndian.Uint16(b[4:6]) != headerVersion {
		return fileHeader{}, false
	}
	if crc32.Checksum(b[:28], castagnoli) != binary.BigEndian.Uint32(b[28:32]) {
		return fileHeader{}, false
	}
	return fileHeader{
		BlockSize: binary.BigEndian.Uint32(b[8:12]),
		Gen:       binary.BigEndian.Uint64(b[12:20]),
		Start:     binary.BigEndian.Uint64(b[20:28]),
	}, true
}

func headerSlotOffset(gen uint64) int64 { return int64(gen%2) * headerSlotSize }

// checkpoint payload: addr u64 | offset u32 | length u32
func encodeCheckpoint(e Extent) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], e.Addr)
	binary.BigEndian.PutUint32(b[8:12], e.Offset)
	binary.BigEndian.PutUint32(b[12:16], e.Length)
	return b
}

func decodeCheckpoint(b []byte) (Extent, bool) {
	if len(b) != 16 {
		return Extent{}, false
	}
	return Extent{
		Addr:   binary.BigEndian.Uint64(b[0:8]),
		Offset: binary.BigEndian.Uint32(b[8:12]),
		Length: binary.BigEndian.Uint32(b[12:16]),
	}, true
}
