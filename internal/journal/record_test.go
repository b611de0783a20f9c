package journal

import "testing"

func TestFragmentEncodingValidates(t *testing.T) {
	h := fragmentHeader{Type: RecordAck, Flags: flagInit | flagFin, ID: 1, Seq: 2, Xid: 3}
	b := appendFragment(nil, h, []byte("payload"))
	if len(b) != HeaderSize+7+TrailerSize {
		t.Fatalf("unexpected length %d", len(b))
	}
	got, ok := decodeHeader(b)
	if !ok || got.Type != RecordAck || got.Length != 7 || got.Seq != 2 || !got.init() || !got.fin() {
		t.Fatalf("decoded %+v ok=%v", got, ok)
	}
	if !verifyTrailer(b[:HeaderSize+7], b[HeaderSize+7:]) {
		t.Fatalf("trailer did not verify")
	}
	b[HeaderSize] ^= 1
	if verifyTrailer(b[:HeaderSize+7], b[HeaderSize+7:]) {
		t.Fatalf("corrupted payload verified")
	}
}

func TestDecodeHeaderRejectsUnknownType(t *testing.T) {
	b := appendFragment(nil, fragmentHeader{Type: RecordData, Flags: flagInit}, nil)
	b[0] = 9
	if _, ok := decodeHeader(b); ok {
		t.Fatalf("expected rejection of unknown type")
	}
	zero := make([]byte, HeaderSize)
	if _, ok := decodeHeader(zero); ok {
		t.Fatalf("expected rejection of zeroed header")
	}
}

func TestFileHeaderSlots(t *testing.T) {
	b := encodeFileHeader(fileHeader{BlockSize: 4096, Gen: 7, Start: 8192})
	h, ok := decodeFileHeader(b)
	if !ok || h.Gen != 7 || h.Start != 8192 || h.BlockSize != 4096 {
		t.Fatalf("decoded %+v ok=%v", h, ok)
	}
	b[20] ^= 0xff
	if _, ok := decodeFileHeader(b); ok {
		t.Fatalf("expected crc failure")
	}
	if headerSlotOffset(7) == headerSlotOffset(8) {
		t.Fatalf("consecutive generations must alternate slots")
	}
}
