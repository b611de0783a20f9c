// Package journal implements the write-ahead journal: an append-only sequence
// of CRC-protected records laid out in fixed-size blocks of a
// blockstore.Store.
//
// # Layout
//
// Block 0 holds two header slots. Each slot records the block size and the
// byte offset replay starts from, with a generation counter and a CRC; the
// slot with the highest valid generation wins, so a torn header write falls
// back to the previous one.
//
// Records start at block 1. A record that does not fit the rest of the
// current block is split into fragments, each with its own header and
// trailer:
//
//	type u8 | flags u8 | reserved u16 | length u32 | id u64 | seq u64 | xid u64
//	payload (length bytes)
//	crc32c(header|payload) u32 | sentinel u32
//
// The INIT flag marks the first fragment and FIN the last. When fewer than
// HeaderSize+TrailerSize+1 bytes remain in a block the writer skips to the
// next one; the reader applies the same rule.
//
// # Writes
//
// Write and Checkpoint are funnelled through a ring.Ring and appended by a
// single worker. Callbacks run once per fragment after the store flush that
// covers them (group commit), with final=true only for the last fragment.
// An I/O error is fatal: pending and future callbacks receive
// ErrJournalFailed and Write refuses new records.
//
// # Recovery
//
// Open scans from the header's replay start, reassembles fragments, stops
// at the first record that fails validation and truncates the store there.
// CHECKPOINT records met on the way discard the entries they cover.
package journal
