// Package blockstore defines the byte-addressable backing store the journal
// appends to, with a file implementation and an in-memory one.
package blockstore
