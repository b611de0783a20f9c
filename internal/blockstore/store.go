package blockstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("blockstore: closed")

// Store is a byte-addressable region the journal writes blocks into.
// Flush makes every completed WriteAt durable.
type Store interface {
	Name() string
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Size() (int64, error)
	Truncate(size int64) error
	Close() error
}

// FileStore is a Store backed by a single file.
type FileStore struct {
	f    *os.File
	path string
	sync bool
}

// OpenFile opens or creates the file at path. When sync is false Flush is a
// no-op and durability is left to the operating system.
func OpenFile(path string, sync bool) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open %s: %w", path, err)
	}
	return &FileStore{f: f, path: path, sync: sync}, nil
}

// OpenFileReadOnly opens an existing file for inspection.
func OpenFileReadOnly(path string) (*FileStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open %s: %w", path, err)
	}
	return &FileStore{f: f, path: path}, nil
}

func (s *FileStore) Name() string { return s.path }

func (s *FileStore) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

func (s *FileStore) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }

// Flush fsyncs the file when the store was opened with sync.
func (s *FileStore) Flush() error {
	if !s.sync {
		return nil
	}
	return s.f.Sync()
}

func (s *FileStore) Size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *FileStore) Truncate(size int64) error { return s.f.Truncate(size) }

func (s *FileStore) Close() error { return s.f.Close() }

// MemStore is an in-memory Store. It is safe for concurrent use.
type MemStore struct {
	mu     sync.Mutex
	name   string
	data   []byte
	closed bool
}

// NewMemStore returns an empty in-memory store.
func NewMemStore(name string) *MemStore { return &MemStore{name: name} }

func (m *MemStore) Name() string { return m.name }

func (m *MemStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *MemStore) Flush() error { return nil }

func (m *MemStore) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func (m *MemStore) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
	return nil
}

// Close marks the store closed. The contents stay readable through Bytes.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen clears the closed flag so the same contents can be recovered.
func (m *MemStore) Reopen() {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
}

// Bytes returns a copy of the contents.
func (m *MemStore) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
