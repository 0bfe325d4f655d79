package storage

import (
	"io"
	"sync"
)

// MemoryStore keeps the whole piece space in one buffer.
type MemoryStore struct {
	mu  sync.RWMutex
	buf []byte
}

func NewMemoryStore(size int64) *MemoryStore {
	return &MemoryStore{buf: make([]byte, size)}
}

// NewMemoryStoreFrom wraps existing content, for seeding in-memory data.
func NewMemoryStoreFrom(b []byte) *MemoryStore {
	return &MemoryStore{buf: b}
}

func (m *MemoryStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.buf[off:], p), nil
}

func (m *MemoryStore) Close() error { return nil }
