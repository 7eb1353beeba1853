package partstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tanq16/partdl/internal/segments"
)

// MemoryStore holds parts in process memory. It is meant for small
// transfers; nothing survives a restart so resume never applies.
type MemoryStore struct {
	mu     sync.RWMutex
	parts  map[int][]byte
	claims claims
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{parts: make(map[int][]byte)}
}

func (m *MemoryStore) String() string { return "memory" }

// OpenForWrite always starts the part from scratch. The buffer becomes
// visible to readers only on Close.
func (m *MemoryStore) OpenForWrite(ctx context.Context, seg *segments.Segment, resume bool) (PartWriter, error) {
	if err := m.claims.acquire(seg.Index); err != nil {
		return nil, err
	}
	return &memoryWriter{store: m, index: seg.Index, buf: bytes.NewBuffer(make([]byte, 0, seg.ExpectedSize))}, nil
}

func (m *MemoryStore) Finalize(ctx context.Context, seg *segments.Segment) error {
	return checkFinal(ctx, m, seg)
}

func (m *MemoryStore) SizeOf(ctx context.Context, index int) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.parts[index]
	if !ok {
		return 0, ErrPartNotFound
	}
	return int64(len(data)), nil
}

func (m *MemoryStore) Exists(ctx context.Context, index int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.parts[index]
	return ok, nil
}

func (m *MemoryStore) OpenForRead(ctx context.Context, index int) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.parts[index]
	if !ok {
		return nil, fmt.Errorf("part %d: %w", index, ErrPartNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Remove(ctx context.Context, index int) error {
	m.mu.Lock()
	delete(m.parts, index)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	m.parts = make(map[int][]byte)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

type memoryWriter struct {
	store *MemoryStore
	index int
	buf   *bytes.Buffer
}

func (w *memoryWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memoryWriter) Offset() int64 { return 0 }

func (w *memoryWriter) Close() error {
	w.store.mu.Lock()
	w.store.parts[w.index] = w.buf.Bytes()
	w.store.mu.Unlock()
	w.store.claims.release(w.index)
	return nil
}
