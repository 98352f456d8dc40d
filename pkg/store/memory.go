package store

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type memoryDoc struct {
	data    []byte
	modTime time.Time
}

// MemoryStore implements Store in memory (useful for testing).
// Values are copied on the way in and out to prevent external mutation.
type MemoryStore struct {
	docs   map[string]memoryDoc
	logs   map[string][][]byte
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]memoryDoc),
		logs: make(map[string][][]byte),
		now:  time.Now,
	}
}

// SetModTime overrides the modification time of a stored document.
func (m *MemoryStore) SetModTime(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc, ok := m.docs[key]; ok {
		doc.modTime = t
		m.docs[key] = doc
	}
}

// Get returns a copy of the document at key.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Document, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Document{
		Key:     key,
		Data:    bytes.Clone(doc.data),
		Version: Version(doc.data),
		ModTime: doc.modTime,
	}, nil
}

// Put replaces the document at key.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.docs[key] = memoryDoc{data: bytes.Clone(data), modTime: m.now()}
	return nil
}

// CompareAndSwap replaces the document if its version still matches.
func (m *MemoryStore) CompareAndSwap(ctx context.Context, key, version string, data []byte) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	current, ok := m.docs[key]
	switch {
	case ok && Version(current.data) != version:
		return "", ErrVersionConflict
	case !ok && version != "":
		return "", ErrVersionConflict
	}

	m.docs[key] = memoryDoc{data: bytes.Clone(data), modTime: m.now()}
	return Version(data), nil
}

// Append adds one line to the log at key.
func (m *MemoryStore) Append(ctx context.Context, key string, line []byte) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if bytes.ContainsRune(line, '\n') {
		return errors.New("append line must not contain a newline")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.logs[key] = append(m.logs[key], bytes.Clone(line))
	return nil
}

// ReadLines returns copies of the log lines at key.
func (m *MemoryStore) ReadLines(ctx context.Context, key string) ([][]byte, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	lines := make([][]byte, 0, len(m.logs[key]))
	for _, line := range m.logs[key] {
		lines = append(lines, bytes.Clone(line))
	}
	return lines, nil
}

// List returns documents under prefix, newest first.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Info, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	infos := []Info{}
	for key, doc := range m.docs {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, Info{Key: key, Size: int64(len(doc.data)), ModTime: doc.modTime})
		}
	}
	sortNewestFirst(infos)
	return infos, nil
}

// Move renames a document, keeping its modification time.
func (m *MemoryStore) Move(ctx context.Context, src, dst string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := ValidateKey(src); err != nil {
		return err
	}
	if err := ValidateKey(dst); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	doc, ok := m.docs[src]
	if !ok {
		return ErrNotFound
	}
	delete(m.docs, src)
	doc.modTime = m.now()
	m.docs[dst] = doc
	return nil
}

// Delete removes a document or log.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.docs, key)
	delete(m.logs, key)
	return nil
}

// Ping reports whether the store is open.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
