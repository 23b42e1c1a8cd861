package storage

import (
	"bytes"
	"sort"
	"sync"
)

// Memory is a thread-safe in-memory KV.
//
// Use it for unit tests and one-shot CLI runs that do not need durability.
// Values are copied on the way in and on the way out so callers can never
// alias stored bytes.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory KV.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.data[string(key)] = bytes.Clone(value)
	return nil
}

func (m *Memory) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	delete(m.data, string(key))
	return nil
}

// Iterate snapshots matching keys under the read lock, then calls fn without
// holding it, so fn may write back into the store.
func (m *Memory) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}
	keys := make([]string, 0)
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = bytes.Clone(m.data[k])
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), values[i]); err != nil {
			return err
		}
	}
	return nil
}

type memoryOp struct {
	key    string
	value  []byte
	delete bool
}

type memoryWriter struct {
	ops []memoryOp
}

func (w *memoryWriter) Put(key, value []byte) error {
	w.ops = append(w.ops, memoryOp{key: string(key), value: bytes.Clone(value)})
	return nil
}

func (w *memoryWriter) Delete(key []byte) error {
	w.ops = append(w.ops, memoryOp{key: string(key), delete: true})
	return nil
}

// Update buffers writes and applies them only if fn succeeds.
func (m *Memory) Update(fn func(w Writer) error) error {
	w := &memoryWriter{}
	if err := fn(w); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	for _, op := range w.ops {
		if op.delete {
			delete(m.data, op.key)
			continue
		}
		m.data[op.key] = op.value
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
