// Copyright (C) 2025 Canmi

package device

import "sync"

// Mem is a memory-backed device. Useful for tests and for measuring
// the protocol and worker path without real disk latency. The lock
// only guards against torn reads when tests exercise the concurrent
// read path; production mutation is serialized by the worker anyway.
type Mem struct {
	mu  sync.RWMutex
	buf []byte
}

func NewMem(size int64) *Mem {
	return &Mem{buf: make([]byte, size)}
}

func (m *Mem) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, ErrOutOfExtent
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return copy(p, m.buf[off:]), nil
}

func (m *Mem) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, ErrOutOfExtent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return copy(m.buf[off:], p), nil
}

func (m *Mem) Sync() error {
	return nil
}

func (m *Mem) Trim(off, length int64) error {
	if off < 0 || off+length > int64(len(m.buf)) {
		return ErrOutOfExtent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := off; i < off+length; i++ {
		m.buf[i] = 0
	}

	return nil
}

func (m *Mem) Size() int64 {
	return int64(len(m.buf))
}

func (m *Mem) Close() error {
	return nil
}
