package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Backend. Nothing survives the process.
type Memory struct {
	mu     sync.RWMutex
	rows   map[string]Row
	closed bool
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]Row)}
}

// NewMemoryFromRows seeds an in-memory backend, later rows winning on
// duplicate addresses.
func NewMemoryFromRows(rows []Row) *Memory {
	m := NewMemory()
	for _, r := range rows {
		m.rows[r.Address] = r.Clone()
	}
	return m
}

func (m *Memory) Get(_ context.Context, address string) (Row, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Row{}, false, ErrClosed
	}
	r, ok := m.rows[address]
	if !ok {
		return Row{}, false, nil
	}
	return r.Clone(), true, nil
}

func (m *Memory) Replace(_ context.Context, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.rows[row.Address] = row.Clone()
	return nil
}

func (m *Memory) UpdateApproval(_ context.Context, address string, approval bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	r, ok := m.rows[address]
	if !ok {
		return 0, nil
	}
	r.NonblockingApproval = approval
	m.rows[address] = r
	return 1, nil
}

func (m *Memory) UpdateVerified(_ context.Context, address, identityKey string, verified int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	r, ok := m.rows[address]
	if !ok || r.IdentityKey != identityKey {
		return 0, nil
	}
	r.Verified = verified
	m.rows[address] = r
	return 1, nil
}

func (m *Memory) Delete(_ context.Context, address string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if _, ok := m.rows[address]; !ok {
		return 0, nil
	}
	delete(m.rows, address)
	return 1, nil
}

func (m *Memory) SecondaryKey(_ context.Context, address string) (*string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	r, ok := m.rows[address]
	if !ok {
		return nil, false, nil
	}
	return r.Clone().SecondaryKey, true, nil
}

// Rows returns a copy of every row ordered by address.
func (m *Memory) Rows() []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Row, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the number of stored rows.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
