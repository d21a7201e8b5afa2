package vault

import (
	"context"
	"sync"
)

// Memory is a process-local Vault.
type Memory struct {
	mu      sync.RWMutex
	byToken map[string]Entry
	byValue map[string]string
	seq     map[string]int64
	order   []string
}

// NewMemory returns an empty in-memory Vault.
func NewMemory() *Memory {
	return &Memory{
		byToken: make(map[string]Entry),
		byValue: make(map[string]string),
		seq:     make(map[string]int64),
	}
}

func (m *Memory) Put(_ context.Context, entityType, value string) (string, error) {
	et := NormalizeType(entityType)
	key := et + "|" + value

	m.mu.Lock()
	defer m.mu.Unlock()

	if tok, ok := m.byValue[key]; ok {
		return tok, nil
	}

	m.seq[et]++
	tok := FormatToken(et, m.seq[et])
	m.byToken[tok] = Entry{Token: tok, Value: value, EntityType: et}
	m.byValue[key] = tok
	m.order = append(m.order, tok)
	return tok, nil
}

func (m *Memory) Get(_ context.Context, token string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byToken[token]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Entries(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.order))
	for _, tok := range m.order {
		out = append(out, m.byToken[tok])
	}
	return out, nil
}

// Len reports the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
