package credential

import (
	"context"
	"sync"
)

// MemoryBackend keeps the record for the life of the process only. Each
// client process gets its own credential: nothing is shared between
// concurrently running clients and nothing survives a restart.
type MemoryBackend struct {
	mu     sync.Mutex
	record Record
	found  bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(ctx context.Context) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record, m.found, nil
}

func (m *MemoryBackend) Save(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record, m.found = rec, true
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record, m.found = Record{}, false
	return nil
}
