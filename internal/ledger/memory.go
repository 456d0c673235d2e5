package ledger

import (
	"context"
	"sync"
	"time"

	"burrowed-assistant/internal/domain"
)

// MemoryStore is a process-local Store. Rows live as long as the process.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]domain.TokenUsage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]domain.TokenUsage)}
}

func (m *MemoryStore) Usage(_ context.Context, clientID string) (domain.TokenUsage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[clientID]
	return u, ok, nil
}

func (m *MemoryStore) Add(_ context.Context, clientID string, tokens int, now time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[clientID]
	if !ok || !u.Fresh(now, window) {
		u = domain.TokenUsage{ClientID: clientID}
	}
	u.TokensUsed += tokens
	u.LastUpdated = now
	m.rows[clientID] = u
	return u.TokensUsed, nil
}

// Set overwrites a row. Intended for seeding.
func (m *MemoryStore) Set(u domain.TokenUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[u.ClientID] = u
}
