package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/ponyo877/chatrelay/server/domain"
)

// MemoryRepository keeps the newest retain records of each room in process.
// History is lost on restart.
type MemoryRepository struct {
	mu     sync.RWMutex
	rooms  map[string][]domain.MessageRecord
	retain int
}

func NewMemoryRepository(retain int) *MemoryRepository {
	return &MemoryRepository{
		rooms:  make(map[string][]domain.MessageRecord),
		retain: retain,
	}
}

func (m *MemoryRepository) Append(ctx context.Context, record domain.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := append(m.rooms[record.Room], record)
	if m.retain > 0 && len(records) > m.retain {
		records = slices.Clone(records[len(records)-m.retain:])
	}
	m.rooms[record.Room] = records
	return nil
}

func (m *MemoryRepository) QueryRecent(ctx context.Context, room string, limit int) ([]domain.MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return domain.OldestFirst(m.rooms[room], limit), nil
}

func (m *MemoryRepository) Close() error {
	return nil
}
