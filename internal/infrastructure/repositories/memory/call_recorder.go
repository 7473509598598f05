package memory

import (
	"context"
	"sync"

	"ringline/internal/core/domain"
)

// MemoryCallRecorder keeps call records and per-chat history in process.
// History is kept newest first.
type MemoryCallRecorder struct {
	records map[string]*domain.CallRecord
	history map[string][]*domain.HistoryEntry
	mu      sync.RWMutex
}

func NewMemoryCallRecorder() *MemoryCallRecorder {
	return &MemoryCallRecorder{
		records: make(map[string]*domain.CallRecord),
		history: make(map[string][]*domain.HistoryEntry),
	}
}

func (r *MemoryCallRecorder) SaveCallRecord(ctx context.Context, record *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *record
	r.records[record.ID] = &stored
	return nil
}

func (r *MemoryCallRecorder) SaveCallHistory(ctx context.Context, chatID string, entry *domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *entry
	stored.Participants = append([]domain.UserID(nil), entry.Participants...)
	r.history[chatID] = append([]*domain.HistoryEntry{&stored}, r.history[chatID]...)
	return nil
}

func (r *MemoryCallRecorder) GetCallRecord(ctx context.Context, id string) (*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}
	copied := *record
	return &copied, nil
}

func (r *MemoryCallRecorder) ListCallHistory(ctx context.Context, chatID string, limit int) ([]*domain.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.history[chatID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	result := make([]*domain.HistoryEntry, len(entries))
	copy(result, entries)
	return result, nil
}
