package ports

import (
	"context"

	"ringline/internal/core/domain"
)

// DeviceStore is the local key-value store the device identity is persisted in.
// Get returns domain.ErrDeviceIDNotFound when the key has never been written.
type DeviceStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type CallRecorder interface {
	SaveCallRecord(ctx context.Context, record *domain.CallRecord) error
	SaveCallHistory(ctx context.Context, chatID string, entry *domain.HistoryEntry) error
}

// CallHistoryReader is implemented by recorders that can list what they stored.
type CallHistoryReader interface {
	GetCallRecord(ctx context.Context, id string) (*domain.CallRecord, error)
	ListCallHistory(ctx context.Context, chatID string, limit int) ([]*domain.HistoryEntry, error)
}

type PeerDirectory interface {
	Resolve(ctx context.Context, userID domain.UserID) (*domain.Peer, error)
}
