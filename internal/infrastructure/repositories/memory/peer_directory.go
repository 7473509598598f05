package memory

import (
	"context"
	"sync"

	"ringline/internal/core/domain"
)

// MemoryPeerDirectory resolves users registered in process.
type MemoryPeerDirectory struct {
	peers map[domain.UserID]domain.Peer
	mu    sync.RWMutex
}

func NewMemoryPeerDirectory(peers ...domain.Peer) *MemoryPeerDirectory {
	d := &MemoryPeerDirectory{
		peers: make(map[domain.UserID]domain.Peer),
	}
	for _, p := range peers {
		d.peers[p.ID] = p
	}
	return d
}

func (d *MemoryPeerDirectory) Register(ctx context.Context, peer domain.Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.peers[peer.ID] = peer
	return nil
}

func (d *MemoryPeerDirectory) Resolve(ctx context.Context, userID domain.UserID) (*domain.Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peer, exists := d.peers[userID]
	if !exists {
		return nil, domain.ErrPeerNotFound
	}
	return &peer, nil
}
