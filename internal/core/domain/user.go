package domain

import (
	"sort"
	"strings"
)

type UserID string

type DeviceID string

// Peer is a resolved user identity on the other side of a call.
type Peer struct {
	ID          UserID
	DisplayName string
}

// Name returns the display name, falling back to the user id.
func (p *Peer) Name() string {
	if p == nil {
		return ""
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return string(p.ID)
}

// ChatID derives the conversation id two users share. Order does not matter.
func ChatID(a, b UserID) string {
	ids := []string{string(a), string(b)}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}
