package ports

import (
	"context"
	"time"

	"ringline/internal/core/domain"
)

// SignalChannel carries signal messages between users. Delivery is at-least-once
// and ordered per (sender, receiver) pair.
type SignalChannel interface {
	Send(ctx context.Context, receiverID domain.UserID, msg *domain.SignalMessage) error
	Subscribe(ctx context.Context, userID domain.UserID, onMessage func(*domain.SignalMessage)) (unsubscribe func(), err error)
}

type PushNotifier interface {
	Notify(ctx context.Context, req domain.PushRequest) error
}

// LocalTrack is one captured audio or video track.
type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// LocalStream groups the tracks acquired for one call.
type LocalStream interface {
	Tracks() []LocalTrack
	Stop()
}

type MediaProvider interface {
	Acquire(ctx context.Context, callType domain.CallType) (LocalStream, error)
	AcquireScreen(ctx context.Context) (LocalTrack, error)
}

type RemoteTrack interface {
	ID() string
	Kind() domain.MediaKind
}

// PeerConnectionEvents are invoked from transport goroutines.
type PeerConnectionEvents struct {
	OnICECandidate     func(candidate domain.ICECandidate)
	OnConnectionState  func(state domain.TransportState)
	OnRemoteTrack      func(track RemoteTrack)
	OnRemoteTrackEnded func(track RemoteTrack)
}

type PeerConnectionFactory interface {
	NewPeerConnection(events PeerConnectionEvents) (PeerConnection, error)
}

// PeerConnection is one transport for one call attempt.
type PeerConnection interface {
	AddTrack(track LocalTrack) error
	ReplaceVideoTrack(track LocalTrack) error
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetRemoteDescription(sdpType domain.SignalType, sdp string) error
	AddICECandidate(candidate domain.ICECandidate) error
	InboundVideoStats() (domain.TransportStats, error)
	SetVideoMaxBitrate(bps int) error
	Close() error
}

type CallMetrics interface {
	CallStarted(role domain.CallRole, callType domain.CallType)
	CallConnected(setup time.Duration)
	CallEnded(reason string, duration time.Duration)
	QualityChanged(quality domain.Quality, packetLoss float64)
	SignalReceived(signalType domain.SignalType)
	SignalDropped(signalType domain.SignalType, reason string)
	SignalSendFailed(signalType domain.SignalType)
}
