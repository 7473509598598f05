package domain

import "time"

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

type CallState string

const (
	StateIdle      CallState = "idle"
	StateCalling   CallState = "calling"
	StateRinging   CallState = "ringing"
	StateConnected CallState = "connected"
	StateEnded     CallState = "ended"
)

// Pending reports whether the call is still being set up.
func (s CallState) Pending() bool {
	return s == StateCalling || s == StateRinging
}

type Quality string

const (
	QualityUnknown Quality = ""
	QualityHigh    Quality = "high"
	QualityMedium  Quality = "medium"
	QualityLow     Quality = "low"
)

type RecordStatus string

const (
	RecordCalling  RecordStatus = "calling"
	RecordMissed   RecordStatus = "missed"
	RecordRejected RecordStatus = "rejected"
	RecordEnded    RecordStatus = "ended"
)

type HistoryStatus string

const (
	HistoryCompleted HistoryStatus = "completed"
	HistoryMissed    HistoryStatus = "missed"
	HistoryDeclined  HistoryStatus = "declined"
)

// CallRecord is the persisted outcome of one call attempt. Recorders upsert by ID.
type CallRecord struct {
	ID         string        `json:"id"`
	CallerID   UserID        `json:"callerId"`
	ReceiverID UserID        `json:"receiverId"`
	Type       CallType      `json:"type"`
	Status     RecordStatus  `json:"status"`
	StartedAt  time.Time     `json:"startedAt"`
	EndedAt    *time.Time    `json:"endedAt,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// HistoryEntry is the chat-visible trace of a finished call.
type HistoryEntry struct {
	Type         CallType      `json:"type"`
	Duration     time.Duration `json:"duration"`
	Status       HistoryStatus `json:"status"`
	Participants []UserID      `json:"participants"`
	CallerID     UserID        `json:"callerId"`
	RecordedAt   time.Time     `json:"recordedAt"`
}

type PushRequest struct {
	ReceiverID UserID `json:"receiverId"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Type       string `json:"type"`
}

// CallInfo is a read-only view of one call session.
type CallInfo struct {
	ID           string     `json:"id"`
	LocalUserID  UserID     `json:"localUserId"`
	RemoteUserID UserID     `json:"remoteUserId"`
	CallType     CallType   `json:"callType"`
	Role         CallRole   `json:"role"`
	DeviceID     DeviceID   `json:"deviceId"`
	State        CallState  `json:"state"`
	StartedAt    time.Time  `json:"startedAt"`
	ConnectedAt  *time.Time `json:"connectedAt,omitempty"`
}

// CallSnapshot is everything a UI needs to render the current call screen.
type CallSnapshot struct {
	State             CallState `json:"callState"`
	ActiveCall        *CallInfo `json:"activeCall,omitempty"`
	IncomingCall      *CallInfo `json:"incomingCall,omitempty"`
	LocalStream       []string  `json:"localStream,omitempty"`
	RemoteStream      []string  `json:"remoteStream,omitempty"`
	ConnectionQuality Quality   `json:"connectionQuality,omitempty"`
	MicEnabled        bool      `json:"micEnabled"`
	CameraEnabled     bool      `json:"cameraEnabled"`
	ScreenSharing     bool      `json:"screenSharing"`
}

type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// TransportStats are the cumulative inbound video counters of one peer connection.
type TransportStats struct {
	BytesReceived   uint64
	PacketsLost     int64
	PacketsReceived uint64
}

// PacketLoss returns lost / (lost + received), or 0 before any packet arrived.
func (s TransportStats) PacketLoss() float64 {
	lost := s.PacketsLost
	if lost < 0 {
		lost = 0
	}
	total := float64(lost) + float64(s.PacketsReceived)
	if total == 0 {
		return 0
	}
	return float64(lost) / total
}
