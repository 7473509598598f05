package domain

type CallEventType string

const (
	EventIncomingCall     CallEventType = "incoming_call"
	EventIncomingCleared  CallEventType = "incoming_cleared"
	EventStateChanged     CallEventType = "state_changed"
	EventRemoteTrackAdded CallEventType = "remote_track_added"
	EventRemoteTrackEnded CallEventType = "remote_track_ended"
	EventQualityChanged   CallEventType = "quality_changed"
	EventCallEnded        CallEventType = "call_ended"
)

// CallEvent is delivered to listeners from the call service loop.
type CallEvent struct {
	Type    CallEventType `json:"type"`
	Call    *CallInfo     `json:"call,omitempty"`
	State   CallState     `json:"state,omitempty"`
	Quality Quality       `json:"quality,omitempty"`
	TrackID string        `json:"trackId,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}
