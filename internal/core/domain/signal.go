package domain

import (
	"fmt"
	"time"

	"ringline/pkg/validation"
)

type SignalType string

const (
	SignalOffer             SignalType = "offer"
	SignalAnswer            SignalType = "answer"
	SignalCandidate         SignalType = "candidate"
	SignalEnd               SignalType = "end"
	SignalReject            SignalType = "reject"
	SignalBusy              SignalType = "busy"
	SignalAnsweredElsewhere SignalType = "answered_elsewhere"
)

// Terminal reports whether the signal forces the receiving session to end.
func (t SignalType) Terminal() bool {
	return t == SignalEnd || t == SignalReject || t == SignalBusy
}

// ICECandidate mirrors the browser RTCIceCandidateInit dictionary.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalMessage is the wire unit exchanged over a signal channel.
type SignalMessage struct {
	Type              SignalType    `json:"type"`
	SenderID          UserID        `json:"senderId"`
	ReceiverID        UserID        `json:"receiverId"`
	Timestamp         int64         `json:"timestamp"`
	SDP               string        `json:"sdp,omitempty"`
	Candidate         *ICECandidate `json:"candidate,omitempty"`
	CallType          CallType      `json:"callType,omitempty"`
	DeviceID          DeviceID      `json:"deviceId,omitempty"`
	AnsweringDeviceID DeviceID      `json:"answeringDeviceId,omitempty"`
	CallerID          UserID        `json:"callerId,omitempty"`
}

// NewSignal stamps a message with the sender, receiver and send time.
func NewSignal(t SignalType, sender, receiver UserID, now time.Time) *SignalMessage {
	return &SignalMessage{
		Type:       t,
		SenderID:   sender,
		ReceiverID: receiver,
		Timestamp:  now.UnixMilli(),
	}
}

// Validate checks the fields each message type depends on.
func (m *SignalMessage) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: empty message", ErrInvalidSignal)
	}
	if err := validation.ValidateUserID(string(m.SenderID)); err != nil {
		return fmt.Errorf("%w: sender: %v", ErrInvalidSignal, err)
	}
	if err := validation.ValidateUserID(string(m.ReceiverID)); err != nil {
		return fmt.Errorf("%w: receiver: %v", ErrInvalidSignal, err)
	}

	switch m.Type {
	case SignalOffer:
		if !m.CallType.Valid() {
			return fmt.Errorf("%w: offer with call type %q", ErrInvalidSignal, m.CallType)
		}
		fallthrough
	case SignalAnswer:
		if err := validation.ValidateSDP(m.SDP); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSignal, m.Type, err)
		}
	case SignalCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate message without candidate", ErrInvalidSignal)
		}
	case SignalAnsweredElsewhere:
		if m.DeviceID == "" || m.CallerID == "" {
			return fmt.Errorf("%w: answered_elsewhere needs deviceId and callerId", ErrInvalidSignal)
		}
	case SignalEnd, SignalReject, SignalBusy:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, m.Type)
	}
	return nil
}
