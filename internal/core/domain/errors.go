package domain

import "errors"

var (
	ErrCallInProgress   = errors.New("call already in progress")
	ErrNoIncomingCall   = errors.New("no incoming call")
	ErrNoActiveCall     = errors.New("no active call")
	ErrCallSuperseded   = errors.New("call ended before the operation completed")
	ErrAcceptInProgress = errors.New("accept already in progress")
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrNotVideoCall     = errors.New("operation requires a video call")
	ErrPeerNotFound     = errors.New("peer not found")
	ErrServiceClosed    = errors.New("call service closed")
	ErrInvalidSignal    = errors.New("invalid signal message")
	ErrSelfCall         = errors.New("cannot call yourself")
	ErrDeviceIDNotFound = errors.New("device id not found")
	ErrCallNotFound     = errors.New("call record not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrScreenShareBusy  = errors.New("screen share change already in progress")
)
