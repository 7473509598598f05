package services

import (
	"time"

	"github.com/google/uuid"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

// callSession is one call attempt. It is owned by the call loop and never
// touched from any other goroutine.
type callSession struct {
	id             string
	localUserID    domain.UserID
	remoteUserID   domain.UserID
	remoteName     string
	callType       domain.CallType
	role           domain.CallRole
	deviceID       domain.DeviceID
	remoteDeviceID domain.DeviceID
	state          domain.CallState
	startedAt      time.Time
	connectedAt    *time.Time

	remoteOffer string
	pc          ports.PeerConnection
	localStream ports.LocalStream
	cameraTrack ports.LocalTrack
	screenTrack ports.LocalTrack
	remoteTracks []ports.RemoteTrack

	inbound         *IceCandidateQueue
	outbound        []domain.ICECandidate
	descriptionSent bool
	answered        bool
	accepting       bool
	screenPending   bool

	timeout *CallTimer
	monitor *QualityMonitor
	ended   bool
}

func newCallSession(local, remote domain.UserID, deviceID domain.DeviceID, callType domain.CallType, role domain.CallRole, now time.Time) *callSession {
	state := domain.StateCalling
	if role == domain.RoleCallee {
		state = domain.StateRinging
	}
	return &callSession{
		id:           uuid.NewString(),
		localUserID:  local,
		remoteUserID: remote,
		callType:     callType,
		role:         role,
		deviceID:     deviceID,
		state:        state,
		startedAt:    now,
		inbound:      NewIceCandidateQueue(),
	}
}

// canTrickle reports whether local candidates may go out now. The caller
// holds them until the answer arrives; the callee sends them once its answer
// is out.
func (s *callSession) canTrickle() bool {
	return s.descriptionSent && (s.role == domain.RoleCallee || s.answered)
}

// peerKnowsCall reports whether the remote side has heard of this attempt.
func (s *callSession) peerKnowsCall() bool {
	return s.role == domain.RoleCallee || s.descriptionSent
}

func (s *callSession) callerID() domain.UserID {
	if s.role == domain.RoleCaller {
		return s.localUserID
	}
	return s.remoteUserID
}

func (s *callSession) receiverID() domain.UserID {
	if s.role == domain.RoleCaller {
		return s.remoteUserID
	}
	return s.localUserID
}

func (s *callSession) info() *domain.CallInfo {
	info := &domain.CallInfo{
		ID:           s.id,
		LocalUserID:  s.localUserID,
		RemoteUserID: s.remoteUserID,
		CallType:     s.callType,
		Role:         s.role,
		DeviceID:     s.deviceID,
		State:        s.state,
		StartedAt:    s.startedAt,
	}
	if s.connectedAt != nil {
		t := *s.connectedAt
		info.ConnectedAt = &t
	}
	return info
}

func (s *callSession) record(status domain.RecordStatus, endedAt *time.Time, duration time.Duration) domain.CallRecord {
	return domain.CallRecord{
		ID:         s.id,
		CallerID:   s.callerID(),
		ReceiverID: s.receiverID(),
		Type:       s.callType,
		Status:     status,
		StartedAt:  s.startedAt,
		EndedAt:    endedAt,
		Duration:   duration,
	}
}

func (s *callSession) localTrackIDs() []string {
	var ids []string
	if s.localStream != nil {
		for _, t := range s.localStream.Tracks() {
			ids = append(ids, t.ID())
		}
	}
	if s.screenTrack != nil {
		ids = append(ids, s.screenTrack.ID())
	}
	return ids
}

func (s *callSession) remoteTrackIDs() []string {
	ids := make([]string, 0, len(s.remoteTracks))
	for _, t := range s.remoteTracks {
		ids = append(ids, t.ID())
	}
	return ids
}

type endCause int

const (
	causeTimeout endCause = iota
	causeLocalHangup
	causeLocalReject
	causeLocalDecline
	causeReplaced
	causeRemoteEnd
	causeRemoteReject
	causeRemoteBusy
	causeTransportFailure
	causeAnsweredElsewhere
	causeMediaFailure
	causeSetupFailure
)

func (c endCause) String() string {
	switch c {
	case causeTimeout:
		return "timeout"
	case causeLocalHangup:
		return "local_hangup"
	case causeLocalReject:
		return "local_reject"
	case causeLocalDecline:
		return "local_decline"
	case causeReplaced:
		return "replaced"
	case causeRemoteEnd:
		return "remote_end"
	case causeRemoteReject:
		return "remote_reject"
	case causeRemoteBusy:
		return "remote_busy"
	case causeTransportFailure:
		return "transport_failure"
	case causeAnsweredElsewhere:
		return "answered_elsewhere"
	case causeMediaFailure:
		return "media_failure"
	case causeSetupFailure:
		return "setup_failure"
	default:
		return "unknown"
	}
}

// endOutcome is what a terminal transition leaves behind. Empty fields mean
// nothing is sent or written.
type endOutcome struct {
	signal  domain.SignalType
	record  domain.RecordStatus
	history domain.HistoryStatus
	linger  bool // show the ended state before returning to idle
}

// outcomeFor maps a cause to its side effects. Only locally decided endings
// write a chat history entry; the other side writes its own.
func outcomeFor(cause endCause, connected bool) endOutcome {
	finished := domain.RecordMissed
	if connected {
		finished = domain.RecordEnded
	}

	switch cause {
	case causeTimeout:
		return endOutcome{signal: domain.SignalEnd, record: domain.RecordMissed, history: domain.HistoryMissed, linger: true}
	case causeLocalHangup:
		history := domain.HistoryMissed
		if connected {
			history = domain.HistoryCompleted
		}
		return endOutcome{signal: domain.SignalEnd, record: domain.RecordEnded, history: history, linger: true}
	case causeReplaced:
		return endOutcome{signal: domain.SignalEnd, record: domain.RecordEnded, history: domain.HistoryCompleted}
	case causeLocalReject:
		return endOutcome{signal: domain.SignalReject, record: domain.RecordRejected, history: domain.HistoryDeclined}
	case causeLocalDecline:
		return endOutcome{signal: domain.SignalBusy, record: domain.RecordRejected, history: domain.HistoryDeclined}
	case causeRemoteEnd, causeTransportFailure:
		return endOutcome{record: finished, linger: true}
	case causeRemoteReject, causeRemoteBusy:
		return endOutcome{record: domain.RecordRejected, linger: true}
	case causeSetupFailure:
		return endOutcome{signal: domain.SignalEnd}
	default:
		return endOutcome{}
	}
}
