package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringline/internal/core/domain"
)

func TestCallService_StartCallSendsOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	info, err := h.svc.StartCall(ctx, "bob", domain.CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCaller, info.Role)
	assert.Equal(t, domain.StateCalling, info.State)
	assert.Equal(t, domain.UserID("bob"), info.RemoteUserID)
	h.flush()

	offers := h.signals.sentOf(domain.SignalOffer, "bob")
	require.Len(t, offers, 1)
	assert.Equal(t, testSDP, offers[0].SDP)
	assert.Equal(t, domain.CallTypeVideo, offers[0].CallType)
	assert.Equal(t, domain.UserID("alice"), offers[0].SenderID)
	assert.Equal(t, domain.DeviceID("dev-a"), offers[0].DeviceID)

	calling := h.recorder.recordsWith(domain.RecordCalling)
	require.Len(t, calling, 1)
	assert.Equal(t, info.ID, calling[0].ID)
	assert.Equal(t, domain.UserID("alice"), calling[0].CallerID)
	assert.Equal(t, domain.UserID("bob"), calling[0].ReceiverID)
	assert.Nil(t, calling[0].EndedAt)

	pushes := h.push.all()
	require.Len(t, pushes, 1)
	assert.Equal(t, domain.PushRequest{
		ReceiverID: "bob",
		Title:      "Incoming call",
		Body:       "Alice is calling you (video)",
		Type:       "call",
	}, pushes[0])

	snap := h.snapshot()
	assert.Equal(t, domain.StateCalling, snap.State)
	require.NotNil(t, snap.ActiveCall)
	assert.Equal(t, []string{"audio-1", "video-1"}, snap.LocalStream)
	assert.True(t, snap.MicEnabled)
	assert.True(t, snap.CameraEnabled)
	assert.Equal(t, 1, h.events.count(domain.EventStateChanged))
}

func TestCallService_StartCallRefused(t *testing.T) {
	ctx := context.Background()

	t.Run("self", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.StartCall(ctx, "alice", domain.CallTypeAudio)
		assert.ErrorIs(t, err, domain.ErrSelfCall)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.StartCall(ctx, "bob", domain.CallType("hologram"))
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		_, err = h.svc.StartCall(ctx, "", domain.CallTypeAudio)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("while calling", func(t *testing.T) {
		h := newHarness(t)
		h.startCall("bob", domain.CallTypeAudio)
		_, err := h.svc.StartCall(ctx, "carol", domain.CallTypeAudio)
		assert.ErrorIs(t, err, domain.ErrCallInProgress)
	})

	t.Run("while ringing", func(t *testing.T) {
		h := newHarness(t)
		h.deliverOffer("bob", domain.CallTypeAudio)
		_, err := h.svc.StartCall(ctx, "carol", domain.CallTypeAudio)
		assert.ErrorIs(t, err, domain.ErrCallInProgress)
		assert.Equal(t, domain.StateRinging, h.state())
	})
}

func TestCallService_StartCallMediaFailure(t *testing.T) {
	h := newHarness(t)
	h.media.err = errors.New("permission denied")

	_, err := h.svc.StartCall(context.Background(), "bob", domain.CallTypeVideo)
	require.ErrorIs(t, err, domain.ErrMediaUnavailable)
	h.flush()

	snap := h.snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	assert.Nil(t, snap.ActiveCall)
	assert.Zero(t, h.signals.count())
	assert.Empty(t, h.recorder.allRecords())
	assert.Zero(t, h.transport.count())
}

func TestCallService_SignalSendFailureKeepsCall(t *testing.T) {
	h := newHarness(t)
	h.signals.sendErr = errors.New("relay unreachable")

	h.startCall("bob", domain.CallTypeAudio)
	h.flush()
	assert.Equal(t, domain.StateCalling, h.state())
}

func TestCallService_CallerTimeout(t *testing.T) {
	h := newHarness(t)
	pc := h.startCall("bob", domain.CallTypeAudio)

	h.clock.Add(29 * time.Second)
	h.flush()
	assert.Equal(t, domain.StateCalling, h.state())

	h.advance(time.Second, func(s domain.CallSnapshot) bool { return s.State == domain.StateEnded })
	h.flush()

	assert.Len(t, h.signals.sentOf(domain.SignalEnd, "bob"), 1)

	missed := h.recorder.recordsWith(domain.RecordMissed)
	require.Len(t, missed, 1)
	assert.Zero(t, missed[0].Duration)
	assert.NotNil(t, missed[0].EndedAt)

	history := h.recorder.historyWith(domain.HistoryMissed)
	require.Len(t, history, 1)
	assert.Equal(t, "alice_bob", history[0].chatID)
	assert.Zero(t, history[0].entry.Duration)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, history[0].entry.Participants)
	assert.Equal(t, domain.UserID("alice"), history[0].entry.CallerID)

	assert.Equal(t, 1, pc.closeCount())
	assert.True(t, h.media.stream(0).stopped())

	h.advance(2*time.Second, func(s domain.CallSnapshot) bool { return s.State == domain.StateIdle })
}

func TestCallService_CalleeTimeout(t *testing.T) {
	h := newHarness(t)
	h.deliverOffer("bob", domain.CallTypeVideo)
	require.Equal(t, domain.StateRinging, h.state())

	h.advance(30*time.Second, func(s domain.CallSnapshot) bool { return s.IncomingCall == nil })
	h.flush()

	assert.Equal(t, domain.StateIdle, h.state())
	assert.Len(t, h.recorder.recordsWith(domain.RecordMissed), 1)
	history := h.recorder.historyWith(domain.HistoryMissed)
	require.Len(t, history, 1)
	assert.Equal(t, domain.UserID("bob"), history[0].entry.CallerID)
	assert.Equal(t, 1, h.events.count(domain.EventIncomingCleared))
}

func TestCallService_AnswerReleasesCandidatesInOrder(t *testing.T) {
	h := newHarness(t)
	pc := h.startCall("bob", domain.CallTypeVideo)

	pc.events.OnICECandidate(domain.ICECandidate{Candidate: "local-1"})
	pc.events.OnICECandidate(domain.ICECandidate{Candidate: "local-2"})
	h.deliverCandidate("bob", "remote-1")
	h.flush()

	assert.Empty(t, h.signals.sentOf(domain.SignalCandidate, "bob"))
	assert.Empty(t, pc.appliedCandidates())

	h.deliverAnswer("bob")
	h.deliverCandidate("bob", "remote-2")
	pc.events.OnICECandidate(domain.ICECandidate{Candidate: "local-3"})
	h.flush()

	assert.Equal(t, []string{"remote-1", "remote-2"}, pc.appliedCandidates())
	var sent []string
	for _, m := range h.signals.sentOf(domain.SignalCandidate, "bob") {
		sent = append(sent, m.Candidate.Candidate)
	}
	assert.Equal(t, []string{"local-1", "local-2", "local-3"}, sent)

	h.deliverAnswer("bob")
	h.flush()
	assert.Equal(t, 1, pc.remoteDescCount())

	h.transportState(pc, domain.TransportConnected)
	snap := h.snapshot()
	assert.Equal(t, domain.StateConnected, snap.State)
	require.NotNil(t, snap.ActiveCall.ConnectedAt)

	h.clock.Add(time.Minute)
	h.flush()
	assert.Equal(t, domain.StateConnected, h.state())
	assert.Empty(t, h.signals.sentOf(domain.SignalEnd, "bob"))
}

func TestCallService_CalleeReplaysQueuedCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.deliverCandidate("bob", "c-0")
	h.deliverOffer("bob", domain.CallTypeVideo)
	h.deliverCandidate("bob", "c-1")
	h.deliverCandidate("bob", "c-2")

	snap := h.snapshot()
	assert.Equal(t, domain.StateRinging, snap.State)
	require.NotNil(t, snap.IncomingCall)
	assert.Equal(t, domain.UserID("bob"), snap.IncomingCall.RemoteUserID)
	assert.Equal(t, domain.RoleCallee, snap.IncomingCall.Role)

	info, err := h.svc.AcceptCall(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("bob"), info.RemoteUserID)

	pc := h.transport.pc(0)
	assert.Equal(t, []string{"c-0", "c-1", "c-2"}, pc.appliedCandidates())

	h.deliverCandidate("bob", "c-3")
	h.flush()
	assert.Equal(t, []string{"c-0", "c-1", "c-2", "c-3"}, pc.appliedCandidates())

	assert.Len(t, h.signals.sentOf(domain.SignalAnswer, "bob"), 1)
	elsewhere := h.signals.sentOf(domain.SignalAnsweredElsewhere, "alice")
	require.Len(t, elsewhere, 1)
	assert.Equal(t, domain.DeviceID("dev-a"), elsewhere[0].AnsweringDeviceID)
	assert.Equal(t, domain.UserID("bob"), elsewhere[0].CallerID)

	snap = h.snapshot()
	assert.Nil(t, snap.IncomingCall)
	require.NotNil(t, snap.ActiveCall)
	assert.Equal(t, domain.StateRinging, snap.State)
}

func TestCallService_CandidatesBeforeOffer(t *testing.T) {
	ctx := context.Background()

	t.Run("redial after end", func(t *testing.T) {
		h := newHarness(t)
		h.connectIncoming("bob")
		h.deliver(domain.SignalEnd, "bob")
		require.Equal(t, domain.StateEnded, h.state())

		h.advance(5*time.Second, func(s domain.CallSnapshot) bool { return s.State == domain.StateIdle })
		h.deliverCandidate("bob", "new-1")
		h.deliverOffer("bob", domain.CallTypeAudio)
		_, err := h.svc.AcceptCall(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"new-1"}, h.transport.pc(1).appliedCandidates())
	})

	t.Run("expired orphans", func(t *testing.T) {
		h := newHarness(t)
		h.deliverCandidate("carol", "old")
		h.clock.Add(31 * time.Second)
		h.deliverOffer("carol", domain.CallTypeAudio)
		_, err := h.svc.AcceptCall(ctx)
		require.NoError(t, err)
		assert.Empty(t, h.transport.pc(0).appliedCandidates())
	})
}

func TestCallService_EndConnectedCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pc := h.connectOutgoing("bob")

	h.clock.Add(90 * time.Second)
	require.NoError(t, h.svc.EndCall(ctx))
	h.flush()

	assert.Len(t, h.signals.sentOf(domain.SignalEnd, "bob"), 1)
	ended := h.recorder.recordsWith(domain.RecordEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, 90*time.Second, ended[0].Duration)
	completed := h.recorder.historyWith(domain.HistoryCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 90*time.Second, completed[0].entry.Duration)

	assert.Equal(t, domain.StateEnded, h.state())
	assert.Equal(t, 1, pc.closeCount())
	assert.True(t, h.media.stream(0).stopped())

	assert.ErrorIs(t, h.svc.EndCall(ctx), domain.ErrNoActiveCall)
}

func TestCallService_CallerCancelsBeforeAnswer(t *testing.T) {
	h := newHarness(t)
	pc := h.startCall("bob", domain.CallTypeAudio)

	require.NoError(t, h.svc.EndCall(context.Background()))
	h.deliverAnswer("bob")
	h.flush()

	assert.Len(t, h.signals.sentOf(domain.SignalEnd, "bob"), 1)
	assert.Zero(t, pc.remoteDescCount())
	require.Len(t, h.recorder.recordsWith(domain.RecordEnded), 1)
	assert.Len(t, h.recorder.historyWith(domain.HistoryMissed), 1)
}

func TestCallService_CallWaitingAccept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.connectIncoming("bob")

	h.deliverOffer("carol", domain.CallTypeAudio)
	snap := h.snapshot()
	assert.Equal(t, domain.StateConnected, snap.State)
	require.NotNil(t, snap.IncomingCall)
	assert.Equal(t, domain.UserID("carol"), snap.IncomingCall.RemoteUserID)
	assert.Equal(t, domain.UserID("bob"), snap.ActiveCall.RemoteUserID)

	_, err := h.svc.AcceptCall(ctx)
	require.NoError(t, err)
	h.flush()

	assert.Len(t, h.signals.sentOf(domain.SignalEnd, "bob"), 1)
	assert.Empty(t, h.signals.sentOf(domain.SignalBusy, "carol"))
	completed := h.recorder.historyWith(domain.HistoryCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "alice_bob", completed[0].chatID)
	assert.Equal(t, domain.UserID("bob"), completed[0].entry.CallerID)
	assert.Equal(t, 1, first.closeCount())

	snap = h.snapshot()
	require.NotNil(t, snap.ActiveCall)
	assert.Equal(t, domain.UserID("carol"), snap.ActiveCall.RemoteUserID)
	assert.Nil(t, snap.IncomingCall)
	assert.Len(t, h.signals.sentOf(domain.SignalAnswer, "carol"), 1)

	h.transportState(h.transport.pc(1), domain.TransportConnected)
	assert.Equal(t, domain.StateConnected, h.state())
}

func TestCallService_CallWaitingDecline(t *testing.T) {
	h := newHarness(t)
	h.connectOutgoing("bob")
	h.deliverOffer("carol", domain.CallTypeAudio)

	require.NoError(t, h.svc.RejectCall(context.Background()))
	h.flush()

	assert.Len(t, h.signals.sentOf(domain.SignalBusy, "carol"), 1)
	assert.Empty(t, h.signals.sentOf(domain.SignalReject, "carol"))
	assert.Empty(t, h.signals.sentOf(domain.SignalEnd, "bob"))

	snap := h.snapshot()
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.Nil(t, snap.IncomingCall)
	assert.Equal(t, domain.UserID("bob"), snap.ActiveCall.RemoteUserID)

	declined := h.recorder.historyWith(domain.HistoryDeclined)
	require.Len(t, declined, 1)
	assert.Equal(t, "alice_carol", declined[0].chatID)
}

func TestCallService_CallWaitingTimeout(t *testing.T) {
	h := newHarness(t)
	active := h.connectIncoming("bob")

	h.deliverOffer("carol", domain.CallTypeAudio)
	require.NotNil(t, h.snapshot().IncomingCall)

	h.advance(30*time.Second, func(s domain.CallSnapshot) bool { return s.IncomingCall == nil })
	h.flush()

	assert.Len(t, h.signals.sentOf(domain.SignalEnd, "carol"), 1)
	assert.Empty(t, h.signals.sentOf(domain.SignalEnd, "bob"))

	missed := h.recorder.recordsWith(domain.RecordMissed)
	require.Len(t, missed, 1)
	assert.Equal(t, domain.UserID("carol"), missed[0].CallerID)
	assert.Zero(t, missed[0].Duration)
	history := h.recorder.historyWith(domain.HistoryMissed)
	require.Len(t, history, 1)
	assert.Equal(t, "alice_carol", history[0].chatID)
	assert.Zero(t, history[0].entry.Duration)

	snap := h.snapshot()
	assert.Equal(t, domain.StateConnected, snap.State)
	require.NotNil(t, snap.ActiveCall)
	assert.Equal(t, domain.UserID("bob"), snap.ActiveCall.RemoteUserID)
	assert.NotEmpty(t, snap.LocalStream)
	assert.Zero(t, active.closeCount())
	assert.False(t, h.media.stream(0).stopped())
	assert.Equal(t, 1, h.transport.count())
}

func TestCallService_AcceptMediaFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("ringing", func(t *testing.T) {
		h := newHarness(t)
		h.deliverOffer("bob", domain.CallTypeVideo)
		h.media.err = errors.New("camera busy")

		_, err := h.svc.AcceptCall(ctx)
		require.ErrorIs(t, err, domain.ErrMediaUnavailable)
		h.flush()

		assert.Empty(t, h.signals.sentOf(domain.SignalAnswer, "bob"))
		assert.Empty(t, h.signals.sentOf(domain.SignalAnsweredElsewhere, "alice"))
		assert.Zero(t, h.transport.count())
		snap := h.snapshot()
		assert.Equal(t, domain.StateIdle, snap.State)
		assert.Nil(t, snap.IncomingCall)
		assert.Nil(t, snap.ActiveCall)
	})

	t.Run("call waiting", func(t *testing.T) {
		h := newHarness(t)
		first := h.connectIncoming("bob")
		h.deliverOffer("carol", domain.CallTypeAudio)
		h.media.err = errors.New("camera busy")

		_, err := h.svc.AcceptCall(ctx)
		require.ErrorIs(t, err, domain.ErrMediaUnavailable)
		h.flush()

		// the replaced call is still finished exactly once
		assert.Len(t, h.signals.sentOf(domain.SignalEnd, "bob"), 1)
		completed := h.recorder.historyWith(domain.HistoryCompleted)
		require.Len(t, completed, 1)
		assert.Equal(t, "alice_bob", completed[0].chatID)
		assert.Equal(t, 1, first.closeCount())
		assert.True(t, h.media.stream(0).stopped())

		assert.Empty(t, h.signals.sentOf(domain.SignalAnswer, "carol"))
		assert.Len(t, h.signals.sentOf(domain.SignalAnsweredElsewhere, "alice"), 1, "only bob's accept was announced")
		assert.Equal(t, 1, h.transport.count())
		snap := h.snapshot()
		assert.Equal(t, domain.StateIdle, snap.State)
		assert.Nil(t, snap.IncomingCall)
		assert.Nil(t, snap.ActiveCall)
	})
}

func TestCallService_RejectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deliverOffer("bob", domain.CallTypeVideo)

	require.NoError(t, h.svc.RejectCall(ctx))
	assert.ErrorIs(t, h.svc.RejectCall(ctx), domain.ErrNoIncomingCall)
	h.deliver(domain.SignalEnd, "bob")
	h.flush()

	assert.Len(t, h.signals.sentOf(domain.SignalReject, "bob"), 1)
	assert.Len(t, h.recorder.recordsWith(domain.RecordRejected), 1)
	assert.Len(t, h.recorder.historyWith(domain.HistoryDeclined), 1)
	assert.Equal(t, 1, h.events.count(domain.EventIncomingCleared))
	assert.Equal(t, 1, h.events.count(domain.EventCallEnded))
	assert.Equal(t, domain.StateIdle, h.state())
}

func TestCallService_AnsweredElsewhere(t *testing.T) {
	h := newHarness(t)
	h.deliverOffer("bob", domain.CallTypeVideo)

	echo := h.msg(domain.SignalAnsweredElsewhere, "alice")
	echo.DeviceID = "dev-a"
	echo.AnsweringDeviceID = "dev-a"
	echo.CallerID = "bob"
	h.signals.deliver(echo)

	other := h.msg(domain.SignalAnsweredElsewhere, "alice")
	other.DeviceID = "dev-b"
	other.AnsweringDeviceID = "dev-b"
	other.CallerID = "carol"
	h.signals.deliver(other)
	assert.Equal(t, domain.StateRinging, h.state())

	other.CallerID = "bob"
	h.signals.deliver(other)
	h.signals.deliver(other)
	h.flush()

	snap := h.snapshot()
	assert.Equal(t, domain.StateIdle, snap.State)
	assert.Nil(t, snap.IncomingCall)
	assert.Zero(t, h.signals.count())
	assert.Empty(t, h.recorder.allRecords())
	assert.Empty(t, h.recorder.allHistory())
	assert.Equal(t, 1, h.events.count(domain.EventIncomingCleared))
}

func TestCallService_BusyPolicy(t *testing.T) {
	t.Run("while calling", func(t *testing.T) {
		h := newHarness(t)
		h.startCall("bob", domain.CallTypeAudio)
		h.deliverOffer("carol", domain.CallTypeAudio)
		h.flush()

		assert.Len(t, h.signals.sentOf(domain.SignalBusy, "carol"), 1)
		snap := h.snapshot()
		assert.Equal(t, domain.StateCalling, snap.State)
		assert.Nil(t, snap.IncomingCall)
	})

	t.Run("crossing offers", func(t *testing.T) {
		h := newHarness(t)
		h.startCall("bob", domain.CallTypeAudio)
		h.deliverOffer("bob", domain.CallTypeAudio)
		h.flush()

		assert.Len(t, h.signals.sentOf(domain.SignalBusy, "bob"), 1)
		assert.Equal(t, domain.StateCalling, h.state())
	})

	t.Run("second caller while ringing", func(t *testing.T) {
		h := newHarness(t)
		h.deliverOffer("bob", domain.CallTypeAudio)
		h.deliverOffer("carol", domain.CallTypeAudio)
		h.flush()

		assert.Len(t, h.signals.sentOf(domain.SignalBusy, "carol"), 1)
		assert.Equal(t, domain.UserID("bob"), h.snapshot().IncomingCall.RemoteUserID)
	})

	t.Run("duplicate offer", func(t *testing.T) {
		h := newHarness(t)
		h.deliverOffer("bob", domain.CallTypeAudio)
		h.deliverOffer("bob", domain.CallTypeAudio)
		h.flush()

		assert.Empty(t, h.signals.sentOf(domain.SignalBusy, "bob"))
		assert.Equal(t, 1, h.events.count(domain.EventIncomingCall))
	})
}

func TestCallService_DropsBadSignals(t *testing.T) {
	h := newHarness(t)
	h.peers.unknown["mallory"] = true

	h.deliverOffer("mallory", domain.CallTypeAudio)

	misaddressed := domain.NewSignal(domain.SignalOffer, "bob", "dave", h.clock.Now())
	misaddressed.SDP = testSDP
	misaddressed.CallType = domain.CallTypeAudio
	h.signals.deliver(misaddressed)

	malformed := h.msg(domain.SignalOffer, "bob")
	malformed.SDP = "not sdp"
	malformed.CallType = domain.CallTypeAudio
	h.signals.deliver(malformed)
	h.signals.deliver(nil)
	h.flush()

	assert.Equal(t, domain.StateIdle, h.state())
	assert.Zero(t, h.signals.count())
	_, unknown := h.metrics.dropped.Load("unknown_sender")
	_, invalid := h.metrics.dropped.Load("invalid")
	_, foreign := h.metrics.dropped.Load("misaddressed")
	assert.True(t, unknown)
	assert.True(t, invalid)
	assert.True(t, foreign)
}

func TestCallService_QualityAdaptsBitrate(t *testing.T) {
	h := newHarness(t)
	pc := h.connectOutgoing("bob")

	steps := []struct {
		lost     int64
		received uint64
		quality  domain.Quality
		bitrate  int
	}{
		{lost: 12, received: 88, quality: domain.QualityLow, bitrate: 150_000},
		{lost: 5, received: 95, quality: domain.QualityMedium, bitrate: 500_000},
		{lost: 1, received: 99, quality: domain.QualityHigh, bitrate: 1_500_000},
	}
	for _, step := range steps {
		pc.setStats(step.lost, step.received)
		h.advance(2*time.Second, func(s domain.CallSnapshot) bool { return s.ConnectionQuality == step.quality })
		assert.Equal(t, step.bitrate, pc.lastBitrate())
	}
	h.flush()
	assert.Equal(t, 3, h.events.count(domain.EventQualityChanged))
	assert.Equal(t, 3, pc.bitrateCount())
}

func TestCallService_CleanupOnEveryEnding(t *testing.T) {
	tests := []struct {
		name       string
		connect    bool
		trigger    func(h *harness, pc *fakePC)
		record     domain.RecordStatus
		endsToPeer int
	}{
		{
			name:    "remote end",
			connect: true,
			trigger: func(h *harness, _ *fakePC) { h.deliver(domain.SignalEnd, "bob") },
			record:  domain.RecordEnded,
		},
		{
			name:    "remote reject",
			trigger: func(h *harness, _ *fakePC) { h.deliver(domain.SignalReject, "bob") },
			record:  domain.RecordRejected,
		},
		{
			name:    "remote busy",
			trigger: func(h *harness, _ *fakePC) { h.deliver(domain.SignalBusy, "bob") },
			record:  domain.RecordRejected,
		},
		{
			name: "timeout",
			trigger: func(h *harness, _ *fakePC) {
				h.advance(30*time.Second, func(s domain.CallSnapshot) bool { return s.ActiveCall == nil })
			},
			record:     domain.RecordMissed,
			endsToPeer: 1,
		},
		{
			name:    "transport failure",
			connect: true,
			trigger: func(h *harness, pc *fakePC) { h.transportState(pc, domain.TransportFailed) },
			record:  domain.RecordEnded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			pc := h.startCall("bob", domain.CallTypeVideo)
			if tt.connect {
				h.deliverAnswer("bob")
				h.transportState(pc, domain.TransportConnected)
				pc.events.OnRemoteTrack(fakeRemoteTrack{id: "remote-video", kind: domain.KindVideo})
				sharing, err := h.svc.ToggleScreenShare(context.Background())
				require.NoError(t, err)
				require.True(t, sharing)
				require.Equal(t, []string{"remote-video"}, h.snapshot().RemoteStream)
			}

			tt.trigger(h, pc)
			h.flush()

			snap := h.snapshot()
			assert.Equal(t, domain.StateEnded, snap.State)
			assert.Nil(t, snap.ActiveCall)
			assert.Empty(t, snap.LocalStream)
			assert.Empty(t, snap.RemoteStream)
			assert.False(t, snap.MicEnabled)
			assert.False(t, snap.CameraEnabled)
			assert.False(t, snap.ScreenSharing)
			assert.Equal(t, domain.QualityUnknown, snap.ConnectionQuality)

			assert.Equal(t, 1, pc.closeCount())
			assert.True(t, h.media.stream(0).stopped())
			for _, screen := range h.media.screens {
				assert.True(t, screen.isStopped())
			}
			assert.Len(t, h.recorder.recordsWith(tt.record), 1)
			assert.Len(t, h.signals.sentOf(domain.SignalEnd, "bob"), tt.endsToPeer)

			// Nothing armed survives the session.
			bitrates := pc.bitrateCount()
			h.advance(time.Minute, func(s domain.CallSnapshot) bool { return s.State == domain.StateIdle })
			h.flush()
			assert.Equal(t, bitrates, pc.bitrateCount())
			assert.Len(t, h.signals.sentOf(domain.SignalEnd, "bob"), tt.endsToPeer)
			assert.Len(t, h.recorder.allRecords(), 2)
		})
	}
}

func TestCallService_Toggles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ToggleMic(ctx)
	assert.ErrorIs(t, err, domain.ErrNoActiveCall)

	pc := h.connectOutgoing("bob")
	stream := h.media.stream(0)

	mic, err := h.svc.ToggleMic(ctx)
	require.NoError(t, err)
	assert.False(t, mic)
	assert.False(t, stream.tracks[0].Enabled())

	camera, err := h.svc.ToggleCamera(ctx)
	require.NoError(t, err)
	assert.False(t, camera)
	assert.False(t, stream.tracks[1].Enabled())

	mic, err = h.svc.ToggleMic(ctx)
	require.NoError(t, err)
	assert.True(t, mic)

	sharing, err := h.svc.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.True(t, sharing)
	assert.Equal(t, "screen-2", pc.videoTrack())
	snap := h.snapshot()
	assert.True(t, snap.ScreenSharing)
	assert.Contains(t, snap.LocalStream, "screen-2")

	sharing, err = h.svc.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.False(t, sharing)
	assert.Equal(t, "video-1", pc.videoTrack())
	assert.True(t, h.media.screens[0].isStopped())
	assert.False(t, h.snapshot().ScreenSharing)
}

func TestCallService_AudioCallHasNoCamera(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startCall("bob", domain.CallTypeAudio)

	_, err := h.svc.ToggleCamera(ctx)
	assert.ErrorIs(t, err, domain.ErrNotVideoCall)
	_, err = h.svc.ToggleScreenShare(ctx)
	assert.ErrorIs(t, err, domain.ErrNotVideoCall)
	assert.False(t, h.snapshot().CameraEnabled)
}

func TestCallService_AcceptSupersededByRemoteEnd(t *testing.T) {
	h := newHarness(t)
	h.deliverOffer("bob", domain.CallTypeVideo)

	gate := make(chan struct{})
	waiting := make(chan struct{})
	h.media.mu.Lock()
	h.media.gate = gate
	h.media.waiting = waiting
	h.media.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		_, err := h.svc.AcceptCall(context.Background())
		errc <- err
	}()

	<-waiting
	h.deliver(domain.SignalEnd, "bob")
	close(gate)

	require.ErrorIs(t, <-errc, domain.ErrCallSuperseded)
	h.flush()

	assert.True(t, h.media.stream(0).stopped())
	assert.Zero(t, h.transport.count())
	assert.Empty(t, h.signals.sentOf(domain.SignalAnswer, "bob"))
	assert.Equal(t, domain.StateIdle, h.state())
}

func TestCallService_ListenerMayCallBack(t *testing.T) {
	h := newHarness(t)
	h.svc.OnEvent(func(ev domain.CallEvent) {
		if ev.Type == domain.EventIncomingCall {
			_ = h.svc.RejectCall(context.Background())
		}
	})

	h.deliverOffer("bob", domain.CallTypeAudio)
	require.Eventually(t, func() bool {
		return len(h.signals.sentOf(domain.SignalReject, "bob")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCallService_CloseEndsCall(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pc := h.connectOutgoing("bob")

	require.NoError(t, h.svc.Close(ctx))

	assert.Len(t, h.signals.sentOf(domain.SignalEnd, "bob"), 1)
	assert.Len(t, h.recorder.recordsWith(domain.RecordEnded), 1)
	assert.Equal(t, 1, pc.closeCount())

	_, err := h.svc.StartCall(ctx, "carol", domain.CallTypeAudio)
	assert.ErrorIs(t, err, domain.ErrServiceClosed)
	_, err = h.svc.Snapshot()
	assert.ErrorIs(t, err, domain.ErrServiceClosed)
}
