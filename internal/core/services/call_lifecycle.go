package services

import (
	"fmt"
	"time"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

// openTransport creates the peer connection for sess and attaches its local
// tracks. Transport callbacks are posted back to the loop tagged with sess,
// so events from a torn-down session are recognised and dropped.
func (s *CallService) openTransport(sess *callSession) error {
	pc, err := s.transport.NewPeerConnection(ports.PeerConnectionEvents{
		OnICECandidate: func(c domain.ICECandidate) {
			s.post(func() { s.onLocalCandidate(sess, c) })
		},
		OnConnectionState: func(state domain.TransportState) {
			s.post(func() { s.onTransportState(sess, state) })
		},
		OnRemoteTrack: func(track ports.RemoteTrack) {
			s.post(func() { s.onRemoteTrack(sess, track) })
		},
		OnRemoteTrackEnded: func(track ports.RemoteTrack) {
			s.post(func() { s.onRemoteTrackEnded(sess, track) })
		},
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	sess.pc = pc

	for _, track := range sess.localStream.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		if track.Kind() == domain.KindVideo {
			sess.cameraTrack = track
		}
	}
	return nil
}

func (s *CallService) adoptLocalStream(sess *callSession, stream ports.LocalStream) {
	sess.localStream = stream
	s.micEnabled = false
	s.cameraEnabled = false
	for _, t := range stream.Tracks() {
		switch t.Kind() {
		case domain.KindAudio:
			s.micEnabled = s.micEnabled || t.Enabled()
		case domain.KindVideo:
			s.cameraEnabled = s.cameraEnabled || t.Enabled()
		}
	}
}

func (s *CallService) armTimeout(sess *callSession) {
	sess.timeout = s.supervisor.Arm(func() {
		s.post(func() { s.onTimeout(sess) })
	})
}

func (s *CallService) onTimeout(sess *callSession) {
	if sess.ended || !sess.state.Pending() {
		return
	}
	s.logger.Infow("call not answered in time",
		"call_id", sess.id,
		"remote_user_id", sess.remoteUserID,
		"timeout", s.supervisor.Timeout(),
	)
	s.terminate(sess, causeTimeout)
}

func (s *CallService) onLocalCandidate(sess *callSession, c domain.ICECandidate) {
	if sess.ended {
		return
	}
	if !sess.canTrickle() {
		sess.outbound = append(sess.outbound, c)
		return
	}
	s.sendCandidate(sess, c)
}

func (s *CallService) flushOutbound(sess *callSession) {
	pending := sess.outbound
	sess.outbound = nil
	for _, c := range pending {
		s.sendCandidate(sess, c)
	}
}

// applyRemoteCandidate queues c until the remote description is set, then
// applies candidates directly.
func (s *CallService) applyRemoteCandidate(sess *callSession, c domain.ICECandidate) {
	if sess.inbound.Push(c) {
		return
	}
	if sess.pc == nil {
		return
	}
	if err := sess.pc.AddICECandidate(c); err != nil {
		s.logger.Warnw("remote candidate rejected", "call_id", sess.id, "error", err)
	}
}

func (s *CallService) drainInbound(sess *callSession) {
	n := sess.inbound.Len()
	for _, err := range sess.inbound.Drain(sess.pc.AddICECandidate) {
		s.logger.Warnw("queued candidate rejected", "call_id", sess.id, "error", err)
	}
	if n > 0 {
		s.logger.Debugw("replayed queued candidates", "call_id", sess.id, "count", n)
	}
}

func (s *CallService) onTransportState(sess *callSession, state domain.TransportState) {
	if sess.ended {
		return
	}
	switch state {
	case domain.TransportConnected:
		s.markConnected(sess)
	case domain.TransportDisconnected, domain.TransportFailed:
		s.logger.Warnw("transport lost", "call_id", sess.id, "transport_state", state)
		s.terminate(sess, causeTransportFailure)
	}
}

func (s *CallService) markConnected(sess *callSession) {
	if !sess.state.Pending() || s.active != sess {
		return
	}
	now := s.clock.Now()
	sess.state = domain.StateConnected
	if sess.connectedAt == nil {
		sess.connectedAt = &now
	}
	sess.timeout.Disarm()
	s.flushOutbound(sess)
	s.orphans.Forget(sess.remoteUserID)

	s.connQuality = domain.QualityUnknown
	controller := NewAdaptiveBitrateController(s.quality, sess.pc)
	sess.monitor = StartQualityMonitor(s.clock, s.cfg.StatsInterval, controller, func() {
		s.post(func() { s.sampleQuality(sess) })
	}, s.logger.With("call_id", sess.id))

	setup := now.Sub(sess.startedAt)
	s.metrics.CallConnected(setup)
	s.logger.Infow("call connected",
		"call_id", sess.id,
		"remote_user_id", sess.remoteUserID,
		"role", sess.role,
		"setup_time", setup,
	)
	s.publishState()
}

func (s *CallService) sampleQuality(sess *callSession) {
	if s.active != sess || sess.state != domain.StateConnected || sess.monitor == nil {
		return
	}
	sample, ok := sess.monitor.Sample()
	if !ok || !sample.Changed {
		return
	}
	s.connQuality = sample.Quality
	s.metrics.QualityChanged(sample.Quality, sample.PacketLoss)
	s.emit(domain.CallEvent{
		Type:    domain.EventQualityChanged,
		Call:    sess.info(),
		Quality: sample.Quality,
	})
}

func (s *CallService) onRemoteTrack(sess *callSession, track ports.RemoteTrack) {
	if sess.ended || s.active != sess {
		return
	}
	for _, t := range sess.remoteTracks {
		if t.ID() == track.ID() {
			return
		}
	}
	sess.remoteTracks = append(sess.remoteTracks, track)
	s.emit(domain.CallEvent{Type: domain.EventRemoteTrackAdded, Call: sess.info(), TrackID: track.ID()})
}

func (s *CallService) onRemoteTrackEnded(sess *callSession, track ports.RemoteTrack) {
	if sess.ended {
		return
	}
	for i, t := range sess.remoteTracks {
		if t.ID() == track.ID() {
			sess.remoteTracks = append(sess.remoteTracks[:i], sess.remoteTracks[i+1:]...)
			s.emit(domain.CallEvent{Type: domain.EventRemoteTrackEnded, Call: sess.info(), TrackID: track.ID()})
			return
		}
	}
}

// terminate is the single exit path for a session. It is idempotent.
func (s *CallService) terminate(sess *callSession, cause endCause) {
	if sess.ended {
		return
	}
	now := s.clock.Now()
	connected := sess.connectedAt != nil
	outcome := outcomeFor(cause, connected)

	if outcome.signal != "" && sess.peerKnowsCall() {
		s.sendSignal(s.newSignal(outcome.signal, sess.remoteUserID))
	}

	s.releaseSession(sess)
	sess.ended = true
	sess.state = domain.StateEnded

	var duration time.Duration
	if connected {
		duration = now.Sub(*sess.connectedAt)
	}
	if outcome.record != "" {
		s.saveRecord(sess.record(outcome.record, &now, duration))
	}
	if outcome.history != "" {
		s.saveHistory(sess, outcome.history, duration, now)
	}
	s.metrics.CallEnded(cause.String(), duration)
	s.orphans.Prune(now)

	info := sess.info()
	if s.active == sess {
		s.active = nil
		s.resetMediaFlags()
		if outcome.linger {
			s.scheduleReset()
		}
	}
	if s.incoming == sess {
		s.incoming = nil
		s.emit(domain.CallEvent{Type: domain.EventIncomingCleared, Call: info, Reason: cause.String()})
	}
	s.emit(domain.CallEvent{Type: domain.EventCallEnded, Call: info, Reason: cause.String()})
	s.publishState()

	s.logger.Infow("call ended",
		"call_id", sess.id,
		"remote_user_id", sess.remoteUserID,
		"role", sess.role,
		"reason", cause.String(),
		"duration", duration,
	)
}

// releaseSession frees everything the session owns. Safe to repeat.
func (s *CallService) releaseSession(sess *callSession) {
	sess.timeout.Disarm()
	if sess.monitor != nil {
		sess.monitor.Stop()
		sess.monitor = nil
	}
	if sess.screenTrack != nil {
		sess.screenTrack.Stop()
		sess.screenTrack = nil
	}
	if sess.localStream != nil {
		sess.localStream.Stop()
		sess.localStream = nil
	}
	sess.cameraTrack = nil
	sess.remoteTracks = nil
	if sess.pc != nil {
		if err := sess.pc.Close(); err != nil {
			s.logger.Warnw("peer connection close failed", "call_id", sess.id, "error", err)
		}
		sess.pc = nil
	}
	sess.inbound.Clear()
	sess.outbound = nil
}

func (s *CallService) resetMediaFlags() {
	s.micEnabled = false
	s.cameraEnabled = false
	s.screenSharing = false
	s.connQuality = domain.QualityUnknown
}
