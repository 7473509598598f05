package services

import (
	"context"

	"ringline/internal/core/domain"
	"ringline/pkg/tracing"
)

// onSignal runs on the signal channel's delivery goroutine. Validation and
// the offer sender lookup happen here so the loop never waits on I/O; posting
// from this goroutine keeps per-sender order intact.
func (s *CallService) onSignal(msg *domain.SignalMessage) {
	if msg == nil {
		return
	}
	ctx, span := tracing.TraceSignal(context.Background(), "in", string(msg.Type), string(msg.SenderID))
	defer span.End()

	if err := msg.Validate(); err != nil {
		s.metrics.SignalDropped(msg.Type, "invalid")
		s.logger.Warnw("invalid signal dropped", "signal_type", msg.Type, "sender_id", msg.SenderID, "error", err)
		return
	}
	if msg.ReceiverID != s.cfg.UserID {
		s.metrics.SignalDropped(msg.Type, "misaddressed")
		s.logger.Warnw("signal for another user dropped", "signal_type", msg.Type, "receiver_id", msg.ReceiverID)
		return
	}
	s.metrics.SignalReceived(msg.Type)

	var peer *domain.Peer
	if msg.Type == domain.SignalOffer {
		p, err := s.peers.Resolve(ctx, msg.SenderID)
		if err != nil || p == nil {
			tracing.RecordError(ctx, err)
			s.metrics.SignalDropped(msg.Type, "unknown_sender")
			s.logger.Warnw("offer from unresolvable sender dropped", "sender_id", msg.SenderID, "error", err)
			return
		}
		peer = p
	}

	s.post(func() { s.handleSignal(msg, peer) })
}

func (s *CallService) handleSignal(msg *domain.SignalMessage, peer *domain.Peer) {
	if msg.Type.Terminal() {
		s.handleTerminal(msg)
		return
	}
	switch msg.Type {
	case domain.SignalOffer:
		s.handleOffer(msg, peer)
	case domain.SignalAnswer:
		s.handleAnswer(msg)
	case domain.SignalCandidate:
		s.handleCandidate(msg)
	case domain.SignalAnsweredElsewhere:
		s.handleAnsweredElsewhere(msg)
	}
}

// sessionFor finds the live session with sender on the other end.
func (s *CallService) sessionFor(sender domain.UserID) *callSession {
	if s.active != nil && !s.active.ended && s.active.remoteUserID == sender {
		return s.active
	}
	if s.incoming != nil && !s.incoming.ended && s.incoming.remoteUserID == sender {
		return s.incoming
	}
	return nil
}

func (s *CallService) handleOffer(msg *domain.SignalMessage, peer *domain.Peer) {
	sender := msg.SenderID
	if sender == s.cfg.UserID {
		s.metrics.SignalDropped(msg.Type, "self")
		return
	}

	existing := s.sessionFor(sender)
	if existing != nil && existing.role == domain.RoleCallee {
		s.logger.Debugw("duplicate offer ignored", "call_id", existing.id, "sender_id", sender)
		return
	}

	// A second caller can wait only behind a connected call, and only one at
	// a time. Anything else, including an offer crossing our own, is busy.
	waiting := s.active != nil && s.active.state == domain.StateConnected
	if s.closing || existing != nil || s.incoming != nil || (s.active != nil && !waiting) {
		s.logger.Infow("offer declined as busy", "sender_id", sender)
		s.sendSignal(s.newSignal(domain.SignalBusy, sender))
		return
	}

	sess := newCallSession(s.cfg.UserID, sender, s.cfg.DeviceID, msg.CallType, domain.RoleCallee, s.clock.Now())
	sess.remoteName = peer.Name()
	sess.remoteOffer = msg.SDP
	sess.remoteDeviceID = msg.DeviceID
	for _, c := range s.orphans.Take(sender, sess.startedAt) {
		sess.inbound.Push(c)
	}

	s.armTimeout(sess)
	s.incoming = sess
	s.metrics.CallStarted(domain.RoleCallee, sess.callType)
	s.logger.Infow("incoming call",
		"call_id", sess.id,
		"remote_user_id", sender,
		"call_type", sess.callType,
		"queued_candidates", sess.inbound.Len(),
		"call_waiting", waiting,
	)
	s.emit(domain.CallEvent{Type: domain.EventIncomingCall, Call: sess.info()})
	s.publishState()
}

func (s *CallService) handleAnswer(msg *domain.SignalMessage) {
	sess := s.active
	if sess == nil || sess.role != domain.RoleCaller || sess.remoteUserID != msg.SenderID ||
		sess.pc == nil || sess.answered || !sess.state.Pending() {
		s.metrics.SignalDropped(msg.Type, "stale")
		s.logger.Debugw("late or duplicate answer ignored", "sender_id", msg.SenderID)
		return
	}

	if err := sess.pc.SetRemoteDescription(domain.SignalAnswer, msg.SDP); err != nil {
		s.logger.Warnw("answer rejected by transport", "call_id", sess.id, "error", err)
		s.terminate(sess, causeSetupFailure)
		return
	}
	sess.answered = true
	sess.remoteDeviceID = msg.DeviceID
	s.drainInbound(sess)
	s.flushOutbound(sess)
	s.logger.Infow("call answered", "call_id", sess.id, "remote_device_id", msg.DeviceID)
}

func (s *CallService) handleCandidate(msg *domain.SignalMessage) {
	c := *msg.Candidate
	if sess := s.sessionFor(msg.SenderID); sess != nil {
		s.applyRemoteCandidate(sess, c)
		return
	}

	// Either a late one from a call that already ended or an early one for
	// an offer still in flight. Held until an offer adopts it or it ages out.
	if evicted := s.orphans.Add(msg.SenderID, c, s.clock.Now()); evicted > 0 {
		s.metrics.SignalDropped(msg.Type, "orphan_overflow")
		s.logger.Warnw("orphan candidates evicted", "sender_id", msg.SenderID, "evicted", evicted)
	}
}

func (s *CallService) handleTerminal(msg *domain.SignalMessage) {
	sess := s.sessionFor(msg.SenderID)
	if sess == nil {
		s.logger.Debugw("terminal signal without session ignored", "signal_type", msg.Type, "sender_id", msg.SenderID)
		return
	}
	cause := causeRemoteEnd
	switch msg.Type {
	case domain.SignalReject:
		cause = causeRemoteReject
	case domain.SignalBusy:
		cause = causeRemoteBusy
	}
	s.terminate(sess, cause)
}

// handleAnsweredElsewhere clears a call another device of this account took.
func (s *CallService) handleAnsweredElsewhere(msg *domain.SignalMessage) {
	if msg.SenderID != s.cfg.UserID {
		s.metrics.SignalDropped(msg.Type, "foreign_sender")
		return
	}
	if msg.DeviceID == s.cfg.DeviceID {
		return
	}
	sess := s.incoming
	if sess == nil || sess.remoteUserID != msg.CallerID {
		return
	}
	s.logger.Infow("call answered on another device",
		"call_id", sess.id,
		"caller_id", msg.CallerID,
		"answering_device_id", msg.AnsweringDeviceID,
	)
	s.terminate(sess, causeAnsweredElsewhere)
}
