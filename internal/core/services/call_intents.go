package services

import (
	"context"
	"errors"
	"fmt"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
	"ringline/pkg/tracing"
	"ringline/pkg/validation"
)

// StartCall places an outgoing call. It returns once local media is captured
// and the offer is queued, or with the reason the attempt was abandoned.
func (s *CallService) StartCall(ctx context.Context, remoteUserID domain.UserID, callType domain.CallType) (*domain.CallInfo, error) {
	ctx, span := tracing.TraceCallIntent(ctx, "start", string(s.cfg.UserID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.PeerIDKey.String(string(remoteUserID)), tracing.CallTypeKey.String(string(callType)))

	if err := validation.ValidateUserID(string(remoteUserID)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if !callType.Valid() {
		return nil, fmt.Errorf("%w: call type %q", domain.ErrInvalidArgument, callType)
	}

	sess, err := onLoop(s, func() (*callSession, error) {
		return s.beginOutgoing(remoteUserID, callType)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx, tracing.CallIDKey.String(sess.id))

	stream, mediaErr := s.media.Acquire(ctx, callType)
	callerName := s.displayName(ctx, s.cfg.UserID)

	info, err := onLoop(s, func() (*domain.CallInfo, error) {
		return s.completeOutgoing(sess, stream, mediaErr, callerName)
	})
	if errors.Is(err, domain.ErrServiceClosed) && stream != nil {
		stream.Stop()
	}
	tracing.RecordError(ctx, err)
	return info, err
}

func (s *CallService) beginOutgoing(remoteUserID domain.UserID, callType domain.CallType) (*callSession, error) {
	switch {
	case s.closing:
		return nil, domain.ErrServiceClosed
	case remoteUserID == s.cfg.UserID:
		return nil, domain.ErrSelfCall
	case s.active != nil || s.incoming != nil:
		return nil, domain.ErrCallInProgress
	}

	s.cancelReset()
	sess := newCallSession(s.cfg.UserID, remoteUserID, s.cfg.DeviceID, callType, domain.RoleCaller, s.clock.Now())
	s.active = sess
	s.armTimeout(sess)
	s.metrics.CallStarted(domain.RoleCaller, callType)
	s.logger.Infow("starting call",
		"call_id", sess.id,
		"remote_user_id", remoteUserID,
		"call_type", callType,
	)
	s.publishState()
	return sess, nil
}

func (s *CallService) completeOutgoing(sess *callSession, stream ports.LocalStream, mediaErr error, callerName string) (*domain.CallInfo, error) {
	if sess.ended || s.active != sess {
		if stream != nil {
			stream.Stop()
		}
		return nil, domain.ErrCallSuperseded
	}
	if mediaErr != nil || stream == nil {
		s.logger.Warnw("local media unavailable", "call_id", sess.id, "error", mediaErr)
		s.terminate(sess, causeMediaFailure)
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, mediaErr)
	}

	s.adoptLocalStream(sess, stream)
	if err := s.openTransport(sess); err != nil {
		s.terminate(sess, causeSetupFailure)
		return nil, err
	}
	sdp, err := sess.pc.CreateOffer()
	if err != nil {
		s.terminate(sess, causeSetupFailure)
		return nil, fmt.Errorf("create offer: %w", err)
	}

	offer := s.newSignal(domain.SignalOffer, sess.remoteUserID)
	offer.SDP = sdp
	offer.CallType = sess.callType
	s.sendSignal(offer)
	sess.descriptionSent = true

	s.saveRecord(sess.record(domain.RecordCalling, nil, 0))
	s.notifyCallee(sess, callerName)
	return sess.info(), nil
}

// AcceptCall answers the incoming call. When another call is connected it is
// ended first and recorded as completed.
func (s *CallService) AcceptCall(ctx context.Context) (*domain.CallInfo, error) {
	ctx, span := tracing.TraceCallIntent(ctx, "accept", string(s.cfg.UserID))
	defer span.End()

	sess, err := onLoop(s, s.beginAccept)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx, tracing.CallIDKey.String(sess.id), tracing.PeerIDKey.String(string(sess.remoteUserID)))

	stream, mediaErr := s.media.Acquire(ctx, sess.callType)

	info, err := onLoop(s, func() (*domain.CallInfo, error) {
		return s.completeAccept(sess, stream, mediaErr)
	})
	if errors.Is(err, domain.ErrServiceClosed) && stream != nil {
		stream.Stop()
	}
	tracing.RecordError(ctx, err)
	return info, err
}

func (s *CallService) beginAccept() (*callSession, error) {
	sess := s.incoming
	switch {
	case s.closing:
		return nil, domain.ErrServiceClosed
	case sess == nil:
		return nil, domain.ErrNoIncomingCall
	case sess.accepting:
		return nil, domain.ErrAcceptInProgress
	}
	sess.accepting = true

	// Step one of call waiting: the current call is finished and recorded
	// before the new one is answered, while the incoming call stays visible.
	if s.active != nil {
		s.logger.Infow("replacing active call",
			"call_id", s.active.id,
			"remote_user_id", s.active.remoteUserID,
			"incoming_call_id", sess.id,
		)
		s.terminate(s.active, causeReplaced)
	}
	return sess, nil
}

func (s *CallService) completeAccept(sess *callSession, stream ports.LocalStream, mediaErr error) (*domain.CallInfo, error) {
	if sess.ended || s.incoming != sess {
		if stream != nil {
			stream.Stop()
		}
		return nil, domain.ErrCallSuperseded
	}
	if mediaErr != nil || stream == nil {
		s.logger.Warnw("local media unavailable", "call_id", sess.id, "error", mediaErr)
		s.terminate(sess, causeMediaFailure)
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, mediaErr)
	}

	s.adoptLocalStream(sess, stream)
	if err := s.openTransport(sess); err != nil {
		s.terminate(sess, causeSetupFailure)
		return nil, err
	}
	if err := sess.pc.SetRemoteDescription(domain.SignalOffer, sess.remoteOffer); err != nil {
		s.terminate(sess, causeSetupFailure)
		return nil, fmt.Errorf("apply offer: %w", err)
	}
	s.drainInbound(sess)

	sdp, err := sess.pc.CreateAnswer()
	if err != nil {
		s.terminate(sess, causeSetupFailure)
		return nil, fmt.Errorf("create answer: %w", err)
	}
	answer := s.newSignal(domain.SignalAnswer, sess.remoteUserID)
	answer.SDP = sdp
	s.sendSignal(answer)
	sess.descriptionSent = true
	s.flushOutbound(sess)

	elsewhere := s.newSignal(domain.SignalAnsweredElsewhere, s.cfg.UserID)
	elsewhere.AnsweringDeviceID = s.cfg.DeviceID
	elsewhere.CallerID = sess.remoteUserID
	s.sendSignal(elsewhere)

	sess.accepting = false
	s.incoming = nil
	s.cancelReset()
	s.active = sess
	s.emit(domain.CallEvent{Type: domain.EventIncomingCleared, Call: sess.info(), Reason: "accepted"})
	s.logger.Infow("call accepted", "call_id", sess.id, "remote_user_id", sess.remoteUserID)
	s.publishState()
	return sess.info(), nil
}

// RejectCall turns down the incoming call. While another call is connected
// the caller is told the line is busy; the connected call is left alone.
func (s *CallService) RejectCall(ctx context.Context) error {
	_, span := tracing.TraceCallIntent(ctx, "reject", string(s.cfg.UserID))
	defer span.End()

	_, err := onLoop(s, func() (struct{}, error) {
		if s.incoming == nil {
			return struct{}{}, domain.ErrNoIncomingCall
		}
		s.terminate(s.incoming, s.declineCause())
		return struct{}{}, nil
	})
	return err
}

// EndCall hangs up the active call, or cancels it while it is still ringing
// on the other side.
func (s *CallService) EndCall(ctx context.Context) error {
	_, span := tracing.TraceCallIntent(ctx, "end", string(s.cfg.UserID))
	defer span.End()

	_, err := onLoop(s, func() (struct{}, error) {
		if s.active == nil {
			return struct{}{}, domain.ErrNoActiveCall
		}
		s.terminate(s.active, causeLocalHangup)
		return struct{}{}, nil
	})
	return err
}

// ToggleMic flips the local audio tracks and returns the new state.
func (s *CallService) ToggleMic(ctx context.Context) (bool, error) {
	return onLoop(s, func() (bool, error) {
		sess := s.active
		if sess == nil || sess.localStream == nil {
			return false, domain.ErrNoActiveCall
		}
		s.micEnabled = !s.micEnabled
		setKindEnabled(sess.localStream, domain.KindAudio, s.micEnabled)
		return s.micEnabled, nil
	})
}

// ToggleCamera flips the local camera track and returns the new state.
func (s *CallService) ToggleCamera(ctx context.Context) (bool, error) {
	return onLoop(s, func() (bool, error) {
		sess := s.active
		if sess == nil || sess.localStream == nil {
			return false, domain.ErrNoActiveCall
		}
		if sess.callType != domain.CallTypeVideo {
			return false, domain.ErrNotVideoCall
		}
		s.cameraEnabled = !s.cameraEnabled
		setKindEnabled(sess.localStream, domain.KindVideo, s.cameraEnabled)
		return s.cameraEnabled, nil
	})
}

func setKindEnabled(stream ports.LocalStream, kind domain.MediaKind, enabled bool) {
	for _, t := range stream.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// ToggleScreenShare swaps the outbound video between the camera and a
// captured screen. It returns whether the screen is now being shared.
func (s *CallService) ToggleScreenShare(ctx context.Context) (bool, error) {
	ctx, span := tracing.TraceCallIntent(ctx, "screen_share", string(s.cfg.UserID))
	defer span.End()

	type step struct {
		sess    *callSession
		sharing bool
	}
	first, err := onLoop(s, func() (step, error) {
		sess := s.active
		switch {
		case sess == nil || sess.pc == nil:
			return step{}, domain.ErrNoActiveCall
		case sess.callType != domain.CallTypeVideo:
			return step{}, domain.ErrNotVideoCall
		case sess.screenPending:
			return step{}, domain.ErrScreenShareBusy
		}
		if sess.screenTrack == nil {
			sess.screenPending = true
			return step{sess: sess}, nil
		}
		if err := sess.pc.ReplaceVideoTrack(sess.cameraTrack); err != nil {
			return step{}, fmt.Errorf("restore camera track: %w", err)
		}
		sess.screenTrack.Stop()
		sess.screenTrack = nil
		s.screenSharing = false
		return step{sharing: false}, nil
	})
	if err != nil || first.sess == nil {
		tracing.RecordError(ctx, err)
		return first.sharing, err
	}

	screen, mediaErr := s.media.AcquireScreen(ctx)

	sharing, err := onLoop(s, func() (bool, error) {
		sess := first.sess
		sess.screenPending = false
		if sess.ended || s.active != sess || sess.pc == nil {
			if screen != nil {
				screen.Stop()
			}
			return false, domain.ErrCallSuperseded
		}
		if mediaErr != nil || screen == nil {
			return false, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, mediaErr)
		}
		if err := sess.pc.ReplaceVideoTrack(screen); err != nil {
			screen.Stop()
			return false, fmt.Errorf("replace video track: %w", err)
		}
		sess.screenTrack = screen
		s.screenSharing = true
		return true, nil
	})
	if errors.Is(err, domain.ErrServiceClosed) && screen != nil {
		screen.Stop()
	}
	tracing.RecordError(ctx, err)
	return sharing, err
}

func (s *CallService) displayName(ctx context.Context, userID domain.UserID) string {
	peer, err := s.peers.Resolve(ctx, userID)
	if err != nil {
		s.logger.Debugw("display name lookup failed", "lookup_user_id", userID, "error", err)
		return string(userID)
	}
	return peer.Name()
}
