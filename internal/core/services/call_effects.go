package services

import (
	"context"
	"fmt"
	"time"

	"ringline/internal/core/domain"
	"ringline/pkg/circuitbreaker"
	"ringline/pkg/retry"
	"ringline/pkg/tracing"
)

func (s *CallService) newSignal(t domain.SignalType, to domain.UserID) *domain.SignalMessage {
	msg := domain.NewSignal(t, s.cfg.UserID, to, s.clock.Now())
	msg.DeviceID = s.cfg.DeviceID
	return msg
}

// sendSignal queues msg on the ordered outbox. Sends are retried and a final
// failure is only logged; local state never waits on the network.
func (s *CallService) sendSignal(msg *domain.SignalMessage) {
	s.outbox.Enqueue(func(ctx context.Context) {
		ctx, span := tracing.TraceSignal(ctx, "out", string(msg.Type), string(msg.ReceiverID))
		defer span.End()

		cfg := s.cfg.SignalRetry
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			s.logger.Debugw("retrying signal send",
				"signal_type", msg.Type,
				"receiver_id", msg.ReceiverID,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}
		err := retry.Retry(ctx, cfg, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
			defer cancel()
			return s.signals.Send(ctx, msg.ReceiverID, msg)
		})
		if err != nil {
			tracing.RecordError(ctx, err)
			s.metrics.SignalSendFailed(msg.Type)
			s.logger.Warnw("signal send failed",
				"signal_type", msg.Type,
				"receiver_id", msg.ReceiverID,
				"error", err,
			)
		}
	})
}

func (s *CallService) sendCandidate(sess *callSession, c domain.ICECandidate) {
	msg := s.newSignal(domain.SignalCandidate, sess.remoteUserID)
	msg.Candidate = &c
	s.sendSignal(msg)
}

func (s *CallService) saveRecord(record domain.CallRecord) {
	s.sideEffects.Enqueue(func(ctx context.Context) {
		err := s.guarded(ctx, s.recorderBreaker, "save_call_record", record.ID, func(ctx context.Context) error {
			return s.recorder.SaveCallRecord(ctx, &record)
		})
		if err != nil {
			s.logger.Warnw("call record not saved",
				"call_id", record.ID,
				"status", record.Status,
				"error", err,
			)
		}
	})
}

func (s *CallService) saveHistory(sess *callSession, status domain.HistoryStatus, duration time.Duration, at time.Time) {
	chatID := domain.ChatID(sess.localUserID, sess.remoteUserID)
	entry := domain.HistoryEntry{
		Type:         sess.callType,
		Duration:     duration,
		Status:       status,
		Participants: []domain.UserID{sess.callerID(), sess.receiverID()},
		CallerID:     sess.callerID(),
		RecordedAt:   at,
	}
	callID := sess.id
	s.sideEffects.Enqueue(func(ctx context.Context) {
		err := s.guarded(ctx, s.recorderBreaker, "save_call_history", chatID, func(ctx context.Context) error {
			return s.recorder.SaveCallHistory(ctx, chatID, &entry)
		})
		if err != nil {
			s.logger.Warnw("call history not saved",
				"call_id", callID,
				"chat_id", chatID,
				"status", status,
				"error", err,
			)
		}
	})
}

// notifyCallee wakes a backgrounded receiver. Fire and forget.
func (s *CallService) notifyCallee(sess *callSession, callerName string) {
	req := domain.PushRequest{
		ReceiverID: sess.remoteUserID,
		Title:      "Incoming call",
		Body:       fmt.Sprintf("%s is calling you (%s)", callerName, sess.callType),
		Type:       "call",
	}
	callID := sess.id
	s.sideEffects.Enqueue(func(ctx context.Context) {
		err := s.guarded(ctx, s.pushBreaker, "push_notify", string(req.ReceiverID), func(ctx context.Context) error {
			return s.push.Notify(ctx, req)
		})
		if err != nil {
			s.logger.Warnw("push notification failed",
				"call_id", callID,
				"receiver_id", req.ReceiverID,
				"error", err,
			)
		}
	})
}

func (s *CallService) guarded(ctx context.Context, cb *circuitbreaker.CircuitBreaker, op, key string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	ctx, span := tracing.TraceStoreOperation(ctx, op, key)
	defer span.End()

	err := cb.Execute(ctx, fn)
	tracing.RecordError(ctx, err)
	return err
}
