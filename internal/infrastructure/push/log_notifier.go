package push

import (
	"context"

	"go.uber.org/zap"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

// LogNotifier only logs; used when no push backend is configured.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, req domain.PushRequest) error {
	n.logger.Infow("push notification",
		"receiver_id", req.ReceiverID,
		"title", req.Title,
		"body", req.Body,
		"type", req.Type,
	)
	return nil
}

var _ ports.PushNotifier = (*LogNotifier)(nil)
