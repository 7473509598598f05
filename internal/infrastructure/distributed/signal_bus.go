package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

const signalPrefix = "ringline:signal:"

// envelope wraps a signal on the wire so receivers can log where it came from.
type envelope struct {
	InstanceID string                `json:"instance_id"`
	Published  time.Time             `json:"published"`
	Message    *domain.SignalMessage `json:"message"`
}

// SignalBus publishes signals on one redis channel per receiving user. It is
// a SignalChannel for agents and the bridge between relay instances.
type SignalBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
}

func NewSignalBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *SignalBus {
	return &SignalBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func channelFor(userID domain.UserID) string {
	return signalPrefix + string(userID)
}

func (b *SignalBus) Send(ctx context.Context, receiverID domain.UserID, msg *domain.SignalMessage) error {
	data, err := json.Marshal(envelope{
		InstanceID: b.instanceID,
		Published:  time.Now(),
		Message:    msg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	if err := b.client.Publish(ctx, channelFor(receiverID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}

	b.logger.Debugw("published signal",
		"signal_type", msg.Type,
		"sender_id", msg.SenderID,
		"receiver_id", receiverID,
	)
	return nil
}

// Subscribe delivers every signal published for userID until unsubscribed.
// It returns once the subscription is confirmed so nothing sent afterwards
// is missed.
func (b *SignalBus) Subscribe(ctx context.Context, userID domain.UserID, onMessage func(*domain.SignalMessage)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, channelFor(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", userID, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.consume(pubsub.Channel(), onMessage)
	}()

	return func() {
		pubsub.Close()
		<-done
	}, nil
}

// Run delivers signals for every user to handle until ctx is done. Relay
// instances use it to reach the devices connected to them.
func (b *SignalBus) Run(ctx context.Context, handle func(*domain.SignalMessage)) error {
	pubsub := b.client.PSubscribe(ctx, signalPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to signals: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.consume(pubsub.Channel(), handle)
	}()

	select {
	case <-ctx.Done():
		pubsub.Close()
		<-done
		return ctx.Err()
	case <-done:
		return errors.New("signal subscription closed")
	}
}

func (b *SignalBus) consume(ch <-chan *redis.Message, handle func(*domain.SignalMessage)) {
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Message == nil {
			b.logger.Warnw("failed to unmarshal signal",
				"channel", msg.Channel,
				"error", err,
			)
			continue
		}
		handle(env.Message)
	}
}

var _ ports.SignalChannel = (*SignalBus)(nil)
