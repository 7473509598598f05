package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
	"ringline/pkg/retry"
)

var ErrNotConnected = errors.New("signal relay not connected")

type ClientConfig struct {
	URL          string
	Token        string
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	Reconnect    retry.Config
}

// WebSocketChannel is a SignalChannel backed by a relay connection. It
// redials with backoff when the connection drops; sends fail fast with
// ErrNotConnected while it is down and the caller's retry decides.
type WebSocketChannel struct {
	config ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(*domain.SignalMessage)
	userID  domain.UserID

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialWebSocketChannel connects to the relay and keeps the connection up
// until Close.
func DialWebSocketChannel(ctx context.Context, config ClientConfig, logger *zap.SugaredLogger) (*WebSocketChannel, error) {
	if config.PongTimeout <= 0 {
		config.PongTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Reconnect.InitialDelay <= 0 {
		config.Reconnect = retry.DefaultConfig()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ch := &WebSocketChannel{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	conn, err := ch.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	ch.conn = conn
	go ch.readLoop(conn)
	return ch, nil
}

func (ch *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+ch.config.Token)

	conn, resp, err := ch.dialer.DialContext(ctx, ch.config.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, retry.Permanent(fmt.Errorf("relay rejected credentials: %w", err))
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(ch.config.PongTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(ch.config.PongTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(ch.config.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return conn, nil
}

func (ch *WebSocketChannel) Send(ctx context.Context, receiverID domain.UserID, msg *domain.SignalMessage) error {
	if msg.ReceiverID == "" {
		msg.ReceiverID = receiverID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode signal: %w", err))
	}

	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	deadline := time.Now().Add(ch.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	return nil
}

// Subscribe installs the handler for messages addressed to userID. Only one
// handler is active; the relay already filters by the token's user.
func (ch *WebSocketChannel) Subscribe(ctx context.Context, userID domain.UserID, onMessage func(*domain.SignalMessage)) (func(), error) {
	if onMessage == nil {
		return nil, errors.New("nil signal handler")
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.handler != nil {
		return nil, errors.New("signal channel already subscribed")
	}
	ch.handler = onMessage
	ch.userID = userID

	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		ch.handler = nil
	}, nil
}

func (ch *WebSocketChannel) readLoop(conn *websocket.Conn) {
	defer close(ch.done)

	for {
		ch.read(conn)

		ch.mu.Lock()
		ch.conn = nil
		ch.mu.Unlock()
		if ch.ctx.Err() != nil {
			return
		}

		next, err := retry.RetryWithResult(ch.ctx, ch.reconnectConfig(), ch.dial)
		if err != nil {
			if ch.ctx.Err() == nil {
				ch.logger.Errorw("signal relay unreachable, giving up", "error", err)
			}
			return
		}
		ch.logger.Infow("signal relay reconnected", "url", ch.config.URL)

		ch.mu.Lock()
		ch.conn = next
		ch.mu.Unlock()
		conn = next
	}
}

func (ch *WebSocketChannel) reconnectConfig() retry.Config {
	cfg := ch.config.Reconnect
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		ch.logger.Warnw("signal relay reconnect failed", "attempt", attempt, "delay", delay, "error", err)
	}
	return cfg
}

// read consumes frames until the connection fails.
func (ch *WebSocketChannel) read(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ch.ctx.Err() == nil {
				ch.logger.Warnw("signal relay connection lost", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(ch.config.PongTimeout))

		var frame ErrorFrame
		if err := json.Unmarshal(data, &frame); err == nil && frame.Type == "error" {
			ch.logger.Warnw("relay refused signal", "code", frame.Code, "reason", frame.Message)
			continue
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ch.logger.Warnw("undecodable frame from relay", "error", err)
			continue
		}

		ch.mu.Lock()
		handler := ch.handler
		ch.mu.Unlock()
		if handler != nil {
			handler(&msg)
		}
	}
}

func (ch *WebSocketChannel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}

func (ch *WebSocketChannel) Close() error {
	ch.cancel()

	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn != nil {
		ch.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ch.writeMu.Unlock()
		conn.Close()
	}
	<-ch.done
	return nil
}

var _ ports.SignalChannel = (*WebSocketChannel)(nil)
