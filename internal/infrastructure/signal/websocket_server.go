package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ringline/internal/core/domain"
	"ringline/internal/core/services"
	"ringline/pkg/tracing"
)

const sendBufferSize = 64

// Error codes carried in error frames.
const (
	CodeInvalid      = "invalid"
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeOffline      = "receiver_offline"
)

// ErrorFrame is what the relay writes back when it refuses a message.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Bridge carries relayed signals between relay instances. When set, every
// accepted message goes through it and comes back via Deliver.
type Bridge interface {
	Send(ctx context.Context, receiverID domain.UserID, msg *domain.SignalMessage) error
}

// Presence tracks which users have a device connected to any relay instance.
type Presence interface {
	Register(ctx context.Context, userID domain.UserID, deviceID domain.DeviceID) error
	Unregister(ctx context.Context, userID domain.UserID, deviceID domain.DeviceID) error
	Online(ctx context.Context, userID domain.UserID) (bool, error)
}

type RelayMetrics interface {
	RelayConnectionOpened()
	RelayConnectionClosed()
	SignalRelayed(signalType domain.SignalType)
	SignalRefused(code string)
}

type ServerConfig struct {
	AllowedOrigins    []string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
}

// WebSocketServer relays signal messages between the devices of signed-in
// users. A message addressed to a user goes to every device that user has
// connected, except the one that sent it.
type WebSocketServer struct {
	auth     services.AuthService
	config   ServerConfig
	upgrader websocket.Upgrader

	bridge   Bridge
	presence Presence
	metrics  RelayMetrics

	connections map[domain.UserID]map[*client]struct{}
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

func NewWebSocketServer(auth services.AuthService, config ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 64 * 1024
	}

	s := &WebSocketServer{
		auth:        auth,
		config:      config,
		connections: make(map[domain.UserID]map[*client]struct{}),
		metrics:     noopRelayMetrics{},
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *WebSocketServer) SetBridge(bridge Bridge)         { s.bridge = bridge }
func (s *WebSocketServer) SetPresence(presence Presence)   { s.presence = presence }
func (s *WebSocketServer) SetMetrics(metrics RelayMetrics) { s.metrics = metrics }

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.ValidateToken(tokenFromRequest(r))
	if err != nil {
		s.logger.Warnw("websocket authentication failed", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		server:  s,
		conn:    conn,
		claims:  claims,
		send:    make(chan []byte, sendBufferSize),
		limiter: s.newLimiter(),
	}

	reconnect := s.register(c)
	s.metrics.RelayConnectionOpened()
	s.logger.Infow("device connected",
		"user_id", claims.UserID,
		"device_id", claims.DeviceID,
		"reconnect", reconnect,
	)
	if s.presence != nil {
		if err := s.presence.Register(r.Context(), claims.UserID, claims.DeviceID); err != nil {
			s.logger.Warnw("presence register failed", "user_id", claims.UserID, "error", err)
		}
	}

	go c.writePump()
	c.readPump()

	s.unregister(c)
	s.metrics.RelayConnectionClosed()
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
		if err := s.presence.Unregister(ctx, claims.UserID, claims.DeviceID); err != nil {
			s.logger.Warnw("presence unregister failed", "user_id", claims.UserID, "error", err)
		}
		cancel()
	}
	s.logger.Infow("device disconnected", "user_id", claims.UserID, "device_id", claims.DeviceID)
}

func (s *WebSocketServer) newLimiter() *rate.Limiter {
	if s.config.MessagesPerSecond <= 0 {
		return nil
	}
	burst := s.config.Burst
	if burst <= 0 {
		burst = int(s.config.MessagesPerSecond)
	}
	return rate.NewLimiter(rate.Limit(s.config.MessagesPerSecond), burst)
}

// register adds c and replaces an older connection of the same device.
func (s *WebSocketServer) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, ok := s.connections[c.claims.UserID]
	if !ok {
		devices = make(map[*client]struct{})
		s.connections[c.claims.UserID] = devices
	}
	reconnect := false
	if c.claims.DeviceID != "" {
		for existing := range devices {
			if existing.claims.DeviceID == c.claims.DeviceID {
				delete(devices, existing)
				existing.close()
				reconnect = true
			}
		}
	}
	devices[c] = struct{}{}
	return reconnect
}

func (s *WebSocketServer) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if devices, ok := s.connections[c.claims.UserID]; ok {
		delete(devices, c)
		if len(devices) == 0 {
			delete(s.connections, c.claims.UserID)
		}
	}
	c.close()
}

// handleMessage checks one inbound message and routes it. The returned frame
// is sent back to the sender when the message is refused.
func (s *WebSocketServer) handleMessage(ctx context.Context, from *client, data []byte) *ErrorFrame {
	if from.limiter != nil && !from.limiter.Allow() {
		return refuse(CodeRateLimited, "too many messages")
	}

	var msg domain.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return refuse(CodeInvalid, "malformed message")
	}
	// The device id is what other devices use to ignore their own echo.
	if from.claims.DeviceID != "" {
		msg.DeviceID = from.claims.DeviceID
	}
	if err := msg.Validate(); err != nil {
		return refuse(CodeInvalid, err.Error())
	}
	if err := s.auth.CheckSignalPermission(from.claims, &msg); err != nil {
		return refuse(CodeUnauthorized, err.Error())
	}

	ctx, span := tracing.TraceSignal(ctx, "relay", string(msg.Type), string(msg.SenderID))
	defer span.End()

	if s.bridge != nil {
		if online, err := s.IsUserOnline(ctx, msg.ReceiverID); err == nil && !online && msg.ReceiverID != msg.SenderID {
			return refuse(CodeOffline, "receiver "+string(msg.ReceiverID)+" is not connected")
		}
		if err := s.bridge.Send(ctx, msg.ReceiverID, &msg); err != nil {
			tracing.RecordError(ctx, err)
			s.logger.Warnw("bridge publish failed", "signal_type", msg.Type, "receiver_id", msg.ReceiverID, "error", err)
			return refuse(CodeOffline, "relay unavailable")
		}
		s.metrics.SignalRelayed(msg.Type)
		return nil
	}

	if delivered := s.deliver(&msg, from); delivered == 0 && msg.ReceiverID != msg.SenderID {
		return refuse(CodeOffline, "receiver "+string(msg.ReceiverID)+" is not connected")
	}
	s.metrics.SignalRelayed(msg.Type)
	return nil
}

// Deliver hands a message that came through the bridge to local devices.
func (s *WebSocketServer) Deliver(msg *domain.SignalMessage) {
	s.deliver(msg, nil)
}

// deliver fans msg out to the receiver's devices, skipping the device it came
// from. Slow devices whose buffer is full are disconnected.
func (s *WebSocketServer) deliver(msg *domain.SignalMessage, from *client) int {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to encode signal", "error", err)
		return 0
	}

	s.mu.RLock()
	targets := make([]*client, 0, len(s.connections[msg.ReceiverID]))
	for c := range s.connections[msg.ReceiverID] {
		if c == from || (msg.DeviceID != "" && c.claims.DeviceID == msg.DeviceID) {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(data) {
			delivered++
			continue
		}
		s.logger.Warnw("device too slow, disconnecting", "user_id", c.claims.UserID, "device_id", c.claims.DeviceID)
		c.close()
	}

	s.logger.Debugw("signal relayed",
		"signal_type", msg.Type,
		"sender_id", msg.SenderID,
		"receiver_id", msg.ReceiverID,
		"devices", delivered,
	)
	return delivered
}

func refuse(code, message string) *ErrorFrame {
	return &ErrorFrame{Type: "error", Code: code, Message: message}
}

// ConnectedDevices reports how many devices of userID are connected here.
func (s *WebSocketServer) ConnectedDevices(userID domain.UserID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections[userID])
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, devices := range s.connections {
		total += len(devices)
	}
	return total
}

// IsUserOnline checks local connections first and then presence.
func (s *WebSocketServer) IsUserOnline(ctx context.Context, userID domain.UserID) (bool, error) {
	if s.ConnectedDevices(userID) > 0 {
		return true, nil
	}
	if s.presence == nil {
		return false, nil
	}
	return s.presence.Online(ctx, userID)
}

// CloseAll disconnects every device, used on shutdown.
func (s *WebSocketServer) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, devices := range s.connections {
		for c := range devices {
			c.close()
		}
	}
}

type client struct {
	server  *WebSocketServer
	conn    *websocket.Conn
	claims  *services.Claims
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// enqueue never blocks; a full buffer means the device is not keeping up.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

func (c *client) readPump() {
	s := c.server
	defer c.conn.Close()

	c.conn.SetReadLimit(s.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from device", "user_id", c.claims.UserID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))

		if frame := s.handleMessage(context.Background(), c, data); frame != nil {
			s.metrics.SignalRefused(frame.Code)
			s.logger.Infow("signal refused", "user_id", c.claims.UserID, "code", frame.Code, "reason", frame.Message)
			if encoded, err := json.Marshal(frame); err == nil {
				c.enqueue(encoded)
			}
		}
	}
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
	s := c.server
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to device", "user_id", c.claims.UserID, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Infow("error sending ping", "user_id", c.claims.UserID, "error", err)
				}
				return
			}
		}
	}
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) RelayConnectionOpened()              {}
func (noopRelayMetrics) RelayConnectionClosed()              {}
func (noopRelayMetrics) SignalRelayed(domain.SignalType)     {}
func (noopRelayMetrics) SignalRefused(string)                {}
