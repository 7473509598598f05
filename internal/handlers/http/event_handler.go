package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

// EventSource is where call events come from; listeners cannot be removed,
// so the handler registers once and fans out itself.
type EventSource interface {
	OnEvent(fn func(domain.CallEvent))
	Snapshot() (domain.CallSnapshot, error)
}

// EventHandler streams call events to UI clients over websockets. Each client
// first receives the current snapshot, then every event as it happens.
type EventHandler struct {
	source   EventSource
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	subscribers map[chan domain.CallEvent]struct{}
}

func NewEventHandler(source EventSource, allowedOrigins []string, logger *zap.SugaredLogger) *EventHandler {
	h := &EventHandler{
		source:      source,
		logger:      logger,
		subscribers: make(map[chan domain.CallEvent]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	source.OnEvent(h.broadcast)
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

func (h *EventHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/api/v1/calls/events", h.HandleWebSocket)
}

func (h *EventHandler) broadcast(ev domain.CallEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			// slow client; the write loop sees the closed channel and hangs up
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

func (h *EventHandler) subscribe() chan domain.CallEvent {
	ch := make(chan domain.CallEvent, eventBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHandler) unsubscribe(ch chan domain.CallEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

func (h *EventHandler) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *EventHandler) HandleWebSocket(c *gin.Context) {
	snapshot, err := h.source.Snapshot()
	if err != nil {
		c.Error(callError(err))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("event stream upgrade failed", "error", err)
		return
	}
	events := h.subscribe()
	defer h.unsubscribe(events)
	defer conn.Close()

	// reader only drains control frames and notices the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := h.write(conn, gin.H{"type": "snapshot", "snapshot": snapshot}); err != nil {
		return
	}

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			if err := h.write(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *EventHandler) write(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		h.logger.Debugw("event stream write failed", "error", err)
		return err
	}
	return nil
}

func (h *EventHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"subscribers": h.SubscriberCount(),
	})
}

var _ ports.EventStreamHandler = (*EventHandler)(nil)
