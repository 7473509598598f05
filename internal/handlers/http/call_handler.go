package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
	"ringline/pkg/errors"
	"ringline/pkg/validation"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// CallController is the call service surface the HTTP API drives.
type CallController interface {
	StartCall(ctx context.Context, remoteUserID domain.UserID, callType domain.CallType) (*domain.CallInfo, error)
	AcceptCall(ctx context.Context) (*domain.CallInfo, error)
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleMic(ctx context.Context) (bool, error)
	ToggleCamera(ctx context.Context) (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	Snapshot() (domain.CallSnapshot, error)
	UserID() domain.UserID
}

// ContactRegistry is the writable side of the peer directory.
type ContactRegistry interface {
	Register(ctx context.Context, peer domain.Peer) error
}

type CallHandler struct {
	calls    CallController
	history  ports.CallHistoryReader
	contacts ContactRegistry
}

func NewCallHandler(calls CallController, history ports.CallHistoryReader, contacts ContactRegistry) *CallHandler {
	return &CallHandler{
		calls:    calls,
		history:  history,
		contacts: contacts,
	}
}

func (h *CallHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/calls", h.StartCall)
		api.POST("/calls/accept", h.AcceptCall)
		api.POST("/calls/reject", h.RejectCall)
		api.POST("/calls/end", h.EndCall)
		api.POST("/calls/mic", h.ToggleMic)
		api.POST("/calls/camera", h.ToggleCamera)
		api.POST("/calls/screen", h.ToggleScreenShare)
		api.GET("/calls/state", h.GetState)
		api.GET("/calls/records/:id", h.GetRecord)
		api.GET("/chats/:peer/calls", h.GetHistory)
		api.PUT("/contacts/:id", h.PutContact)
	}
}

type StartCallRequest struct {
	ReceiverID string `json:"receiverId" binding:"required"`
	CallType   string `json:"callType" binding:"required"`
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	receiver := strings.TrimSpace(req.ReceiverID)
	if err := validation.ValidateUserID(receiver); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	callType := domain.CallType(req.CallType)
	if !callType.Valid() {
		c.Error(errors.NewInvalidInputError("callType must be audio or video"))
		return
	}

	info, err := h.calls.StartCall(c.Request.Context(), domain.UserID(receiver), callType)
	if err != nil {
		c.Error(callError(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": info})
}

func (h *CallHandler) AcceptCall(c *gin.Context) {
	info, err := h.calls.AcceptCall(c.Request.Context())
	if err != nil {
		c.Error(callError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": info})
}

func (h *CallHandler) RejectCall(c *gin.Context) {
	if err := h.calls.RejectCall(c.Request.Context()); err != nil {
		c.Error(callError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) EndCall(c *gin.Context) {
	if err := h.calls.EndCall(c.Request.Context()); err != nil {
		c.Error(callError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) ToggleMic(c *gin.Context) {
	h.toggle(c, "micEnabled", h.calls.ToggleMic)
}

func (h *CallHandler) ToggleCamera(c *gin.Context) {
	h.toggle(c, "cameraEnabled", h.calls.ToggleCamera)
}

func (h *CallHandler) ToggleScreenShare(c *gin.Context) {
	h.toggle(c, "screenSharing", h.calls.ToggleScreenShare)
}

func (h *CallHandler) toggle(c *gin.Context, field string, fn func(context.Context) (bool, error)) {
	enabled, err := fn(c.Request.Context())
	if err != nil {
		c.Error(callError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{field: enabled})
}

func (h *CallHandler) GetState(c *gin.Context) {
	snapshot, err := h.calls.Snapshot()
	if err != nil {
		c.Error(callError(err))
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetHistory lists the calls between the local user and :peer, newest first.
func (h *CallHandler) GetHistory(c *gin.Context) {
	peer := c.Param("peer")
	if err := validation.ValidateUserID(peer); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			c.Error(errors.NewInvalidInputError("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	chatID := domain.ChatID(h.calls.UserID(), domain.UserID(peer))
	entries, err := h.history.ListCallHistory(c.Request.Context(), chatID, limit)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to list call history", http.StatusInternalServerError))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chatId": chatID,
		"calls":  entries,
	})
}

func (h *CallHandler) GetRecord(c *gin.Context) {
	record, err := h.history.GetCallRecord(c.Request.Context(), c.Param("id"))
	if stderrors.Is(err, domain.ErrCallNotFound) {
		c.Error(errors.NewNotFoundError("call record"))
		return
	}
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to load call record", http.StatusInternalServerError))
		return
	}
	c.JSON(http.StatusOK, record)
}

type ContactRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
}

// PutContact registers how a user is shown in incoming call notifications.
func (h *CallHandler) PutContact(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateUserID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("displayName required"))
		return
	}
	if err := validation.ValidateStringLength(req.DisplayName, 1, 100, "displayName"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	peer := domain.Peer{ID: domain.UserID(id), DisplayName: strings.TrimSpace(req.DisplayName)}
	if err := h.contacts.Register(c.Request.Context(), peer); err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to save contact", http.StatusInternalServerError))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": peer.ID, "displayName": peer.DisplayName})
}

// callError maps call service errors onto API errors.
func callError(err error) *errors.AppError {
	switch {
	case stderrors.Is(err, domain.ErrCallInProgress), stderrors.Is(err, domain.ErrAcceptInProgress):
		return errors.NewCallStateError(errors.ErrCodeCallInProgress, err)
	case stderrors.Is(err, domain.ErrNoIncomingCall):
		return errors.NewCallStateError(errors.ErrCodeNoIncomingCall, err)
	case stderrors.Is(err, domain.ErrNoActiveCall), stderrors.Is(err, domain.ErrCallSuperseded):
		return errors.NewCallStateError(errors.ErrCodeNoActiveCall, err)
	case stderrors.Is(err, domain.ErrNotVideoCall), stderrors.Is(err, domain.ErrScreenShareBusy):
		return errors.NewCallStateError(errors.ErrCodeNotVideoCall, err)
	case stderrors.Is(err, domain.ErrMediaUnavailable):
		return errors.WrapError(err, errors.ErrCodeMediaUnavailable, err.Error(), http.StatusUnprocessableEntity)
	case stderrors.Is(err, domain.ErrSelfCall), stderrors.Is(err, domain.ErrInvalidArgument):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrServiceClosed):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, err.Error(), http.StatusServiceUnavailable)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "request cancelled", http.StatusServiceUnavailable)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "call operation failed", http.StatusInternalServerError)
}

var _ ports.CallHTTPHandler = (*CallHandler)(nil)
