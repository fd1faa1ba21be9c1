package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ringlink/ringlink-server/internal/service/calls"
	"github.com/ringlink/ringlink-server/internal/store"
)

// CallsHandlers provides HTTP handlers for the call session endpoints.
type CallsHandlers struct {
	service *calls.Service
	log     *zerolog.Logger
}

// NewCallsHandlers creates a new calls handlers instance.
func NewCallsHandlers(svc *calls.Service, logger *zerolog.Logger) *CallsHandlers {
	return &CallsHandlers{
		service: svc,
		log:     logger,
	}
}

// RequestCallRequest represents the request body for starting a call.
type RequestCallRequest struct {
	ConversationID int64  `json:"conversation_id" binding:"required"`
	Type           string `json:"type" binding:"required"`
}

// SignalRequest represents the request body for relaying a signal.
type SignalRequest struct {
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// SessionResponse represents a call session in API responses.
type SessionResponse struct {
	ID             string  `json:"id"`
	ConversationID int64   `json:"conversation_id"`
	CallerID       int64   `json:"caller_id"`
	CalleeID       int64   `json:"callee_id"`
	Type           string  `json:"type"`
	Status         string  `json:"status"`
	RequestedAt    string  `json:"requested_at"`
	ExpiresAt      string  `json:"expires_at"`
	StartedAt      *string `json:"started_at,omitempty"`
	EndedAt        *string `json:"ended_at,omitempty"`
}

// sessionToResponse converts a store.CallSession to SessionResponse.
func sessionToResponse(s *store.CallSession) SessionResponse {
	resp := SessionResponse{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		CallerID:       s.CallerID,
		CalleeID:       s.CalleeID,
		Type:           string(s.Type),
		Status:         string(s.Status),
		RequestedAt:    s.RequestedAt.Format(time.RFC3339),
		ExpiresAt:      s.ExpiresAt.Format(time.RFC3339),
	}
	if s.StartedAt != nil {
		startedAt := s.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &startedAt
	}
	if s.EndedAt != nil {
		endedAt := s.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &endedAt
	}
	return resp
}

// writeServiceError maps service errors to HTTP statuses.
func (h *CallsHandlers) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrInvalidCallType):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid call type"})
	case errors.Is(err, calls.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "call session not found"})
	case errors.Is(err, calls.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
	case errors.Is(err, calls.ErrNotParticipant):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not a participant of this conversation"})
	case errors.Is(err, calls.ErrNotConnected):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "users are not connected"})
	case errors.Is(err, calls.ErrNotCallee):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "only the callee may answer"})
	case errors.Is(err, calls.ErrActiveSessionExists):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "an active call already exists for this conversation"})
	case errors.Is(err, calls.ErrSessionTerminal):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "call session already ended"})
	default:
		h.log.Error().Err(err).Msg("call operation failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

// RequestCall handles starting a new call in a conversation.
// POST /api/calls
func (h *CallsHandlers) RequestCall(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req RequestCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid request call body")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	session, err := h.service.Request(c.Request.Context(), uid, req.ConversationID, store.CallType(req.Type))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.log.Info().Str("call_id", session.ID).Int64("caller_id", uid).Msg("call requested")
	c.JSON(http.StatusCreated, sessionToResponse(session))
}

// GetCall handles retrieving a call session by ID.
// GET /api/calls/:id
func (h *CallsHandlers) GetCall(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	session, err := h.service.Get(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionToResponse(session))
}

// History handles listing the current user's past and present calls.
// GET /api/calls/history
func (h *CallsHandlers) History(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = parsed
	}

	sessions, err := h.service.History(c.Request.Context(), uid, limit)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	response := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		response = append(response, sessionToResponse(s))
	}
	c.JSON(http.StatusOK, response)
}

// AcceptCall handles the callee answering a requested call.
// POST /api/calls/:id/accept
func (h *CallsHandlers) AcceptCall(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	session, err := h.service.Accept(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.log.Info().Str("call_id", session.ID).Int64("user_id", uid).Msg("call accepted")
	c.JSON(http.StatusOK, sessionToResponse(session))
}

// DeclineCall handles the callee declining a requested call.
// POST /api/calls/:id/decline
func (h *CallsHandlers) DeclineCall(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	session, err := h.service.Decline(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.log.Info().Str("call_id", session.ID).Int64("user_id", uid).Msg("call declined")
	c.JSON(http.StatusOK, sessionToResponse(session))
}

// EndCall handles either participant hanging up.
// POST /api/calls/:id/end
func (h *CallsHandlers) EndCall(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	session, err := h.service.End(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.log.Info().Str("call_id", session.ID).Int64("user_id", uid).Msg("call ended")
	c.JSON(http.StatusOK, sessionToResponse(session))
}

// Signal relays an opaque negotiation payload to the other participant.
// POST /api/calls/:id/signal
func (h *CallsHandlers) Signal(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid signal body")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.service.RelaySignal(c.Request.Context(), uid, c.Param("id"), req.Payload); err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "signal relayed"})
}
