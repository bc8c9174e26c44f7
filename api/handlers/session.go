package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/office-agent-chat/backend/internal/broker"
	"github.com/office-agent-chat/backend/internal/model"
	"github.com/office-agent-chat/backend/internal/repository"
)

// ErrorResponse is the envelope for API errors.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionHandler serves the session audit trail.
type SessionHandler struct {
	repo *repository.SessionRepository
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(repo *repository.SessionRepository) *SessionHandler {
	return &SessionHandler{repo: repo}
}

// List handles GET /api/sessions - lists session records, newest first.
func (h *SessionHandler) List(c *gin.Context) {
	records, err := h.repo.List()
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}
	if records == nil {
		records = []*model.SessionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

// Get handles GET /api/sessions/:id - fetches one session record.
func (h *SessionHandler) Get(c *gin.Context) {
	rec, err := h.repo.GetByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+c.Param("id")+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
	}
}

// HealthHandler serves the broker's passive health signal.
type HealthHandler struct {
	service *broker.Service
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(service *broker.Service) *HealthHandler {
	return &HealthHandler{service: service}
}

// Health handles GET /health. The signal is derived purely from
// connection and session counters; it never probes the backend, so it
// is safe to poll frequently.
func (h *HealthHandler) Health(c *gin.Context) {
	status := "idle"
	if h.service.Healthy() {
		status = "ok"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"connections": h.service.ActiveConnections(),
	})
}

// sendError sends a standardized error response.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
