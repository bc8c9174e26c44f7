// Package handlers provides HTTP API request handlers.
package handlers

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/office-agent-chat/backend/internal/broker"
)

// WebSocketHandler attaches the broker's WebSocket endpoint to the
// router. Only requests on the broker's path are upgraded; every
// other route on the shared server is untouched.
type WebSocketHandler struct {
	service *broker.Service
	path    string
}

// NewWebSocketHandler creates a new WebSocketHandler serving at path.
func NewWebSocketHandler(service *broker.Service, path string) *WebSocketHandler {
	return &WebSocketHandler{service: service, path: path}
}

// Attach upgrades the request and hands the connection to the broker.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if err := h.service.HandleConnection(c.Writer, c.Request); err != nil {
		// Upgrade failure already wrote the HTTP response.
		log.Printf("WebSocket upgrade failed: %v", err)
	}
}

// RegisterRoutes registers the WebSocket route on the router.
func (h *WebSocketHandler) RegisterRoutes(r *gin.Engine) {
	r.GET(h.path, h.Attach)
}
