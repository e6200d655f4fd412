package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/collab-docs/coderoom/internal/auth"
	"github.com/collab-docs/coderoom/internal/logger"
	"github.com/collab-docs/coderoom/internal/metrics"
	"github.com/collab-docs/coderoom/internal/models"
	"github.com/collab-docs/coderoom/internal/rooms"
)

// Handler holds the dependencies for API handlers
type Handler struct {
	coordinator *rooms.Coordinator
	tokens      *auth.Tokens
}

// NewHandler creates a new API handler
func NewHandler(coordinator *rooms.Coordinator, tokens *auth.Tokens) *Handler {
	return &Handler{coordinator: coordinator, tokens: tokens}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// Health check
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	roomsGroup := r.Group("/api/rooms")
	{
		roomsGroup.POST("/events", h.HandleRoomEvent)
		roomsGroup.GET("/collaborators", h.GetCollaborators)
		roomsGroup.GET("/state", h.GetRoomState)
		roomsGroup.POST("/token", h.IssueToken)
	}
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleRoomEvent applies one room event and reports the broadcast outcome
func (h *Handler) HandleRoomEvent(c *gin.Context) {
	var req models.RoomEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	res, err := h.coordinator.Handle(c.Request.Context(), req.ToEvent())
	var delivery *rooms.DeliveryError
	if errors.As(err, &delivery) {
		// committed, but not every subscriber was told
		c.JSON(http.StatusAccepted, gin.H{"success": true, "degraded": true, "seq": res.Seq, "error": err.Error()})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "seq": res.Seq})
}

// GetCollaborators returns the roster of a room, empty for an unknown room
func (h *Handler) GetCollaborators(c *gin.Context) {
	roomID := strings.TrimSpace(c.Query("roomId"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": rooms.ErrRoomIDRequired.Error()})
		return
	}

	collaborators, err := h.coordinator.Collaborators(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.CollaboratorsResponse{Collaborators: models.Roster(collaborators)})
}

// GetRoomState returns the current document of a room
func (h *Handler) GetRoomState(c *gin.Context) {
	roomID := strings.TrimSpace(c.Query("roomId"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": rooms.ErrRoomIDRequired.Error()})
		return
	}

	doc, err := h.coordinator.Document(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if doc == nil {
		c.JSON(http.StatusOK, models.RoomStateResponse{Exists: false})
		return
	}
	c.JSON(http.StatusOK, models.RoomStateResponse{
		Exists:   true,
		Content:  doc.Content,
		Language: doc.Language,
	})
}

// IssueToken issues a subscription token for a room's channel
func (h *Handler) IssueToken(c *gin.Context) {
	var req models.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": rooms.ErrRoomIDRequired.Error()})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": rooms.ErrUserIDRequired.Error()})
		return
	}

	channel := models.RoomChannel(roomID)
	token, expiresAt, err := h.tokens.GenerateToken(channel, userID)
	if err != nil {
		logger.Error("Failed to sign token for %s: %v", channel, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.TokenResponse{
		Token:     token,
		Channel:   channel,
		ExpiresAt: expiresAt,
	})
}

// writeError maps coordinator errors to responses
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rooms.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error("Request %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error: " + err.Error()})
	}
}
