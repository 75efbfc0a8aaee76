// Package httpapi exposes a local control and status API over a chat client.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tullo/chatlink/internal/middleware"
	"github.com/tullo/chatlink/internal/models"
)

// Chat is the part of chat.Client the API drives.
type Chat interface {
	State() models.ConnectionState
	Rooms() []string
	SendMessage(ctx context.Context, roomID, content, contentType string) error
	UnreadCount(roomID string) int
	TotalUnread() int
	SetActiveRoom(roomID string)
	ActiveRoom() string
	Upload(uploadID string) (models.ChunkedUpload, bool)
}

type Handler struct {
	chat   Chat
	logger *zap.Logger
}

func NewHandler(chat Chat, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{chat: chat, logger: logger.Named("httpapi")}
}

// SendMessageRequest is the body of POST /rooms/:id/messages.
type SendMessageRequest struct {
	Content     string `json:"content" binding:"required"`
	ContentType string `json:"contentType"`
}

// NewRouter registers every route. A nil limiter disables rate limiting.
func NewRouter(h *Handler, limiter middleware.Limiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", h.Health)
	router.GET("/state", h.GetState)

	rooms := router.Group("/rooms/:id")
	{
		rooms.GET("/unread", h.GetUnread)
		if limiter != nil {
			rooms.POST("/messages", middleware.RateLimitMiddleware(limiter, roomKey), h.SendMessage)
		} else {
			rooms.POST("/messages", h.SendMessage)
		}
		rooms.PUT("/viewed", h.SetViewed)
	}
	router.DELETE("/viewed", h.ClearViewed)
	router.GET("/uploads/:id", h.GetUpload)

	return router
}

func roomKey(c *gin.Context) string {
	return "room:" + c.Param("id")
}

// Health reports liveness of the process, not of the broker session
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetState returns the connection state, joined rooms and unread total
func (h *Handler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":        h.chat.State().String(),
		"rooms":        h.chat.Rooms(),
		"active_room":  h.chat.ActiveRoom(),
		"total_unread": h.chat.TotalUnread(),
	})
}

// GetUnread returns the unread counter of one room
func (h *Handler) GetUnread(c *gin.Context) {
	roomID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"room_id":      roomID,
		"unread_count": h.chat.UnreadCount(roomID),
	})
}

// SendMessage sends or queues a chat message
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	roomID := c.Param("id")
	err := h.chat.SendMessage(c.Request.Context(), roomID, req.Content, req.ContentType)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
	case errors.Is(err, models.ErrQueued):
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	case errors.Is(err, models.ErrValidation):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	default:
		h.logger.Warn("send failed", zap.String("room", roomID), zap.Error(err))
		ErrorResponse(c, http.StatusBadGateway, "Failed to send message")
	}
}

// SetViewed marks the room as on screen
func (h *Handler) SetViewed(c *gin.Context) {
	h.chat.SetActiveRoom(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// ClearViewed clears the on-screen marker
func (h *Handler) ClearViewed(c *gin.Context) {
	h.chat.SetActiveRoom("")
	c.Status(http.StatusNoContent)
}

// GetUpload returns the state of an upload
func (h *Handler) GetUpload(c *gin.Context) {
	u, ok := h.chat.Upload(c.Param("id"))
	if !ok {
		ErrorResponse(c, http.StatusNotFound, "Upload not found")
		return
	}
	c.JSON(http.StatusOK, u)
}
