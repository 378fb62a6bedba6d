package http

import (
	"errors"
	"net/http"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthSource reports signaling connection counts for the health
// endpoint.
type HealthSource interface {
	ConnectionCount() int
}

// RoomMetrics is the slice of the monitoring collector the REST layer
// reports into.
type RoomMetrics interface {
	RoomCreated()
}

// RoomHandler serves the request-response room service: room creation and
// lookup by code. Everything real-time goes through the signal layer.
type RoomHandler struct {
	registry ports.RoomRegistry
	health   HealthSource
	metrics  RoomMetrics
	logger   *zap.SugaredLogger
}

func NewRoomHandler(registry ports.RoomRegistry, health HealthSource, metrics RoomMetrics, logger *zap.Logger) *RoomHandler {
	return &RoomHandler{
		registry: registry,
		health:   health,
		metrics:  metrics,
		logger:   logger.Sugar(),
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/rooms/create", h.CreateRoom)
		api.GET("/rooms/code/:roomCode", h.GetRoomByCode)
		api.GET("/health", h.Health)
	}
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Title is required"})
		return
	}

	room, err := h.registry.Create(c.Request.Context(), req.Title, req.Description)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.metrics.RoomCreated()
	h.logger.Infow("room created", "room_code", room.Code, "title", room.Title)

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"room": gin.H{
			"id":          room.ID,
			"roomCode":    room.Code,
			"title":       room.Title,
			"description": room.Description,
		},
	})
}

func (h *RoomHandler) GetRoomByCode(c *gin.Context) {
	code := domain.RoomCode(c.Param("roomCode"))

	room, err := h.registry.Lookup(c.Request.Context(), code)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"room": gin.H{
			"id":           room.ID,
			"roomCode":     room.Code,
			"title":        room.Title,
			"description":  room.Description,
			"isActive":     room.IsActive,
			"participants": room.ParticipantCount(),
		},
	})
}

func (h *RoomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.health.ConnectionCount(),
	})
}
