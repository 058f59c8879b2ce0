package http

import (
	"net/http"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/services"
	"meshmeet/pkg/errors"
	"meshmeet/pkg/validation"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	rooms services.RoomService
}

func NewRoomHandler(rooms services.RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

type CreateRoomResponse struct {
	RoomID domain.RoomID `json:"roomId"`
	Secret string        `json:"secret"`
}

type RoomResponse struct {
	RoomID    domain.RoomID `json:"roomId"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms/:id", h.GetRoom)
	}
}

// CreateRoom returns the new room id together with the host's pass.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	room, secret, err := h.rooms.CreateRoom(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, CreateRoomResponse{RoomID: room.ID, Secret: secret})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()).WithContext("room_id", id))
		return
	}

	room, err := h.rooms.GetRoom(c.Request.Context(), domain.RoomID(id))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, RoomResponse{RoomID: room.ID, CreatedAt: room.CreatedAt})
}
