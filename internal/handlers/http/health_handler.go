package http

import (
	"net/http"

	"meshmeet/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker *monitoring.HealthChecker
	sockets func() int
}

// NewHealthHandler serves liveness and readiness. sockets reports the
// relay's connection count and may be nil.
func NewHealthHandler(checker *monitoring.HealthChecker, sockets func() int) *HealthHandler {
	return &HealthHandler{checker: checker, sockets: sockets}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{"status": monitoring.StatusHealthy}
	if h.sockets != nil {
		body["connections"] = h.sockets()
	}
	c.JSON(http.StatusOK, body)
}

func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
