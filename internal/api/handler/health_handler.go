package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports service readiness
type HealthHandler struct {
	service  string
	database DatabaseChecker
	broker   BrokerStatus
}

func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		service:  deps.ServiceName,
		database: deps.Database,
		broker:   deps.Broker,
	}
}

// Health handles GET /health. The broker session is opened lazily, so a
// closed session is reported but does not make the service unhealthy.
func (h *HealthHandler) Health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":   "healthy",
		"service":  h.service,
		"database": "up",
	}

	if h.database != nil {
		if err := h.database.HealthCheck(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["database"] = "down"
		}
	}

	if h.broker != nil {
		body["broker"] = h.broker.Status().String()
	}

	c.JSON(status, body)
}
