package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports each dependency separately. Only an unreachable database makes
// the service unhealthy; a degraded queue or an offline renderer still accept uploads.
func (api *API) Health(c *gin.Context) {
	ctx := c.Request.Context()
	status := "ok"
	code := http.StatusOK
	response := gin.H{}

	if api.health.Database != nil {
		if err := api.health.Database.Ping(ctx); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			response["database"] = gin.H{"status": "error", "error": err.Error()}
		} else {
			response["database"] = gin.H{"status": "ok"}
		}
	}

	if api.health.Queue != nil {
		queueStatus := api.health.Queue.Health(ctx)
		if (queueStatus.Degraded || !queueStatus.Connected) && status == "ok" {
			status = "degraded"
		}
		response["queue"] = queueStatus
	}

	if api.health.Renderer != nil {
		if err := api.health.Renderer.Health(ctx); err != nil {
			if status == "ok" {
				status = "degraded"
			}
			response["renderer"] = gin.H{"status": "unavailable", "error": err.Error()}
		} else {
			response["renderer"] = gin.H{"status": "ok"}
		}
	}

	response["status"] = status
	c.JSON(code, response)
}
