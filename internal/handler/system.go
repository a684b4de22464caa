package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/navtalk/ClinicApp/pkg/response"
)

// HealthCheck reports session state and host resource usage
func (h *Handlers) HealthCheck(c *gin.Context) {
	data := gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"session":   h.session.Snapshot().State,
	}
	if h.monitor != nil {
		stats := h.monitor.GetLatestStats()
		if stats == nil {
			stats = h.monitor.Collect()
		}
		data["system"] = stats
	}
	response.Success(c, "ok", data)
}

func (h *Handlers) ListDevices(c *gin.Context) {
	list, err := h.listDevices()
	if err != nil {
		response.FailWithStatus(c, http.StatusServiceUnavailable, "Failed to enumerate audio devices", err)
		return
	}
	response.Success(c, "ok", list)
}
