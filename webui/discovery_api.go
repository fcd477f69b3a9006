package webui

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"venus-influx-loader/driver/venus"
	"venus-influx-loader/logic"
)

type discoveryLogRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// discoveryLog übernimmt Log-Zeilen eines externen UPNP-Browsers.
func (s *Server) discoveryLog(c *gin.Context) {
	var req discoveryLogRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		c.String(http.StatusBadRequest, "Invalid log entry")
		return
	}
	if req.Level == "" {
		req.Level = "info"
	}
	s.deps.Logs.Add(logic.LogEntry{Level: req.Level, Label: "upnp", Message: req.Message})
	c.Status(http.StatusOK)
}

func (s *Server) upnpDiscovered(c *gin.Context) {
	var device venus.DiscoveredDevice
	if err := c.ShouldBindJSON(&device); err != nil || device.PortalID == "" {
		c.String(http.StatusBadRequest, "Invalid device")
		return
	}
	if s.deps.Devices == nil {
		c.String(http.StatusServiceUnavailable, "Discovery is not available")
		return
	}
	s.deps.Devices.AddDiscoveredDevice(device)
	c.Status(http.StatusOK)
}
