package webui

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"venus-influx-loader/logic"
)

type securityRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type debugRequest struct {
	Debug *bool `json:"debug"`
}

func (s *Server) getConfig(c *gin.Context) {
	cfg := s.deps.Store.Config()
	cfg.VRM.HasToken = s.deps.Store.Secrets().VRMToken != ""
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) putConfig(c *gin.Context) {
	var cfg logic.AppConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.String(http.StatusBadRequest, "Invalid configuration: %v", err)
		return
	}
	if err := s.deps.Store.SetConfig(cfg); err != nil {
		s.log.Errorf("Error saving configuration: %v", err)
		c.String(http.StatusInternalServerError, "Error saving configuration: %v", err)
		return
	}
	c.String(http.StatusOK, "Configuration Saved")
}

// postSecurity ändert den Admin-Login und gleicht die Broker-Benutzer ab.
func (s *Server) postSecurity(c *gin.Context) {
	var req securityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.String(http.StatusBadRequest, "Please enter a Username and Password")
		return
	}

	secrets := s.deps.Store.Secrets()
	previous := secrets.Login.Username
	secrets.Login = logic.LoginConfig{Username: req.Username, Password: req.Password}
	if err := s.deps.Store.SetSecrets(secrets); err != nil {
		s.log.Errorf("Error saving security settings: %v", err)
		c.String(http.StatusInternalServerError, "Error saving security settings: %v", err)
		return
	}

	if s.deps.Broker != nil {
		if err := s.deps.Broker.UpdateUsers(secrets, previous); err != nil {
			s.log.Errorf("Error updating broker users: %v", err)
		}
	}

	s.log.Infof("Admin login changed to %s", req.Username)
	c.String(http.StatusOK, "Security Settings Saved")
}

func (s *Server) getLog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.deps.Logs.Entries()})
}

func (s *Server) getDebug(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"debug": logic.IsDebug()})
}

func (s *Server) putDebug(c *gin.Context) {
	var req debugRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Debug == nil {
		c.String(http.StatusBadRequest, "Missing debug flag")
		return
	}
	logic.SetDebug(*req.Debug, s.deps.Hub)
	c.JSON(http.StatusOK, gin.H{"debug": *req.Debug})
}

// getStatistics liefert die zuletzt gesammelten Statistiken.
func (s *Server) getStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.lastStatistics())
}

func (s *Server) lastStatistics() logic.LoaderStatistics {
	event, ok := s.deps.Hub.Last(logic.EventLoaderStatistics)
	if !ok {
		return logic.LoaderStatistics{}
	}
	stats, _ := event.Data.(logic.LoaderStatistics)
	return stats
}
