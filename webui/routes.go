package webui

import (
	"github.com/gin-gonic/gin"
)

const (
	adminAPIPath     = "/admin-api"
	discoveryAPIPath = "/discovery-api"
	grafanaAPIPath   = "/grafana-api"
	streamPath       = "/stream"
)

// setupRoutes registers the enabled APIs.
//
//	/admin-api      configuration, security, log, debug, statistics, VRM account
//	/discovery-api  devices and log lines from an external UPNP browser
//	/grafana-api    JSON datasource with the device table
//	/stream         websocket with loader events
func (s *Server) setupRoutes(r *gin.Engine) {
	if !s.cfg.DisableAdminAPI {
		// Public routes
		r.POST(adminAPIPath+"/login", s.performLogin)
		r.POST(adminAPIPath+"/logout", s.logout)

		// Protected routes
		authorized := r.Group(adminAPIPath)
		authorized.Use(s.authRequired)
		{
			authorized.GET("/config", s.getConfig)
			authorized.PUT("/config", s.putConfig)
			authorized.POST("/security", s.postSecurity)
			authorized.GET("/log", s.getLog)
			authorized.GET("/debug", s.getDebug)
			authorized.PUT("/debug", s.putDebug)
			authorized.GET("/statistics", s.getStatistics)

			// VRM
			authorized.POST("/vrmLogin", s.vrmLogin)
			authorized.POST("/vrmLogout", s.vrmLogout)
			authorized.PUT("/vrmRefresh", s.vrmRefresh)
		}

		r.GET(streamPath, s.authRequired, s.stream)
	}

	if s.cfg.EnableDiscoveryAPI {
		discovery := r.Group(discoveryAPIPath)
		discovery.POST("/log", s.discoveryLog)
		discovery.POST("/upnpDiscovered", s.upnpDiscovered)
	}

	if !s.cfg.DisableGrafanaAPI {
		grafana := r.Group(grafanaAPIPath)
		grafana.GET("/", s.grafanaTest)
		grafana.POST("/search", s.grafanaSearch)
		grafana.POST("/query", s.grafanaQuery)
	}
}
