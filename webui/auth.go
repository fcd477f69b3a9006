package webui

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// performLogin checks the credentials against the stored login and opens a cookie session.
//
// Example:
//
//	curl -X POST -d '{"username":"admin","password":"admin"}' http://localhost:8088/admin-api/login
func (s *Server) performLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !s.checkCredentials(req.Username, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Benutzername oder Passwort falsch"})
		return
	}

	session := sessions.Default(c)
	session.Set("user", req.Username)
	session.Set("loginTime", time.Now().Unix())
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": req.Username})
}

// logout deletes the user from the session.
func (s *Server) logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Delete("user")
	session.Save()
	c.Status(http.StatusOK)
}

// authRequired lässt Anfragen mit gültiger Session oder Basic Auth durch.
func (s *Server) authRequired(c *gin.Context) {
	if s.cfg.DisableAdminAPIAuth {
		c.Next()
		return
	}

	session := sessions.Default(c)
	if user, ok := session.Get("user").(string); ok && user == s.deps.Store.Secrets().Login.Username {
		c.Next()
		return
	}

	if username, password, ok := c.Request.BasicAuth(); ok && s.checkCredentials(username, password) {
		c.Next()
		return
	}

	// Browser sollen den Dialog nicht für Websockets zeigen
	if !isWebSocketRequest(c.Request) {
		c.Header("WWW-Authenticate", `Basic realm="venus-influx-loader"`)
	}
	c.AbortWithStatus(http.StatusUnauthorized)
}

func (s *Server) checkCredentials(username, password string) bool {
	login := s.deps.Store.Secrets().Login
	if login.Username == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(login.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(login.Password)) == 1
	return userOK && passOK
}
