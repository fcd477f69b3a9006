package webui

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type vrmLoginRequest struct {
	Method    string `json:"method"`
	Token     string `json:"token"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	TokenName string `json:"tokenName"`
}

var errVRMUnavailable = errors.New("VRM is not available")

// vrmLogin meldet sich per Token oder Benutzerdaten an und lädt danach die Installationen.
func (s *Server) vrmLogin(c *gin.Context) {
	if s.deps.VRM == nil {
		c.String(http.StatusUnauthorized, errVRMUnavailable.Error())
		return
	}

	var req vrmLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "Invalid request")
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Method {
	case "token":
		err = s.deps.VRM.LoginWithToken(ctx, req.Token)
	case "credentials":
		err = s.deps.VRM.LoginWithCredentials(ctx, req.Username, req.Password, req.TokenName)
	default:
		c.String(http.StatusBadRequest, "Unknown login method %q", req.Method)
		return
	}
	if err == nil {
		err = s.deps.VRM.Refresh(ctx)
	}
	if err != nil {
		c.String(http.StatusUnauthorized, err.Error())
		return
	}
	c.String(http.StatusOK, "Logged in")
}

func (s *Server) vrmLogout(c *gin.Context) {
	if s.deps.VRM == nil {
		c.String(http.StatusUnauthorized, errVRMUnavailable.Error())
		return
	}
	if err := s.deps.VRM.Logout(c.Request.Context()); err != nil {
		c.String(http.StatusUnauthorized, err.Error())
		return
	}
	c.String(http.StatusOK, "Logged out")
}

func (s *Server) vrmRefresh(c *gin.Context) {
	if s.deps.VRM == nil {
		c.String(http.StatusUnauthorized, errVRMUnavailable.Error())
		return
	}
	if err := s.deps.VRM.Refresh(c.Request.Context()); err != nil {
		c.String(http.StatusUnauthorized, err.Error())
		return
	}
	c.String(http.StatusOK, "Refreshed")
}
