package webui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"venus-influx-loader/driver/venus"
	"venus-influx-loader/logic"
)

const shutdownTimeout = 5 * time.Second

type WebUIConfig struct {
	Port    int    `json:"port"`
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`

	DisableAdminAPI     bool `json:"disable_admin_api"`
	DisableAdminAPIAuth bool `json:"disable_admin_api_auth"`
	DisableGrafanaAPI   bool `json:"disable_grafana_api"`
	EnableDiscoveryAPI  bool `json:"enable_discovery_api"`
}

// ConfigStore is the part of the configuration store the HTTP API reads and writes.
type ConfigStore interface {
	Config() logic.AppConfig
	SetConfig(cfg logic.AppConfig) error
	Secrets() logic.SecretsConfig
	SetSecrets(secrets logic.SecretsConfig) error
}

// VRMClient performs the VRM account operations.
type VRMClient interface {
	LoginWithCredentials(ctx context.Context, username, password, tokenName string) error
	LoginWithToken(ctx context.Context, token string) error
	Logout(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// DeviceSink receives devices reported by an external discovery process.
type DeviceSink interface {
	AddDiscoveredDevice(device venus.DiscoveredDevice)
}

// BrokerUsers is notified when the admin login changed.
type BrokerUsers interface {
	UpdateUsers(secrets logic.SecretsConfig, previousLogin string) error
}

// Deps are the services behind the HTTP API. VRM, Devices and Broker may be nil.
type Deps struct {
	Store   ConfigStore
	Hub     *logic.Hub
	Logs    *logic.LogStore
	VRM     VRMClient
	Devices DeviceSink
	Broker  BrokerUsers
}

// Server is the loader's HTTP surface.
type Server struct {
	cfg    WebUIConfig
	deps   Deps
	engine *gin.Engine
	log    *logrus.Entry
}

// NewServer builds the gin engine with all enabled APIs.
func NewServer(cfg WebUIConfig, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Hub == nil || deps.Logs == nil {
		return nil, errors.New("webui: store, hub and log store are required")
	}

	secret, err := generateRandomToken()
	if err != nil {
		return nil, fmt.Errorf("session secret: %w", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, MaxAge: int((12 * time.Hour).Seconds())})
	r.Use(sessions.Sessions("mysession", store))

	s := &Server{cfg: cfg, deps: deps, engine: r, log: logrus.WithField("label", "webui")}
	// Define routes
	s.setupRoutes(r)
	return s, nil
}

// Handler returns the engine, e.g. for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves HTTP (or HTTPS when a certificate is configured) until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			s.log.Infof("Starting HTTPS server on port %d", s.cfg.Port)
			err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			s.log.Infof("Starting HTTP server on port %d", s.cfg.Port)
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
