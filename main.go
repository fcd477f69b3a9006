package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	dataforwarding "venus-influx-loader/data-forwarding"
	"venus-influx-loader/discovery"
	"venus-influx-loader/driver/venus"
	"venus-influx-loader/logic"
	"venus-influx-loader/mqtt_broker"
	"venus-influx-loader/webui"
)

// wird per -ldflags gesetzt
var version = "dev"

const configPollInterval = 5 * time.Second

type options struct {
	configPath          string
	port                int
	disableAdminAPI     bool
	disableAdminAPIAuth bool
	disableGrafanaAPI   bool
	enableDiscoveryAPI  bool
	brokerTCP           string
	brokerWS            string
	brokerTLS           bool
	showVersion         bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config-path", envOr("VIL_CONFIG_PATH", "/config"), "directory for the settings database and certificates")
	flag.IntVar(&o.port, "port", 8088, "HTTP port of the admin and grafana APIs")
	flag.BoolVar(&o.disableAdminAPI, "disable-admin-api", false, "disable the admin API and the event stream")
	flag.BoolVar(&o.disableAdminAPIAuth, "disable-admin-api-auth", false, "serve the admin API without authentication")
	flag.BoolVar(&o.disableGrafanaAPI, "disable-grafana-api", false, "disable the grafana JSON datasource")
	flag.BoolVar(&o.enableDiscoveryAPI, "enable-discovery-api", false, "accept devices from an external UPNP browser instead of browsing locally")
	flag.StringVar(&o.brokerTCP, "broker-tcp", "", "address of the event broker TCP listener, e.g. :1883")
	flag.StringVar(&o.brokerWS, "broker-ws", "", "address of the event broker websocket listener")
	flag.BoolVar(&o.brokerTLS, "broker-tls", false, "use TLS on the event broker listeners")
	flag.BoolVar(&o.showVersion, "version", false, "print the version and exit")
	flag.Parse()
	return o
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	opts := parseFlags()
	if opts.showVersion {
		fmt.Println(version)
		return
	}

	hub := logic.NewHub()
	logStore := logic.NewLogStore(0, hub)
	logic.InitLogging(logStore)
	log := logrus.WithField("label", "loader")
	if os.Getenv("VIL_DEBUG") == "true" {
		logic.SetDebug(true, hub)
	}

	if err := os.MkdirAll(opts.configPath, 0o755); err != nil {
		log.Fatalf("MAIN: Error creating config path: %v", err)
	}

	// Initialisiere die SQLite-Datenbank im Konfigurationsverzeichnis
	db, err := logic.InitDB(filepath.Join(opts.configPath, "loader.db"))
	if err != nil {
		log.Fatalf("MAIN: Error initializing database: %v", err)
	}
	defer db.Close()

	store, err := logic.NewStore(db)
	if err != nil {
		log.Fatalf("MAIN: Error loading settings: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// InfluxDB
	writerCfg := dataforwarding.LoadConfig()
	if err := writerCfg.ValidateConfig(); err != nil {
		log.Fatalf("MAIN: Invalid writer configuration: %v", err)
	}
	writer := dataforwarding.NewInfluxDBWriter(writerCfg, nil, nil)
	writer.Start(ctx, store.Config().InfluxDB.WriterSettings())
	defer writer.Close()

	// VRM und Loader verweisen aufeinander
	var loader *logic.Loader
	vrm := discovery.NewVRM(store, hub, func(devices []venus.DiscoveredDevice) {
		loader.SetVRMDevices(devices)
	})
	loader = logic.NewLoader(store, hub, venus.NewStatistics(), logic.NewVenusSessionFactory(store, venus.Options{
		Writer:       writer,
		Resolver:     vrm,
		BuildVersion: version,
		Dial:         venus.PahoDialer(logrus.WithField("label", "mqtt")),
	}))

	go logic.WatchConfig(ctx, store, configPollInterval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loader.Run(ctx)
	}()

	// Start MQTT-Broker, nur wenn ein Listener konfiguriert ist
	var broker *mqtt_broker.Broker
	if bc := brokerConfig(opts); len(bc.Listeners) > 0 {
		broker, err = mqtt_broker.StartBroker(db, store.Secrets(), bc)
		if err != nil {
			log.Fatalf("MAIN: Error starting broker: %v", err)
		}
		defer broker.StopBroker()
		go broker.ForwardEvents(ctx, hub)
		log.Info("MAIN: Broker started.")
	}

	var upnp *discovery.UPNPBrowser
	if !opts.enableDiscoveryAPI {
		upnp = discovery.NewUPNPBrowser(loader.AddDiscoveredDevice)
	}

	settings := &settingsHandler{
		store:  store,
		hub:    hub,
		writer: writer,
		loader: loader,
		vrm:    vrm,
		upnp:   upnp,
		log:    log,
	}
	settings.apply(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		settings.run(ctx)
	}()

	deps := webui.Deps{
		Store:   store,
		Hub:     hub,
		Logs:    logStore,
		VRM:     vrm,
		Devices: loader,
	}
	if broker != nil {
		deps.Broker = broker
	}
	gin.SetMode(gin.ReleaseMode)
	server, err := webui.NewServer(webui.WebUIConfig{
		Port:                opts.port,
		TLSCert:             os.Getenv("WEBUI_TLS_CERT"),
		TLSKey:              os.Getenv("WEBUI_TLS_KEY"),
		DisableAdminAPI:     opts.disableAdminAPI,
		DisableAdminAPIAuth: opts.disableAdminAPIAuth,
		DisableGrafanaAPI:   opts.disableGrafanaAPI,
		EnableDiscoveryAPI:  opts.enableDiscoveryAPI,
	}, deps)
	if err != nil {
		log.Fatalf("MAIN: Error creating web server: %v", err)
	}

	log.Infof("MAIN: venus-influx-loader %s started.", version)
	if err := server.Run(ctx); err != nil {
		log.Errorf("MAIN: Web server stopped: %v", err)
		stop()
	}

	wg.Wait()
	if upnp != nil {
		upnp.Stop()
	}
	log.Info("MAIN: Stopped.")
}

func brokerConfig(opts options) mqtt_broker.Config {
	cfg := mqtt_broker.Config{ConfigPath: opts.configPath}
	if opts.brokerTCP != "" {
		cfg.Listeners = append(cfg.Listeners, mqtt_broker.ListenerConfig{ID: "tcp", Address: opts.brokerTCP, Type: "tcp", TLS: opts.brokerTLS})
	}
	if opts.brokerWS != "" {
		cfg.Listeners = append(cfg.Listeners, mqtt_broker.ListenerConfig{ID: "ws", Address: opts.brokerWS, Type: "websocket", TLS: opts.brokerTLS})
	}
	return cfg
}

// settingsHandler verteilt Konfigurationsänderungen an Writer, UPNP und VRM.
type settingsHandler struct {
	store  *logic.Store
	hub    *logic.Hub
	writer *dataforwarding.InfluxDBWriter
	loader *logic.Loader
	vrm    *discovery.VRM
	upnp   *discovery.UPNPBrowser
	log    *logrus.Entry
}

func (h *settingsHandler) run(ctx context.Context) {
	changes, cancel := h.store.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			h.writer.ApplySettings(h.store.Config().InfluxDB.WriterSettings())
			h.apply(ctx)
		}
	}
}

func (h *settingsHandler) apply(ctx context.Context) {
	cfg := h.store.Config()
	cfg.VRM.HasToken = h.store.Secrets().VRMToken != ""
	h.hub.Publish(logic.EventLoaderSettings, cfg)

	if h.upnp != nil {
		switch {
		case cfg.UPNP.Enabled && !h.upnp.IsRunning():
			if err := h.upnp.Start(ctx); err != nil {
				h.log.Errorf("Error starting UPNP discovery: %v", err)
			}
		case !cfg.UPNP.Enabled && h.upnp.IsRunning():
			h.upnp.Stop()
			h.loader.ResetDiscoveredDevices()
		}
	}

	if err := h.vrm.Refresh(ctx); err != nil {
		h.log.Warnf("VRM refresh failed: %v", err)
	}
}
