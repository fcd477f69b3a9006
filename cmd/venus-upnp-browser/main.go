package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"venus-influx-loader/discovery"
	"venus-influx-loader/driver/venus"
)

// forwardHook schickt die Log-Zeilen des Browsers an die discovery-api des Loaders.
type forwardHook struct {
	ctx    context.Context
	client *discovery.APIClient
}

func (h *forwardHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (h *forwardHook) Fire(entry *logrus.Entry) error {
	if label, _ := entry.Data["label"].(string); label != "upnp" {
		return nil
	}
	level, message := entry.Level.String(), entry.Message
	if level == "warning" {
		level = "warn"
	}
	go h.client.PostLog(h.ctx, level, message)
	return nil
}

func main() {
	endpoint := flag.String("discovery-api", envOr("VIL_DISCOVERY_API", "http://localhost:8088/discovery-api/"), "discovery-api base URL of the loader")
	flag.Parse()

	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("label", "browser")

	client, err := discovery.NewAPIClient(*endpoint)
	if err != nil {
		log.Fatalf("Invalid discovery api: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.AddHook(&forwardHook{ctx: ctx, client: client})

	browser := discovery.NewUPNPBrowser(func(device venus.DiscoveredDevice) {
		go func() {
			if err := client.PostDevice(ctx, device); err != nil {
				log.Errorf("Reporting %s failed: %v", device.PortalID, err)
			}
		}()
	})
	if err := browser.Start(ctx); err != nil {
		log.Fatalf("Error starting UPNP discovery: %v", err)
	}
	log.Infof("Reporting devices to %s", *endpoint)

	<-ctx.Done()
	browser.Stop()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
