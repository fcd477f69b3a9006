package mqtt_broker

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite" // Import für SQLite
	MQTT "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"

	"venus-influx-loader/logic"
)

const (
	eventBuffer = 64

	loaderPasswordFile = "broker-loader.pw"
)

type ListenerConfig struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Type    string `json:"type"`
	TLS     bool   `json:"tls"`
}

type Config struct {
	Listeners []ListenerConfig `json:"listeners"`
	// ohne Authentifizierung sind alle Clients erlaubt
	DisableAuth bool   `json:"disableAuth"`
	ConfigPath  string `json:"configPath"`
}

// Broker is the embedded MQTT broker loader events are published on.
type Broker struct {
	db  *sql.DB
	cfg Config
	log *logrus.Entry

	mu     sync.Mutex
	server *MQTT.Server
	hub    *logic.Hub
}

// StartBroker initialisiert den Broker synchron und startet den blockierenden Serve-Loop asynchron.
func StartBroker(db *sql.DB, secrets logic.SecretsConfig, cfg Config) (*Broker, error) {
	b := &Broker{db: db, cfg: cfg, log: logrus.WithField("label", "broker")}
	// Verwaltung des Admin-Zugangs und des Loader-Benutzers.
	if err := b.syncUsers(secrets, ""); err != nil {
		return nil, err
	}
	server, err := b.startBrokerInstance()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.server = server
	b.mu.Unlock()
	return b, nil
}

func (b *Broker) syncUsers(secrets logic.SecretsConfig, previousLogin string) error {
	loaderPassword, err := logic.SyncBrokerUsers(b.db, secrets, previousLogin)
	if err != nil {
		return err
	}
	if b.cfg.ConfigPath == "" {
		return nil
	}
	// Passwort für Werkzeuge auf demselben Host ablegen
	path := filepath.Join(b.cfg.ConfigPath, loaderPasswordFile)
	if err := os.WriteFile(path, []byte(loaderPassword+"\n"), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// UpdateUsers schreibt die Benutzer nach einer Änderung des Logins neu und startet den
// Broker mit dem neuen Ledger.
func (b *Broker) UpdateUsers(secrets logic.SecretsConfig, previousLogin string) error {
	if err := b.syncUsers(secrets, previousLogin); err != nil {
		return err
	}
	if b.cfg.DisableAuth {
		return nil
	}
	return b.RestartBroker()
}

// startBrokerInstance erstellt und konfiguriert den MQTT Broker und startet Serve.
func (b *Broker) startBrokerInstance() (*MQTT.Server, error) {
	// Erzeugen des neuen MQTT-Servers.
	s := MQTT.New(&MQTT.Options{
		InlineClient: true,
	})

	if b.cfg.DisableAuth {
		if err := s.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("add allow hook: %w", err)
		}
	} else {
		// Authentifizierungsdaten aus der Datenbank laden.
		authData, err := logic.BrokerAuthData(b.db)
		if err != nil {
			return nil, fmt.Errorf("load auth data: %w", err)
		}
		// Hinzufügen des Authentifizierungs-Hooks mit den geladenen Daten.
		if err := s.AddHook(new(auth.Hook), &auth.Options{Data: authData}); err != nil {
			return nil, fmt.Errorf("add auth hook: %w", err)
		}
	}

	// TLS nur, wenn ein Listener es verlangt
	var tlsConfig *tls.Config
	for _, l := range b.cfg.Listeners {
		if l.TLS {
			cert, err := logic.GenerateSelfSignedCert(b.cfg.ConfigPath)
			if err != nil {
				return nil, fmt.Errorf("self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			break
		}
	}

	// Listener anhand der Konfiguration hinzufügen.
	if err := createListeners(s, b.cfg.Listeners, tlsConfig); err != nil {
		return nil, err
	}

	// Starten des blockierenden Serve-Loops in einer eigenen Goroutine.
	go func() {
		if err := s.Serve(); err != nil {
			b.log.Errorf("MQTT-Broker: Serve error: %v", err)
		}
	}()
	b.log.Infof("MQTT-Broker started with %d listeners", len(b.cfg.Listeners))
	return s, nil
}

func createListeners(server *MQTT.Server, configs []ListenerConfig, tlsConfig *tls.Config) error {
	for _, listener := range configs {
		var l listeners.Listener

		switch listener.Type {
		case "tcp":
			l = listeners.NewTCP(listeners.Config{
				ID:        listener.ID,
				Address:   listener.Address,
				TLSConfig: getTLSConfig(listener.TLS, tlsConfig),
			})
		case "websocket":
			l = listeners.NewWebsocket(listeners.Config{
				ID:        listener.ID,
				Address:   listener.Address,
				TLSConfig: getTLSConfig(listener.TLS, tlsConfig),
			})
		case "http":
			l = listeners.NewHTTPStats(
				listeners.Config{
					ID:        listener.ID,
					Address:   listener.Address,
					TLSConfig: getTLSConfig(listener.TLS, tlsConfig),
				}, server.Info,
			)
		default:
			logrus.WithField("label", "broker").Warn("Unknown listener type: ", listener.Type)
			continue
		}

		if err := server.AddListener(l); err != nil {
			return fmt.Errorf("add listener %s: %w", listener.ID, err)
		}
	}
	return nil
}

func getTLSConfig(tlsRequired bool, tlsConfig *tls.Config) *tls.Config {
	if tlsRequired {
		return tlsConfig
	}
	return nil
}

// EventTopic is the retained topic the last event of a type is published on.
func EventTopic(eventType logic.EventType) string {
	return logic.EventTopicPrefix + "/" + string(eventType)
}

// ForwardEvents publishes every hub event as JSON until ctx ends. Events other than LOG
// are retained so that new clients see the current state at once.
func (b *Broker) ForwardEvents(ctx context.Context, hub *logic.Hub) {
	events, cancel := hub.Subscribe(eventBuffer)
	defer cancel()

	b.mu.Lock()
	b.hub = hub
	b.mu.Unlock()

	// aktuellen Zustand zuerst veröffentlichen
	for _, event := range hub.Snapshot() {
		b.publish(event)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			b.publish(event)
		}
	}
}

func (b *Broker) publish(event logic.Event) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		b.log.Errorf("Failed to encode %s event: %v", event.Type, err)
		return
	}

	b.mu.Lock()
	server := b.server
	b.mu.Unlock()
	if server == nil {
		return
	}
	retain := event.Type != logic.EventLog
	if err := server.Publish(EventTopic(event.Type), payload, retain, 0); err != nil {
		b.log.Debugf("Failed to publish %s event: %v", event.Type, err)
	}
}

// StopBroker stoppt den MQTT Broker
func (b *Broker) StopBroker() {
	b.mu.Lock()
	server := b.server
	b.server = nil
	b.mu.Unlock()

	if server != nil {
		server.Close()
		b.log.Info("MQTT Broker stopped successfully.")
	} else {
		b.log.Info("MQTT Broker is not running.")
	}
}

// RestartBroker startet den MQTT-Broker neu, z.B. nachdem sich die Benutzer geändert haben.
func (b *Broker) RestartBroker() error {
	b.StopBroker()
	time.Sleep(500 * time.Millisecond) // Listener freigeben lassen
	server, err := b.startBrokerInstance()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.server = server
	hub := b.hub
	b.mu.Unlock()

	// retained Events gingen mit dem alten Server verloren
	if hub != nil {
		for _, event := range hub.Snapshot() {
			b.publish(event)
		}
	}
	b.log.Info("MQTT Broker restarted successfully.")
	return nil
}
