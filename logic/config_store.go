package logic

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"venus-influx-loader/driver/venus"
)

const (
	configDocument  = "config"
	secretsDocument = "secrets"

	defaultInfluxDBURL        = "http://influxdb:8086"
	defaultInfluxDBDatabase   = "venus"
	defaultInfluxDBRetention  = "30d"
	defaultBatchWriteInterval = 10

	defaultAdminUsername = "admin"
	defaultAdminPassword = "admin"
)

// Store holds the loader configuration and secrets and persists them as JSON documents in
// the settings table. Every change bumps a revision so that other processes sharing the
// database can notice it (see WatchConfig).
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	mu       sync.RWMutex
	config   AppConfig
	secrets  SecretsConfig
	revision int64

	subMu       sync.Mutex
	subscribers map[int]chan struct{}
	nextSubID   int
}

// NewStore loads both documents, filling in defaults for anything missing.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:          db,
		log:         logrus.WithField("label", "config"),
		subscribers: make(map[int]chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultConfig returns the configuration used when nothing is stored yet. The InfluxDB
// section is taken from the environment.
func DefaultConfig() AppConfig {
	influx := InfluxDBConfig{
		Username:  os.Getenv("VIL_INFLUXDB_USERNAME"),
		Password:  os.Getenv("VIL_INFLUXDB_PASSWORD"),
		Database:  defaultInfluxDBDatabase,
		Retention: defaultInfluxDBRetention,
		Org:       os.Getenv("VIL_INFLUXDB_ORG"),
		Token:     os.Getenv("VIL_INFLUXDB_TOKEN"),
	}

	rawURL := defaultInfluxDBURL
	if val := os.Getenv("VIL_INFLUXDB_URL"); val != "" {
		rawURL = val
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		logrus.Warnf("Invalid VIL_INFLUXDB_URL %q, using %s", rawURL, defaultInfluxDBURL)
		u, _ = url.Parse(defaultInfluxDBURL)
	}
	influx.Protocol = u.Scheme
	influx.Host = u.Hostname()
	influx.Port = u.Port()
	influx.Path = u.Path

	if val := os.Getenv("VIL_INFLUXDB_VERSION"); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			influx.Version = intVal
		}
	}

	cfg := AppConfig{InfluxDB: influx}
	normalizeConfig(&cfg)
	return cfg
}

// DefaultSecrets returns the secrets used when nothing is stored yet.
func DefaultSecrets() SecretsConfig {
	return SecretsConfig{
		Login: LoginConfig{Username: defaultAdminUsername, Password: defaultAdminPassword},
	}
}

func (s *Store) load() error {
	cfg := DefaultConfig()
	cfgRev, found, err := s.readDocument(configDocument, &cfg)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !found {
		s.log.Info("No stored config, using defaults")
	}
	normalizeConfig(&cfg)

	secrets := DefaultSecrets()
	secRev, found, err := s.readDocument(secretsDocument, &secrets)
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}
	if !found {
		s.log.Info("No stored secrets, using defaults")
	}

	s.mu.Lock()
	s.config = cfg
	s.secrets = secrets
	s.revision = maxInt64(cfgRev, secRev)
	s.mu.Unlock()
	return nil
}

// readDocument decodes a stored document on top of the defaults already in v, so that
// fields missing from the stored JSON keep their default.
func (s *Store) readDocument(name string, v interface{}) (int64, bool, error) {
	var document string
	var revision int64
	err := s.db.QueryRow(selectSettingQuery, name).Scan(&document, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := json.Unmarshal([]byte(document), v); err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", name, err)
	}
	return revision, true, nil
}

// writeDocumentLocked persists a document with the next revision. Caller holds s.mu.
func (s *Store) writeDocumentLocked(name string, v interface{}) error {
	document, err := json.Marshal(v)
	if err != nil {
		return err
	}
	revision := s.revision + 1
	if _, err := s.db.Exec(upsertSettingQuery, name, string(document), revision); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	s.revision = revision
	return nil
}

// Config returns a deep copy of the current configuration.
func (s *Store) Config() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfig(s.config)
}

// Secrets returns a copy of the current secrets.
func (s *Store) Secrets() SecretsConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secrets
}

// Revision returns the revision of the last loaded or saved document.
func (s *Store) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// SetConfig replaces and persists the configuration and notifies subscribers.
func (s *Store) SetConfig(cfg AppConfig) error {
	return s.UpdateConfig(func(c *AppConfig) { *c = cloneConfig(cfg) })
}

// UpdateConfig applies fn to the configuration, persists the result and notifies
// subscribers. fn must not call back into the store.
func (s *Store) UpdateConfig(fn func(*AppConfig)) error {
	s.mu.Lock()
	cfg := cloneConfig(s.config)
	fn(&cfg)
	normalizeConfig(&cfg)
	if err := s.writeDocumentLocked(configDocument, cfg); err != nil {
		s.mu.Unlock()
		return err
	}
	s.config = cfg
	s.mu.Unlock()

	s.log.Info("Config saved")
	s.notify()
	return nil
}

// SetSecrets replaces and persists the secrets. Subscribers are not notified; callers that
// change VRM credentials update the configuration afterwards.
func (s *Store) SetSecrets(secrets SecretsConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeDocumentLocked(secretsDocument, secrets); err != nil {
		return err
	}
	s.secrets = secrets
	s.log.Info("Secrets saved")
	return nil
}

// DisableDevices removes expired devices from the enabled sets of their families, drops
// their expiry entries and persists the configuration.
func (s *Store) DisableDevices(expired map[venus.Family][]string) error {
	if len(expired) == 0 {
		return nil
	}
	return s.UpdateConfig(func(cfg *AppConfig) {
		for _, id := range expired[venus.FamilyUPNP] {
			cfg.UPNP.EnabledPortalIDs = removeString(cfg.UPNP.EnabledPortalIDs, id)
			delete(cfg.UPNP.Expiry, id)
		}
		for _, id := range expired[venus.FamilyManual] {
			for i := range cfg.Manual.Hosts {
				if cfg.Manual.Hosts[i].HostName == id {
					cfg.Manual.Hosts[i].Enabled = false
				}
			}
			delete(cfg.Manual.Expiry, id)
		}
		for _, id := range expired[venus.FamilyVRM] {
			cfg.VRM.EnabledPortalIDs = removeString(cfg.VRM.EnabledPortalIDs, id)
			for i := range cfg.VRM.ManualPortalIDs {
				if cfg.VRM.ManualPortalIDs[i].PortalID == id {
					cfg.VRM.ManualPortalIDs[i].Enabled = false
				}
			}
			delete(cfg.VRM.Expiry, id)
		}
	})
}

// Reload re-reads both documents when another process changed the database. It reports
// whether anything was reloaded.
func (s *Store) Reload() (bool, error) {
	var revision int64
	if err := s.db.QueryRow(selectRevisionQuery).Scan(&revision); err != nil {
		return false, err
	}
	if revision <= s.Revision() {
		return false, nil
	}
	if err := s.load(); err != nil {
		return false, err
	}
	s.log.Info("Config reloaded")
	s.notify()
	return true, nil
}

// Subscribe returns a channel that receives a value after every configuration change.
// Notifications coalesce; a slow reader only ever sees one pending signal.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// normalizeConfig makes sure every map and list is non-nil.
func normalizeConfig(cfg *AppConfig) {
	if cfg.UPNP.EnabledPortalIDs == nil {
		cfg.UPNP.EnabledPortalIDs = []string{}
	}
	if cfg.UPNP.Expiry == nil {
		cfg.UPNP.Expiry = ExpiryConfig{}
	}
	if cfg.UPNP.Subscriptions == nil {
		cfg.UPNP.Subscriptions = SubscriptionsConfig{}
	}
	if cfg.VRM.EnabledPortalIDs == nil {
		cfg.VRM.EnabledPortalIDs = []string{}
	}
	if cfg.VRM.ManualPortalIDs == nil {
		cfg.VRM.ManualPortalIDs = []VRMPortalConfig{}
	}
	if cfg.VRM.Expiry == nil {
		cfg.VRM.Expiry = ExpiryConfig{}
	}
	if cfg.VRM.Subscriptions == nil {
		cfg.VRM.Subscriptions = SubscriptionsConfig{}
	}
	if cfg.Manual.Hosts == nil {
		cfg.Manual.Hosts = []HostConfig{}
	}
	if cfg.Manual.Expiry == nil {
		cfg.Manual.Expiry = ExpiryConfig{}
	}
	if cfg.Manual.Subscriptions == nil {
		cfg.Manual.Subscriptions = SubscriptionsConfig{}
	}
}

func cloneConfig(cfg AppConfig) AppConfig {
	out := cfg
	out.UPNP.EnabledPortalIDs = append([]string{}, cfg.UPNP.EnabledPortalIDs...)
	out.UPNP.Expiry = cloneExpiry(cfg.UPNP.Expiry)
	out.UPNP.Subscriptions = cloneSubscriptions(cfg.UPNP.Subscriptions)
	out.VRM.EnabledPortalIDs = append([]string{}, cfg.VRM.EnabledPortalIDs...)
	out.VRM.ManualPortalIDs = append([]VRMPortalConfig{}, cfg.VRM.ManualPortalIDs...)
	out.VRM.Expiry = cloneExpiry(cfg.VRM.Expiry)
	out.VRM.Subscriptions = cloneSubscriptions(cfg.VRM.Subscriptions)
	out.Manual.Hosts = append([]HostConfig{}, cfg.Manual.Hosts...)
	out.Manual.Expiry = cloneExpiry(cfg.Manual.Expiry)
	out.Manual.Subscriptions = cloneSubscriptions(cfg.Manual.Subscriptions)
	if cfg.InfluxDB.BatchWriteInterval != nil {
		v := *cfg.InfluxDB.BatchWriteInterval
		out.InfluxDB.BatchWriteInterval = &v
	}
	return out
}

func cloneExpiry(in ExpiryConfig) ExpiryConfig {
	out := make(ExpiryConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSubscriptions(in SubscriptionsConfig) SubscriptionsConfig {
	out := make(SubscriptionsConfig, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
