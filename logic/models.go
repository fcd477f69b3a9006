package logic

import (
	dataforwarding "venus-influx-loader/data-forwarding"
	"venus-influx-loader/driver/venus"
)

// <---------------------------------------->
// Loader configuration (document "config")
// <---------------------------------------->

// ExpiryConfig maps a device identifier to an absolute expiry in epoch milliseconds.
// A missing entry or 0 means the device never expires.
type ExpiryConfig map[string]int64

// SubscriptionsConfig maps a device identifier to its topic selectors.
type SubscriptionsConfig map[string][]string

type AppConfig struct {
	UPNP     UPNPConfig     `json:"upnp"`
	VRM      VRMConfig      `json:"vrm"`
	Manual   ManualConfig   `json:"manual"`
	InfluxDB InfluxDBConfig `json:"influxdb"`
}

type UPNPConfig struct {
	Enabled          bool                `json:"enabled"`
	EnabledPortalIDs []string            `json:"enabledPortalIds"`
	Expiry           ExpiryConfig        `json:"expiry"`
	Subscriptions    SubscriptionsConfig `json:"subscriptions"`
}

// VRMPortalConfig is a portal id entered by hand instead of coming from the VRM inventory.
type VRMPortalConfig struct {
	PortalID string `json:"portalId"`
	Enabled  bool   `json:"enabled"`
}

type VRMConfig struct {
	Enabled          bool                `json:"enabled"`
	EnabledPortalIDs []string            `json:"enabledPortalIds"`
	ManualPortalIDs  []VRMPortalConfig   `json:"manualPortalIds"`
	HasToken         bool                `json:"hasToken"`
	Expiry           ExpiryConfig        `json:"expiry"`
	Subscriptions    SubscriptionsConfig `json:"subscriptions"`
}

type HostConfig struct {
	HostName string `json:"hostName"`
	Enabled  bool   `json:"enabled"`
}

type ManualConfig struct {
	Enabled       bool                `json:"enabled"`
	Hosts         []HostConfig        `json:"hosts"`
	Expiry        ExpiryConfig        `json:"expiry"`
	Subscriptions SubscriptionsConfig `json:"subscriptions"`
}

type InfluxDBConfig struct {
	Protocol  string `json:"protocol"`
	Host      string `json:"host"`
	Port      string `json:"port"`
	Path      string `json:"path"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Database  string `json:"database"`
	Retention string `json:"retention"`
	// Sekunden; nil bedeutet Standardwert
	BatchWriteInterval *int `json:"batchWriteInterval,omitempty"`

	Version int    `json:"version,omitempty"`
	Org     string `json:"org,omitempty"`
	Token   string `json:"token,omitempty"`
}

// <---------------------------------------->
// Secrets (document "secrets")
// <---------------------------------------->

type LoginConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SecretsConfig struct {
	VRMToken    string      `json:"vrmToken,omitempty"`
	VRMTokenID  string      `json:"vrmTokenId,omitempty"`
	VRMUserID   int64       `json:"vrmUserId,omitempty"`
	VRMUsername string      `json:"vrmUsername,omitempty"`
	Login       LoginConfig `json:"login"`
}

// <---------------------------------------->
// Events
// <---------------------------------------->

type EventType string

const (
	EventLoaderStatistics EventType = "LOADER_STATISTICS"
	EventUPNPDiscovery    EventType = "UPNPDISCOVERY"
	EventVRMDiscovery     EventType = "VRMDISCOVERY"
	EventVRMStatus        EventType = "VRMSTATUS"
	EventLoaderSettings   EventType = "LOADER_SETTINGS"
	EventDebug            EventType = "DEBUG"
	EventLog              EventType = "LOG"
)

// EventTypes lists every event type in the order new stream clients receive them.
var EventTypes = []EventType{
	EventLoaderSettings,
	EventLoaderStatistics,
	EventUPNPDiscovery,
	EventVRMDiscovery,
	EventVRMStatus,
	EventDebug,
	EventLog,
}

type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// VRMStatus is the payload of a VRMSTATUS event.
type VRMStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ProcessStatistics describe the loader process itself.
type ProcessStatistics struct {
	RSS        uint64  `json:"rss"`
	CPUPercent float64 `json:"cpuPercent"`
}

// LoaderStatistics is the payload of a LOADER_STATISTICS event.
type LoaderStatistics struct {
	MeasurementRate           float64                           `json:"measurementRate"`
	DistinctMeasurementsCount int                               `json:"distinctMeasurementsCount"`
	DeviceStatistics          map[string]venus.DeviceStatistics `json:"deviceStatistics"`
	Process                   *ProcessStatistics                `json:"process,omitempty"`
}

// <---------------------------------------->
// Models for user_manager.go
// <---------------------------------------->

// Auth kapselt Informationen zur Authentifizierung
type Auth struct {
	Username string
	Password string
	Allow    bool
}

// Filters stellt eine Menge von Filterwerten für Benutzer dar
type Filters map[string]int

// ACL kapselt eine Access Control List
type ACL struct {
	Username string
	Filters  Filters
}

// WriterSettings converts the InfluxDB section into the writer's settings.
func (c InfluxDBConfig) WriterSettings() dataforwarding.Settings {
	interval := defaultBatchWriteInterval
	if c.BatchWriteInterval != nil && *c.BatchWriteInterval >= 0 {
		interval = *c.BatchWriteInterval
	}
	return dataforwarding.Settings{
		Connection: dataforwarding.ConnectionSettings{
			Protocol: c.Protocol,
			Host:     c.Host,
			Port:     c.Port,
			Path:     c.Path,
			Username: c.Username,
			Password: c.Password,
			Database: c.Database,
			Version:  c.Version,
			Org:      c.Org,
			Token:    c.Token,
		},
		Retention:          c.Retention,
		BatchWriteInterval: secondsToDuration(interval),
	}
}
