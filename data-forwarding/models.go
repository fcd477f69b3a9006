package dataforwarding

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Point is one buffered measurement.
type Point struct {
	Timestamp   time.Time
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
}

// RetentionPolicy describes how long a database keeps its points.
type RetentionPolicy struct {
	Name        string
	Duration    string
	Replication int
	IsDefault   bool
}

// ConnectionSettings holds everything that forces a reconnect when it changes.
type ConnectionSettings struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Path     string `json:"path"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`

	// InfluxDB 2.x only
	Version int    `json:"version"`
	Org     string `json:"org"`
	Token   string `json:"token"`
}

// URL returns the server address of the settings.
func (c ConnectionSettings) URL() string {
	protocol := c.Protocol
	if protocol == "" {
		protocol = "http"
	}
	address := c.Host
	if c.Port != "" {
		address += ":" + c.Port
	}
	path := strings.TrimSuffix(c.Path, "/")
	return fmt.Sprintf("%s://%s%s", protocol, address, path)
}

// Settings is the writer's view of the InfluxDB section of the loader configuration.
type Settings struct {
	Connection         ConnectionSettings
	Retention          string
	BatchWriteInterval time.Duration
}

// Backend is the time-series primitive the writer needs.
type Backend interface {
	Ping(ctx context.Context) error
	ListDatabases(ctx context.Context) ([]string, error)
	CreateDatabase(ctx context.Context, name string) error
	CreateRetentionPolicy(ctx context.Context, database string, rp RetentionPolicy) error
	AlterRetentionPolicy(ctx context.Context, database string, rp RetentionPolicy) error
	WritePoints(ctx context.Context, database string, points []Point) error
	Close()
}

// BackendFactory creates a backend for the given connection settings. requestTimeout
// bounds every HTTP request of the client.
type BackendFactory func(settings ConnectionSettings, requestTimeout time.Duration) (Backend, error)

// NewBackend picks the InfluxDB client by server version.
func NewBackend(settings ConnectionSettings, requestTimeout time.Duration) (Backend, error) {
	switch settings.Version {
	case 0, 1:
		b, err := newInfluxV1Backend(settings, requestTimeout)
		if err != nil {
			return nil, err
		}
		return b, nil
	case 2:
		b, err := newInfluxV2Backend(settings, requestTimeout)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported InfluxDB version %d", settings.Version)
	}
}
