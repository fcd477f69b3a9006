package dataforwarding

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// WriterConfig enthält die Tuning-Parameter des Writers
type WriterConfig struct {
	// Puffer wird spätestens bei dieser Größe geschrieben
	MaxBatchSize int

	// Wartezeit zwischen Verbindungsversuchen
	ReconnectDelay time.Duration

	// Timeout pro Anfrage an InfluxDB
	RequestTimeout time.Duration
}

// LoadConfig lädt die Konfiguration aus Umgebungsvariablen
func LoadConfig() *WriterConfig {
	config := &WriterConfig{
		// Standardwerte
		MaxBatchSize:   5000,
		ReconnectDelay: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}

	if val := os.Getenv("INFLUXDB_MAX_BATCH_SIZE"); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			config.MaxBatchSize = intVal
		}
	}

	if val := os.Getenv("INFLUXDB_RECONNECT_DELAY_SEC"); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			config.ReconnectDelay = time.Duration(intVal) * time.Second
		}
	}

	if val := os.Getenv("INFLUXDB_REQUEST_TIMEOUT_SEC"); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			config.RequestTimeout = time.Duration(intVal) * time.Second
		}
	}

	return config
}

// ValidateConfig prüft die Konfiguration auf Gültigkeit
func (c *WriterConfig) ValidateConfig() error {
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MaxBatchSize muss größer als 0 sein")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("ReconnectDelay muss größer als 0 sein")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("RequestTimeout muss größer als 0 sein")
	}
	return nil
}
