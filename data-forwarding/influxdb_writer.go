package dataforwarding

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	retentionPolicyName = "venus_default"
	defaultCredential   = "root"
)

type flushTimer interface {
	Stop() bool
}

// InfluxDBWriter collects measurements and writes them to InfluxDB in batches.
// Store never blocks on the network when the batch interval has not elapsed and
// never returns an error; points arriving while disconnected are dropped.
type InfluxDBWriter struct {
	cfg     *WriterConfig
	factory BackendFactory
	log     *logrus.Entry

	now       func() time.Time
	afterFunc func(time.Duration, func()) flushTimer

	mu               sync.Mutex
	ctx              context.Context
	settings         Settings
	backend          Backend
	connected        bool
	generation       uint64
	appliedRetention string

	buffer []Point
	// Zeitpunkt des letzten Schreibversuchs (oder des Verbindungsaufbaus)
	lastFlush time.Time
	timer     flushTimer
}

// NewInfluxDBWriter creates a disconnected writer. Call Start to connect.
func NewInfluxDBWriter(cfg *WriterConfig, factory BackendFactory, log *logrus.Entry) *InfluxDBWriter {
	if cfg == nil {
		cfg = LoadConfig()
	}
	if factory == nil {
		factory = NewBackend
	}
	if log == nil {
		log = logrus.WithField("label", "influxdb")
	}
	w := &InfluxDBWriter{
		cfg:     cfg,
		factory: factory,
		log:     log,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) flushTimer {
			return time.AfterFunc(d, f)
		},
		buffer: make([]Point, 0, cfg.MaxBatchSize),
	}
	return w
}

// Start connects in the background and keeps retrying until ctx ends.
func (w *InfluxDBWriter) Start(ctx context.Context, settings Settings) {
	w.mu.Lock()
	w.ctx = ctx
	w.settings = settings
	w.mu.Unlock()
	w.restart()
}

// ApplySettings reconnects when a connection parameter changed. Otherwise only the
// batch interval and the retention policy are updated.
func (w *InfluxDBWriter) ApplySettings(settings Settings) {
	w.mu.Lock()
	old := w.settings
	w.settings = settings
	started := w.ctx != nil
	connected := w.connected
	backend := w.backend
	applied := w.appliedRetention
	gen := w.generation
	w.mu.Unlock()

	w.log.Debug("settingsChanged")
	if !started || !connected {
		// der laufende Verbindungsversuch liest die neuen Einstellungen selbst
		return
	}
	if old.Connection != settings.Connection {
		w.restart()
		return
	}
	if settings.Retention != "" && settings.Retention != applied {
		ctx, cancel := w.requestContext()
		defer cancel()
		w.setRetentionPolicy(ctx, backend, settings, gen)
	}
}

// IsConnected reports whether points are currently accepted.
func (w *InfluxDBWriter) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Store validates a measurement value and buffers it as a point. A number becomes the
// field "value", a non-empty string the field "stringValue"; anything else is dropped.
// The batch is written by the first Store that comes more than one interval after the
// last flush. A flush timer started with the first buffered point writes a partial batch
// when no further point arrives.
func (w *InfluxDBWriter) Store(portalID, name, instanceNumber, measurement string, value interface{}) {
	fields, ok := pointFields(value)
	if !ok {
		return
	}
	if name == "" {
		name = portalID
	}

	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return
	}

	now := w.now()
	w.buffer = append(w.buffer, Point{
		Timestamp:   now,
		Measurement: measurement,
		Tags: map[string]string{
			"portalId":       portalID,
			"instanceNumber": instanceNumber,
			"name":           name,
		},
		Fields: fields,
	})

	interval := w.settings.BatchWriteInterval
	if interval <= 0 || now.Sub(w.lastFlush) > interval || len(w.buffer) >= w.cfg.MaxBatchSize {
		batch, backend, database, gen := w.takeBufferLocked()
		w.mu.Unlock()
		w.write(batch, backend, database, gen)
		return
	}

	// Falls kein Timer aktiv ist, wird der Puffer spätestens nach einem Intervall geschrieben
	if w.timer == nil {
		w.timer = w.afterFunc(interval, w.Flush)
	}
	w.mu.Unlock()
}

// Flush writes all buffered points now.
func (w *InfluxDBWriter) Flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()
		return
	}
	batch, backend, database, gen := w.takeBufferLocked()
	w.mu.Unlock()
	w.write(batch, backend, database, gen)
}

// Close stops the flush timer and the backend. Buffered points are discarded.
func (w *InfluxDBWriter) Close() {
	w.mu.Lock()
	w.generation++
	w.connected = false
	backend := w.backend
	w.backend = nil
	w.buffer = w.buffer[:0]
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	if backend != nil {
		backend.Close()
	}
}

// takeBufferLocked swaps out the buffer. The buffer is empty afterwards whatever the
// outcome of the write.
func (w *InfluxDBWriter) takeBufferLocked() ([]Point, Backend, string, uint64) {
	batch := w.buffer
	w.buffer = make([]Point, 0, w.cfg.MaxBatchSize)
	w.lastFlush = w.now()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	return batch, w.backend, w.settings.Connection.Database, w.generation
}

func (w *InfluxDBWriter) write(batch []Point, backend Backend, database string, gen uint64) {
	if len(batch) == 0 || backend == nil {
		return
	}
	ctx, cancel := w.requestContext()
	defer cancel()

	if err := backend.WritePoints(ctx, database, batch); err != nil {
		w.log.Errorf("Failed writing %d points: %v", len(batch), err)
		w.mu.Lock()
		current := gen == w.generation && w.connected
		w.mu.Unlock()
		if current {
			w.restart()
		}
		return
	}
	w.log.Debugf("Wrote %d points", len(batch))
}

// restart drops the current connection and starts a new connect loop. Older loops notice
// the generation change and quit.
func (w *InfluxDBWriter) restart() {
	w.mu.Lock()
	w.generation++
	gen := w.generation
	w.connected = false
	old := w.backend
	w.backend = nil
	ctx := w.ctx
	w.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if ctx == nil {
		return
	}
	go w.connectLoop(ctx, gen)
}

func (w *InfluxDBWriter) connectLoop(ctx context.Context, gen uint64) {
	for {
		err := w.connect(ctx, gen)
		if err == nil {
			return
		}
		w.log.Errorf("Unable to connect: %v", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.ReconnectDelay):
		}
		if !w.isCurrent(gen) {
			return
		}
	}
}

func (w *InfluxDBWriter) isCurrent(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return gen == w.generation
}

// connect opens a backend, creates the database if needed and applies the retention policy.
func (w *InfluxDBWriter) connect(ctx context.Context, gen uint64) error {
	w.mu.Lock()
	settings := w.settings
	w.mu.Unlock()

	conn := settings.Connection
	if conn.Version <= 1 {
		if conn.Username == "" {
			conn.Username = defaultCredential
		}
		if conn.Password == "" {
			conn.Password = defaultCredential
		}
	}
	w.log.Infof("Attempting connection to %s/%s using %s:*****", conn.URL(), conn.Database, conn.Username)

	backend, err := w.factory(conn, w.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	if err := backend.Ping(reqCtx); err != nil {
		backend.Close()
		return fmt.Errorf("ping %s: %w", conn.URL(), err)
	}
	databases, err := backend.ListDatabases(reqCtx)
	if err != nil {
		backend.Close()
		return fmt.Errorf("list databases: %w", err)
	}
	w.log.Infof("Connected to %s/%s", conn.URL(), conn.Database)

	if !contains(databases, conn.Database) {
		w.log.Infof("Creating database: %s", conn.Database)
		if err := backend.CreateDatabase(reqCtx, conn.Database); err != nil {
			backend.Close()
			return fmt.Errorf("create database %s: %w", conn.Database, err)
		}
	}

	w.mu.Lock()
	if gen != w.generation {
		w.mu.Unlock()
		backend.Close()
		return nil
	}
	w.backend = backend
	w.connected = true
	w.lastFlush = w.now()
	w.appliedRetention = ""
	w.mu.Unlock()

	w.setRetentionPolicy(reqCtx, backend, settings, gen)
	return nil
}

// setRetentionPolicy creates the loader's default retention policy or alters it when it
// already exists. Failure is logged and otherwise ignored.
func (w *InfluxDBWriter) setRetentionPolicy(ctx context.Context, backend Backend, settings Settings, gen uint64) {
	if backend == nil || settings.Retention == "" {
		return
	}
	rp := RetentionPolicy{
		Name:        retentionPolicyName,
		Duration:    settings.Retention,
		Replication: 1,
		IsDefault:   true,
	}
	database := settings.Connection.Database

	w.log.Infof("Setting retention policy: %s", settings.Retention)
	if err := backend.CreateRetentionPolicy(ctx, database, rp); err != nil {
		w.log.Debugf("Create retention policy failed, altering: %v", err)
		if err := backend.AlterRetentionPolicy(ctx, database, rp); err != nil {
			w.log.Errorf("Error setting retention policy: %s, %v", settings.Retention, err)
			return
		}
	}
	w.log.Debugf("Retention policy set: %s", settings.Retention)

	w.mu.Lock()
	if gen == w.generation {
		w.appliedRetention = settings.Retention
	}
	w.mu.Unlock()
}

func (w *InfluxDBWriter) requestContext() (context.Context, context.CancelFunc) {
	w.mu.Lock()
	parent := w.ctx
	w.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, w.cfg.RequestTimeout)
}

// pointFields builds the field set of a point from a decoded JSON value.
func pointFields(value interface{}) (map[string]interface{}, bool) {
	var f float64
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil, false
		}
		return map[string]interface{}{"stringValue": v}, true
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return nil, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return map[string]interface{}{"value": f}, true
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
