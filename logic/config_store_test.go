package logic

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venus-influx-loader/driver/venus"
)

func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "venus-influx-loader.db")
	db, err := InitDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestStoreDefaults(t *testing.T) {
	t.Setenv("VIL_INFLUXDB_URL", "https://influx.example.com:8087/base")
	db, _ := openTestDB(t)

	store, err := NewStore(db)
	require.NoError(t, err)

	cfg := store.Config()
	assert.Equal(t, "https", cfg.InfluxDB.Protocol)
	assert.Equal(t, "influx.example.com", cfg.InfluxDB.Host)
	assert.Equal(t, "8087", cfg.InfluxDB.Port)
	assert.Equal(t, "/base", cfg.InfluxDB.Path)
	assert.Equal(t, "venus", cfg.InfluxDB.Database)
	assert.Equal(t, "30d", cfg.InfluxDB.Retention)
	assert.NotNil(t, cfg.Manual.Hosts)
	assert.NotNil(t, cfg.VRM.Expiry)

	assert.Equal(t, LoginConfig{Username: "admin", Password: "admin"}, store.Secrets().Login)
	assert.Equal(t, int64(0), store.Revision())
}

func TestStoreInvalidURLFallsBack(t *testing.T) {
	t.Setenv("VIL_INFLUXDB_URL", "not a url")
	cfg := DefaultConfig()
	assert.Equal(t, "http", cfg.InfluxDB.Protocol)
	assert.Equal(t, "influxdb", cfg.InfluxDB.Host)
	assert.Equal(t, "8086", cfg.InfluxDB.Port)
}

func TestStoreRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	store, err := NewStore(db)
	require.NoError(t, err)

	cfg := store.Config()
	cfg.Manual = manualHosts("10.0.0.5")
	cfg.Manual.Subscriptions = SubscriptionsConfig{"10.0.0.5": {"battery/#"}}
	interval := 0
	cfg.InfluxDB.BatchWriteInterval = &interval
	require.NoError(t, store.SetConfig(cfg))

	secrets := store.Secrets()
	secrets.VRMToken = "tok"
	secrets.VRMTokenID = "42"
	require.NoError(t, store.SetSecrets(secrets))
	assert.Equal(t, int64(2), store.Revision())

	reopened, err := NewStore(db)
	require.NoError(t, err)
	got := reopened.Config()
	assert.Equal(t, []HostConfig{{HostName: "10.0.0.5", Enabled: true}}, got.Manual.Hosts)
	assert.Equal(t, []string{"battery/#"}, got.Manual.Subscriptions["10.0.0.5"])
	require.NotNil(t, got.InfluxDB.BatchWriteInterval)
	assert.Equal(t, 0, *got.InfluxDB.BatchWriteInterval)
	assert.Equal(t, "tok", reopened.Secrets().VRMToken)
	assert.Equal(t, int64(2), reopened.Revision())
}

func TestStoreConfigIsCopy(t *testing.T) {
	db, _ := openTestDB(t)
	store, err := NewStore(db)
	require.NoError(t, err)

	cfg := store.Config()
	cfg.UPNP.Expiry["abc"] = 1
	cfg.UPNP.EnabledPortalIDs = append(cfg.UPNP.EnabledPortalIDs, "abc")

	assert.Empty(t, store.Config().UPNP.Expiry)
	assert.Empty(t, store.Config().UPNP.EnabledPortalIDs)
}

func TestStoreDisableDevices(t *testing.T) {
	db, _ := openTestDB(t)
	store, err := NewStore(db)
	require.NoError(t, err)

	require.NoError(t, store.UpdateConfig(func(cfg *AppConfig) {
		cfg.UPNP.EnabledPortalIDs = []string{"u1", "u2"}
		cfg.UPNP.Expiry = ExpiryConfig{"u1": 1000}
		cfg.Manual = manualHosts("h1", "h2")
		cfg.Manual.Expiry = ExpiryConfig{"h2": 1000}
		cfg.VRM.EnabledPortalIDs = []string{"v1"}
		cfg.VRM.ManualPortalIDs = []VRMPortalConfig{{PortalID: "v2", Enabled: true}}
		cfg.VRM.Expiry = ExpiryConfig{"v1": 1000, "v2": 1000}
	}))

	require.NoError(t, store.DisableDevices(map[venus.Family][]string{
		venus.FamilyUPNP:   {"u1"},
		venus.FamilyManual: {"h2"},
		venus.FamilyVRM:    {"v1", "v2"},
	}))

	cfg := store.Config()
	assert.Equal(t, []string{"u2"}, cfg.UPNP.EnabledPortalIDs)
	assert.Empty(t, cfg.UPNP.Expiry)
	assert.Equal(t, []HostConfig{{HostName: "h1", Enabled: true}, {HostName: "h2", Enabled: false}}, cfg.Manual.Hosts)
	assert.Empty(t, cfg.Manual.Expiry)
	assert.Empty(t, cfg.VRM.EnabledPortalIDs)
	assert.Equal(t, []VRMPortalConfig{{PortalID: "v2", Enabled: false}}, cfg.VRM.ManualPortalIDs)
	assert.Empty(t, cfg.VRM.Expiry)
}

func TestStoreSubscribe(t *testing.T) {
	db, _ := openTestDB(t)
	store, err := NewStore(db)
	require.NoError(t, err)

	changes, cancel := store.Subscribe()
	defer cancel()

	require.NoError(t, store.UpdateConfig(func(cfg *AppConfig) { cfg.UPNP.Enabled = true }))
	require.NoError(t, store.UpdateConfig(func(cfg *AppConfig) { cfg.VRM.Enabled = true }))

	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	// zwei Änderungen werden zu einer Benachrichtigung zusammengefasst
	select {
	case <-changes:
		t.Fatal("notifications did not coalesce")
	default:
	}

	// secrets alone do not notify
	require.NoError(t, store.SetSecrets(store.Secrets()))
	select {
	case <-changes:
		t.Fatal("unexpected notification for secrets")
	default:
	}
}

func TestStoreReload(t *testing.T) {
	db, _ := openTestDB(t)
	first, err := NewStore(db)
	require.NoError(t, err)
	second, err := NewStore(db)
	require.NoError(t, err)

	changed, err := second.Reload()
	require.NoError(t, err)
	assert.False(t, changed)

	changes, cancel := second.Subscribe()
	defer cancel()

	require.NoError(t, first.UpdateConfig(func(cfg *AppConfig) { cfg.Manual = manualHosts("h1") }))

	changed, err = second.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "h1", second.Config().Manual.Hosts[0].HostName)
	assert.Len(t, changes, 1)

	changed, err = second.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestWriterSettings(t *testing.T) {
	cfg := InfluxDBConfig{Protocol: "http", Host: "db", Port: "8086", Database: "venus", Retention: "7d"}
	settings := cfg.WriterSettings()
	assert.Equal(t, 10*time.Second, settings.BatchWriteInterval)
	assert.Equal(t, "7d", settings.Retention)
	assert.Equal(t, "db", settings.Connection.Host)

	zero := 0
	cfg.BatchWriteInterval = &zero
	assert.Equal(t, time.Duration(0), cfg.WriterSettings().BatchWriteInterval)
}
