package venus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	topic   string
	payload string
}

type fakeConn struct {
	mu           sync.Mutex
	published    []publishedMessage
	subscribed   []string
	unsubscribed [][]string
	closed       bool
}

func (c *fakeConn) Publish(topic string, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMessage{topic: topic, payload: payload})
}

func (c *fakeConn) Subscribe(filter string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, filter)
}

func (c *fakeConn) Unsubscribe(filters ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, filters)
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = nil
	c.subscribed = nil
	c.unsubscribed = nil
}

type fakeDialer struct {
	conn     *fakeConn
	handlers Handlers
	options  ConnectOptions
	dials    int
}

func (d *fakeDialer) dial(o ConnectOptions, h Handlers) (Conn, error) {
	d.dials++
	d.options = o
	d.handlers = h
	return d.conn, nil
}

type storedValue struct {
	portalID, name, instance, measurement string
	value                                 interface{}
}

type fakeStore struct {
	mu     sync.Mutex
	values []storedValue
}

func (s *fakeStore) Store(portalID, name, instanceNumber, measurement string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, storedValue{portalID, name, instanceNumber, measurement, value})
}

type fakeResolver struct {
	name string
	err  error
}

func (r fakeResolver) InstallationName(context.Context, string) (string, error) {
	return r.name, r.err
}

func testOptions(d *fakeDialer, store *fakeStore, stats *Statistics) Options {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return Options{
		Writer:            store,
		Statistics:        stats,
		BuildVersion:      "test",
		Dial:              d.dial,
		Logger:            logrus.NewEntry(logger),
		KeepAliveInterval: time.Hour,
	}
}

func startedSession(t *testing.T, device Device) (*Session, *fakeDialer, *fakeStore, *Statistics) {
	t.Helper()
	dialer := &fakeDialer{conn: &fakeConn{}}
	store := &fakeStore{}
	stats := NewStatistics()
	s := NewSession(device, nil, testOptions(dialer, store, stats))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, dialer, store, stats
}

func TestSessionDetectsManualDevice(t *testing.T) {
	device := Device{Type: FamilyManual, Address: "10.0.0.5", Subscriptions: ExpandSubscriptions(nil)}
	s, dialer, store, stats := startedSession(t, device)

	assert.Equal(t, "tcp://10.0.0.5:1883", dialer.options.URL())
	assert.True(t, strings.HasPrefix(dialer.options.ClientID, "venus_influx_loader_test_"))
	assert.Equal(t, StateDetecting, s.State())

	dialer.handlers.OnConnect()
	assert.Equal(t, []string{"N/+/#"}, dialer.conn.subscribed)

	dialer.handlers.OnMessage("N/abc123/system/0/Serial", []byte(`{"value":"abc123"}`))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "abc123", s.Device().PortalID)
	assert.Contains(t, dialer.conn.subscribed, "N/abc123/settings/0/Settings/SystemSetup/SystemName")
	assert.Contains(t, dialer.conn.subscribed, "N/abc123/#")
	assert.Contains(t, dialer.conn.published, publishedMessage{topic: "R/abc123/system/0/Serial"})
	assert.Contains(t, dialer.conn.published, publishedMessage{topic: "R/abc123/settings/0/Settings/SystemSetup/SystemName"})

	dialer.handlers.OnMessage("N/abc123/settings/0/Settings/SystemSetup/SystemName", []byte(`{"value":"Shed"}`))
	assert.Equal(t, "Shed", s.Device().Name)

	dialer.handlers.OnMessage("N/abc123/dcload/0/Power", []byte(`{"value":120}`))

	require.Len(t, store.values, 1)
	assert.Equal(t, storedValue{"abc123", "Shed", "0", "dcload/Power", float64(120)}, store.values[0])

	slot, ok := stats.Get(s.StatisticsKey())
	require.True(t, ok)
	assert.True(t, slot.IsConnected)
	assert.Equal(t, "Shed", slot.Name)
	assert.Equal(t, "abc123", slot.PortalID)
	assert.EqualValues(t, 1, slot.TotalMeasurementsCount)
	assert.Equal(t, 1, slot.DistinctMeasurementsCount)
	assert.NotNil(t, slot.LastMeasurement)
}

func TestSessionEmptySystemNameFallsBackToPortalID(t *testing.T) {
	s, dialer, _, _ := startedSession(t, Device{Type: FamilyUPNP, PortalID: "abc", Address: "10.0.0.7", Subscriptions: []string{"#"}})
	dialer.handlers.OnConnect()

	dialer.handlers.OnMessage("N/abc/settings/0/Settings/SystemSetup/SystemName", []byte(`{"value":""}`))
	assert.Equal(t, "abc", s.Device().Name)
}

func TestSessionDropsInvalidMessages(t *testing.T) {
	s, dialer, store, stats := startedSession(t, Device{Type: FamilyUPNP, PortalID: "abc", Name: "Boat", Address: "10.0.0.7", Subscriptions: []string{"#"}})
	dialer.handlers.OnConnect()

	messages := map[string]string{
		"N/abc/dcload/0/Power":            `{bad json`,
		"N/abc/dcload/0/Current":          `{"value":null}`,
		"N/abc/dcload/0/Name":             `{"value":""}`,
		"N/abc/dcload/0/Info":             `{"value":{"a":1}}`,
		"N/abc/dcload/0/Empty":            ``,
		"N/abc/system/0/Buzzer/State":     `{"value":1}`,
		"N/other/dcload/0/Power":          `{"value":1}`,
		"N/abc/short":                     `{"value":1}`,
		"N/abc/dcload/0/Array":            `{"value":[1,2]}`,
		"N/abc/settings/0/Settings/Gui/X": `{"value":3}`,
	}
	for topic, payload := range messages {
		dialer.handlers.OnMessage(topic, []byte(payload))
	}

	assert.Empty(t, store.values)
	slot, _ := stats.Get(s.StatisticsKey())
	assert.EqualValues(t, 0, slot.TotalMeasurementsCount)

	dialer.handlers.OnMessage("N/abc/dcload/0/Power", []byte(`{"value":42}`))
	dialer.handlers.OnMessage("N/abc/relay/0/State", []byte(`{"value":"on"}`))
	require.Len(t, store.values, 2)
	assert.Equal(t, float64(42), store.values[0].value)
	assert.Equal(t, "on", store.values[1].value)
}

func TestSessionDistinctMeasurements(t *testing.T) {
	s, dialer, _, stats := startedSession(t, Device{Type: FamilyUPNP, PortalID: "abc", Name: "Boat", Address: "10.0.0.7", Subscriptions: []string{"#"}})
	dialer.handlers.OnConnect()

	dialer.handlers.OnMessage("N/abc/battery/256/Soc", []byte(`{"value":80}`))
	dialer.handlers.OnMessage("N/abc/battery/256/Soc", []byte(`{"value":81}`))
	dialer.handlers.OnMessage("N/abc/battery/257/Soc", []byte(`{"value":82}`))
	dialer.handlers.OnMessage("N/abc/battery/256/Dc/0/Voltage", []byte(`{"value":12.8}`))

	slot, _ := stats.Get(s.StatisticsKey())
	assert.EqualValues(t, 4, slot.TotalMeasurementsCount)
	assert.Equal(t, 2, slot.DistinctMeasurementsCount)
}

func TestSessionUpdateSubscriptions(t *testing.T) {
	s, dialer, _, _ := startedSession(t, Device{Type: FamilyUPNP, PortalID: "abc", Name: "Boat", Address: "10.0.0.7", Subscriptions: []string{"A", "B"}})
	dialer.handlers.OnConnect()
	assert.Contains(t, dialer.conn.subscribed, "N/abc/A")
	assert.Contains(t, dialer.conn.subscribed, "N/abc/B")
	dialer.conn.reset()

	s.UpdateSubscriptions([]string{"B", "C"})

	assert.Equal(t, [][]string{{"N/abc/A"}}, dialer.conn.unsubscribed)
	assert.Equal(t, []string{"N/abc/C"}, dialer.conn.subscribed)
	assert.ElementsMatch(t, []string{"B", "C"}, s.Device().Subscriptions)

	dialer.conn.reset()
	s.UpdateSubscriptions([]string{"C", "B"})
	assert.Empty(t, dialer.conn.unsubscribed)
	assert.Empty(t, dialer.conn.subscribed)
}

func TestSessionUpdateSubscriptionsBeforeDetection(t *testing.T) {
	s, dialer, _, _ := startedSession(t, Device{Type: FamilyManual, Address: "10.0.0.5", Subscriptions: []string{"#"}})
	dialer.handlers.OnConnect()
	dialer.conn.reset()

	s.UpdateSubscriptions([]string{"solarcharger/#", "system/#", "settings/#"})
	assert.Empty(t, dialer.conn.subscribed)
	assert.Empty(t, dialer.conn.unsubscribed)

	dialer.handlers.OnMessage("N/xyz/system/0/Serial", []byte(`{"value":"xyz"}`))
	assert.Contains(t, dialer.conn.subscribed, "N/xyz/solarcharger/#")
	assert.NotContains(t, dialer.conn.subscribed, "N/xyz/#")
}

func TestSessionKeepAlive(t *testing.T) {
	s, dialer, _, _ := startedSession(t, Device{Type: FamilyUPNP, PortalID: "abc", Name: "Boat", Address: "10.0.0.7", Subscriptions: []string{"#"}})
	dialer.handlers.OnConnect()
	dialer.conn.reset()

	s.keepAlive()
	s.keepAlive()
	require.Len(t, dialer.conn.published, 2)
	assert.Equal(t, publishedMessage{topic: "R/abc/system/0/Serial", payload: ""}, dialer.conn.published[0])
	assert.Equal(t, publishedMessage{topic: "R/abc/system/0/Serial", payload: keepAliveSuppressRepublish}, dialer.conn.published[1])

	dialer.handlers.OnConnectionLost(errors.New("broken pipe"))
	dialer.handlers.OnConnect()
	dialer.conn.reset()

	s.keepAlive()
	require.Len(t, dialer.conn.published, 1)
	assert.Equal(t, "", dialer.conn.published[0].payload)
}

func TestSessionKeepAliveWaitsForPortalID(t *testing.T) {
	s, dialer, _, _ := startedSession(t, Device{Type: FamilyManual, Address: "10.0.0.5", Subscriptions: []string{"#"}})
	dialer.handlers.OnConnect()
	dialer.conn.reset()

	s.keepAlive()
	assert.Empty(t, dialer.conn.published)
}

func TestSessionConnectionLost(t *testing.T) {
	s, dialer, _, stats := startedSession(t, Device{Type: FamilyUPNP, PortalID: "abc", Name: "Boat", Address: "10.0.0.7", Subscriptions: []string{"#"}})
	dialer.handlers.OnConnect()
	dialer.handlers.OnMessage("N/abc/dcload/0/Power", []byte(`{"value":1}`))

	dialer.handlers.OnConnectionLost(errors.New("timeout"))

	slot, _ := stats.Get(s.StatisticsKey())
	assert.False(t, slot.IsConnected)
	assert.EqualValues(t, 1, slot.TotalMeasurementsCount)
}

func TestSessionStopRemovesStatistics(t *testing.T) {
	dialer := &fakeDialer{conn: &fakeConn{}}
	store := &fakeStore{}
	stats := NewStatistics()
	s := NewSession(Device{Type: FamilyUPNP, PortalID: "abc", Address: "10.0.0.7", Subscriptions: []string{"#"}}, nil, testOptions(dialer, store, stats))
	assert.Equal(t, 1, stats.Len())

	require.NoError(t, s.Start(context.Background()))
	dialer.handlers.OnConnect()
	s.Stop()

	assert.Equal(t, 0, stats.Len())
	assert.True(t, dialer.conn.closed)
	assert.Equal(t, StateStopped, s.State())

	dialer.handlers.OnMessage("N/abc/dcload/0/Power", []byte(`{"value":1}`))
	assert.Empty(t, store.values)

	// second stop is a no-op
	s.Stop()
}

func TestSessionStopBeforeStartSkipsDial(t *testing.T) {
	dialer := &fakeDialer{conn: &fakeConn{}}
	s := NewSession(Device{Type: FamilyUPNP, PortalID: "abc", Address: "10.0.0.7"}, nil, testOptions(dialer, &fakeStore{}, NewStatistics()))
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 0, dialer.dials)
}

func TestSessionVRMConnect(t *testing.T) {
	dialer := &fakeDialer{conn: &fakeConn{}}
	stats := NewStatistics()
	opts := testOptions(dialer, &fakeStore{}, stats)
	opts.Resolver = fakeResolver{name: "Cabin"}
	opts.Credentials = Credentials{Username: "user@example.com", Token: "tok", TokenID: "42"}

	device := Device{Type: FamilyVRM, PortalID: "abc", Address: VRMBrokerHost("abc"), Subscriptions: []string{"#"}}
	s := NewSession(device, nil, opts)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, "ssl://mqtt38.victronenergy.com:8883", dialer.options.URL())
	assert.Equal(t, "user@example.com", dialer.options.Username)
	assert.Equal(t, "Token tok", dialer.options.Password)
	assert.True(t, strings.HasSuffix(dialer.options.ClientID, "_42"))
	assert.Equal(t, "Cabin", s.Device().Name)

	slot, _ := stats.Get(s.StatisticsKey())
	assert.Equal(t, "Cabin", slot.Name)
}

func TestSessionVRMNameLookupFailure(t *testing.T) {
	dialer := &fakeDialer{conn: &fakeConn{}}
	opts := testOptions(dialer, &fakeStore{}, NewStatistics())
	opts.Resolver = fakeResolver{err: errors.New("unauthorized")}

	s := NewSession(Device{Type: FamilyVRM, PortalID: "abc", Address: VRMBrokerHost("abc")}, nil, opts)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 1, dialer.dials)
	assert.Equal(t, "", s.Device().Name)
}

func TestSessionUpdateExpiry(t *testing.T) {
	dialer := &fakeDialer{conn: &fakeConn{}}
	stats := NewStatistics()
	expiry := time.UnixMilli(1_700_000_000_000)
	s := NewSession(Device{Type: FamilyManual, Address: "10.0.0.5"}, &expiry, testOptions(dialer, &fakeStore{}, stats))

	slot, _ := stats.Get(s.StatisticsKey())
	require.NotNil(t, slot.Expiry)
	assert.EqualValues(t, 1_700_000_000_000, *slot.Expiry)

	s.UpdateExpiry(nil)
	slot, _ = stats.Get(s.StatisticsKey())
	assert.Nil(t, slot.Expiry)
}
