package venus

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store receives the measurements a session forwards. Implementations validate the value
// themselves and never fail towards the session.
type Store interface {
	Store(portalID, name, instanceNumber, measurement string, value interface{})
}

// NameResolver looks up the display name of a VRM installation.
type NameResolver interface {
	InstallationName(ctx context.Context, portalID string) (string, error)
}

// Credentials authenticate VRM connections.
type Credentials struct {
	Username string
	Token    string
	TokenID  string
}

// Options carries the collaborators shared by all sessions.
type Options struct {
	Writer            Store
	Statistics        *Statistics
	Resolver          NameResolver
	Credentials       Credentials
	BuildVersion      string
	Dial              Dialer
	Logger            *logrus.Entry
	KeepAliveInterval time.Duration
	ReconnectPeriod   time.Duration
	Now               func() time.Time
}

// Session owns one MQTT connection to exactly one Venus device.
type Session struct {
	mu sync.Mutex

	device   Device
	opts     Options
	log      *logrus.Entry
	statsKey string

	conn             Conn
	state            State
	expiry           *time.Time
	distinct         map[string]struct{}
	isFirstKeepAlive bool
	keepAliveStop    chan struct{}
}

// NewSession prepares a session and its statistics slot. Nothing is dialed until Start.
func NewSession(device Device, expiry *time.Time, opts Options) *Session {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = KeepAliveInterval
	}
	if opts.ReconnectPeriod <= 0 {
		opts.ReconnectPeriod = ReconnectPeriod
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Statistics == nil {
		opts.Statistics = NewStatistics()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	label := string(device.Type) + ":" + device.Address
	if device.PortalID != "" {
		label = string(device.Type) + ":" + device.PortalID
	}

	s := &Session{
		device:   device,
		opts:     opts,
		log:      opts.Logger.WithField("label", label),
		statsKey: StatisticsKey(device),
		expiry:   expiry,
		distinct: make(map[string]struct{}),
	}
	if device.PortalID == "" {
		s.state = StateDetecting
	} else {
		s.state = StateActive
	}

	slot := DeviceStatistics{
		Type:     device.Type,
		Address:  device.Address,
		Name:     displayName(device),
		PortalID: device.PortalID,
		Expiry:   expiryMillis(expiry),
	}
	opts.Statistics.create(s.statsKey, slot)
	return s
}

// StatisticsKey builds the composite key family:address:portalId of a statistics slot.
func StatisticsKey(d Device) string {
	return string(d.Type) + ":" + d.Address + ":" + d.PortalID
}

// Start resolves the VRM installation name if needed and dials the device broker.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()

	s.log.Info("start")

	if device.Type == FamilyVRM && device.Name == "" && s.opts.Resolver != nil {
		name, err := s.opts.Resolver.InstallationName(ctx, device.PortalID)
		if err != nil {
			s.log.Warnf("Unable to resolve installation name: %v", err)
		} else if name != "" {
			s.mu.Lock()
			s.device.Name = name
			s.mu.Unlock()
			s.opts.Statistics.update(s.statsKey, func(st *DeviceStatistics) { st.Name = name })
		}
	}

	opts := ConnectOptions{
		Host:            device.Address,
		Port:            localPort,
		ClientID:        s.clientID(),
		ReconnectPeriod: s.opts.ReconnectPeriod,
	}
	if device.Type == FamilyVRM {
		opts.Port = vrmPort
		opts.TLS = true
		opts.Username = s.opts.Credentials.Username
		opts.Password = "Token " + s.opts.Credentials.Token
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return nil
	}

	s.log.Infof("MQTT connecting to %s using clientId: %s", opts.URL(), opts.ClientID)
	conn, err := s.opts.Dial(opts, Handlers{
		OnConnect:        s.onConnect,
		OnMessage:        s.onMessage,
		OnConnectionLost: s.onConnectionLost,
		OnReconnecting:   s.onReconnecting,
	})
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Stop force-closes the connection, cancels the keep-alive timer and removes the
// statistics slot. A stopped session cannot be restarted.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	conn := s.conn
	s.stopKeepAliveLocked()
	s.mu.Unlock()

	s.log.Info("stop")
	if conn != nil {
		conn.Close()
	}
	s.opts.Statistics.remove(s.statsKey)
}

// UpdateExpiry stores a new expiry and shows it in the statistics slot. Tearing the
// connection down is up to the loader.
func (s *Session) UpdateExpiry(expiry *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sameExpiry(s.expiry, expiry) {
		return
	}
	s.expiry = expiry
	millis := expiryMillis(expiry)
	s.opts.Statistics.update(s.statsKey, func(st *DeviceStatistics) { st.Expiry = millis })
}

// UpdateSubscriptions moves the session to a new (expanded) subscription list with the
// minimal number of MQTT unsubscribe and subscribe calls.
func (s *Session) UpdateSubscriptions(subscriptions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.device.Subscriptions
	toUnsubscribe := difference(old, subscriptions)
	toSubscribe := difference(subscriptions, old)
	if len(toUnsubscribe) == 0 && len(toSubscribe) == 0 {
		return
	}
	toKeep := intersection(old, subscriptions)
	s.device.Subscriptions = append(toSubscribe, toKeep...)

	if s.device.PortalID == "" || s.conn == nil || s.state == StateStopped {
		return
	}
	s.log.Debugf("Updating subscriptions, unsubscribe: %v, subscribe: %v", toUnsubscribe, toSubscribe)
	if len(toUnsubscribe) > 0 {
		filters := make([]string, 0, len(toUnsubscribe))
		for _, sub := range toUnsubscribe {
			filters = append(filters, notifyTopic(s.device.PortalID, sub))
		}
		s.conn.Unsubscribe(filters...)
	}
	for _, sub := range toSubscribe {
		s.conn.Subscribe(notifyTopic(s.device.PortalID, sub))
	}
}

// Device returns a copy of the device as currently known.
func (s *Session) Device() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.device
	d.Subscriptions = append([]string(nil), s.device.Subscriptions...)
	return d
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StatisticsKey returns the key of the session's statistics slot.
func (s *Session) StatisticsKey() string {
	return s.statsKey
}

func (s *Session) clientID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	id := clientIDPrefix + "_" + s.opts.BuildVersion + "_" + random
	if s.device.Type == FamilyVRM && s.opts.Credentials.TokenID != "" {
		id += "_" + s.opts.Credentials.TokenID
	}
	return id
}

func (s *Session) onConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped || s.conn == nil {
		return
	}

	s.log.Info("MQTT connected")
	if s.device.PortalID == "" {
		s.log.Info("Detecting portalId...")
		s.conn.Subscribe(anyDeviceFilter)
		s.state = StateDetecting
	} else {
		s.log.Infof("Subscribing to portalId %s", s.device.PortalID)
		s.subscribeDeviceLocked()
		s.state = StateActive
	}

	if s.keepAliveStop == nil {
		s.isFirstKeepAlive = true
		s.keepAliveStop = make(chan struct{})
		go s.keepAliveLoop(s.keepAliveStop, s.opts.KeepAliveInterval)
		s.log.Debug("Starting keep alive timer")
	}
}

func (s *Session) onConnectionLost(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.log.Errorf("MQTT connection lost: %v", err)
	s.stopKeepAliveLocked()
	s.opts.Statistics.update(s.statsKey, func(st *DeviceStatistics) { st.IsConnected = false })
}

func (s *Session) onReconnecting() {
	s.log.Debug("MQTT reconnecting")
}

// subscribeDeviceLocked subscribes to the portal's topics and asks the device to announce
// its name and serial.
func (s *Session) subscribeDeviceLocked() {
	id := s.device.PortalID
	s.conn.Subscribe(notifyTopic(id, systemNamePath))
	for _, sub := range s.device.Subscriptions {
		s.conn.Subscribe(notifyTopic(id, sub))
	}
	s.conn.Publish(requestTopic(id, systemNamePath), "")
	s.conn.Publish(requestTopic(id, serialPath), "")
}

func (s *Session) onMessage(topic string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	portalID, instanceNumber, measurement, ok := parseTopic(topic)
	if !ok {
		return
	}
	if IsIgnoredMeasurement(measurement) {
		return
	}

	var message struct {
		Value interface{} `json:"value"`
	}
	if err := json.Unmarshal(payload, &message); err != nil {
		s.log.Errorf("can't record %s: %s: %v", topic, payload, err)
		return
	}

	s.mu.Lock()
	switch {
	case s.state == StateStopped:
		s.mu.Unlock()
		return

	case s.state == StateDetecting:
		if measurement == serialMeasurement {
			s.detectPortalIDLocked(message.Value)
		}
		s.mu.Unlock()
		return

	case portalID != s.device.PortalID:
		// left over from the detection wildcard, another device on the same broker
		s.mu.Unlock()
		return

	case s.device.Name == "":
		if measurement == systemNameMeasurement {
			name, _ := message.Value.(string)
			if name == "" {
				name = portalID
			} else {
				s.log.Infof("Detected portalName %s", name)
			}
			s.device.Name = name
			s.opts.Statistics.update(s.statsKey, func(st *DeviceStatistics) { st.Name = name })
		}
		s.mu.Unlock()
		return
	}

	if !isStorableValue(message.Value) {
		s.mu.Unlock()
		return
	}

	s.distinct[measurement] = struct{}{}
	distinct := len(s.distinct)
	now := s.opts.Now()
	name := s.device.Name
	s.opts.Statistics.update(s.statsKey, func(st *DeviceStatistics) {
		st.IsConnected = true
		st.Name = name
		st.TotalMeasurementsCount++
		st.DistinctMeasurementsCount = distinct
		st.LastMeasurement = &now
	})
	s.mu.Unlock()

	s.opts.Writer.Store(portalID, name, instanceNumber, measurement, message.Value)
}

// detectPortalIDLocked takes the first serial number as the device identity. The wildcard
// detection subscription stays in place; messages from other portals are dropped by id.
func (s *Session) detectPortalIDLocked(value interface{}) {
	portalID, ok := value.(string)
	if !ok || portalID == "" {
		s.log.Warnf("Ignoring serial number %v", value)
		return
	}
	s.log.Infof("Detected portalId %s", portalID)
	s.device.PortalID = portalID
	s.state = StateActive
	s.subscribeDeviceLocked()
	s.opts.Statistics.update(s.statsKey, func(st *DeviceStatistics) {
		st.PortalID = portalID
		if st.Name == "" {
			st.Name = portalID
		}
	})
}

func (s *Session) keepAliveLoop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.keepAlive()
		}
	}
}

// keepAlive asks for a full republish on the first call after (re)connecting and for a
// plain liveness ping afterwards.
func (s *Session) keepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device.PortalID == "" || s.conn == nil || s.state == StateStopped {
		return
	}
	payload := keepAliveSuppressRepublish
	if s.isFirstKeepAlive {
		payload = ""
	}
	s.log.Debugf("sendKeepAlive: isFirstKeepAliveRequest: %v", s.isFirstKeepAlive)
	s.conn.Publish(requestTopic(s.device.PortalID, serialPath), payload)
	s.isFirstKeepAlive = false
}

func (s *Session) stopKeepAliveLocked() {
	if s.keepAliveStop != nil {
		close(s.keepAliveStop)
		s.keepAliveStop = nil
		s.log.Debug("Clearing keep alive timer")
	}
}

// isStorableValue accepts finite numbers and non-empty strings.
func isStorableValue(v interface{}) bool {
	switch value := v.(type) {
	case float64:
		return !math.IsNaN(value) && !math.IsInf(value, 0)
	case string:
		return value != ""
	default:
		return false
	}
}

func displayName(d Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.PortalID
}

func expiryMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func difference(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, x := range b {
		set[x] = struct{}{}
	}
	var result []string
	for _, x := range a {
		if _, ok := set[x]; !ok {
			result = append(result, x)
		}
	}
	return result
}

func intersection(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, x := range b {
		set[x] = struct{}{}
	}
	var result []string
	for _, x := range a {
		if _, ok := set[x]; ok {
			result = append(result, x)
		}
	}
	return result
}
