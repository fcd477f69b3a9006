package logic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"venus-influx-loader/driver/venus"
)

const (
	// ExpiryLookahead: devices expiring within this window already count as expired.
	ExpiryLookahead = 60 * time.Second

	ExpirySweepInterval     = 60 * time.Second
	CollectStatsInterval    = 5 * time.Second
	defaultSessionStartWait = 30 * time.Second
)

// DeviceSession is the part of a venus.Session the loader drives.
type DeviceSession interface {
	Start(ctx context.Context) error
	Stop()
	UpdateExpiry(expiry *time.Time)
	UpdateSubscriptions(subscriptions []string)
}

// SessionFactory creates a not yet started session.
type SessionFactory func(device venus.Device, expiry *time.Time) DeviceSession

// ConfigStore is what the loader needs from the configuration store.
type ConfigStore interface {
	Config() AppConfig
	DisableDevices(expired map[venus.Family][]string) error
	Subscribe() (<-chan struct{}, func())
}

// Loader keeps one live session per enabled, unexpired device of every family.
type Loader struct {
	store      ConfigStore
	hub        *Hub
	stats      *venus.Statistics
	newSession SessionFactory
	log        *logrus.Entry
	now        func() time.Time

	reconcileMu sync.Mutex
	// laufende Session-Starts
	starts sync.WaitGroup

	mu          sync.Mutex
	sessions    map[venus.Family]map[string]DeviceSession
	upnpDevices map[string]venus.DiscoveredDevice
	vrmDevices  map[string]venus.DiscoveredDevice

	requests chan struct{}
}

func NewLoader(store ConfigStore, hub *Hub, stats *venus.Statistics, newSession SessionFactory) *Loader {
	l := &Loader{
		store:       store,
		hub:         hub,
		stats:       stats,
		newSession:  newSession,
		log:         logrus.WithField("label", "loader"),
		now:         time.Now,
		sessions:    make(map[venus.Family]map[string]DeviceSession),
		upnpDevices: make(map[string]venus.DiscoveredDevice),
		vrmDevices:  make(map[string]venus.DiscoveredDevice),
		requests:    make(chan struct{}, 1),
	}
	for _, family := range venus.Families {
		l.sessions[family] = make(map[string]DeviceSession)
	}
	return l
}

// NewVenusSessionFactory creates MQTT sessions. VRM credentials are read from the store
// whenever a session is created so that a fresh login is picked up.
func NewVenusSessionFactory(store *Store, opts venus.Options) SessionFactory {
	return func(device venus.Device, expiry *time.Time) DeviceSession {
		o := opts
		secrets := store.Secrets()
		o.Credentials = venus.Credentials{
			Username: secrets.VRMUsername,
			Token:    secrets.VRMToken,
			TokenID:  secrets.VRMTokenID,
		}
		return venus.NewSession(device, expiry, o)
	}
}

// Run reconciles on every configuration change, discovery change and expiry sweep and
// publishes statistics until ctx ends. All sessions are stopped on return.
func (l *Loader) Run(ctx context.Context) {
	changes, cancel := l.store.Subscribe()
	defer cancel()

	sweep := time.NewTicker(ExpirySweepInterval)
	defer sweep.Stop()
	collect := time.NewTicker(CollectStatsInterval)
	defer collect.Stop()

	l.log.Info("DM: Starting all device connections...")
	l.CollectStatistics(CollectStatsInterval)
	l.Reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			l.StopAll()
			l.starts.Wait()
			return
		case <-changes:
			l.log.Debug("settingsChanged")
			l.Reconcile(ctx)
		case <-l.requests:
			l.Reconcile(ctx)
		case <-sweep.C:
			l.Reconcile(ctx)
		case <-collect.C:
			l.CollectStatistics(CollectStatsInterval)
		}
	}
}

// RequestReconcile schedules a reconciliation pass on the Run loop.
func (l *Loader) RequestReconcile() {
	select {
	case l.requests <- struct{}{}:
	default:
	}
}

type desiredDevice struct {
	device venus.Device
	expiry *time.Time
}

// Reconcile brings the live session tables in line with the configuration. Expired devices
// are stopped and disabled in the stored configuration. New sessions are started in the
// background; Reconcile does not wait for their name lookup or dial.
func (l *Loader) Reconcile(ctx context.Context) {
	l.reconcileMu.Lock()
	defer l.reconcileMu.Unlock()

	cfg := l.store.Config()
	deadline := l.now().Add(ExpiryLookahead).UnixMilli()
	expired := make(map[venus.Family][]string)

	for _, family := range venus.Families {
		enabled, expiries, subscriptions := familyConfig(cfg, family)

		desired := make(map[string]desiredDevice)
		for _, id := range enabled.sorted() {
			var expiry *time.Time
			if ms := expiries[id]; ms != 0 {
				if ms < deadline {
					expired[family] = append(expired[family], id)
					continue
				}
				t := time.UnixMilli(ms)
				expiry = &t
			}
			device, ok := l.deviceFor(family, id, subscriptions[id])
			if !ok {
				continue
			}
			desired[id] = desiredDevice{device: device, expiry: expiry}
		}

		l.reconcileFamily(ctx, family, desired)
	}

	if len(expired) > 0 {
		l.log.Infof("Disabling expired devices: %v", expired)
		if err := l.store.DisableDevices(expired); err != nil {
			l.log.Errorf("Failed to persist expired devices: %v", err)
		}
	}
}

func (l *Loader) reconcileFamily(ctx context.Context, family venus.Family, desired map[string]desiredDevice) {
	var toStop []DeviceSession
	type started struct {
		id      string
		session DeviceSession
	}
	var toStart []started
	toUpdate := make(map[string]DeviceSession)

	l.mu.Lock()
	live := l.sessions[family]
	for id, session := range live {
		if _, ok := desired[id]; !ok {
			toStop = append(toStop, session)
			delete(live, id)
		} else {
			toUpdate[id] = session
		}
	}
	ids := make([]string, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := live[id]; ok {
			continue
		}
		d := desired[id]
		l.log.Debugf("DM: initiate %s connection: %s", family, id)
		session := l.newSession(d.device, d.expiry)
		live[id] = session
		toStart = append(toStart, started{id: id, session: session})
	}
	l.mu.Unlock()

	for _, session := range toStop {
		session.Stop()
	}
	// Start kann auf die VRM-Namensauflösung warten, daher asynchron
	for _, s := range toStart {
		l.starts.Add(1)
		go func(id string, session DeviceSession) {
			defer l.starts.Done()
			startCtx, cancel := context.WithTimeout(ctx, defaultSessionStartWait)
			defer cancel()
			if err := session.Start(startCtx); err != nil {
				l.log.Errorf("DM: Error starting %s connection %s: %v", family, id, err)
			}
		}(s.id, s.session)
	}
	for id, session := range toUpdate {
		d := desired[id]
		session.UpdateExpiry(d.expiry)
		session.UpdateSubscriptions(d.device.Subscriptions)
	}
}

// familyConfig returns the enabled identifiers of a family together with its expiry and
// subscription maps.
func familyConfig(cfg AppConfig, family venus.Family) (stringSet, ExpiryConfig, SubscriptionsConfig) {
	switch family {
	case venus.FamilyUPNP:
		if !cfg.UPNP.Enabled {
			return newStringSet(), nil, nil
		}
		return newStringSet(cfg.UPNP.EnabledPortalIDs...), cfg.UPNP.Expiry, cfg.UPNP.Subscriptions

	case venus.FamilyManual:
		if !cfg.Manual.Enabled {
			return newStringSet(), nil, nil
		}
		enabled := newStringSet()
		for _, host := range cfg.Manual.Hosts {
			if host.Enabled && host.HostName != "" {
				enabled[host.HostName] = struct{}{}
			}
		}
		return enabled, cfg.Manual.Expiry, cfg.Manual.Subscriptions

	case venus.FamilyVRM:
		if !cfg.VRM.Enabled {
			return newStringSet(), nil, nil
		}
		enabled := newStringSet(cfg.VRM.EnabledPortalIDs...)
		for _, manual := range cfg.VRM.ManualPortalIDs {
			if manual.Enabled && manual.PortalID != "" {
				enabled[manual.PortalID] = struct{}{}
			}
		}
		return enabled, cfg.VRM.Expiry, cfg.VRM.Subscriptions
	}
	return newStringSet(), nil, nil
}

// deviceFor builds the device a session connects to. UPNP devices need an address from
// discovery and are skipped until they were seen.
func (l *Loader) deviceFor(family venus.Family, id string, subscriptions []string) (venus.Device, bool) {
	device := venus.Device{Type: family, Subscriptions: venus.ExpandSubscriptions(subscriptions)}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch family {
	case venus.FamilyUPNP:
		discovered, ok := l.upnpDevices[id]
		if !ok {
			return venus.Device{}, false
		}
		device.PortalID = id
		device.Name = discovered.Name
		device.Address = discovered.Address
	case venus.FamilyManual:
		device.Address = id
	case venus.FamilyVRM:
		device.PortalID = id
		device.Address = venus.VRMBrokerHost(id)
		if discovered, ok := l.vrmDevices[id]; ok {
			device.Name = discovered.Name
		}
	}
	return device, true
}

// StopAll stops every live session.
func (l *Loader) StopAll() {
	l.mu.Lock()
	var sessions []DeviceSession
	for _, family := range venus.Families {
		for id, session := range l.sessions[family] {
			sessions = append(sessions, session)
			delete(l.sessions[family], id)
		}
	}
	l.mu.Unlock()

	l.log.Info("DM: Stopping all device connections...")
	for _, session := range sessions {
		session.Stop()
	}
}

// LiveDevices returns the sorted identifiers with a live session in the given family.
func (l *Loader) LiveDevices(family venus.Family) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.sessions[family]))
	for id := range l.sessions[family] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CollectStatistics computes the per-device rates over the interval, aggregates them and
// publishes a LOADER_STATISTICS event.
func (l *Loader) CollectStatistics(interval time.Duration) LoaderStatistics {
	devices := l.stats.Collect(interval)

	result := LoaderStatistics{DeviceStatistics: devices}
	for _, device := range devices {
		result.MeasurementRate += device.MeasurementRate
		result.DistinctMeasurementsCount += device.DistinctMeasurementsCount
	}
	result.Process = processStatistics()

	if l.hub != nil {
		l.hub.Publish(EventLoaderStatistics, result)
	}
	return result
}

// AddDiscoveredDevice records a device seen by local discovery and reconciles.
func (l *Loader) AddDiscoveredDevice(device venus.DiscoveredDevice) {
	if device.PortalID == "" {
		return
	}
	l.mu.Lock()
	existing, known := l.upnpDevices[device.PortalID]
	l.upnpDevices[device.PortalID] = device
	list := sortedDevices(l.upnpDevices)
	l.mu.Unlock()

	if known && existing == device {
		return
	}
	l.log.Infof("Found new UPNP device: %s (%s) at %s", device.PortalID, device.Name, device.Address)
	if l.hub != nil {
		l.hub.Publish(EventUPNPDiscovery, list)
	}
	l.RequestReconcile()
}

// ResetDiscoveredDevices forgets all locally discovered devices.
func (l *Loader) ResetDiscoveredDevices() {
	l.mu.Lock()
	l.upnpDevices = make(map[string]venus.DiscoveredDevice)
	l.mu.Unlock()
	if l.hub != nil {
		l.hub.Publish(EventUPNPDiscovery, []venus.DiscoveredDevice{})
	}
}

// SetVRMDevices replaces the VRM inventory and reconciles.
func (l *Loader) SetVRMDevices(devices []venus.DiscoveredDevice) {
	l.mu.Lock()
	l.vrmDevices = make(map[string]venus.DiscoveredDevice, len(devices))
	for _, d := range devices {
		if d.PortalID != "" {
			l.vrmDevices[d.PortalID] = d
		}
	}
	list := sortedDevices(l.vrmDevices)
	l.mu.Unlock()

	if l.hub != nil {
		l.hub.Publish(EventVRMDiscovery, list)
	}
	l.RequestReconcile()
}

// UPNPDevices returns the locally discovered devices.
func (l *Loader) UPNPDevices() []venus.DiscoveredDevice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedDevices(l.upnpDevices)
}

// VRMDevices returns the VRM inventory.
func (l *Loader) VRMDevices() []venus.DiscoveredDevice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedDevices(l.vrmDevices)
}

func sortedDevices(devices map[string]venus.DiscoveredDevice) []venus.DiscoveredDevice {
	list := make([]venus.DiscoveredDevice, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PortalID < list[j].PortalID })
	return list
}
