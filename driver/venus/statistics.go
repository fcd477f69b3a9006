package venus

import (
	"sync"
	"time"
)

// DeviceStatistics is the statistics slot of one session.
type DeviceStatistics struct {
	Type                      Family     `json:"type"`
	Address                   string     `json:"address"`
	Name                      string     `json:"name"`
	PortalID                  string     `json:"portalId,omitempty"`
	IsConnected               bool       `json:"isConnected"`
	Expiry                    *int64     `json:"expiry,omitempty"`
	MeasurementRate           float64    `json:"measurementRate"`
	TotalMeasurementsCount    int64      `json:"totalMeasurementsCount"`
	LastIntervalCount         int64      `json:"lastIntervalCount"`
	DistinctMeasurementsCount int        `json:"distinctMeasurementsCount"`
	LastMeasurement           *time.Time `json:"lastMeasurement,omitempty"`
}

// Statistics holds the slots of all live sessions. Each slot is written by its owning
// session only; Collect reads all of them.
type Statistics struct {
	mu      sync.RWMutex
	devices map[string]*DeviceStatistics
}

func NewStatistics() *Statistics {
	return &Statistics{devices: make(map[string]*DeviceStatistics)}
}

func (s *Statistics) create(key string, slot DeviceStatistics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[key] = &slot
}

func (s *Statistics) update(key string, fn func(*DeviceStatistics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.devices[key]; ok {
		fn(slot)
	}
}

func (s *Statistics) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, key)
}

// Get returns a copy of one slot.
func (s *Statistics) Get(key string) (DeviceStatistics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.devices[key]
	if !ok {
		return DeviceStatistics{}, false
	}
	return *slot, true
}

// Len returns the number of live slots.
func (s *Statistics) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Collect computes the measurement rate of every slot over the given interval and returns
// a snapshot of all slots. A counter that went backwards yields a rate of zero.
func (s *Statistics) Collect(interval time.Duration) map[string]DeviceStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	seconds := interval.Seconds()
	snapshot := make(map[string]DeviceStatistics, len(s.devices))
	for key, slot := range s.devices {
		delta := slot.TotalMeasurementsCount - slot.LastIntervalCount
		if delta < 0 || seconds <= 0 {
			delta = 0
		}
		if seconds > 0 {
			slot.MeasurementRate = float64(delta) / seconds
		} else {
			slot.MeasurementRate = 0
		}
		slot.LastIntervalCount = slot.TotalMeasurementsCount
		snapshot[key] = *slot
	}
	return snapshot
}
