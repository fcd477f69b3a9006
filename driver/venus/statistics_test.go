package venus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatisticsCollectRate(t *testing.T) {
	stats := NewStatistics()
	stats.create("IP:10.0.0.5:", DeviceStatistics{Type: FamilyManual, Address: "10.0.0.5"})
	stats.update("IP:10.0.0.5:", func(s *DeviceStatistics) { s.TotalMeasurementsCount = 50 })

	snapshot := stats.Collect(5 * time.Second)
	require.Contains(t, snapshot, "IP:10.0.0.5:")
	assert.Equal(t, 10.0, snapshot["IP:10.0.0.5:"].MeasurementRate)
	assert.EqualValues(t, 50, snapshot["IP:10.0.0.5:"].LastIntervalCount)

	snapshot = stats.Collect(5 * time.Second)
	assert.Equal(t, 0.0, snapshot["IP:10.0.0.5:"].MeasurementRate)
}

func TestStatisticsCollectNegativeDelta(t *testing.T) {
	stats := NewStatistics()
	stats.create("k", DeviceStatistics{})
	stats.update("k", func(s *DeviceStatistics) { s.TotalMeasurementsCount = 10 })
	stats.Collect(time.Second)

	stats.update("k", func(s *DeviceStatistics) { s.TotalMeasurementsCount = 3 })
	snapshot := stats.Collect(time.Second)
	assert.Equal(t, 0.0, snapshot["k"].MeasurementRate)
	assert.EqualValues(t, 3, snapshot["k"].LastIntervalCount)
}

func TestStatisticsSnapshotIsCopy(t *testing.T) {
	stats := NewStatistics()
	stats.create("k", DeviceStatistics{Name: "a"})
	snapshot := stats.Collect(time.Second)

	stats.update("k", func(s *DeviceStatistics) { s.Name = "b" })
	assert.Equal(t, "a", snapshot["k"].Name)

	stats.remove("k")
	_, ok := stats.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, stats.Len())
}

func TestStatisticsKey(t *testing.T) {
	assert.Equal(t, "IP:10.0.0.5:", StatisticsKey(Device{Type: FamilyManual, Address: "10.0.0.5"}))
	assert.Equal(t, "UPNP:10.0.0.7:abc", StatisticsKey(Device{Type: FamilyUPNP, Address: "10.0.0.7", PortalID: "abc"}))
}
