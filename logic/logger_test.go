package logic

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogStoreKeepsLastEntries(t *testing.T) {
	hub := NewHub()
	store := NewLogStore(3, hub)
	events, cancel := hub.Subscribe(10)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Fire(&logrus.Entry{
			Time:    time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
			Level:   logrus.WarnLevel,
			Message: fmt.Sprintf("msg %d", i),
			Data:    logrus.Fields{"label": "influxdb"},
		}))
	}

	entries := store.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "msg 2", entries[0].Message)
	assert.Equal(t, "msg 4", entries[2].Message)
	assert.Equal(t, "warn", entries[2].Level)
	assert.Equal(t, "influxdb", entries[2].Label)
	assert.Equal(t, "2024-01-01T00:00:04Z", entries[2].Timestamp)

	assert.Len(t, events, 5)
	event := <-events
	assert.Equal(t, EventLog, event.Type)

	store.ClearLogs()
	assert.Empty(t, store.Entries())
}

func TestLogStoreAdd(t *testing.T) {
	store := NewLogStore(0, nil)
	store.Add(LogEntry{Level: "info", Label: "upnp", Message: "found"})

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].Timestamp)
	assert.Equal(t, maxLogEntries, store.max)
}

func TestSetDebug(t *testing.T) {
	level := logrus.GetLevel()
	defer logrus.SetLevel(level)

	hub := NewHub()
	SetDebug(true, hub)
	assert.True(t, IsDebug())
	event, ok := hub.Last(EventDebug)
	require.True(t, ok)
	assert.Equal(t, true, event.Data)

	SetDebug(false, hub)
	assert.False(t, IsDebug())
}
