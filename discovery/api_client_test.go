package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venus-influx-loader/driver/venus"
)

func TestNewAPIClient(t *testing.T) {
	c, err := NewAPIClient("http://localhost:8088/discovery-api")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8088/discovery-api/upnpDiscovered", c.discoveryURL.String())
	assert.Equal(t, "http://localhost:8088/discovery-api/log", c.logURL.String())

	_, err = NewAPIClient("localhost")
	assert.Error(t, err)
}

func TestAPIClientRetries(t *testing.T) {
	var calls int32
	var got venus.DiscoveredDevice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/discovery-api/upnpDiscovered", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c, err := NewAPIClient(srv.URL + "/discovery-api/")
	require.NoError(t, err)

	device := venus.DiscoveredDevice{PortalID: "abc", Name: "Boat", Address: "10.0.0.7"}
	require.NoError(t, c.PostDevice(context.Background(), device))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, device, got)
}

func TestAPIClientClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewAPIClient(srv.URL + "/discovery-api/")
	require.NoError(t, err)

	err = c.PostLog(context.Background(), "info", "hello")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAPIClientGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewAPIClient(srv.URL + "/discovery-api/")
	require.NoError(t, err)
	c.maxElapsed = 200 * time.Millisecond

	assert.Error(t, c.PostLog(context.Background(), "error", "boom"))
}
