package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"venus-influx-loader/driver/venus"
)

const (
	apiInitialBackoff = 500 * time.Millisecond
	apiMaxBackoff     = 5 * time.Second
	apiMaxElapsed     = 2 * time.Minute
)

// APIClient posts discovery results and log lines to a loader's discovery-api. It lets
// the UPNP browser run on a host network while the loader itself does not.
type APIClient struct {
	discoveryURL *url.URL
	logURL       *url.URL
	client       *http.Client
	maxElapsed   time.Duration
}

// NewAPIClient expects the discovery-api base URL, e.g. http://localhost:8088/discovery-api/.
func NewAPIClient(endpoint string) (*APIClient, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse discovery api url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid discovery api url: %s", endpoint)
	}
	// relative Auflösung braucht einen abschließenden Schrägstrich
	if len(base.Path) == 0 || base.Path[len(base.Path)-1] != '/' {
		base.Path += "/"
	}
	return &APIClient{
		discoveryURL: base.ResolveReference(&url.URL{Path: "upnpDiscovered"}),
		logURL:       base.ResolveReference(&url.URL{Path: "log"}),
		client:       &http.Client{Timeout: 10 * time.Second},
		maxElapsed:   apiMaxElapsed,
	}, nil
}

// PostDevice reports a discovered device, retrying until the loader accepts it.
func (c *APIClient) PostDevice(ctx context.Context, device venus.DiscoveredDevice) error {
	return c.post(ctx, c.discoveryURL, device)
}

// PostLog forwards a log line.
func (c *APIClient) PostLog(ctx context.Context, level, message string) error {
	return c.post(ctx, c.logURL, map[string]string{"level": level, "message": message})
}

func (c *APIClient) post(ctx context.Context, target *url.URL, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = apiInitialBackoff
	bo.MaxInterval = apiMaxBackoff

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// Anfrage ist ungültig, Wiederholen hilft nicht
			return struct{}{}, backoff.Permanent(fmt.Errorf("%s: status %d", target, resp.StatusCode))
		default:
			return struct{}{}, fmt.Errorf("%s: status %d", target, resp.StatusCode)
		}
	}

	if _, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(c.maxElapsed)); err != nil {
		return fmt.Errorf("post to discovery api: %w", err)
	}
	return nil
}
