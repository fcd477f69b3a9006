package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"venus-influx-loader/driver/venus"
)

const (
	ssdpAddress      = "239.255.255.250:1900"
	ssdpSearchTarget = "urn:schemas-upnp-org:device:Basic:1"
	venusUSNPrefix   = "uuid:com.victronenergy.ccgx"

	defaultSearchInterval = 60 * time.Second
	descriptionTimeout    = 10 * time.Second
	maxDatagramSize       = 8192
)

// UPNPBrowser searches the local network for Venus devices with SSDP and reports every
// device whose description carries a VRM portal id.
type UPNPBrowser struct {
	log      *logrus.Entry
	onDevice func(venus.DiscoveredDevice)
	client   *http.Client

	// Ziel der M-SEARCH-Anfragen, in Tests ein lokaler Socket
	target         string
	searchInterval time.Duration
	listen         func() (net.PacketConn, error)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewUPNPBrowser creates a stopped browser. onDevice is called from the browser's
// goroutine for every response that resolves to a Venus device.
func NewUPNPBrowser(onDevice func(venus.DiscoveredDevice)) *UPNPBrowser {
	return &UPNPBrowser{
		log:            logrus.WithField("label", "upnp"),
		onDevice:       onDevice,
		client:         &http.Client{Timeout: descriptionTimeout},
		target:         ssdpAddress,
		searchInterval: defaultSearchInterval,
		listen: func() (net.PacketConn, error) {
			return net.ListenPacket("udp4", ":0")
		},
	}
}

// Start opens the search socket and browses until Stop or until ctx ends.
func (b *UPNPBrowser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	conn, err := b.listen()
	if err != nil {
		return fmt.Errorf("open ssdp socket: %w", err)
	}
	target, err := net.ResolveUDPAddr("udp4", b.target)
	if err != nil {
		conn.Close()
		return fmt.Errorf("resolve %s: %w", b.target, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	b.log.Info("Starting UPNP Discovery...")
	go b.run(runCtx, conn, target, b.done)
	return nil
}

// Stop ends browsing and waits for the browser goroutine.
func (b *UPNPBrowser) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	b.log.Info("Stopping UPNP Discovery")
	cancel()
	<-done
}

// IsRunning reports whether the browser is started.
func (b *UPNPBrowser) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *UPNPBrowser) run(ctx context.Context, conn net.PacketConn, target net.Addr, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	// der Lesezugriff wird durch Schließen des Sockets beendet
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		ticker := time.NewTicker(b.searchInterval)
		defer ticker.Stop()
		for {
			if err := b.search(conn, target); err != nil && ctx.Err() == nil {
				b.log.Errorf("M-SEARCH failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil {
				b.log.Errorf("Reading SSDP response failed: %v", err)
			}
			return
		}
		b.handleResponse(ctx, buf[:n], addr)
	}
}

func (b *UPNPBrowser) search(conn net.PacketConn, target net.Addr) error {
	msg := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddress + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 3\r\n" +
		"ST: " + ssdpSearchTarget + "\r\n\r\n"
	_, err := conn.WriteTo([]byte(msg), target)
	return err
}

func (b *UPNPBrowser) handleResponse(ctx context.Context, datagram []byte, addr net.Addr) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(datagram)), nil)
	if err != nil {
		b.log.Debugf("Ignoring malformed SSDP response from %s: %v", addr, err)
		return
	}
	resp.Body.Close()

	usn := resp.Header.Get("USN")
	location := resp.Header.Get("LOCATION")
	if !strings.HasPrefix(usn, venusUSNPrefix) || location == "" {
		return
	}

	name, portalID, err := b.fetchDescription(ctx, location)
	if err != nil {
		b.log.Errorf("%v", err)
		return
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	device := venus.DiscoveredDevice{PortalID: portalID, Name: name, Address: host}
	b.log.Infof("Found: %s, portalId: %s, address: %s", device.Name, device.PortalID, device.Address)
	if b.onDevice != nil {
		b.onDevice(device)
	}
}

func (b *UPNPBrowser) fetchDescription(ctx context.Context, location string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", "", fmt.Errorf("device description %s: %w", location, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("device description %s: %w", location, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("device description %s: status %d", location, resp.StatusCode)
	}
	return parseDeviceDescription(resp.Body)
}

type deviceDescription struct {
	Device struct {
		FriendlyName string `xml:"friendlyName"`
		PortalID     string `xml:"X_VrmPortalId"`
	} `xml:"device"`
}

// parseDeviceDescription extracts friendly name and portal id from a UPnP device
// description document.
func parseDeviceDescription(r io.Reader) (string, string, error) {
	var desc deviceDescription
	if err := xml.NewDecoder(r).Decode(&desc); err != nil {
		return "", "", fmt.Errorf("parse device description: %w", err)
	}
	portalID := strings.TrimSpace(desc.Device.PortalID)
	if portalID == "" {
		return "", "", fmt.Errorf("device description without portal id")
	}
	return strings.TrimSpace(desc.Device.FriendlyName), portalID, nil
}
