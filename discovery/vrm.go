package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"venus-influx-loader/driver/venus"
	"venus-influx-loader/logic"
)

const (
	VRMAPIURL = "https://vrmapi.victronenergy.com/v2"

	vrmRequestTimeout = 30 * time.Second

	vrmStatusSuccess = "success"
	vrmStatusFailure = "failure"
)

// ErrVRMNotLoggedIn is returned when an operation needs a VRM token that is not stored.
var ErrVRMNotLoggedIn = errors.New("not logged into VRM")

// VRMStore is the part of the configuration store the VRM client reads and updates.
type VRMStore interface {
	Config() logic.AppConfig
	Secrets() logic.SecretsConfig
	SetSecrets(secrets logic.SecretsConfig) error
	UpdateConfig(fn func(*logic.AppConfig)) error
}

// EventPublisher receives VRMSTATUS events.
type EventPublisher interface {
	Publish(eventType logic.EventType, data interface{})
}

// VRM talks to the VRM cloud API: login, logout and the installation inventory.
type VRM struct {
	baseURL   string
	client    *http.Client
	store     VRMStore
	events    EventPublisher
	onDevices func([]venus.DiscoveredDevice)
	log       *logrus.Entry

	mu    sync.Mutex
	names map[string]string
}

// NewVRM creates a client for the public VRM API. onDevices receives the installation list
// after every successful refresh.
func NewVRM(store VRMStore, events EventPublisher, onDevices func([]venus.DiscoveredDevice)) *VRM {
	return NewVRMWithURL(VRMAPIURL, store, events, onDevices)
}

func NewVRMWithURL(baseURL string, store VRMStore, events EventPublisher, onDevices func([]venus.DiscoveredDevice)) *VRM {
	return &VRM{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: vrmRequestTimeout},
		store:     store,
		events:    events,
		onDevices: onDevices,
		log:       logrus.WithField("label", "vrm"),
		names:     make(map[string]string),
	}
}

func (v *VRM) good(msg string) {
	if v.events != nil {
		v.events.Publish(logic.EventVRMStatus, logic.VRMStatus{Status: vrmStatusSuccess, Message: msg})
	}
	v.log.Info(msg)
}

func (v *VRM) fail(msg string) {
	if v.events != nil {
		v.events.Publish(logic.EventVRMStatus, logic.VRMStatus{Status: vrmStatusFailure, Message: msg})
	}
	v.log.Error(msg)
}

// flexString nimmt JSON-Strings und -Zahlen an
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type vrmLoginResponse struct {
	Token  string          `json:"token"`
	IDUser json.Number     `json:"idUser"`
	Errors json.RawMessage `json:"errors"`
}

type vrmAccessTokenResponse struct {
	Success       bool            `json:"success"`
	Token         string          `json:"token"`
	IDAccessToken flexString      `json:"idAccessToken"`
	Errors        json.RawMessage `json:"errors"`
}

type vrmUsersMeResponse struct {
	Success bool `json:"success"`
	User    struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	} `json:"user"`
	Errors json.RawMessage `json:"errors"`
}

type vrmInstallationsResponse struct {
	Success bool `json:"success"`
	Records []struct {
		Identifier flexString `json:"identifier"`
		Name       string     `json:"name"`
		MQTTHost   string     `json:"mqtt_host"`
	} `json:"records"`
	Errors json.RawMessage `json:"errors"`
}

// LoginWithCredentials logs in with username and password and creates a named access
// token that is stored as the loader's VRM credential.
func (v *VRM) LoginWithCredentials(ctx context.Context, username, password, tokenName string) error {
	v.good("Logging into VRM with Username & Password...")

	var login vrmLoginResponse
	body := map[string]string{"username": username, "password": password}
	if err := v.do(ctx, http.MethodPost, "/auth/login", "", body, &login); err != nil {
		v.fail(fmt.Sprintf("Login failed: %v", err))
		return err
	}
	userID, err := login.IDUser.Int64()
	if err != nil || login.Token == "" {
		err = fmt.Errorf("unexpected login response: %s", errorText(login.Errors))
		v.fail(fmt.Sprintf("Login failed: %v", err))
		return err
	}

	v.good("Creating VRM Access Token...")

	var created vrmAccessTokenResponse
	path := fmt.Sprintf("/users/%d/accesstokens/create", userID)
	if err := v.do(ctx, http.MethodPost, path, "Bearer "+login.Token, map[string]string{"name": tokenName}, &created); err != nil {
		v.fail(fmt.Sprintf("Login failed: %v", err))
		return err
	}
	if !created.Success || created.Token == "" {
		err := fmt.Errorf("%s", errorText(created.Errors))
		v.fail(fmt.Sprintf("Login failed: %v", err))
		return err
	}

	secrets := v.store.Secrets()
	secrets.VRMUsername = username
	secrets.VRMUserID = userID
	secrets.VRMToken = created.Token
	secrets.VRMTokenID = string(created.IDAccessToken)
	if err := v.saveLogin(secrets); err != nil {
		v.fail(fmt.Sprintf("Login failed: %v", err))
		return err
	}
	v.good("Login successful")
	return nil
}

// LoginWithToken validates an existing access token and stores it.
func (v *VRM) LoginWithToken(ctx context.Context, token string) error {
	v.good("Logging into VRM with Token...")

	var me vrmUsersMeResponse
	if err := v.do(ctx, http.MethodGet, "/users/me", "Token "+token, nil, &me); err != nil {
		v.fail(fmt.Sprintf("Login failed: %v", err))
		return err
	}
	userID, err := me.User.ID.Int64()
	if !me.Success || err != nil {
		err = fmt.Errorf("%s", errorText(me.Errors))
		v.fail(fmt.Sprintf("Login failed: %v", err))
		return err
	}

	secrets := v.store.Secrets()
	secrets.VRMToken = token
	secrets.VRMTokenID = ""
	secrets.VRMUserID = userID
	secrets.VRMUsername = me.User.Name
	if err := v.saveLogin(secrets); err != nil {
		v.fail(fmt.Sprintf("Login failed: %v", err))
		return err
	}
	v.good("Login successful")
	return nil
}

func (v *VRM) saveLogin(secrets logic.SecretsConfig) error {
	if err := v.store.SetSecrets(secrets); err != nil {
		return err
	}
	return v.store.UpdateConfig(func(cfg *logic.AppConfig) { cfg.VRM.HasToken = true })
}

// Logout invalidates the token at VRM when possible, then forgets the VRM credentials and
// every enabled VRM portal. A failed remote logout does not prevent the local one.
func (v *VRM) Logout(ctx context.Context) error {
	v.log.Info("Logging out of VRM")

	secrets := v.store.Secrets()
	if secrets.VRMToken != "" {
		if err := v.do(ctx, http.MethodGet, "/auth/logout", "Token "+secrets.VRMToken, nil, nil); err != nil {
			v.fail(fmt.Sprintf("Logout failed: %v", err))
		}
	}

	secrets.VRMToken = ""
	secrets.VRMTokenID = ""
	secrets.VRMUserID = 0
	secrets.VRMUsername = ""
	if err := v.store.SetSecrets(secrets); err != nil {
		return err
	}
	if err := v.store.UpdateConfig(func(cfg *logic.AppConfig) {
		cfg.VRM.EnabledPortalIDs = []string{}
		cfg.VRM.ManualPortalIDs = []logic.VRMPortalConfig{}
		cfg.VRM.HasToken = false
	}); err != nil {
		return err
	}

	v.mu.Lock()
	v.names = make(map[string]string)
	v.mu.Unlock()
	if v.onDevices != nil {
		v.onDevices([]venus.DiscoveredDevice{})
	}
	return nil
}

// Refresh fetches the installation inventory. Without stored credentials it does nothing.
func (v *VRM) Refresh(ctx context.Context) error {
	secrets := v.store.Secrets()
	if secrets.VRMToken == "" || secrets.VRMUserID == 0 {
		return nil
	}

	if !v.store.Config().VRM.Enabled {
		if v.onDevices != nil {
			v.onDevices([]venus.DiscoveredDevice{})
		}
		v.fail("Connection to Venus Devices via VRM is disabled")
		return nil
	}

	v.good("Getting installations...")
	devices, err := v.installations(ctx, secrets)
	if err != nil {
		v.fail(fmt.Sprintf("Getting installations failed: %v", err))
		return err
	}
	if v.onDevices != nil {
		v.onDevices(devices)
	}
	v.good("Installations Retrieved")
	return nil
}

// InstallationName returns the VRM name of an installation. Names come from the last
// inventory; an unknown portal id triggers a fresh lookup.
func (v *VRM) InstallationName(ctx context.Context, portalID string) (string, error) {
	v.mu.Lock()
	name, ok := v.names[portalID]
	v.mu.Unlock()
	if ok {
		return name, nil
	}

	secrets := v.store.Secrets()
	if secrets.VRMToken == "" || secrets.VRMUserID == 0 {
		return "", ErrVRMNotLoggedIn
	}
	if _, err := v.installations(ctx, secrets); err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	name, ok = v.names[portalID]
	if !ok {
		return "", fmt.Errorf("installation %s not found", portalID)
	}
	return name, nil
}

func (v *VRM) installations(ctx context.Context, secrets logic.SecretsConfig) ([]venus.DiscoveredDevice, error) {
	var resp vrmInstallationsResponse
	path := fmt.Sprintf("/users/%d/installations", secrets.VRMUserID)
	if err := v.do(ctx, http.MethodGet, path, "Token "+secrets.VRMToken, nil, &resp); err != nil {
		return nil, err
	}

	devices := make([]venus.DiscoveredDevice, 0, len(resp.Records))
	names := make(map[string]string, len(resp.Records))
	for _, record := range resp.Records {
		id := string(record.Identifier)
		if id == "" {
			continue
		}
		devices = append(devices, venus.DiscoveredDevice{PortalID: id, Name: record.Name, Address: record.MQTTHost})
		names[id] = record.Name
	}

	v.mu.Lock()
	v.names = names
	v.mu.Unlock()
	return devices, nil
}

// do sends a JSON request to the VRM API and decodes a JSON response into out. Any status
// other than 200 is an error carrying the API's error text.
func (v *VRM) do(ctx context.Context, method, path, authorization string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("X-Authorization", authorization)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	v.log.Debugf("%s %s: %d", method, path, resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Errors json.RawMessage `json:"errors"`
		}
		if json.Unmarshal(data, &apiErr) == nil && len(apiErr.Errors) > 0 {
			return fmt.Errorf("status %d: %s", resp.StatusCode, errorText(apiErr.Errors))
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// errorText renders the "errors" member of a VRM response, which is either a string or an
// object.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "unknown error"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
