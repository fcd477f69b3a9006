package venus

import (
	"fmt"
	"strings"
	"time"
)

// Family names the way a device was found. Families are independent namespaces.
type Family string

const (
	FamilyUPNP   Family = "UPNP"
	FamilyManual Family = "IP"
	FamilyVRM    Family = "VRM"
)

// Families lists all device families in reconciliation order.
var Families = []Family{FamilyUPNP, FamilyManual, FamilyVRM}

const (
	KeepAliveInterval = 30 * time.Second
	ReconnectPeriod   = 10 * time.Second

	localPort = 1883
	vrmPort   = 8883

	// Topic-Präfixe des Venus-MQTT-Protokolls
	notifyPrefix  = "N"
	requestPrefix = "R"

	anyDeviceFilter = "N/+/#"

	WildcardSubscription = "#"
	SystemSubscription   = "system/#"
	SettingsSubscription = "settings/#"

	serialMeasurement     = "system/Serial"
	systemNameMeasurement = "settings/Settings/SystemSetup/SystemName"

	serialPath     = "system/0/Serial"
	systemNamePath = "settings/0/Settings/SystemSetup/SystemName"

	keepAliveSuppressRepublish = `{ "keepalive-options" : ["suppress-republish"] }`

	clientIDPrefix = "venus_influx_loader"
)

// Device describes the device a session connects to. PortalID and Name start empty for
// manual connections and are learned from the device itself.
type Device struct {
	Type          Family   `json:"type"`
	PortalID      string   `json:"portalId,omitempty"`
	Name          string   `json:"name,omitempty"`
	Address       string   `json:"address"`
	Subscriptions []string `json:"subscriptions"`
}

// DiscoveredDevice is a record emitted by local or cloud discovery.
type DiscoveredDevice struct {
	PortalID string `json:"portalId"`
	Name     string `json:"name,omitempty"`
	Address  string `json:"address"`
}

// State of a device session.
type State int

const (
	StateDetecting State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDetecting:
		return "detecting"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ExpandSubscriptions prepares a stored subscription list for use. An empty list means the
// whole device. A list without the wildcard always gets the system and settings namespaces
// appended so that identity and name can be detected.
func ExpandSubscriptions(list []string) []string {
	if len(list) == 0 {
		return []string{WildcardSubscription}
	}
	result := make([]string, 0, len(list)+2)
	hasSystem, hasSettings := false, false
	for _, s := range list {
		if s == WildcardSubscription {
			return append([]string(nil), list...)
		}
		hasSystem = hasSystem || s == SystemSubscription
		hasSettings = hasSettings || s == SettingsSubscription
		result = append(result, s)
	}
	if !hasSystem {
		result = append(result, SystemSubscription)
	}
	if !hasSettings {
		result = append(result, SettingsSubscription)
	}
	return result
}

// VRMBrokerHost derives the VRM broker shard for a portal id.
func VRMBrokerHost(portalID string) string {
	sum := 0
	for _, c := range strings.ToLower(portalID) {
		sum += int(c)
	}
	return fmt.Sprintf("mqtt%d.victronenergy.com", sum%128)
}

func notifyTopic(portalID, path string) string {
	return notifyPrefix + "/" + portalID + "/" + path
}

func requestTopic(portalID, path string) string {
	return requestPrefix + "/" + portalID + "/" + path
}

// parseTopic splits N/<portalId>/<service>/<instance>/<path...> into its parts.
// The measurement is the service joined with the path, without the instance number.
func parseTopic(topic string) (portalID, instanceNumber, measurement string, ok bool) {
	split := strings.Split(topic, "/")
	if len(split) < 4 {
		return "", "", "", false
	}
	portalID = split[1]
	instanceNumber = split[3]
	measurement = strings.Join(append([]string{split[2]}, split[4:]...), "/")
	return portalID, instanceNumber, measurement, true
}
