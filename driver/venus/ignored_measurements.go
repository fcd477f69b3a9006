package venus

import "strings"

// ignoredMeasurements are measurement path prefixes that are never counted or stored.
// They are either noisy (counters that change on every publish) or carry no telemetry.
var ignoredMeasurements = []string{
	"vebus/Interfaces/Mk2/Tunnel",
	"vebus/Devices/",
	"vebus/Interfaces/Mk2/Version",
	"settings/Settings/Vrmlogger/Url",
	"settings/Settings/Gui/",
	"settings/Settings/Services/",
	"system/Buzzer/",
	"system/Relay/",
	"platform/Device/",
	"logger/Vrm/",
	"logger/Buffer/",
	"logger/Storage/",
	"modbustcp/Services/",
	"fronius/AutoDetect",
	"fronius/ScanProgress",
	"fronius/Inverters/",
	"adc/Devices/",
	"digitalinputs/Devices/",
}

// IsIgnoredMeasurement reports whether the measurement path starts with one of the
// ignored prefixes.
func IsIgnoredMeasurement(measurement string) bool {
	for _, prefix := range ignoredMeasurements {
		if strings.HasPrefix(measurement, prefix) {
			return true
		}
	}
	return false
}
