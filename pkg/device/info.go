package device

import (
	"fmt"
	"strings"
)

// Info is the diagnostics block attached to critical alerts.
type Info struct {
	DeviceID        string   `json:"device_id"`
	Manufacturer    string   `json:"manufacturer"`
	Model           string   `json:"model"`
	OSVersion       string   `json:"os_version"`
	SecurityPatch   string   `json:"security_patch"`
	BatteryLevel    int      `json:"battery_level"`
	Charging        bool     `json:"charging"`
	NetworkOperator string   `json:"network_operator,omitempty"`
	SIMSerial       string   `json:"sim_serial,omitempty"`
	IMEI            string   `json:"imei,omitempty"`
	SecurityApps    []string `json:"security_apps,omitempty"`
}

func orUnknown(s, unknown string) string {
	if s == "" {
		return unknown
	}
	return s
}

// Format renders Info as the plain-text diagnostics block.
func (i Info) Format() string {
	var b strings.Builder
	b.WriteString("DEVICE INFORMATION:\n-------------------\n")
	fmt.Fprintf(&b, "Device ID: %s\n", orUnknown(i.DeviceID, "Unknown"))
	fmt.Fprintf(&b, "Manufacturer: %s\n", orUnknown(i.Manufacturer, "Unknown"))
	fmt.Fprintf(&b, "Model: %s\n", orUnknown(i.Model, "Unknown"))
	fmt.Fprintf(&b, "OS Version: %s\n", orUnknown(i.OSVersion, "Unknown"))
	fmt.Fprintf(&b, "Security Patch: %s\n\n", orUnknown(i.SecurityPatch, "Unknown"))

	b.WriteString("POWER STATUS:\n-------------\n")
	fmt.Fprintf(&b, "Battery Level: %d%%\n", i.BatteryLevel)
	charging := "No"
	if i.Charging {
		charging = "Yes"
	}
	fmt.Fprintf(&b, "Charging: %s\n\n", charging)

	b.WriteString("NETWORK INFORMATION:\n--------------------\n")
	fmt.Fprintf(&b, "Network Operator: %s\n", orUnknown(i.NetworkOperator, "Unknown"))
	fmt.Fprintf(&b, "SIM Serial: %s\n", orUnknown(i.SIMSerial, "Unknown/No Permission"))
	fmt.Fprintf(&b, "IMEI: %s\n", orUnknown(i.IMEI, "Unknown/No Permission"))

	if len(i.SecurityApps) > 0 {
		b.WriteString("\nINSTALLED SECURITY APPS:\n------------------------\n")
		for _, a := range i.SecurityApps {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}
