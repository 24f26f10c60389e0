package alert

import (
	"fmt"

	"sentinel/pkg/incident"
)

// Template keys.
const (
	TemplateIntruder       = "INTRUDER"
	TemplateDuress         = "DURESS"
	TemplateSimChange      = "SIM_CHANGE"
	TemplateDeviceMoved    = "DEVICE_MOVED"
	TemplateSystemBreach   = "SYSTEM_BREACH"
	TemplateSystemTamper   = "SYSTEM_TAMPER"
	TemplateRemoteAction   = "REMOTE_ACTION"
	TemplateGenericMedium  = "GENERIC_MEDIUM"
	TemplateGenericHigh    = "GENERIC_HIGH"
	TemplateUrgentPreamble = "URGENT_PREAMBLE"
)

// Template is the subject and body of an alert. Urgent alerts get a subject
// prefix and priority headers on the rich transport.
type Template struct {
	Key     string
	Subject string
	Body    string
	Urgent  bool
}

var catalogue = map[string]Template{
	TemplateIntruder: {
		Subject: "Security Alert: Intruder Detected",
		Body:    "Multiple failed authentication attempts detected on your secured device. Evidence is attached.",
		Urgent:  true,
	},
	TemplateDuress: {
		Subject: "Emergency Alert: Duress Code Activated",
		Body:    "The duress code has been entered on your device. This may indicate the owner is in distress or under coercion. Evidence is attached.",
		Urgent:  true,
	},
	TemplateSimChange: {
		Subject: "Security Alert: SIM Card Changed",
		Body:    "The SIM card in your secured device has been replaced. This may indicate theft or unauthorized access.",
		Urgent:  true,
	},
	TemplateDeviceMoved: {
		Subject: "Security Alert: Device Left Safe Zone",
		Body:    "Your secured device has been moved from its designated safe zone.",
	},
	TemplateSystemBreach: {
		Subject: "CRITICAL Alert: Security System Compromised",
		Body:    "An attempt to disable or tamper with the Sentinel security agent has been detected.",
		Urgent:  true,
	},
	TemplateSystemTamper: {
		Subject: "Security Alert: System Tampering Detected",
		Body:    "A potential attempt to tamper with the device (e.g., fake shutdown) has been detected.",
		Urgent:  true,
	},
	TemplateRemoteAction: {
		Subject: "Security Alert: Remote Action Triggered",
		Body:    "A remote action (e.g., siren) was successfully triggered on the device.",
	},
	TemplateGenericMedium: {
		Subject: "Security Alert: Medium Priority Event",
		Body:    "A medium priority security event was detected.",
	},
	TemplateGenericHigh: {
		Subject: "URGENT Security Alert: High Priority Event",
		Body:    "A high priority security event was detected.",
		Urgent:  true,
	},
	TemplateUrgentPreamble: {
		Subject: "CRITICAL ALERT",
		Body:    "This is an urgent preliminary alert.",
		Urgent:  true,
	},
}

// Lookup returns the template for key, or the generic medium template for
// an unknown key. It never fails.
func Lookup(key string) Template {
	t, ok := catalogue[key]
	if !ok {
		key = TemplateGenericMedium
		t = catalogue[key]
	}
	t.Key = key
	return t
}

// ForIncident selects the alert template for a reason at a severity.
func ForIncident(reason string, severity incident.Severity) Template {
	switch severity {
	case incident.SeverityLow:
		if reason == incident.ReasonGeofenceExit {
			return Lookup(TemplateDeviceMoved)
		}
		return Template{
			Key:     "LOW_" + reason,
			Subject: "Sentinel Alert: " + reason,
			Body:    "Low severity event detected: " + reason,
		}
	case incident.SeverityMedium:
		switch reason {
		case incident.ReasonIntruderSelfie:
			return Lookup(TemplateIntruder)
		case incident.ReasonSimChanged:
			return Lookup(TemplateSimChange)
		case incident.ReasonFakeShutdown:
			return Lookup(TemplateSystemTamper)
		}
		return Lookup(TemplateGenericMedium)
	case incident.SeverityHigh:
		switch reason {
		case incident.ReasonDuressPin, incident.ReasonShakeTriggered:
			return Lookup(TemplateDuress)
		case incident.ReasonUninstallAttempt:
			return Lookup(TemplateSystemBreach)
		case incident.ReasonRemoteSiren:
			return Lookup(TemplateRemoteAction)
		case incident.ReasonAILockdown:
			t := Lookup(TemplateSystemBreach)
			t.Subject = "Security Alert: AI-Initiated Lockdown"
			return t
		}
		return Lookup(TemplateGenericHigh)
	case incident.SeverityCritical:
		t := Lookup(TemplateSystemBreach)
		t.Body = fmt.Sprintf("CRITICAL INCIDENT: %s. Full device diagnostics and evidence package attached.", reason)
		return t
	}
	return Lookup(TemplateGenericMedium)
}

// Preamble is the short stand-by alert sent before critical capture starts.
func Preamble(reason string) Template {
	t := Lookup(TemplateUrgentPreamble)
	t.Body = fmt.Sprintf("CRITICAL INCIDENT: %s. Stand by for evidence package.", reason)
	return t
}
