package alert

import (
	"fmt"
	"strings"
	"time"

	"sentinel/pkg/audit"
	"sentinel/pkg/capture"
	"sentinel/pkg/device"
)

// Message is everything the dispatcher needs to send one alert.
type Message struct {
	Template   Template
	IncidentID string
	Bundle     *capture.Bundle
	DeviceInfo *device.Info
	// Attachments are sent in addition to the bundle's artifacts.
	Attachments []capture.Artifact
	// Routine marks periodic traffic such as watchdog beacons. It trips a
	// separate circuit so its failures never fail an incident alert fast.
	Routine bool
}

// Subject applies the urgent prefix.
func (m Message) Subject() string {
	if m.Template.Urgent {
		return "[URGENT] " + m.Template.Subject
	}
	return m.Template.Subject
}

// MapsSearchURL is the link used in email footers.
func MapsSearchURL(loc device.Location) string {
	return fmt.Sprintf("https://www.google.com/maps/search/?api=1&query=%v,%v", loc.Latitude, loc.Longitude)
}

// MapsShortURL is the link used in text messages.
func MapsShortURL(loc device.Location) string {
	return fmt.Sprintf("https://maps.google.com?q=%v,%v", loc.Latitude, loc.Longitude)
}

// RenderBody builds the email body: template body, evidence footer,
// optional diagnostics and the per-file digests of attachments.
func RenderBody(m Message, now time.Time) string {
	var b strings.Builder
	b.WriteString(m.Template.Body)

	ts := now
	if m.Bundle != nil && !m.Bundle.CapturedAt.IsZero() {
		ts = m.Bundle.CapturedAt
	}
	b.WriteString("\n\n--- EVIDENCE DETAILS ---\n")
	fmt.Fprintf(&b, "Timestamp: %s\n", ts.Format(time.RFC1123))
	if m.IncidentID != "" {
		fmt.Fprintf(&b, "Incident: %s\n", m.IncidentID)
	}
	if m.Bundle != nil && m.Bundle.Location != nil {
		loc := *m.Bundle.Location
		fmt.Fprintf(&b, "GPS Coordinates: %v, %v\n", loc.Latitude, loc.Longitude)
		fmt.Fprintf(&b, "Accuracy: %vm\n", loc.Accuracy)
		fmt.Fprintf(&b, "Google Maps: %s\n", MapsSearchURL(loc))
	}

	if arts := append(m.Bundle.Artifacts(), m.Attachments...); len(arts) > 0 {
		b.WriteString("\n--- EVIDENCE DIGESTS (SHA-256) ---\n")
		for _, a := range arts {
			d, err := audit.FileDigest(a.Path)
			if err != nil {
				d = "unavailable"
			}
			fmt.Fprintf(&b, "%s: %s\n", a.Name, d)
		}
	}

	if m.DeviceInfo != nil {
		b.WriteString("\n--- DEVICE DIAGNOSTICS ---\n")
		b.WriteString(m.DeviceInfo.Format())
	}

	b.WriteString("\nThis message was sent automatically by the Sentinel security agent.")
	return b.String()
}

// RenderText builds the degraded text message.
func RenderText(m Message, loc *device.Location) string {
	where := "Location unavailable."
	if loc != nil {
		where = "Location: " + MapsShortURL(*loc)
	}
	return fmt.Sprintf("Sentinel Alert: %s. %s", m.Template.Subject, where)
}
