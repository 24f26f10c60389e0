// Package incident defines the shared vocabulary of the agent: severities,
// reason codes, the immutable Incident record and the error taxonomy used
// by every stage of the response pipeline.
package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is ordered: LOW < MEDIUM < HIGH < CRITICAL.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// Valid reports whether s is one of the four defined severities.
func (s Severity) Valid() bool { return s >= SeverityLow && s <= SeverityCritical }

// Weight is the confidence weight of a severity used by threat aggregation.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.2
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.8
	case SeverityCritical:
		return 1.0
	default:
		return 0
	}
}

// ParseSeverity accepts the canonical names case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Severity(i), nil
		}
	}
	return SeverityMedium, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Incident is one triggered security reaction. Values are never mutated
// after creation; WithBrokered returns a copy.
type Incident struct {
	ID          string    `json:"id"`
	Reason      string    `json:"reason"`
	Severity    Severity  `json:"severity"`
	TriggeredAt time.Time `json:"triggered_at"`
	Brokered    bool      `json:"brokered"`
}

// New creates an incident stamped with a fresh id.
func New(reason string, severity Severity, at time.Time) Incident {
	if reason == "" {
		reason = ReasonUnknown
	}
	return Incident{
		ID:          uuid.NewString(),
		Reason:      reason,
		Severity:    severity,
		TriggeredAt: at,
	}
}

// WithBrokered returns a copy marked as already brokered.
func (i Incident) WithBrokered() Incident {
	i.Brokered = true
	return i
}

// NeedsCamera reports whether the severity's action set captures media.
func (i Incident) NeedsCamera() bool {
	return i.Severity >= SeverityMedium
}

func (i Incident) String() string {
	return fmt.Sprintf("%s/%s", i.Reason, i.Severity)
}
