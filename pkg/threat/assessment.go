// Package threat runs independent anomaly analyzers and merges their
// findings into a single assessment.
package threat

import (
	"time"

	"sentinel/pkg/incident"
)

// Type classifies a finding.
type Type string

const (
	TypeSuspiciousApp      Type = "SUSPICIOUS_APP_ACTIVITY"
	TypeNetworkAnomaly     Type = "NETWORK_ANOMALY"
	TypeRapidSettings      Type = "RAPID_SETTING_CHANGES"
	TypeUnauthorizedAccess Type = "UNAUTHORIZED_ACCESS_ATTEMPTS"
	TypeDataExfiltration   Type = "DATA_EXFILTRATION"
)

// Vector is one finding from one analyzer.
type Vector struct {
	Type        Type              `json:"type"`
	Description string            `json:"description"`
	Severity    incident.Severity `json:"severity"`
	// Probability is the analyzer's confidence that the finding is real.
	Probability float64   `json:"probability"`
	DetectedAt  time.Time `json:"detected_at"`
}

// SeverityEstimate maps the vector's severity onto [0,1].
func (v Vector) SeverityEstimate() float64 { return v.Severity.Weight() }

// Level is the overall assessment level. It has one more step than
// incident.Severity.
type Level int

const (
	LevelMinimal Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelMinimal:
		return "MINIMAL"
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Severity maps HIGH and CRITICAL to incident severities. Lower levels do
// not raise incidents.
func (l Level) Severity() (incident.Severity, bool) {
	switch l {
	case LevelCritical:
		return incident.SeverityCritical, true
	case LevelHigh:
		return incident.SeverityHigh, true
	}
	return incident.SeverityLow, false
}

// Assessment is the merged result of one analysis pass.
type Assessment struct {
	Level           Level     `json:"level"`
	Vectors         []Vector  `json:"vectors"`
	Recommendations []string  `json:"recommendations"`
	Confidence      float64   `json:"confidence"`
	At              time.Time `json:"at"`
}

// Evaluate merges vectors into an assessment.
func Evaluate(vectors []Vector) Assessment {
	level := LevelFor(vectors)
	return Assessment{
		Level:           level,
		Vectors:         vectors,
		Recommendations: Recommendations(level, vectors),
		Confidence:      Confidence(vectors),
	}
}

// Confidence is the mean severity weight of the vectors. No vectors means
// full confidence that the device is secure.
func Confidence(vectors []Vector) float64 {
	if len(vectors) == 0 {
		return 1.0
	}
	var total float64
	for _, v := range vectors {
		total += v.SeverityEstimate()
	}
	c := total / float64(len(vectors))
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// LevelFor applies the tiered counting rules.
func LevelFor(vectors []Vector) Level {
	var critical, high, medium int
	for _, v := range vectors {
		switch v.Severity {
		case incident.SeverityCritical:
			critical++
		case incident.SeverityHigh:
			high++
		case incident.SeverityMedium:
			medium++
		}
	}
	switch {
	case critical > 0:
		return LevelCritical
	case high >= 2, high >= 1 && medium >= 2:
		return LevelHigh
	case high >= 1, medium >= 2:
		return LevelMedium
	case medium >= 1, len(vectors) >= 4:
		return LevelLow
	}
	return LevelMinimal
}

var levelAdvice = map[Level][]string{
	LevelCritical: {
		"IMMEDIATE ACTION REQUIRED: Consider triggering emergency protocols",
		"Review all recent system changes and app installations",
		"Consider enabling maximum security mode",
	},
	LevelHigh: {
		"Increase monitoring frequency",
		"Review and verify all recent activities",
		"Consider restricting app installations",
	},
	LevelMedium: {
		"Monitor system more closely",
		"Review security settings",
	},
	LevelLow: {
		"Continue normal monitoring",
		"Review recent activities",
	},
	LevelMinimal: {
		"System appears secure",
	},
}

var typeAdvice = map[Type]string{
	TypeSuspiciousApp:      "Review recently installed applications",
	TypeNetworkAnomaly:     "Check network connections and VPN settings",
	TypeUnauthorizedAccess: "Consider changing authentication credentials",
	TypeDataExfiltration:   "Review app permissions and data access",
}

// Recommendations returns level advice followed by per-type advice, without
// duplicates.
func Recommendations(level Level, vectors []Vector) []string {
	out := append([]string(nil), levelAdvice[level]...)
	seen := make(map[string]bool, len(out))
	for _, r := range out {
		seen[r] = true
	}
	for _, v := range vectors {
		r, ok := typeAdvice[v.Type]
		if !ok || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
