package orchestrator

import (
	"time"

	"sentinel/pkg/alert"
	"sentinel/pkg/incident"
)

// Action is one step of an incident response.
type Action string

const (
	ActionPreamble    Action = "preamble"
	ActionCapture     Action = "capture"
	ActionAudio       Action = "audio"
	ActionDiagnostics Action = "diagnostics"
	ActionAlert       Action = "alert"
	ActionSaveSelfie  Action = "save_selfie"
	ActionSiren       Action = "siren"
	ActionLock        Action = "lock"
	ActionWipe        Action = "wipe"
)

// IsSideEffect reports whether a is a reason-specific action gated by its
// own feature flag rather than by severity.
func (a Action) IsSideEffect() bool {
	switch a {
	case ActionSaveSelfie, ActionSiren, ActionLock, ActionWipe:
		return true
	}
	return false
}

// Features are the owner-controlled switches that shape a plan.
type Features struct {
	AmbientAudio      bool
	WipeDevice        bool
	SecureWipe        bool
	SaveSelfie        bool
	StealthCapture    bool
	StealthScreenshot bool
}

// Durations per severity.
const (
	MediumVideo   = 5 * time.Second
	HighVideo     = 15 * time.Second
	HighAudio     = 30 * time.Second
	CriticalVideo = 30 * time.Second
	CriticalAudio = 60 * time.Second
	SirenDuration = 30 * time.Second
)

// Plan is the ordered response for one incident.
type Plan struct {
	Incident      incident.Incident
	Template      alert.Template
	Actions       []Action
	VideoDuration time.Duration
	AudioDuration time.Duration
	SirenDuration time.Duration
	SecureWipe    bool
}

// Has reports whether the plan includes a.
func (p Plan) Has(a Action) bool {
	for _, x := range p.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// PlanFor maps (reason, severity) to an action sequence. Each severity's
// base actions include every base action of the severities below it.
func PlanFor(inc incident.Incident, f Features) Plan {
	p := Plan{
		Incident: inc,
		Template: alert.ForIncident(inc.Reason, inc.Severity),
	}

	switch inc.Severity {
	case incident.SeverityLow:
		p.Actions = []Action{ActionAlert}

	case incident.SeverityMedium:
		p.VideoDuration = MediumVideo
		p.Actions = []Action{ActionCapture, ActionAlert}
		if inc.Reason == incident.ReasonIntruderSelfie && f.SaveSelfie {
			p.Actions = append(p.Actions, ActionSaveSelfie)
		}

	case incident.SeverityHigh:
		p.VideoDuration = HighVideo
		p.Actions = []Action{ActionCapture}
		if f.AmbientAudio {
			p.AudioDuration = HighAudio
			p.Actions = append(p.Actions, ActionAudio)
		}
		p.Actions = append(p.Actions, ActionAlert)
		switch {
		case incident.IsSirenReason(inc.Reason):
			p.SirenDuration = SirenDuration
			p.Actions = append(p.Actions, ActionSiren)
		case inc.Reason == incident.ReasonAILockdown:
			p.Actions = append(p.Actions, ActionLock)
		}

	case incident.SeverityCritical:
		p.VideoDuration = CriticalVideo
		p.Actions = []Action{ActionPreamble, ActionCapture}
		if f.AmbientAudio {
			p.AudioDuration = CriticalAudio
			p.Actions = append(p.Actions, ActionAudio)
		}
		p.Actions = append(p.Actions, ActionDiagnostics, ActionAlert)
		if incident.IsWipeReason(inc.Reason) && f.WipeDevice {
			p.SecureWipe = f.SecureWipe
			p.Actions = append(p.Actions, ActionWipe)
		}
	}
	return p
}
