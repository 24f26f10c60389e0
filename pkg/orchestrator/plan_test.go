package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sentinel/pkg/alert"
	"sentinel/pkg/incident"
)

var allReasons = []string{
	incident.ReasonIntruderSelfie, incident.ReasonSimChanged, incident.ReasonFakeShutdown,
	incident.ReasonGeofenceExit, incident.ReasonDuressPin, incident.ReasonShakeTriggered,
	incident.ReasonUninstallAttempt, incident.ReasonRemoteSiren, incident.ReasonAILockdown,
	incident.ReasonRemoteWipe, incident.ReasonTripwireWipe, incident.ReasonWipePin,
	incident.ReasonThreatDetected, "SOMETHING_NEW",
}

func baseActions(p Plan) map[Action]bool {
	out := map[Action]bool{}
	for _, a := range p.Actions {
		if !a.IsSideEffect() {
			out[a] = true
		}
	}
	return out
}

func TestPlan_MonotonicEscalation(t *testing.T) {
	severities := []incident.Severity{incident.SeverityLow, incident.SeverityMedium, incident.SeverityHigh, incident.SeverityCritical}
	for _, f := range []Features{{}, {AmbientAudio: true, WipeDevice: true, SaveSelfie: true}} {
		for _, r := range allReasons {
			for i := 0; i+1 < len(severities); i++ {
				lower := baseActions(PlanFor(incident.New(r, severities[i], time.Now()), f))
				higher := baseActions(PlanFor(incident.New(r, severities[i+1], time.Now()), f))
				for a := range lower {
					assert.True(t, higher[a], "%s: %s missing %s present at %s", r, severities[i+1], a, severities[i])
				}
			}
		}
	}
}

func TestPlan_Table(t *testing.T) {
	f := Features{AmbientAudio: true, WipeDevice: true, SaveSelfie: true}

	low := PlanFor(incident.New(incident.ReasonGeofenceExit, incident.SeverityLow, time.Now()), f)
	assert.Equal(t, []Action{ActionAlert}, low.Actions)
	assert.Equal(t, alert.TemplateDeviceMoved, low.Template.Key)

	med := PlanFor(incident.New(incident.ReasonIntruderSelfie, incident.SeverityMedium, time.Now()), f)
	assert.Equal(t, []Action{ActionCapture, ActionAlert, ActionSaveSelfie}, med.Actions)
	assert.Equal(t, 5*time.Second, med.VideoDuration)

	duress := PlanFor(incident.New(incident.ReasonDuressPin, incident.SeverityHigh, time.Now()), f)
	assert.Equal(t, []Action{ActionCapture, ActionAudio, ActionAlert, ActionSiren}, duress.Actions)
	assert.Equal(t, 30*time.Second, duress.AudioDuration)

	lock := PlanFor(incident.New(incident.ReasonAILockdown, incident.SeverityHigh, time.Now()), Features{})
	assert.Equal(t, []Action{ActionCapture, ActionAlert, ActionLock}, lock.Actions)

	wipe := PlanFor(incident.New(incident.ReasonRemoteWipe, incident.SeverityCritical, time.Now()), Features{WipeDevice: true, SecureWipe: true})
	assert.Equal(t, []Action{ActionPreamble, ActionCapture, ActionDiagnostics, ActionAlert, ActionWipe}, wipe.Actions)
	assert.True(t, wipe.SecureWipe)
	assert.Equal(t, 30*time.Second, wipe.VideoDuration)
}

func TestPlan_WipeGatedByFeatureAndReason(t *testing.T) {
	off := PlanFor(incident.New(incident.ReasonTripwireWipe, incident.SeverityCritical, time.Now()), Features{})
	assert.False(t, off.Has(ActionWipe))

	nonWipe := PlanFor(incident.New(incident.ReasonUninstallAttempt, incident.SeverityCritical, time.Now()), Features{WipeDevice: true})
	assert.False(t, nonWipe.Has(ActionWipe))
}
