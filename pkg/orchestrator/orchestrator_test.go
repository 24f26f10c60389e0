package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/alert"
	"sentinel/pkg/capture"
	"sentinel/pkg/device"
	"sentinel/pkg/device/devicetest"
	"sentinel/pkg/eventlog"
	"sentinel/pkg/incident"
	"sentinel/pkg/kvstore"
	"sentinel/pkg/structlog"
)

type fakeAlerter struct {
	mu       sync.Mutex
	notReady error
	fail     bool
	sent     []alert.Message
	liveCtx  []bool
}

func (f *fakeAlerter) Ready() error { return f.notReady }

func (f *fakeAlerter) Send(ctx context.Context, msg alert.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	f.liveCtx = append(f.liveCtx, ctx.Err() == nil)
	return !f.fail
}

func (f *fakeAlerter) messages() []alert.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alert.Message(nil), f.sent...)
}

type fakeCapturer struct {
	mu     sync.Mutex
	calls  []capture.Request
	bundle *capture.Bundle
	before func()
}

func (f *fakeCapturer) Capture(ctx context.Context, req capture.Request) *capture.Bundle {
	if f.before != nil {
		f.before()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.bundle != nil {
		return f.bundle
	}
	return &capture.Bundle{IncidentID: req.IncidentID}
}

func (f *fakeCapturer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type panicCapturer struct{}

func (panicCapturer) Capture(context.Context, capture.Request) *capture.Bundle { panic("capture exploded") }

type fakeArchive struct{ saved []string }

func (f *fakeArchive) SaveIntruderPhoto(src, id string, at time.Time) (string, string, error) {
	f.saved = append(f.saved, src)
	return "intruders/intruder.jpg", "abc", nil
}

func newOrchestrator(kit *devicetest.Kit, c Capturer, a Alerter, opts ...Option) *Orchestrator {
	opts = append([]Option{WithLogger(structlog.Discard())}, opts...)
	return New(kit.Set(), c, a, opts...)
}

func inc(reason string, sev incident.Severity) incident.Incident {
	return incident.New(reason, sev, time.Now())
}

func TestHandle_LowOnlyAlerts(t *testing.T) {
	kit := devicetest.NewKit()
	cp, al := &fakeCapturer{}, &fakeAlerter{}
	o := newOrchestrator(kit, cp, al)

	res := o.Handle(context.Background(), inc(incident.ReasonGeofenceExit, incident.SeverityLow))

	assert.Equal(t, []Action{ActionAlert}, res.Executed)
	assert.Zero(t, cp.count())
	require.Len(t, al.messages(), 1)
	assert.Equal(t, alert.TemplateDeviceMoved, al.messages()[0].Template.Key)
	assert.Zero(t, kit.Broker.Requests())
}

func TestHandle_EmptyBundleStillAlerts(t *testing.T) {
	kit := devicetest.NewKit()
	kit.Permissions.Deny(device.PermissionCamera, device.PermissionMicrophone, device.PermissionLocation)
	kit.Broker.Err = errors.New("background start refused")
	cp, al := &fakeCapturer{}, &fakeAlerter{}
	o := newOrchestrator(kit, cp, al)

	res := o.Handle(context.Background(), inc(incident.ReasonSimChanged, incident.SeverityMedium))

	require.NotNil(t, res.Bundle)
	assert.True(t, res.Bundle.Empty())
	assert.Equal(t, 1, res.AlertsSent)
	assert.Contains(t, res.Executed, ActionAlert)
}

type visibility bool

func (v visibility) Foreground() bool { return bool(v) }

func TestHandle_BrokersOnceWhenCameraMissing(t *testing.T) {
	kit := devicetest.NewKit()
	kit.Permissions.Deny(device.PermissionCamera)
	cp, al := &fakeCapturer{}, &fakeAlerter{}
	o := newOrchestrator(kit, cp, al)

	res := o.Handle(context.Background(), inc(incident.ReasonIntruderSelfie, incident.SeverityMedium))

	assert.True(t, res.Brokered)
	assert.True(t, res.Incident.Brokered)
	assert.Equal(t, 1, kit.Broker.Requests())
	require.Equal(t, 1, cp.count())
	require.NotNil(t, cp.calls[0].Elevation)
	assert.Equal(t, res.Incident.ID, cp.calls[0].Elevation.ID)
}

func TestHandle_BackgroundIncidentBrokersEvenWithPermission(t *testing.T) {
	kit := devicetest.NewKit()
	cp, al := &fakeCapturer{}, &fakeAlerter{}
	o := newOrchestrator(kit, cp, al, WithVisibility(visibility(false)))

	res := o.Handle(context.Background(), inc(incident.ReasonSimChanged, incident.SeverityMedium))

	assert.True(t, res.Brokered)
	assert.Equal(t, 1, kit.Broker.Requests())
	require.Equal(t, 1, cp.count())
	assert.NotNil(t, cp.calls[0].Elevation)
}

func TestHandle_ForegroundIncidentSkipsBroker(t *testing.T) {
	kit := devicetest.NewKit()
	cp, al := &fakeCapturer{}, &fakeAlerter{}
	o := newOrchestrator(kit, cp, al, WithVisibility(visibility(true)))

	res := o.Handle(context.Background(), inc(incident.ReasonSimChanged, incident.SeverityMedium))

	assert.False(t, res.Brokered)
	assert.Zero(t, kit.Broker.Requests())
	require.Equal(t, 1, cp.count())
	assert.Nil(t, cp.calls[0].Elevation)
}

func TestHandle_ElevationLetsRealPipelineUseCamera(t *testing.T) {
	kit := devicetest.NewKit()
	kit.Permissions.Deny(device.PermissionCamera)
	set := kit.Set()
	pipeline := capture.NewPipeline(set, t.TempDir(), capture.WithLogger(structlog.Discard()))
	al := &fakeAlerter{}
	o := New(set, pipeline, al, WithLogger(structlog.Discard()), WithVisibility(visibility(false)))

	res := o.Handle(context.Background(), inc(incident.ReasonIntruderSelfie, incident.SeverityMedium))

	require.NotNil(t, res.Bundle)
	assert.NotEmpty(t, res.Bundle.FrontPhoto)
	assert.Equal(t, 1, kit.Rec.Count("photo:front"))
}

func TestHandle_BrokeredIncidentNeverReBrokers(t *testing.T) {
	kit := devicetest.NewKit()
	kit.Permissions.Deny(device.PermissionCamera)
	cp, al := &fakeCapturer{}, &fakeAlerter{}
	o := newOrchestrator(kit, cp, al)

	res := o.Handle(context.Background(), inc(incident.ReasonIntruderSelfie, incident.SeverityMedium).WithBrokered())

	assert.False(t, res.Brokered)
	assert.Zero(t, kit.Broker.Requests())
	assert.Equal(t, 1, cp.count())
	assert.Equal(t, 1, res.AlertsSent)
}

func TestHandle_BrokerFailureProceedsWithoutCamera(t *testing.T) {
	kit := devicetest.NewKit()
	kit.Permissions.Deny(device.PermissionCamera)
	kit.Broker.Err = errors.New("denied")
	cp, al := &fakeCapturer{}, &fakeAlerter{}
	o := newOrchestrator(kit, cp, al)

	res := o.Handle(context.Background(), inc(incident.ReasonSimChanged, incident.SeverityHigh))

	assert.True(t, res.Incident.Brokered)
	assert.Equal(t, 1, kit.Broker.Requests())
	assert.Equal(t, 1, cp.count())
	assert.Equal(t, 1, res.AlertsSent)
}

func TestHandle_CriticalSendsPreambleThenEvidence(t *testing.T) {
	kit := devicetest.NewKit()
	cp, al := &fakeCapturer{}, &fakeAlerter{}
	o := newOrchestrator(kit, cp, al, WithFeatures(Features{AmbientAudio: true}))

	res := o.Handle(context.Background(), inc(incident.ReasonUninstallAttempt, incident.SeverityCritical))

	msgs := al.messages()
	require.Len(t, msgs, 2)
	assert.True(t, strings.Contains(msgs[0].Template.Body, incident.ReasonUninstallAttempt))
	assert.Nil(t, msgs[0].Bundle)
	require.NotNil(t, msgs[1].DeviceInfo)
	assert.Equal(t, "TestPhone", msgs[1].DeviceInfo.Model)
	assert.Equal(t, 80, msgs[1].DeviceInfo.BatteryLevel)
	require.Equal(t, 1, cp.count())
	assert.Equal(t, CriticalVideo, cp.calls[0].VideoDuration)
	assert.Equal(t, CriticalAudio, cp.calls[0].AudioDuration)
	assert.NotContains(t, res.Executed, ActionWipe)
}

func TestHandle_WipeWithoutAdminIsSkipped(t *testing.T) {
	kit := devicetest.NewKit()
	kit.Wiper.Admin = false
	events := eventlog.New(kvstore.NewMemoryStore())
	o := newOrchestrator(kit, &fakeCapturer{}, &fakeAlerter{},
		WithFeatures(Features{WipeDevice: true}), WithEventLog(events))

	res := o.Handle(context.Background(), inc(incident.ReasonRemoteWipe, incident.SeverityCritical))

	assert.Contains(t, res.Failed, ActionWipe)
	assert.Zero(t, kit.Rec.Count("wipe"))
	assert.Zero(t, kit.Rec.Count("secure_wipe"))

	entries, err := events.Entries(context.Background())
	require.NoError(t, err)
	assert.True(t, containsLine(entries, "Device Admin not active"))
}

func TestHandle_SecureWipe(t *testing.T) {
	kit := devicetest.NewKit()
	o := newOrchestrator(kit, &fakeCapturer{}, &fakeAlerter{},
		WithFeatures(Features{WipeDevice: true, SecureWipe: true}))

	res := o.Handle(context.Background(), inc(incident.ReasonTripwireWipe, incident.SeverityCritical))

	assert.Contains(t, res.Executed, ActionWipe)
	assert.Equal(t, 1, kit.Rec.Count("secure_wipe"))
	assert.Zero(t, kit.Rec.Count("wipe"))
}

func TestHandle_WipeFeatureOffNeverWipes(t *testing.T) {
	kit := devicetest.NewKit()
	o := newOrchestrator(kit, &fakeCapturer{}, &fakeAlerter{})

	o.Handle(context.Background(), inc(incident.ReasonWipePin, incident.SeverityCritical))

	assert.Zero(t, kit.Rec.Count("wipe"))
	assert.Zero(t, kit.Rec.Count("secure_wipe"))
}

func TestHandle_ConfigurationMissingSkipsCaptureKeepsSideEffects(t *testing.T) {
	kit := devicetest.NewKit()
	cp := &fakeCapturer{}
	al := &fakeAlerter{notReady: fmt.Errorf("no contact: %w", incident.ErrConfigurationMissing)}
	o := newOrchestrator(kit, cp, al)

	res := o.Handle(context.Background(), inc(incident.ReasonAILockdown, incident.SeverityHigh))

	assert.ErrorIs(t, res.Err, incident.ErrConfigurationMissing)
	assert.Zero(t, cp.count())
	assert.Empty(t, al.messages())
	assert.Equal(t, []Action{ActionLock}, res.Executed)
	assert.Equal(t, 1, kit.Rec.Count("lock"))
}

func TestHandle_SaveSelfie(t *testing.T) {
	kit := devicetest.NewKit()
	arch := &fakeArchive{}
	cp := &fakeCapturer{bundle: &capture.Bundle{FrontPhoto: "/tmp/front_camera.jpg"}}
	o := newOrchestrator(kit, cp, &fakeAlerter{},
		WithFeatures(Features{SaveSelfie: true}), WithArchive(arch))

	res := o.Handle(context.Background(), inc(incident.ReasonIntruderSelfie, incident.SeverityMedium))

	assert.Contains(t, res.Executed, ActionSaveSelfie)
	assert.Equal(t, []string{"/tmp/front_camera.jpg"}, arch.saved)
}

func TestHandle_AlertFailureCounted(t *testing.T) {
	kit := devicetest.NewKit()
	o := newOrchestrator(kit, &fakeCapturer{}, &fakeAlerter{fail: true})

	res := o.Handle(context.Background(), inc(incident.ReasonSimChanged, incident.SeverityMedium))

	assert.Equal(t, 1, res.AlertsFailed)
	assert.Contains(t, res.Failed, ActionAlert)
}

func TestHandle_CancelledDuringCaptureStillAlerts(t *testing.T) {
	kit := devicetest.NewKit()
	ctx, cancel := context.WithCancel(context.Background())
	cp := &fakeCapturer{before: cancel, bundle: &capture.Bundle{FrontPhoto: "/tmp/front_camera.jpg"}}
	al := &fakeAlerter{}
	o := newOrchestrator(kit, cp, al)

	res := o.Handle(ctx, inc(incident.ReasonDuressPin, incident.SeverityHigh))

	require.Len(t, al.messages(), 1)
	assert.True(t, al.liveCtx[0])
	assert.Equal(t, "/tmp/front_camera.jpg", al.messages()[0].Bundle.FrontPhoto)
	assert.NotContains(t, res.Executed, ActionSiren)
	assert.Zero(t, kit.Rec.Count("siren"))
}

func TestHandle_RecoversPanic(t *testing.T) {
	kit := devicetest.NewKit()
	events := eventlog.New(kvstore.NewMemoryStore())
	o := newOrchestrator(kit, panicCapturer{}, &fakeAlerter{}, WithEventLog(events))

	var res Result
	require.NotPanics(t, func() {
		res = o.Handle(context.Background(), inc(incident.ReasonSimChanged, incident.SeverityMedium))
	})
	assert.True(t, res.Panicked)
	assert.Error(t, res.Err)
	assert.Zero(t, kit.WakeLock.Held())

	entries, err := events.Entries(context.Background())
	require.NoError(t, err)
	assert.True(t, containsLine(entries, "ERROR: Protocol failed for SIM_CHANGED"))
}

func TestHandle_ReleasesWakeLock(t *testing.T) {
	kit := devicetest.NewKit()
	held := -1
	cp := &fakeCapturer{before: func() { held = kit.WakeLock.Held() }}
	o := newOrchestrator(kit, cp, &fakeAlerter{})

	o.Handle(context.Background(), inc(incident.ReasonSimChanged, incident.SeverityMedium))

	assert.Equal(t, 1, held)
	assert.Zero(t, kit.WakeLock.Held())
}

func TestShutdown_StopsSiren(t *testing.T) {
	kit := devicetest.NewKit()
	al := &fakeAlerter{}
	o := newOrchestrator(kit, &fakeCapturer{}, al)

	o.Submit(inc(incident.ReasonShakeTriggered, incident.SeverityHigh))
	require.Eventually(t, func() bool { return kit.Siren.Active() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	assert.Zero(t, kit.Siren.Active())
	assert.Zero(t, kit.WakeLock.Held())
	assert.Len(t, al.messages(), 1)

	o.Submit(inc(incident.ReasonSimChanged, incident.SeverityMedium))
	assert.Len(t, al.messages(), 1)
}

func TestHandle_WithCapturePipeline(t *testing.T) {
	kit := devicetest.NewKit()
	p := capture.NewPipeline(kit.Set(), t.TempDir(),
		capture.WithLogger(structlog.Discard()),
		capture.WithTimeouts(200*time.Millisecond, time.Second, time.Second))
	al := &fakeAlerter{}
	o := newOrchestrator(kit, p, al)

	res := o.Handle(context.Background(), inc(incident.ReasonIntruderSelfie, incident.SeverityMedium))

	require.NotNil(t, res.Bundle)
	assert.NotEmpty(t, res.Bundle.FrontPhoto)
	assert.NotEmpty(t, res.Bundle.FrontVideo)
	require.Len(t, al.messages(), 1)
	assert.Same(t, res.Bundle, al.messages()[0].Bundle)
}

func containsLine(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func TestDrain_WaitsWithoutCancelling(t *testing.T) {
	kit := devicetest.NewKit()
	cp, al := &fakeCapturer{}, &fakeAlerter{}
	o := newOrchestrator(kit, cp, al)

	o.Submit(inc(incident.ReasonSimChanged, incident.SeverityMedium))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Drain(ctx))

	require.Len(t, al.messages(), 1)
	assert.Equal(t, 1, cp.count())
	assert.True(t, al.liveCtx[0])
}
