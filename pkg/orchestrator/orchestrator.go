// Package orchestrator turns an accepted incident into its response:
// evidence capture, alerts and, for some reasons, a siren, a screen lock or
// a device wipe.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/utils/clock"

	"sentinel/pkg/alert"
	"sentinel/pkg/capture"
	"sentinel/pkg/device"
	"sentinel/pkg/eventlog"
	"sentinel/pkg/incident"
	"sentinel/pkg/structlog"
)

const (
	// DefaultMaxRuntime bounds a single incident from start to finish.
	DefaultMaxRuntime    = 10 * time.Minute
	diagnosticsTimeout   = 10 * time.Second
	sideEffectTimeout    = 30 * time.Second
	partialAlertDeadline = 15 * time.Second
)

var (
	incidentsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "orchestrator", Name: "incidents_total", Help: "Incidents handled by severity and outcome."},
		[]string{"severity", "outcome"},
	)
	actionsRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "orchestrator", Name: "actions_total", Help: "Response actions by outcome."},
		[]string{"action", "outcome"},
	)
	incidentsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "sentinel", Subsystem: "orchestrator", Name: "inflight", Help: "Incidents currently being handled."},
	)
	incidentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "sentinel", Subsystem: "orchestrator", Name: "incident_duration_seconds", Help: "Incident handling time.", Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600}},
		[]string{"severity"},
	)
)

func init() {
	_ = prometheus.Register(incidentsHandled)
	_ = prometheus.Register(actionsRun)
	_ = prometheus.Register(incidentsInflight)
	_ = prometheus.Register(incidentDuration)
}

var tracer = otel.Tracer("sentinel/orchestrator")

// Capturer gathers evidence.
type Capturer interface {
	Capture(ctx context.Context, req capture.Request) *capture.Bundle
}

// Alerter delivers alerts.
type Alerter interface {
	Ready() error
	Send(ctx context.Context, msg alert.Message) bool
}

// SelfieArchive keeps intruder photos.
type SelfieArchive interface {
	SaveIntruderPhoto(src, incidentID string, at time.Time) (string, string, error)
}

// Visibility reports whether the host is in the foreground. Background
// incidents need an elevation before they may use the camera.
type Visibility interface {
	Foreground() bool
}

// Result summarizes one handled incident.
type Result struct {
	Incident     incident.Incident
	Plan         Plan
	Executed     []Action
	Failed       []Action
	Bundle       *capture.Bundle
	AlertsSent   int
	AlertsFailed int
	Brokered     bool
	Panicked     bool
	Err          error
}

func (r *Result) ran(a Action, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		r.Failed = append(r.Failed, a)
	} else {
		r.Executed = append(r.Executed, a)
	}
	actionsRun.WithLabelValues(string(a), outcome).Inc()
}

// Orchestrator runs incidents on tracked goroutines.
type Orchestrator struct {
	caps       device.Set
	capturer   Capturer
	alerts     Alerter
	archive    SelfieArchive
	events     *eventlog.Log
	features   Features
	visibility Visibility
	clock      clock.PassiveClock
	logger     *structlog.Logger
	maxRuntime time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type Option func(*Orchestrator)

func WithArchive(a SelfieArchive) Option { return func(o *Orchestrator) { o.archive = a } }

func WithEventLog(l *eventlog.Log) Option { return func(o *Orchestrator) { o.events = l } }

func WithFeatures(f Features) Option { return func(o *Orchestrator) { o.features = f } }

func WithVisibility(v Visibility) Option { return func(o *Orchestrator) { o.visibility = v } }

func WithClock(c clock.PassiveClock) Option { return func(o *Orchestrator) { o.clock = c } }

func WithLogger(l *structlog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithMaxRuntime(d time.Duration) Option { return func(o *Orchestrator) { o.maxRuntime = d } }

func New(caps device.Set, capturer Capturer, alerts Alerter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		caps:       caps,
		capturer:   capturer,
		alerts:     alerts,
		clock:      clock.RealClock{},
		maxRuntime: DefaultMaxRuntime,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = structlog.OrDefault(o.logger, "orchestrator")
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Submit handles inc in the background. It never blocks.
func (o *Orchestrator) Submit(inc incident.Incident) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Warn("incident dropped during shutdown", structlog.Fields{"incident_id": inc.ID, "reason": inc.Reason})
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.Handle(o.baseCtx, inc)
	}()
}

// Shutdown cancels in-flight incidents and waits for them to release their
// resources, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	return o.wait(ctx, "orchestrator shutdown")
}

// Drain waits for in-flight incidents to finish without cancelling them.
func (o *Orchestrator) Drain(ctx context.Context) error {
	return o.wait(ctx, "orchestrator drain")
}

func (o *Orchestrator) wait(ctx context.Context, op string) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// Handle runs the full response for inc synchronously. It never panics and
// always returns within the configured max runtime plus the partial-alert
// grace period.
func (o *Orchestrator) Handle(ctx context.Context, inc incident.Incident) (res Result) {
	start := o.clock.Now()
	res.Incident = inc

	ctx, cancel := context.WithTimeout(ctx, o.maxRuntime)
	defer cancel()
	ctx = structlog.ContextWithCorrelationID(ctx, inc.ID)
	ctx, span := tracer.Start(ctx, "incident")
	span.SetAttributes(
		attribute.String("incident.id", inc.ID),
		attribute.String("incident.reason", inc.Reason),
		attribute.String("incident.severity", inc.Severity.String()),
	)
	defer span.End()

	log := o.logger.WithContext(ctx).WithFields(structlog.Fields{
		"incident_id": inc.ID,
		"reason":      inc.Reason,
		"severity":    inc.Severity.String(),
	})

	incidentsInflight.Inc()
	defer incidentsInflight.Dec()

	if o.caps.WakeLock != nil {
		release := o.caps.WakeLock.Acquire("sentinel:incident:"+inc.ID, o.maxRuntime)
		defer release()
	}

	defer func() {
		outcome := "ok"
		if r := recover(); r != nil {
			res.Panicked = true
			res.Err = fmt.Errorf("incident handler panic: %v", r)
			log.Error("incident handler panicked", structlog.Fields{"panic": fmt.Sprint(r), "stack": string(debug.Stack())})
			o.record(ctx, fmt.Sprintf("ERROR: Protocol failed for %s. Details: %v", inc.Reason, r))
		}
		switch {
		case res.Panicked:
			outcome = "panic"
		case len(res.Failed) > 0:
			outcome = "partial"
		case ctx.Err() != nil:
			outcome = "cancelled"
		}
		if res.Err != nil {
			span.SetStatus(codes.Error, res.Err.Error())
		}
		incidentsHandled.WithLabelValues(inc.Severity.String(), outcome).Inc()
		incidentDuration.WithLabelValues(inc.Severity.String()).Observe(o.clock.Since(start).Seconds())
		log.Info("incident finished", structlog.Fields{
			"outcome":  outcome,
			"executed": fmt.Sprint(res.Executed),
			"failed":   fmt.Sprint(res.Failed),
		})
	}()

	log.Warn("incident started", structlog.Fields{"brokered": inc.Brokered})
	o.record(ctx, fmt.Sprintf("Incident %s (%s) started.", inc.Reason, inc.Severity))

	var elevation *device.ElevationToken
	if inc.NeedsCamera() && !inc.Brokered && (o.backgrounded() || !o.caps.Granted(device.PermissionCamera)) {
		inc, elevation = o.broker(ctx, inc, log)
		res.Incident = inc
		res.Brokered = true
	}

	plan := PlanFor(inc, o.features)
	res.Plan = plan

	alertErr := o.alerts.Ready()
	if alertErr != nil {
		res.Err = alertErr
		log.Error("alerting not configured, skipping capture and alerts", structlog.Fields{"error": alertErr})
		o.record(ctx, "Alert failed: Emergency contact not set.")
	}

	var info *device.Info
	for _, a := range plan.Actions {
		if ctx.Err() != nil && a != ActionAlert {
			log.Warn("incident cancelled, skipping action", structlog.Fields{"action": string(a)})
			continue
		}
		switch a {
		case ActionPreamble:
			if alertErr != nil {
				continue
			}
			res.ran(a, o.sendAlert(ctx, &res, alert.Message{Template: alert.Preamble(inc.Reason), IncidentID: inc.ID}))

		case ActionCapture:
			if alertErr != nil {
				continue
			}
			res.Bundle = o.capturer.Capture(ctx, capture.Request{
				IncidentID:    inc.ID,
				VideoDuration: plan.VideoDuration,
				AudioDuration: plan.AudioDuration,
				Stealth:       o.features.StealthCapture,
				Screenshot:    o.features.StealthScreenshot && o.caps.Privileged != nil && o.caps.Privileged.Available(),
				Elevation:     elevation,
			})
			res.ran(a, nil)

		case ActionAudio:
			// Recorded by the capture step.
			if alertErr == nil && res.Bundle != nil && res.Bundle.Audio != "" {
				res.ran(a, nil)
			}

		case ActionDiagnostics:
			if alertErr != nil {
				continue
			}
			i, err := o.diagnostics(ctx)
			info = i
			res.ran(a, err)

		case ActionAlert:
			if alertErr != nil {
				continue
			}
			actx, acancel := ctx, context.CancelFunc(func() {})
			if ctx.Err() != nil {
				// Torn down mid-incident: still try to deliver what was captured.
				actx, acancel = context.WithTimeout(context.WithoutCancel(ctx), partialAlertDeadline)
			}
			err := o.sendAlert(actx, &res, alert.Message{
				Template:   plan.Template,
				IncidentID: inc.ID,
				Bundle:     res.Bundle,
				DeviceInfo: info,
			})
			acancel()
			res.ran(a, err)

		case ActionSaveSelfie:
			res.ran(a, o.saveSelfie(ctx, inc, res.Bundle, log))

		case ActionSiren:
			res.ran(a, o.siren(ctx, plan.SirenDuration))

		case ActionLock:
			res.ran(a, o.lock(ctx, log))

		case ActionWipe:
			res.ran(a, o.wipe(ctx, plan.SecureWipe, log))
		}
	}
	return res
}

func (o *Orchestrator) backgrounded() bool {
	return o.visibility != nil && !o.visibility.Foreground()
}

// broker asks for foreground elevation once. The incident is marked
// brokered whatever the outcome so it is never requested again.
func (o *Orchestrator) broker(ctx context.Context, inc incident.Incident, log *structlog.Logger) (incident.Incident, *device.ElevationToken) {
	brokered := inc.WithBrokered()
	if o.caps.Broker == nil {
		log.Warn("no elevation broker, continuing with standing permissions", nil)
		return brokered, nil
	}
	tok, err := o.caps.Broker.RequestElevation(ctx, inc)
	if err != nil {
		log.Warn("foreground elevation refused, continuing with standing permissions", structlog.Fields{"error": err})
		actionsRun.WithLabelValues("broker", "error").Inc()
		return brokered, nil
	}
	actionsRun.WithLabelValues("broker", "ok").Inc()
	log.Info("foreground elevation granted", structlog.Fields{"token_expires": tok.ExpiresAt})
	return brokered, &tok
}

func (o *Orchestrator) sendAlert(ctx context.Context, res *Result, msg alert.Message) error {
	if o.alerts.Send(ctx, msg) {
		res.AlertsSent++
		return nil
	}
	res.AlertsFailed++
	return incident.ErrTransportFailure
}

func (o *Orchestrator) diagnostics(ctx context.Context) (*device.Info, error) {
	if o.caps.Diagnostics == nil {
		return nil, incident.ErrPermissionDenied
	}
	dctx, cancel := context.WithTimeout(ctx, diagnosticsTimeout)
	defer cancel()
	info, err := o.caps.Diagnostics.Collect(dctx)
	if err != nil {
		return nil, err
	}
	if o.caps.Battery != nil {
		if pct, charging, err := o.caps.Battery.Level(dctx); err == nil {
			info.BatteryLevel, info.Charging = pct, charging
		}
	}
	return &info, nil
}

func (o *Orchestrator) saveSelfie(ctx context.Context, inc incident.Incident, b *capture.Bundle, log *structlog.Logger) error {
	if o.archive == nil || b == nil || b.FrontPhoto == "" {
		return nil
	}
	path, digest, err := o.archive.SaveIntruderPhoto(b.FrontPhoto, inc.ID, o.clock.Now())
	if err != nil {
		log.Error("intruder photo archive failed", structlog.Fields{"error": err})
		return err
	}
	log.AuditLog("intruder_photo_archived", structlog.Fields{"path": path, "sha256": digest})
	o.record(ctx, "Intruder photo saved to archive.")
	return nil
}

func (o *Orchestrator) siren(ctx context.Context, d time.Duration) error {
	if o.caps.Siren == nil {
		return incident.ErrPermissionDenied
	}
	o.record(ctx, fmt.Sprintf("Siren activated for %ds.", int(d/time.Second)))
	err := o.caps.Siren.Sound(ctx, d)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (o *Orchestrator) lock(ctx context.Context, log *structlog.Logger) error {
	if o.caps.ScreenLocker == nil {
		return incident.ErrPermissionDenied
	}
	lctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()
	if err := o.caps.ScreenLocker.LockNow(lctx); err != nil {
		log.Error("screen lock failed", structlog.Fields{"error": err})
		return err
	}
	o.record(ctx, "Device locked by automated response.")
	return nil
}

// wipe is attempted once. Missing admin privilege is logged, never retried.
func (o *Orchestrator) wipe(ctx context.Context, secure bool, log *structlog.Logger) error {
	w := o.caps.Wiper
	if w == nil || !w.IsAdmin() {
		log.SecurityEvent("wipe_skipped_no_admin", structlog.Fields{"error": incident.ErrPrivilegeUnavailable})
		o.record(ctx, "ERROR: Wipe failed. Device Admin not active.")
		return incident.ErrPrivilegeUnavailable
	}

	variant := "standard"
	wipe := w.Wipe
	if secure {
		variant = "secure"
		wipe = w.SecureWipe
	}
	o.record(ctx, fmt.Sprintf("WIPE INITIATED (%s).", variant))
	log.SecurityEvent("wipe_initiated", structlog.Fields{"variant": variant})

	if err := wipe(ctx); err != nil {
		log.Error("wipe failed", structlog.Fields{"variant": variant, "error": err})
		o.record(ctx, "ERROR: Wipe failed.")
		return err
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, msg string) {
	if o.events != nil {
		o.events.Record(context.WithoutCancel(ctx), msg)
	}
}
