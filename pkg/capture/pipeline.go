// Package capture gathers evidence for an incident. Camera steps run
// strictly one after another while holding an exclusive camera slot;
// location is fetched concurrently with a bounded timeout.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"sentinel/pkg/device"
	"sentinel/pkg/incident"
	"sentinel/pkg/structlog"
)

const (
	DefaultLocationTimeout = 15 * time.Second
	DefaultPhotoTimeout    = 10 * time.Second
	// DefaultStepSlack is added to recording durations to form step timeouts.
	DefaultStepSlack = 10 * time.Second
)

var (
	captureSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "capture", Name: "steps_total", Help: "Capture steps by outcome."},
		[]string{"step", "outcome"},
	)
	captureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "sentinel", Subsystem: "capture", Name: "duration_seconds", Help: "Wall time of a full capture.", Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300}},
	)
)

func init() {
	_ = prometheus.Register(captureSteps)
	_ = prometheus.Register(captureDuration)
}

var tracer = otel.Tracer("sentinel/capture")

// Request describes what to capture.
type Request struct {
	IncidentID    string
	VideoDuration time.Duration
	// AudioDuration of zero skips audio.
	AudioDuration time.Duration
	Stealth       bool
	Screenshot    bool
	// Elevation, when unexpired, authorizes the camera for a backgrounded
	// incident even without a standing camera grant.
	Elevation *device.ElevationToken
}

// Pipeline owns the camera and microphone slots for the process.
type Pipeline struct {
	caps            device.Set
	dir             string
	camera          *semaphore.Weighted
	mic             *semaphore.Weighted
	clock           clock.PassiveClock
	logger          *structlog.Logger
	locationTimeout time.Duration
	photoTimeout    time.Duration
	stepSlack       time.Duration
}

type Option func(*Pipeline)

func WithClock(c clock.PassiveClock) Option { return func(p *Pipeline) { p.clock = c } }

func WithLogger(l *structlog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithTimeouts(location, photo, slack time.Duration) Option {
	return func(p *Pipeline) {
		p.locationTimeout, p.photoTimeout, p.stepSlack = location, photo, slack
	}
}

// NewPipeline writes evidence below dir/<incident id>/.
func NewPipeline(caps device.Set, dir string, opts ...Option) *Pipeline {
	p := &Pipeline{
		caps:            caps,
		dir:             dir,
		camera:          semaphore.NewWeighted(1),
		mic:             semaphore.NewWeighted(1),
		clock:           clock.RealClock{},
		locationTimeout: DefaultLocationTimeout,
		photoTimeout:    DefaultPhotoTimeout,
		stepSlack:       DefaultStepSlack,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = structlog.OrDefault(p.logger, "capture")
	return p
}

// Budget is the hard upper bound on a Capture call for req.
func (p *Pipeline) Budget(req Request) time.Duration {
	d := 2*p.photoTimeout + 2*(req.VideoDuration+p.stepSlack)
	if req.AudioDuration > 0 {
		d += req.AudioDuration + p.stepSlack
	}
	if req.Screenshot {
		d += p.photoTimeout
	}
	return d
}

// Capture never fails: every step that cannot run leaves its field empty.
// When ctx is cancelled, the partial bundle gathered so far is returned.
func (p *Pipeline) Capture(ctx context.Context, req Request) *Bundle {
	start := p.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, p.Budget(req))
	defer cancel()

	ctx, span := tracer.Start(ctx, "capture")
	span.SetAttributes(
		attribute.String("incident.id", req.IncidentID),
		attribute.Int64("video.seconds", int64(req.VideoDuration/time.Second)),
	)
	defer span.End()
	defer func() { captureDuration.Observe(p.clock.Since(start).Seconds()) }()

	log := p.logger.WithFields(structlog.Fields{"incident_id": req.IncidentID})
	b := &Bundle{IncidentID: req.IncidentID, CapturedAt: start}

	dir := filepath.Join(p.dir, req.IncidentID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Error("evidence directory unavailable", structlog.Fields{"dir": dir, "error": err})
		span.SetStatus(codes.Error, err.Error())
		return b
	}
	b.Dir = dir

	locCh := p.fetchLocation(ctx, log)

	if req.Stealth && p.caps.Indicator != nil {
		if err := bounded(ctx, p.photoTimeout, p.caps.Indicator.Suppress); err != nil {
			log.Warn("activity indicator suppression failed", structlog.Fields{"error": err})
		}
	}

	p.captureCamera(ctx, req, b, log)
	p.captureAudio(ctx, req, b, log)
	if req.Screenshot {
		p.captureScreenshot(ctx, b, log)
	}

	select {
	case loc := <-locCh:
		b.Location = loc
	case <-ctx.Done():
	}

	log.Info("capture finished", structlog.Fields{
		"artifacts":    len(b.Artifacts()),
		"has_location": b.Location != nil,
		"partial":      ctx.Err() != nil,
	})
	return b
}

func (p *Pipeline) fetchLocation(ctx context.Context, log *structlog.Logger) <-chan *device.Location {
	ch := make(chan *device.Location, 1)
	if p.caps.Locator == nil || !p.caps.Granted(device.PermissionLocation) {
		ch <- nil
		return ch
	}
	go func() {
		lctx, cancel := context.WithTimeout(ctx, p.locationTimeout)
		defer cancel()
		loc, err := p.caps.Locator.CurrentLocation(lctx)
		if err != nil {
			captureSteps.WithLabelValues("location", outcome(err)).Inc()
			log.Warn("location unavailable", structlog.Fields{"error": err})
			ch <- nil
			return
		}
		captureSteps.WithLabelValues("location", "ok").Inc()
		ch <- &loc
	}()
	return ch
}

func (p *Pipeline) captureCamera(ctx context.Context, req Request, b *Bundle, log *structlog.Logger) {
	cam := p.caps.Camera
	if cam == nil || !(p.caps.Granted(device.PermissionCamera) || p.elevated(req)) {
		captureSteps.WithLabelValues("camera", "denied").Inc()
		log.Warn("camera unavailable, skipping photo and video", nil)
		return
	}
	// Another incident may hold the camera; queue until our own budget runs out.
	if err := p.camera.Acquire(ctx, 1); err != nil {
		captureSteps.WithLabelValues("camera", "busy").Inc()
		log.Warn("camera busy for the whole capture window, skipping", structlog.Fields{"error": err})
		return
	}
	defer p.camera.Release(1)

	hasBack := cam.HasLens(device.LensBack)
	steps := []struct {
		name    string
		lens    device.Lens
		video   bool
		field   *string
		file    string
		enabled bool
	}{
		{"front_photo", device.LensFront, false, &b.FrontPhoto, NameFrontPhoto, true},
		{"back_photo", device.LensBack, false, &b.BackPhoto, NameBackPhoto, hasBack},
		{"front_video", device.LensFront, true, &b.FrontVideo, NameFrontVideo, req.VideoDuration > 0},
		{"back_video", device.LensBack, true, &b.BackVideo, NameBackVideo, hasBack && req.VideoDuration > 0},
	}
	for _, s := range steps {
		if !s.enabled {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		out := filepath.Join(b.Dir, s.file)
		timeout := p.photoTimeout
		if s.video {
			timeout = req.VideoDuration + p.stepSlack
		}
		lens, video := s.lens, s.video
		err := p.step(ctx, s.name, timeout, out, log, func(sctx context.Context) error {
			if video {
				return cam.RecordVideo(sctx, lens, req.VideoDuration, out)
			}
			return cam.TakePhoto(sctx, lens, out)
		})
		if err == nil {
			*s.field = out
		}
	}
}

func (p *Pipeline) elevated(req Request) bool {
	tok := req.Elevation
	if tok == nil || tok.ID == "" {
		return false
	}
	return tok.ExpiresAt.IsZero() || p.clock.Now().Before(tok.ExpiresAt)
}

func (p *Pipeline) captureAudio(ctx context.Context, req Request, b *Bundle, log *structlog.Logger) {
	if req.AudioDuration <= 0 || ctx.Err() != nil {
		return
	}
	mic := p.caps.Microphone
	if mic == nil || !p.caps.Granted(device.PermissionMicrophone) {
		captureSteps.WithLabelValues("audio", "denied").Inc()
		log.Warn("microphone unavailable, skipping audio", nil)
		return
	}
	if err := p.mic.Acquire(ctx, 1); err != nil {
		captureSteps.WithLabelValues("audio", "busy").Inc()
		return
	}
	defer p.mic.Release(1)

	out := filepath.Join(b.Dir, NameAudio)
	if err := p.step(ctx, "audio", req.AudioDuration+p.stepSlack, out, log, func(sctx context.Context) error {
		return mic.RecordAudio(sctx, req.AudioDuration, out)
	}); err == nil {
		b.Audio = out
	}
}

func (p *Pipeline) captureScreenshot(ctx context.Context, b *Bundle, log *structlog.Logger) {
	if ctx.Err() != nil || p.caps.Screenshotter == nil {
		return
	}
	out := filepath.Join(b.Dir, NameScreenshot)
	if err := p.step(ctx, "screenshot", p.photoTimeout, out, log, func(sctx context.Context) error {
		return p.caps.Screenshotter.Screenshot(sctx, out)
	}); err == nil {
		b.Screenshot = out
	}
}

// bounded runs fn on its own goroutine and stops waiting when timeout or
// ctx expires, so a capability that ignores its context cannot hold up
// the capture.
func bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("abandoned: %w", ctx.Err())
	}
}

// step runs fn under its own timeout, recovering panics from the
// capability. A failed step removes any partial output file.
func (p *Pipeline) step(ctx context.Context, name string, timeout time.Duration, out string, log *structlog.Logger, fn func(context.Context) error) (err error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sctx, span := tracer.Start(sctx, "capture."+name)
	defer span.End()

	defer func() {
		if err != nil {
			_ = os.Remove(out)
			span.SetStatus(codes.Error, err.Error())
			captureSteps.WithLabelValues(name, outcome(err)).Inc()
			log.Warn("capture step failed", structlog.Fields{"step": name, "error": err})
			return
		}
		captureSteps.WithLabelValues(name, "ok").Inc()
	}()

	if err := bounded(sctx, timeout, fn); err != nil {
		return fmt.Errorf("capture step %s: %w", name, err)
	}
	if _, statErr := os.Stat(out); statErr != nil {
		return fmt.Errorf("capture step %s produced no file: %w", name, statErr)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, incident.ErrPermissionDenied):
		return "denied"
	case errors.Is(err, incident.ErrResourceBusy):
		return "busy"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
