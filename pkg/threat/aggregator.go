package threat

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"sentinel/pkg/eventlog"
	"sentinel/pkg/incident"
	"sentinel/pkg/structlog"
)

var (
	threatLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Subsystem: "threat", Name: "level", Help: "Level of the latest assessment (0=MINIMAL .. 4=CRITICAL).",
	})
	threatVectors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "threat", Name: "vectors_total", Help: "Threat vectors reported by type."},
		[]string{"type"},
	)
	analyzerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "threat", Name: "analyzer_errors_total", Help: "Analyzer failures by analyzer."},
		[]string{"analyzer"},
	)
)

func init() {
	_ = prometheus.Register(threatLevel)
	_ = prometheus.Register(threatVectors)
	_ = prometheus.Register(analyzerErrors)
}

var tracer = otel.Tracer("sentinel/threat")

// Trigger receives THREAT_DETECTED for HIGH and CRITICAL assessments.
type Trigger interface {
	Fire(ctx context.Context, reason string, severity incident.Severity) bool
}

// Aggregator fans out to every analyzer and merges the results.
type Aggregator struct {
	analyzers []Analyzer
	trigger   Trigger
	events    *eventlog.Log
	clock     clock.PassiveClock
	logger    *structlog.Logger
}

type Option func(*Aggregator)

func WithEventLog(l *eventlog.Log) Option { return func(a *Aggregator) { a.events = l } }

func WithClock(c clock.PassiveClock) Option { return func(a *Aggregator) { a.clock = c } }

func WithLogger(l *structlog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

func NewAggregator(analyzers []Analyzer, trigger Trigger, opts ...Option) *Aggregator {
	a := &Aggregator{analyzers: analyzers, trigger: trigger, clock: clock.RealClock{}}
	for _, o := range opts {
		o(a)
	}
	a.logger = structlog.OrDefault(a.logger, "threat")
	return a
}

// Assess runs one pass. A failing analyzer contributes no vectors; the pass
// still completes.
func (a *Aggregator) Assess(ctx context.Context) Assessment {
	ctx, span := tracer.Start(ctx, "threat.assess")
	defer span.End()

	results := make([][]Vector, len(a.analyzers))
	g, gctx := errgroup.WithContext(ctx)
	for i, an := range a.analyzers {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("analyzer panicked", structlog.Fields{"analyzer": an.Name(), "panic": fmt.Sprint(r), "stack": string(debug.Stack())})
					analyzerErrors.WithLabelValues(an.Name()).Inc()
				}
			}()
			vs, err := an.Analyze(gctx)
			if err != nil {
				a.logger.Warn("analyzer failed", structlog.Fields{"analyzer": an.Name(), "error": err})
				analyzerErrors.WithLabelValues(an.Name()).Inc()
			}
			results[i] = vs
			return nil
		})
	}
	_ = g.Wait()

	var vectors []Vector
	for _, vs := range results {
		vectors = append(vectors, vs...)
	}
	as := Evaluate(vectors)
	as.At = a.clock.Now()

	for _, v := range vectors {
		threatVectors.WithLabelValues(string(v.Type)).Inc()
	}
	threatLevel.Set(float64(as.Level))
	span.SetAttributes(
		attribute.String("threat.level", as.Level.String()),
		attribute.Int("threat.vectors", len(vectors)),
	)

	msg := fmt.Sprintf("Threat Analysis: Level=%s, Threats=%d, Confidence=%d%%", as.Level, len(vectors), int(math.Round(as.Confidence*100)))
	a.logger.Info(msg, structlog.Fields{"level": as.Level.String(), "vectors": len(vectors), "confidence": as.Confidence})
	if a.events != nil {
		a.events.Record(ctx, msg)
	}

	if sev, ok := as.Level.Severity(); ok && a.trigger != nil {
		a.trigger.Fire(ctx, incident.ReasonThreatDetected, sev)
	}
	return as
}

// Tick adapts Assess to a periodic loop.
func (a *Aggregator) Tick(ctx context.Context) { a.Assess(ctx) }
