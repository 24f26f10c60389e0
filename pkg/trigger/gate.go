// Package trigger deduplicates incident triggers per reason and hands
// accepted incidents to the orchestrator.
package trigger

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"sentinel/pkg/incident"
	"sentinel/pkg/structlog"
)

var (
	triggersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "trigger", Name: "fired_total", Help: "Incidents accepted by the trigger gate."},
		[]string{"reason", "severity"},
	)
	triggersSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "trigger", Name: "suppressed_total", Help: "Triggers dropped inside the cooldown window."},
		[]string{"reason"},
	)
)

func init() {
	_ = prometheus.Register(triggersFired)
	_ = prometheus.Register(triggersSuppressed)
}

// Dispatcher receives accepted incidents. Submit must not block.
type Dispatcher interface {
	Submit(inc incident.Incident)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(inc incident.Incident)

func (f DispatchFunc) Submit(inc incident.Incident) { f(inc) }

// Gate is the single entry point for every producer.
type Gate struct {
	cooldown   Cooldown
	dispatcher Dispatcher
	clock      clock.PassiveClock
	logger     *structlog.Logger
}

type Option func(*Gate)

func WithClock(c clock.PassiveClock) Option { return func(g *Gate) { g.clock = c } }

func WithLogger(l *structlog.Logger) Option { return func(g *Gate) { g.logger = l } }

func NewGate(cooldown Cooldown, dispatcher Dispatcher, opts ...Option) *Gate {
	g := &Gate{cooldown: cooldown, dispatcher: dispatcher, clock: clock.RealClock{}}
	for _, o := range opts {
		o(g)
	}
	if g.cooldown == nil {
		g.cooldown = NewLocalCooldown(DefaultCooldown, nil)
	}
	g.logger = structlog.OrDefault(g.logger, "trigger")
	return g
}

// Fire creates and dispatches an incident unless reason fired within the
// cooldown window. It reports whether an incident was dispatched.
func (g *Gate) Fire(ctx context.Context, reason string, severity incident.Severity) bool {
	if !severity.Valid() {
		g.logger.Warn("trigger with invalid severity dropped", structlog.Fields{"reason": reason, "severity": int(severity)})
		return false
	}
	if reason == "" {
		reason = incident.ReasonUnknown
	}

	now := g.clock.Now()
	ok, err := g.cooldown.TryAcquire(ctx, reason, now)
	if err != nil {
		g.logger.Warn("cooldown backend degraded", structlog.Fields{"reason": reason, "error": err})
	}
	if !ok {
		triggersSuppressed.WithLabelValues(reason).Inc()
		g.logger.Debug("trigger suppressed by cooldown", structlog.Fields{"reason": reason})
		return false
	}

	inc := incident.New(reason, severity, now)
	triggersFired.WithLabelValues(reason, severity.String()).Inc()
	g.logger.Info("incident triggered", structlog.Fields{
		"incident_id": inc.ID,
		"reason":      reason,
		"severity":    severity.String(),
	})
	g.dispatcher.Submit(inc)
	return true
}
