// Package alert renders incident alerts and delivers them over a rich
// (email with attachments) or degraded (text-only) transport, chosen by the
// shape of the configured recipient.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/utils/clock"

	"sentinel/pkg/circuitbreaker"
	"sentinel/pkg/device"
	"sentinel/pkg/eventlog"
	"sentinel/pkg/incident"
	"sentinel/pkg/structlog"
)

const (
	DefaultSendTimeout     = 15 * time.Second
	DefaultLocationTimeout = 15 * time.Second
)

var alertsSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "alert", Name: "sent_total", Help: "Alert deliveries by transport and outcome."},
	[]string{"transport", "outcome"},
)

func init() {
	_ = prometheus.Register(alertsSent)
}

var tracer = otel.Tracer("sentinel/alert")

// Route is the transport selected for a recipient.
type Route string

const (
	RouteRich Route = "rich"
	RouteText Route = "text"
)

// RouteFor selects rich delivery for email-shaped recipients.
func RouteFor(recipient string) Route {
	if strings.Contains(recipient, "@") {
		return RouteRich
	}
	return RouteText
}

// Dispatcher sends alerts. It never retries; callers that need retry (the
// watchdog) schedule it themselves.
type Dispatcher struct {
	recipient   string
	rich        RichTransport
	text        TextTransport
	breakers    map[breakerKey]*circuitbreaker.CircuitBreaker
	locator     device.Locator
	events      *eventlog.Log
	clock       clock.PassiveClock
	logger      *structlog.Logger
	sendTimeout time.Duration
}

type breakerKey struct {
	route   Route
	routine bool
}

type Option func(*Dispatcher)

func WithRichTransport(t RichTransport) Option { return func(d *Dispatcher) { d.rich = t } }

func WithTextTransport(t TextTransport) Option { return func(d *Dispatcher) { d.text = t } }

// WithLocator enables a fresh location fix for text alerts without one.
func WithLocator(l device.Locator) Option { return func(d *Dispatcher) { d.locator = l } }

func WithEventLog(l *eventlog.Log) Option { return func(d *Dispatcher) { d.events = l } }

func WithClock(c clock.PassiveClock) Option { return func(d *Dispatcher) { d.clock = c } }

func WithLogger(l *structlog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithBreakerSettings(s circuitbreaker.Settings) Option {
	return func(d *Dispatcher) { d.breakers = newBreakers(s) }
}

func newBreakers(s circuitbreaker.Settings) map[breakerKey]*circuitbreaker.CircuitBreaker {
	m := make(map[breakerKey]*circuitbreaker.CircuitBreaker, 4)
	for _, route := range []Route{RouteRich, RouteText} {
		m[breakerKey{route, false}] = circuitbreaker.NewCircuitBreaker("alert_"+string(route), s)
		m[breakerKey{route, true}] = circuitbreaker.NewCircuitBreaker("alert_"+string(route)+"_routine", s)
	}
	return m
}

func NewDispatcher(recipient string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		recipient:   strings.TrimSpace(recipient),
		clock:       clock.RealClock{},
		sendTimeout: DefaultSendTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	if d.breakers == nil {
		d.breakers = newBreakers(circuitbreaker.DefaultSettings())
	}
	d.logger = structlog.OrDefault(d.logger, "alert")
	return d
}

// Route reports which transport the configured recipient selects.
func (d *Dispatcher) Route() Route { return RouteFor(d.recipient) }

// Recipient returns the configured contact.
func (d *Dispatcher) Recipient() string { return d.recipient }

// Ready reports whether an alert could be sent at all. The error wraps
// incident.ErrConfigurationMissing.
func (d *Dispatcher) Ready() error {
	if d.recipient == "" {
		return fmt.Errorf("emergency contact not set: %w", incident.ErrConfigurationMissing)
	}
	switch d.Route() {
	case RouteRich:
		if d.rich == nil {
			return fmt.Errorf("email recipient but no mail transport: %w", incident.ErrConfigurationMissing)
		}
	case RouteText:
		if d.text == nil {
			return fmt.Errorf("phone recipient but no text transport: %w", incident.ErrConfigurationMissing)
		}
	}
	return nil
}

// Send delivers one alert and reports success. Failures are logged and
// recorded in the event log.
func (d *Dispatcher) Send(ctx context.Context, msg Message) bool {
	return d.SendTo(ctx, d.recipient, msg) == nil
}

// SendTo delivers to an explicit recipient (remote commands reply to the
// address given in the command).
func (d *Dispatcher) SendTo(ctx context.Context, recipient string, msg Message) error {
	route := RouteFor(recipient)
	ctx, span := tracer.Start(ctx, "alert.send")
	span.SetAttributes(
		attribute.String("alert.template", msg.Template.Key),
		attribute.String("alert.route", string(route)),
		attribute.String("incident.id", msg.IncidentID),
	)
	defer span.End()

	log := d.logger.WithFields(structlog.Fields{"incident_id": msg.IncidentID, "template": msg.Template.Key, "route": string(route)})

	var err error
	switch {
	case recipient == "":
		err = fmt.Errorf("emergency contact not set: %w", incident.ErrConfigurationMissing)
		d.record(ctx, "Alert failed: Emergency contact not set.")
	case route == RouteRich:
		err = d.sendRich(ctx, recipient, msg)
		if err == nil {
			d.record(ctx, "Email alert sent: "+truncate(msg.Template.Body, 50)+"...")
		} else {
			d.record(ctx, "ERROR: Failed to send email alert. Check credentials and connection.")
		}
	default:
		err = d.sendText(ctx, recipient, msg)
		if err == nil {
			d.record(ctx, "SMS alert sent to "+recipient+".")
		} else {
			d.record(ctx, "ERROR: Failed to send SMS.")
		}
	}

	if err != nil {
		alertsSent.WithLabelValues(string(route), "failure").Inc()
		span.SetStatus(codes.Error, err.Error())
		log.Error("alert delivery failed", structlog.Fields{"error": err})
		return err
	}
	alertsSent.WithLabelValues(string(route), "success").Inc()
	log.Info("alert delivered", nil)
	return nil
}

func (d *Dispatcher) sendRich(ctx context.Context, recipient string, msg Message) error {
	if d.rich == nil {
		return fmt.Errorf("no mail transport configured: %w", incident.ErrConfigurationMissing)
	}
	rm := RichMessage{
		To:          recipient,
		Subject:     msg.Subject(),
		Body:        RenderBody(msg, d.clock.Now()),
		Urgent:      msg.Template.Urgent,
		Attachments: append(msg.Bundle.Artifacts(), msg.Attachments...),
	}
	return d.execute(ctx, d.breakers[breakerKey{RouteRich, msg.Routine}], func(ctx context.Context) error {
		return d.rich.SendRich(ctx, rm)
	})
}

func (d *Dispatcher) sendText(ctx context.Context, recipient string, msg Message) error {
	if d.text == nil {
		return fmt.Errorf("no text transport configured: %w", incident.ErrConfigurationMissing)
	}
	var loc *device.Location
	if msg.Bundle != nil && msg.Bundle.Location != nil {
		loc = msg.Bundle.Location
	} else {
		loc = d.freshLocation(ctx)
	}
	body := RenderText(msg, loc)
	return d.execute(ctx, d.breakers[breakerKey{RouteText, msg.Routine}], func(ctx context.Context) error {
		return d.text.SendText(ctx, recipient, body)
	})
}

func (d *Dispatcher) execute(ctx context.Context, cb *circuitbreaker.CircuitBreaker, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	err := cb.Execute(ctx, fn)
	if err != nil && !errors.Is(err, incident.ErrConfigurationMissing) {
		return fmt.Errorf("%w: %w", incident.ErrTransportFailure, err)
	}
	return err
}

func (d *Dispatcher) freshLocation(ctx context.Context) *device.Location {
	if d.locator == nil {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, DefaultLocationTimeout)
	defer cancel()
	loc, err := d.locator.CurrentLocation(lctx)
	if err != nil {
		d.logger.Warn("location unavailable for text alert", structlog.Fields{"error": err})
		return nil
	}
	return &loc
}

func (d *Dispatcher) record(ctx context.Context, msg string) {
	if d.events != nil {
		d.events.Record(ctx, msg)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
