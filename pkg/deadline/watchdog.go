package deadline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"sentinel/pkg/alert"
	"sentinel/pkg/device"
	"sentinel/pkg/incident"
	"sentinel/pkg/structlog"
)

const (
	DefaultWatchdogInterval = 30 * time.Minute
	beaconLocationTimeout   = 15 * time.Second
	beaconBatteryTimeout    = 5 * time.Second
	defaultBeaconTries      = 3
)

var beaconsSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "watchdog", Name: "beacons_total", Help: "Watchdog status reports by outcome."},
	[]string{"outcome"},
)

func init() {
	_ = prometheus.Register(beaconsSent)
}

// Reporter delivers the status beacon.
type Reporter interface {
	Ready() error
	Send(ctx context.Context, msg alert.Message) bool
}

// Beacon is one status report.
type Beacon struct {
	At       time.Time
	Battery  int
	HasLevel bool
	Location *device.Location
}

// Template renders the beacon as an alert.
func (b Beacon) Template() alert.Template {
	battery := "N/A"
	if b.HasLevel {
		battery = strconv.Itoa(b.Battery)
	}
	where := "Location not available."
	if b.Location != nil {
		where = alert.MapsSearchURL(*b.Location)
	}
	return alert.Template{
		Key:     "WATCHDOG",
		Subject: "Sentinel Watchdog: Device Status",
		Body:    fmt.Sprintf("Periodic status report.\nBattery: %s%%\nLocation: %s", battery, where),
	}
}

// Watchdog sends a beacon every interval. A failed send is retried a few
// times with exponential backoff capped below the interval; after that the
// beacon waits for the next tick.
type Watchdog struct {
	reporter Reporter
	battery  device.Battery
	locator  device.Locator
	interval time.Duration
	tries    uint
	initial  time.Duration
	clock    clock.WithTicker
	logger   *structlog.Logger
}

type WatchdogOption func(*Watchdog)

func WithWatchdogClock(c clock.WithTicker) WatchdogOption {
	return func(w *Watchdog) { w.clock = c }
}

func WithWatchdogLogger(l *structlog.Logger) WatchdogOption {
	return func(w *Watchdog) { w.logger = l }
}

// WithRetry sets the number of attempts per tick and the first backoff delay.
func WithRetry(tries uint, initial time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		w.tries = tries
		w.initial = initial
	}
}

func NewWatchdog(reporter Reporter, caps device.Set, interval time.Duration, opts ...WatchdogOption) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	w := &Watchdog{
		reporter: reporter,
		battery:  caps.Battery,
		interval: interval,
		tries:    defaultBeaconTries,
		initial:  time.Second,
		clock:    clock.RealClock{},
	}
	if caps.Granted(device.PermissionLocation) {
		w.locator = caps.Locator
	}
	for _, o := range opts {
		o(w)
	}
	w.logger = structlog.OrDefault(w.logger, "watchdog")
	return w
}

// Interval returns the beacon period.
func (w *Watchdog) Interval() time.Duration { return w.interval }

// Run sends a beacon immediately and then on every tick until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started", structlog.Fields{"interval": w.interval.String()})
	for {
		if err := w.tick(ctx); err != nil {
			w.logger.Warn("watchdog beacon not delivered", structlog.Fields{"error": err})
		}
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped", nil)
			return
		case <-ticker.C():
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	b.MaxInterval = w.interval / 4

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := w.Beat(ctx)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(w.tries),
		backoff.WithMaxElapsedTime(w.interval/2),
	)
	return err
}

func retryable(err error) bool {
	return !errors.Is(err, incident.ErrConfigurationMissing)
}

// Beat collects battery and best-effort location and sends one beacon. A
// TransportFailure is retryable; ConfigurationMissing is not.
func (w *Watchdog) Beat(ctx context.Context) error {
	if err := w.reporter.Ready(); err != nil {
		beaconsSent.WithLabelValues("unconfigured").Inc()
		return err
	}

	beacon := Beacon{At: w.clock.Now()}
	if w.battery != nil {
		bctx, cancel := context.WithTimeout(ctx, beaconBatteryTimeout)
		if pct, _, err := w.battery.Level(bctx); err == nil {
			beacon.Battery, beacon.HasLevel = pct, true
		}
		cancel()
	}
	if w.locator != nil {
		lctx, cancel := context.WithTimeout(ctx, beaconLocationTimeout)
		if loc, err := w.locator.CurrentLocation(lctx); err == nil {
			beacon.Location = &loc
		} else {
			w.logger.Debug("beacon location unavailable", structlog.Fields{"error": err})
		}
		cancel()
	}

	if !w.reporter.Send(ctx, alert.Message{Template: beacon.Template(), IncidentID: "watchdog", Routine: true}) {
		beaconsSent.WithLabelValues("failed").Inc()
		return fmt.Errorf("watchdog beacon: %w", incident.ErrTransportFailure)
	}
	beaconsSent.WithLabelValues("sent").Inc()
	return nil
}
