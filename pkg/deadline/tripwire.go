// Package deadline holds the two crash-durable timers of the agent: the
// tripwire (dead-man's switch) and the periodic status watchdog.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"sentinel/pkg/device"
	"sentinel/pkg/eventlog"
	"sentinel/pkg/incident"
	"sentinel/pkg/kvstore"
	"sentinel/pkg/structlog"
)

// Trigger is the subset of the trigger gate the deadline timers fire into.
type Trigger interface {
	Fire(ctx context.Context, reason string, severity incident.Severity) bool
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, reason string, severity incident.Severity) bool

func (f TriggerFunc) Fire(ctx context.Context, reason string, severity incident.Severity) bool {
	return f(ctx, reason, severity)
}

// Tripwire record states. Fired is terminal until the next Arm.
const (
	StateArmed = "armed"
	StateFired = "fired"
)

var ErrInvalidDuration = errors.New("tripwire duration must be positive")

var (
	tripwireFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel", Subsystem: "tripwire", Name: "fired_total", Help: "Tripwire deadlines reached.",
	})
	tripwireCheckIns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel", Subsystem: "tripwire", Name: "checkins_total", Help: "Tripwire resets.",
	})
	tripwireDeadline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Subsystem: "tripwire", Name: "deadline_timestamp_seconds", Help: "Unix time the armed tripwire fires, 0 when disarmed.",
	})
)

func init() {
	_ = prometheus.Register(tripwireFired)
	_ = prometheus.Register(tripwireCheckIns)
	_ = prometheus.Register(tripwireDeadline)
}

// Record is the persisted tripwire state.
type Record struct {
	ArmedAt       time.Time `json:"armed_at"`
	DurationHours float64   `json:"duration_hours"`
	State         string    `json:"state"`
}

func (r Record) Duration() time.Duration {
	return time.Duration(r.DurationHours * float64(time.Hour))
}

func (r Record) Deadline() time.Time { return r.ArmedAt.Add(r.Duration()) }

// Status is a point-in-time view of the tripwire.
type Status struct {
	Armed     bool          `json:"armed"`
	State     string        `json:"state,omitempty"`
	ArmedAt   time.Time     `json:"armed_at,omitempty"`
	Deadline  time.Time     `json:"deadline,omitempty"`
	Remaining time.Duration `json:"remaining"`
}

// Tripwire fires a CRITICAL TRIPWIRE_WIPE incident unless it is checked in
// before its deadline. The armed time is persisted so a restart resumes the
// countdown instead of restarting it.
type Tripwire struct {
	store    kvstore.Store
	trigger  Trigger
	lockdown device.NetworkLockdown
	events   *eventlog.Log
	clock    clock.WithDelayedExecution
	logger   *structlog.Logger

	mu    sync.Mutex
	timer clock.Timer
	gen   uint64
}

type TripwireOption func(*Tripwire)

func WithTripwireClock(c clock.WithDelayedExecution) TripwireOption {
	return func(t *Tripwire) { t.clock = c }
}

func WithTripwireLogger(l *structlog.Logger) TripwireOption {
	return func(t *Tripwire) { t.logger = l }
}

func WithTripwireEventLog(l *eventlog.Log) TripwireOption {
	return func(t *Tripwire) { t.events = l }
}

// WithNetworkLockdown blocks all traffic before the wipe incident is raised.
func WithNetworkLockdown(l device.NetworkLockdown) TripwireOption {
	return func(t *Tripwire) { t.lockdown = l }
}

func NewTripwire(store kvstore.Store, trigger Trigger, opts ...TripwireOption) *Tripwire {
	t := &Tripwire{store: store, trigger: trigger, clock: clock.RealClock{}}
	for _, o := range opts {
		o(t)
	}
	t.logger = structlog.OrDefault(t.logger, "tripwire")
	return t
}

// Arm persists a fresh record starting now and schedules the deadline.
func (t *Tripwire) Arm(ctx context.Context, durationHours float64) error {
	if durationHours <= 0 {
		return fmt.Errorf("arm %v hours: %w", durationHours, ErrInvalidDuration)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := Record{ArmedAt: t.clock.Now(), DurationHours: durationHours, State: StateArmed}
	if err := kvstore.SetJSON(ctx, t.store, kvstore.KeyTripwireRecord, rec); err != nil {
		return fmt.Errorf("persist tripwire: %w", err)
	}
	t.scheduleLocked(rec.Duration())
	tripwireDeadline.Set(float64(rec.Deadline().Unix()))
	t.logger.Info("tripwire armed", structlog.Fields{"duration_hours": durationHours, "deadline": rec.Deadline()})
	return nil
}

// CheckIn restarts an armed countdown from now with the same duration. It is
// a no-op when the tripwire is disarmed or has already fired.
func (t *Tripwire) CheckIn(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok, err := t.load(ctx)
	if err != nil || !ok || rec.State != StateArmed {
		return err
	}
	rec.ArmedAt = t.clock.Now()
	if err := kvstore.SetJSON(ctx, t.store, kvstore.KeyTripwireRecord, rec); err != nil {
		return fmt.Errorf("persist tripwire: %w", err)
	}
	t.scheduleLocked(rec.Duration())
	tripwireCheckIns.Inc()
	tripwireDeadline.Set(float64(rec.Deadline().Unix()))
	t.logger.Debug("tripwire checked in", structlog.Fields{"deadline": rec.Deadline()})
	return nil
}

// Disarm cancels the countdown and clears the record.
func (t *Tripwire) Disarm(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	if err := t.store.Delete(ctx, kvstore.KeyTripwireRecord); err != nil {
		return fmt.Errorf("clear tripwire: %w", err)
	}
	tripwireDeadline.Set(0)
	t.logger.Info("tripwire disarmed", nil)
	return nil
}

// Recover resumes a persisted countdown after a restart. An overdue record
// fires immediately; otherwise the timer is re-armed with the time left.
func (t *Tripwire) Recover(ctx context.Context) (Status, error) {
	t.mu.Lock()
	rec, ok, err := t.load(ctx)
	if err != nil || !ok || rec.State != StateArmed {
		t.mu.Unlock()
		if err != nil {
			return Status{}, err
		}
		return t.statusOf(rec, ok), nil
	}

	remaining := rec.Deadline().Sub(t.clock.Now())
	if remaining > 0 {
		t.scheduleLocked(remaining)
		tripwireDeadline.Set(float64(rec.Deadline().Unix()))
		t.mu.Unlock()
		t.logger.Info("tripwire recovered", structlog.Fields{"remaining": remaining.String()})
		return t.statusOf(rec, true), nil
	}
	gen := t.gen
	t.mu.Unlock()

	t.logger.Warn("tripwire deadline passed while offline", structlog.Fields{"overdue": (-remaining).String()})
	t.fire(ctx, gen)
	return t.Status(ctx)
}

// Status reports the persisted record and time left.
func (t *Tripwire) Status(ctx context.Context) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok, err := t.load(ctx)
	if err != nil {
		return Status{}, err
	}
	return t.statusOf(rec, ok), nil
}

// Stop cancels the in-process timer and leaves the record untouched.
func (t *Tripwire) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Tripwire) statusOf(rec Record, ok bool) Status {
	if !ok {
		return Status{}
	}
	s := Status{State: rec.State, ArmedAt: rec.ArmedAt, Deadline: rec.Deadline()}
	if rec.State == StateArmed {
		s.Armed = true
		if left := rec.Deadline().Sub(t.clock.Now()); left > 0 {
			s.Remaining = left
		}
	}
	return s
}

func (t *Tripwire) load(ctx context.Context) (Record, bool, error) {
	var rec Record
	err := kvstore.GetJSON(ctx, t.store, kvstore.KeyTripwireRecord, &rec)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load tripwire: %w", err)
	}
	return rec, true, nil
}

func (t *Tripwire) scheduleLocked(d time.Duration) {
	t.stopLocked()
	t.gen++
	gen := t.gen
	// The callback may run while the clock holds its own lock.
	t.timer = t.clock.AfterFunc(d, func() { go t.fire(context.Background(), gen) })
}

func (t *Tripwire) stopLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// fire marks the record fired before raising the incident, so a crash
// between the two can never fire twice.
func (t *Tripwire) fire(ctx context.Context, gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	rec, ok, err := t.load(ctx)
	if err != nil || !ok || rec.State != StateArmed {
		t.mu.Unlock()
		if err != nil {
			t.logger.Error("tripwire fire aborted", structlog.Fields{"error": err})
		}
		return
	}
	rec.State = StateFired
	if err := kvstore.SetJSON(ctx, t.store, kvstore.KeyTripwireRecord, rec); err != nil {
		t.mu.Unlock()
		t.logger.Error("tripwire state not persisted, not firing", structlog.Fields{"error": err})
		return
	}
	t.timer = nil
	t.mu.Unlock()

	tripwireFired.Inc()
	tripwireDeadline.Set(0)
	t.logger.SecurityEvent("tripwire_fired", structlog.Fields{"armed_at": rec.ArmedAt, "duration_hours": rec.DurationHours})
	if t.events != nil {
		t.events.Record(ctx, "TRIPWIRE TRIGGERED: no check-in before deadline.")
	}

	if t.lockdown != nil {
		if err := t.lockdown.BlockAll(ctx); err != nil {
			t.logger.Error("network lockdown failed", structlog.Fields{"error": err})
		} else if t.events != nil {
			t.events.Record(ctx, "Firewall lockdown engaged.")
		}
	}
	if !t.trigger.Fire(ctx, incident.ReasonTripwireWipe, incident.SeverityCritical) {
		t.logger.Error("tripwire incident suppressed, a wipe for this reason is already running", nil)
		if t.events != nil {
			t.events.Record(ctx, "Tripwire incident suppressed: one is already in progress.")
		}
	}
}
