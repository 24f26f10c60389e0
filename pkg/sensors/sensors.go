// Package sensors turns raw host signals (SIM state, unlock attempts,
// connectivity) into incident triggers and tripwire check-ins.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sentinel/pkg/incident"
	"sentinel/pkg/kvstore"
	"sentinel/pkg/structlog"
)

// Trigger is the subset of the trigger gate producers need.
type Trigger interface {
	Fire(ctx context.Context, reason string, severity incident.Severity) bool
}

// SimState is the SIM slot state reported by the host.
type SimState string

const (
	SimReady  SimState = "ready"
	SimAbsent SimState = "absent"
)

// SimWatcher remembers the first SIM serial seen and fires SIM_CHANGED when
// a different one becomes ready.
type SimWatcher struct {
	store   kvstore.Store
	trigger Trigger
	enabled bool
	logger  *structlog.Logger
}

func NewSimWatcher(store kvstore.Store, trigger Trigger, enabled bool, logger *structlog.Logger) *SimWatcher {
	return &SimWatcher{store: store, trigger: trigger, enabled: enabled, logger: structlog.OrDefault(logger, "sensors")}
}

// Observe handles one SIM state change. It reports whether an incident fired.
func (w *SimWatcher) Observe(ctx context.Context, state SimState, serial string) (bool, error) {
	if !w.enabled {
		return false, nil
	}
	switch state {
	case SimAbsent:
		w.logger.Debug("sim absent, clearing fingerprint", nil)
		return false, w.store.Delete(ctx, kvstore.KeySimFingerprint)
	case SimReady:
	default:
		return false, nil
	}

	serial = strings.TrimSpace(serial)
	if serial == "" {
		return false, errors.New("sim ready without serial")
	}
	stored, err := w.store.Get(ctx, kvstore.KeySimFingerprint)
	if errors.Is(err, kvstore.ErrNotFound) {
		w.logger.Info("initial sim fingerprint stored", nil)
		return false, w.store.Set(ctx, kvstore.KeySimFingerprint, serial)
	}
	if err != nil {
		return false, fmt.Errorf("read sim fingerprint: %w", err)
	}
	if stored == serial {
		return false, nil
	}

	w.logger.SecurityEvent("sim_changed", nil)
	fired := w.trigger.Fire(ctx, incident.ReasonSimChanged, incident.SeverityMedium)
	return fired, w.store.Set(ctx, kvstore.KeySimFingerprint, serial)
}

// UnlockResult is the outcome of one lock-screen attempt.
type UnlockResult string

const (
	UnlockSuccess          UnlockResult = "success"
	UnlockFailure          UnlockResult = "failure"
	UnlockDuress           UnlockResult = "duress"
	UnlockWipe             UnlockResult = "wipe"
	UnlockBiometricFailure UnlockResult = "biometric_failure"
)

// MaxFailedUnlocks is the failure count at which an intruder photo is taken.
const MaxFailedUnlocks = 3

// UnlockTracker keeps the persisted failed-attempt counters.
type UnlockTracker struct {
	store          kvstore.Store
	trigger        Trigger
	intruderSelfie bool
	logger         *structlog.Logger
}

func NewUnlockTracker(store kvstore.Store, trigger Trigger, intruderSelfie bool, logger *structlog.Logger) *UnlockTracker {
	return &UnlockTracker{store: store, trigger: trigger, intruderSelfie: intruderSelfie, logger: structlog.OrDefault(logger, "sensors")}
}

// Record applies one attempt and reports whether an incident fired.
func (u *UnlockTracker) Record(ctx context.Context, r UnlockResult) (bool, error) {
	switch r {
	case UnlockSuccess:
		return false, kvstore.SetInt64(ctx, u.store, kvstore.KeyFailedAttempts, 0)

	case UnlockDuress:
		u.logger.SecurityEvent("duress_pin_entered", nil)
		return u.trigger.Fire(ctx, incident.ReasonDuressPin, incident.SeverityHigh), nil

	case UnlockWipe:
		u.logger.SecurityEvent("wipe_pin_entered", nil)
		return u.trigger.Fire(ctx, incident.ReasonWipePin, incident.SeverityCritical), nil

	case UnlockBiometricFailure:
		_, err := kvstore.IncrBy(ctx, u.store, kvstore.KeyFailedBiometric, 1)
		return false, err

	case UnlockFailure:
		n, err := kvstore.IncrBy(ctx, u.store, kvstore.KeyFailedAttempts, 1)
		if err != nil {
			return false, err
		}
		u.logger.Info("failed unlock attempt", structlog.Fields{"attempts": n})
		if u.intruderSelfie && n >= MaxFailedUnlocks {
			return u.trigger.Fire(ctx, incident.ReasonIntruderSelfie, incident.SeverityMedium), nil
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown unlock result %q", r)
}

// CheckIner is the tripwire reset hook.
type CheckIner interface {
	CheckIn(ctx context.Context) error
}

// ConnectivityWatcher checks the tripwire in whenever the device is online.
type ConnectivityWatcher struct {
	tripwire CheckIner
	logger   *structlog.Logger
}

func NewConnectivityWatcher(tripwire CheckIner, logger *structlog.Logger) *ConnectivityWatcher {
	return &ConnectivityWatcher{tripwire: tripwire, logger: structlog.OrDefault(logger, "sensors")}
}

func (c *ConnectivityWatcher) Changed(ctx context.Context, online bool) error {
	if !online || c.tripwire == nil {
		return nil
	}
	if err := c.tripwire.CheckIn(ctx); err != nil {
		c.logger.Error("tripwire check-in failed", structlog.Fields{"error": err})
		return err
	}
	return nil
}
