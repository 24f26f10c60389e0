package deadline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"sentinel/pkg/device/devicetest"
	"sentinel/pkg/eventlog"
	"sentinel/pkg/incident"
	"sentinel/pkg/kvstore"
	"sentinel/pkg/structlog"
)

type firedTrigger struct {
	mu    sync.Mutex
	fired []incident.Severity
}

func (f *firedTrigger) Fire(_ context.Context, reason string, sev incident.Severity) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reason == incident.ReasonTripwireWipe {
		f.fired = append(f.fired, sev)
	}
	return true
}

func (f *firedTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTripwire(store kvstore.Store, fc *clocktesting.FakeClock, trig Trigger, opts ...TripwireOption) *Tripwire {
	opts = append([]TripwireOption{WithTripwireClock(fc), WithTripwireLogger(structlog.Discard())}, opts...)
	return NewTripwire(store, trig, opts...)
}

func TestTripwire_ArmPersistsRecord(t *testing.T) {
	store := kvstore.NewMemoryStore()
	fc := clocktesting.NewFakeClock(t0)
	tw := newTripwire(store, fc, &firedTrigger{})
	defer tw.Stop()

	require.NoError(t, tw.Arm(context.Background(), 24))

	var rec Record
	require.NoError(t, kvstore.GetJSON(context.Background(), store, kvstore.KeyTripwireRecord, &rec))
	assert.True(t, rec.ArmedAt.Equal(t0))
	assert.Equal(t, 24.0, rec.DurationHours)
	assert.Equal(t, StateArmed, rec.State)

	st, err := tw.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Armed)
	assert.Equal(t, 24*time.Hour, st.Remaining)
}

func TestTripwire_RejectsNonPositiveDuration(t *testing.T) {
	tw := newTripwire(kvstore.NewMemoryStore(), clocktesting.NewFakeClock(t0), &firedTrigger{})
	assert.ErrorIs(t, tw.Arm(context.Background(), 0), ErrInvalidDuration)
	assert.ErrorIs(t, tw.Arm(context.Background(), -1), ErrInvalidDuration)
}

func TestTripwire_RecoverResumesRemainingTime(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	fc := clocktesting.NewFakeClock(t0)
	trig := &firedTrigger{}

	tw := newTripwire(store, fc, trig)
	require.NoError(t, tw.Arm(ctx, 1))
	fc.SetTime(t0.Add(10 * time.Minute))
	require.NoError(t, tw.CheckIn(ctx))
	checkedIn := fc.Now()
	tw.Stop()

	// Process restarts 30 minutes after the check-in.
	fc.SetTime(checkedIn.Add(30 * time.Minute))
	restarted := newTripwire(store, fc, trig)
	defer restarted.Stop()

	st, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.True(t, st.Armed)
	assert.Equal(t, 30*time.Minute, st.Remaining)
	assert.Zero(t, trig.count())

	fc.Step(29 * time.Minute)
	assert.Never(t, func() bool { return trig.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	fc.Step(time.Minute)
	require.Eventually(t, func() bool { return trig.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTripwire_OverdueRecoveryFiresOnce(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	fc := clocktesting.NewFakeClock(t0)
	trig := &firedTrigger{}

	tw := newTripwire(store, fc, trig)
	require.NoError(t, tw.Arm(ctx, 1))
	tw.Stop()

	fc.SetTime(t0.Add(90 * time.Minute))
	restarted := newTripwire(store, fc, trig)
	st, err := restarted.Recover(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, trig.count())
	assert.Equal(t, []incident.Severity{incident.SeverityCritical}, trig.fired)
	assert.False(t, st.Armed)
	assert.Equal(t, StateFired, st.State)

	again := newTripwire(store, fc, trig)
	_, err = again.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, trig.count())
}

func TestTripwire_SuppressedFireIsRecorded(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	events := eventlog.New(store, eventlog.WithLogger(structlog.Discard()))
	fc := clocktesting.NewFakeClock(t0)
	calls := 0
	suppress := TriggerFunc(func(context.Context, string, incident.Severity) bool {
		calls++
		return false
	})

	tw := newTripwire(store, fc, suppress, WithTripwireEventLog(events))
	require.NoError(t, tw.Arm(ctx, 1))
	tw.Stop()
	fc.SetTime(t0.Add(2 * time.Hour))

	st, err := newTripwire(store, fc, suppress, WithTripwireEventLog(events)).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateFired, st.State)

	entries, err := events.Entries(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0], "Tripwire incident suppressed")
}

func TestTripwire_FiresAtDeadlineWithLockdownFirst(t *testing.T) {
	ctx := context.Background()
	fc := clocktesting.NewFakeClock(t0)
	kit := devicetest.NewKit()
	events := eventlog.New(kvstore.NewMemoryStore())
	trig := &firedTrigger{}

	tw := newTripwire(kvstore.NewMemoryStore(), fc, trig, WithNetworkLockdown(kit.Lockdown), WithTripwireEventLog(events))
	require.NoError(t, tw.Arm(ctx, 2))

	fc.Step(2 * time.Hour)
	require.Eventually(t, func() bool { return trig.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, kit.Rec.Count("lockdown"))

	entries, err := events.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0], "Firewall lockdown engaged")
	assert.Contains(t, entries[1], "TRIPWIRE TRIGGERED")
}

func TestTripwire_CheckInPostponesDeadline(t *testing.T) {
	ctx := context.Background()
	fc := clocktesting.NewFakeClock(t0)
	trig := &firedTrigger{}
	tw := newTripwire(kvstore.NewMemoryStore(), fc, trig)
	defer tw.Stop()

	require.NoError(t, tw.Arm(ctx, 1))
	fc.Step(50 * time.Minute)
	require.NoError(t, tw.CheckIn(ctx))
	fc.Step(50 * time.Minute)
	assert.Never(t, func() bool { return trig.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	fc.Step(10 * time.Minute)
	require.Eventually(t, func() bool { return trig.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTripwire_DisarmCancels(t *testing.T) {
	ctx := context.Background()
	fc := clocktesting.NewFakeClock(t0)
	trig := &firedTrigger{}
	tw := newTripwire(kvstore.NewMemoryStore(), fc, trig)

	require.NoError(t, tw.Arm(ctx, 1))
	require.NoError(t, tw.Disarm(ctx))
	fc.Step(2 * time.Hour)
	assert.Never(t, func() bool { return trig.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	st, err := tw.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Armed)

	// Check-in on a disarmed tripwire does not re-arm it.
	require.NoError(t, tw.CheckIn(ctx))
	st, err = tw.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Armed)
}
