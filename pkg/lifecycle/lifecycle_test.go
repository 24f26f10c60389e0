package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"sentinel/pkg/structlog"
)

func TestParseState(t *testing.T) {
	st, err := ParseState(" Foreground ")
	require.NoError(t, err)
	assert.Equal(t, Foreground, st)

	_, err = ParseState("paused")
	assert.Error(t, err)
}

func TestSignal_SubscribersSeeLatest(t *testing.T) {
	s := NewSignal(Background)
	ch, cancel := s.Subscribe()
	defer cancel()

	assert.Equal(t, Background, <-ch)

	s.Set(Foreground)
	s.Set(Background)
	s.Set(Foreground)
	assert.Equal(t, Foreground, <-ch)

	select {
	case st := <-ch:
		t.Fatalf("unexpected extra state %v", st)
	default:
	}
}

func TestSignal_CancelUnsubscribes(t *testing.T) {
	s := NewSignal(Background)
	ch, cancel := s.Subscribe()
	<-ch
	cancel()

	s.Set(Foreground)
	select {
	case <-ch:
		t.Fatal("cancelled subscriber received a state")
	default:
	}
}

func TestGatedTicker_OnlyTicksInForeground(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	signal := NewSignal(Background)
	var runs atomic.Int32
	g := NewGatedTicker(signal, 10*time.Second, func(context.Context) { runs.Add(1) },
		WithClock(fc), WithLogger(structlog.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	// Background: no ticker is registered with the clock.
	assert.Never(t, fc.HasWaiters, 50*time.Millisecond, 5*time.Millisecond)

	signal.Set(Foreground)
	require.Eventually(t, g.Active, time.Second, 5*time.Millisecond)
	fc.Step(10 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	signal.Set(Background)
	require.Eventually(t, func() bool { return !g.Active() }, time.Second, 5*time.Millisecond)
	fc.Step(time.Minute)
	assert.Never(t, func() bool { return runs.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	cancel()
	<-done
}

func TestGatedTicker_RecoversPanics(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	signal := NewSignal(Foreground)
	var runs atomic.Int32
	g := NewGatedTicker(signal, time.Second, func(context.Context) {
		runs.Add(1)
		panic("analysis bug")
	}, WithClock(fc), WithLogger(structlog.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)
	fc.Step(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	fc.Step(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}
