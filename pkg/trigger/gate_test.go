package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"sentinel/pkg/incident"
	"sentinel/pkg/kvstore"
	"sentinel/pkg/structlog"
)

type collector struct {
	mu  sync.Mutex
	got []incident.Incident
}

func (c *collector) Submit(inc incident.Incident) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, inc)
}

func (c *collector) count(reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, inc := range c.got {
		if inc.Reason == reason {
			n++
		}
	}
	return n
}

func newTestGate(store kvstore.Store) (*Gate, *collector, *clocktesting.FakePassiveClock) {
	clk := clocktesting.NewFakePassiveClock(time.Unix(1_700_000_000, 0))
	c := &collector{}
	g := NewGate(NewLocalCooldown(DefaultCooldown, store), c, WithClock(clk), WithLogger(structlog.Discard()))
	return g, c, clk
}

func TestGate_ConcurrentFiresDispatchOnce(t *testing.T) {
	g, c, _ := newTestGate(kvstore.NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sev := incident.SeverityMedium
			if i%2 == 0 {
				sev = incident.SeverityHigh
			}
			g.Fire(context.Background(), incident.ReasonSimChanged, sev)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, c.count(incident.ReasonSimChanged))
}

func TestGate_CooldownWindow(t *testing.T) {
	g, c, clk := newTestGate(nil)
	ctx := context.Background()

	assert.True(t, g.Fire(ctx, incident.ReasonGeofenceExit, incident.SeverityLow))
	clk.SetTime(clk.Now().Add(9 * time.Second))
	assert.False(t, g.Fire(ctx, incident.ReasonGeofenceExit, incident.SeverityLow))
	clk.SetTime(clk.Now().Add(2 * time.Second))
	assert.True(t, g.Fire(ctx, incident.ReasonGeofenceExit, incident.SeverityLow))

	assert.Equal(t, 2, c.count(incident.ReasonGeofenceExit))
}

func TestGate_ReasonsAreIndependent(t *testing.T) {
	g, c, _ := newTestGate(nil)
	ctx := context.Background()

	assert.True(t, g.Fire(ctx, incident.ReasonDuressPin, incident.SeverityHigh))
	assert.True(t, g.Fire(ctx, incident.ReasonWipePin, incident.SeverityCritical))
	assert.Equal(t, 1, c.count(incident.ReasonDuressPin))
	assert.Equal(t, 1, c.count(incident.ReasonWipePin))
}

func TestGate_CooldownSurvivesRestart(t *testing.T) {
	store := kvstore.NewMemoryStore()
	g, _, clk := newTestGate(store)
	ctx := context.Background()
	require.True(t, g.Fire(ctx, incident.ReasonSimChanged, incident.SeverityMedium))

	c2 := &collector{}
	restarted := NewGate(NewLocalCooldown(DefaultCooldown, store), c2,
		WithClock(clocktesting.NewFakePassiveClock(clk.Now().Add(3*time.Second))),
		WithLogger(structlog.Discard()))
	assert.False(t, restarted.Fire(ctx, incident.ReasonSimChanged, incident.SeverityMedium))
}

func TestGate_RejectsInvalidSeverity(t *testing.T) {
	g, c, _ := newTestGate(nil)
	assert.False(t, g.Fire(context.Background(), incident.ReasonSimChanged, incident.Severity(42)))
	assert.Equal(t, 0, c.count(incident.ReasonSimChanged))
}

func TestRedisCooldown_NilClientFallsBack(t *testing.T) {
	c := NewRedisCooldown(nil, "", 0)
	now := time.Now()
	ok, err := c.TryAcquire(context.Background(), "R", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.TryAcquire(context.Background(), "R", now.Add(time.Second))
	assert.False(t, ok)
}
