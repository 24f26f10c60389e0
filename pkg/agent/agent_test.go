package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"sentinel/pkg/alert"
	"sentinel/pkg/deadline"
	"sentinel/pkg/device/devicetest"
	"sentinel/pkg/incident"
	"sentinel/pkg/kvstore"
	"sentinel/pkg/structlog"
	"sentinel/shared/config"
)

type mailbox struct {
	mu   sync.Mutex
	msgs []alert.RichMessage
}

func (m *mailbox) SendRich(_ context.Context, msg alert.RichMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *mailbox) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

type fixture struct {
	agent *Agent
	kit   *devicetest.Kit
	mail  *mailbox
	store *kvstore.MemoryStore
	clock *clocktesting.FakeClock
}

func newFixture(t *testing.T, mutate func(*config.Settings)) *fixture {
	t.Helper()
	s := config.Defaults()
	s.Contact.Recipient = "owner@example.com"
	s.Remote.MasterPassword = "correct-horse"
	s.Capabilities.WorkDir = t.TempDir()
	s.Archive.Dir = t.TempDir()
	s.API.JWTSecret = "agent-test-secret"
	if mutate != nil {
		mutate(s)
	}

	f := &fixture{
		kit:   devicetest.NewKit(),
		mail:  &mailbox{},
		store: kvstore.NewMemoryStore(),
		clock: clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	a, err := Build(context.Background(), s,
		WithCapabilities(f.kit.Set()),
		WithStore(f.store),
		WithRichTransport(f.mail),
		WithClock(f.clock),
		WithLogger(structlog.Discard()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		_ = a.Close()
	})
	f.agent = a
	return f
}

func TestBuildRejectsInvalidSettings(t *testing.T) {
	s := config.Defaults()
	s.Store.Backend = "etcd"
	_, err := Build(context.Background(), s, WithLogger(structlog.Discard()))
	assert.Error(t, err)
}

func TestTriggerFlowsToAlert(t *testing.T) {
	f := newFixture(t, nil)

	assert.True(t, f.agent.Gate.Fire(context.Background(), incident.ReasonShakeTriggered, incident.SeverityLow))
	assert.False(t, f.agent.Gate.Fire(context.Background(), incident.ReasonShakeTriggered, incident.SeverityLow))

	assert.Eventually(t, func() bool { return f.mail.count() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestBootArmsTripwire(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.Tripwire.Enabled = true
		s.Tripwire.DurationHours = 12
	})
	ctx := context.Background()
	require.NoError(t, f.agent.Boot(ctx))

	st, err := f.agent.Tripwire.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Armed)
	assert.True(t, f.clock.Now().Add(12*time.Hour).Equal(st.Deadline))

	// A second boot resumes the same deadline.
	f.clock.Step(time.Hour)
	require.NoError(t, f.agent.Boot(ctx))
	st, err = f.agent.Tripwire.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11*time.Hour, st.Remaining)
}

func TestBootKeepsOverdueTripwireFired(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.Tripwire.Enabled = true
		s.Tripwire.DurationHours = 1
	})
	ctx := context.Background()
	require.NoError(t, f.agent.Boot(ctx))
	f.agent.Tripwire.Stop()

	f.clock.Step(90 * time.Minute)
	require.NoError(t, f.agent.Boot(ctx))

	st, err := f.agent.Tripwire.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Armed)
	assert.Equal(t, deadline.StateFired, st.State)
	assert.Zero(t, st.Remaining)

	// Another restart leaves the fired record alone.
	require.NoError(t, f.agent.Boot(ctx))
	st, err = f.agent.Tripwire.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, deadline.StateFired, st.State)
}

func TestBootDisarmsWhenDisabled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.agent.Tripwire.Arm(ctx, 1))
	require.NoError(t, f.agent.Boot(ctx))

	st, err := f.agent.Tripwire.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Armed)
}

func TestRemoteLockOverAPI(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sms",
		strings.NewReader(`{"sender":"+15550100","body":"SENTINEL LOCK correct-horse"}`))
	rec := httptest.NewRecorder()
	f.agent.API.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, f.kit.Rec.Count("lock"))
}

func TestOpenStoreMemoryAndUnknown(t *testing.T) {
	s, cd, err := OpenStore(context.Background(), config.Store{Backend: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Nil(t, cd)

	_, _, err = OpenStore(context.Background(), config.Store{Backend: "floppy"})
	assert.Error(t, err)
}
