package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/incident"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 24.0, s.Tripwire.DurationHours)
	assert.Equal(t, 30, s.Watchdog.IntervalMinutes)
	assert.Equal(t, "SENTINEL", s.Remote.Prefix)
	assert.NoError(t, s.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
contact:
  recipient: owner@example.com
smtp:
  host: smtp.example.com
  username: agent
  password: file-secret
features:
  wipe_device: true
tripwire:
  enabled: true
  duration_hours: 1
capabilities:
  commands:
    front_photo: "snap --front {out}"
`), 0o600))
	t.Setenv("SENTINEL_SMTP_PASSWORD", "env-secret")
	t.Setenv("SENTINEL_WATCHDOG_INTERVAL_MINUTES", "5")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", s.Contact.Recipient)
	assert.Equal(t, "env-secret", s.SMTP.Password)
	assert.Equal(t, 587, s.SMTP.Port)
	assert.True(t, s.Features.WipeDevice)
	assert.Equal(t, 1.0, s.Tripwire.DurationHours)
	assert.Equal(t, 5, s.Watchdog.IntervalMinutes)
	assert.Equal(t, "snap --front {out}", s.Capabilities.Commands["front_photo"])
	assert.True(t, s.RecipientIsEmail())
	assert.NoError(t, s.ValidateAlerting())
}

func TestValidateAlerting(t *testing.T) {
	s := Defaults()
	assert.ErrorIs(t, s.ValidateAlerting(), incident.ErrConfigurationMissing)

	s.Contact.Recipient = "+15551234567"
	assert.ErrorIs(t, s.ValidateAlerting(), incident.ErrConfigurationMissing)

	s.SMSGateway.URL = "https://sms.example.com/send"
	assert.NoError(t, s.ValidateAlerting())
}

func TestValidate_RejectsBadStore(t *testing.T) {
	s := Defaults()
	s.Store.Backend = "etcd"
	assert.Error(t, s.Validate())

	s.Store.Backend = "postgres"
	assert.Error(t, s.Validate())
	s.Store.PostgresDSN = "postgres://localhost/sentinel?sslmode=disable"
	assert.NoError(t, s.Validate())
}

func TestGetters(t *testing.T) {
	t.Setenv("SENTINEL_TEST_BOOL", "yes")
	t.Setenv("SENTINEL_TEST_INT", "nope")
	t.Setenv("SENTINEL_TEST_DUR", "90s")

	assert.True(t, GetBool("SENTINEL_TEST_BOOL", false))
	assert.Equal(t, 7, GetInt("SENTINEL_TEST_INT", 7))
	assert.Equal(t, 90*time.Second, GetDuration("SENTINEL_TEST_DUR", 0))
	assert.Equal(t, "fallback", Get("SENTINEL_TEST_UNSET", "fallback"))
}
