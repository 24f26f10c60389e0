package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"sentinel/pkg/incident"
)

// Settings is the agent configuration, read from a YAML file and then
// overridden by SENTINEL_* environment variables.
type Settings struct {
	Contact      Contact      `yaml:"contact"`
	SMTP         SMTP         `yaml:"smtp"`
	SMSGateway   SMSGateway   `yaml:"sms_gateway"`
	Remote       Remote       `yaml:"remote"`
	Features     Features     `yaml:"features"`
	Tripwire     Tripwire     `yaml:"tripwire"`
	Watchdog     Watchdog     `yaml:"watchdog"`
	Analysis     Analysis     `yaml:"analysis"`
	Store        Store        `yaml:"store"`
	API          API          `yaml:"api"`
	Telemetry    Telemetry    `yaml:"telemetry"`
	Capabilities Capabilities `yaml:"capabilities"`
	Archive      Archive      `yaml:"archive"`
}

// Contact is where alerts go. An address containing "@" selects email.
type Contact struct {
	Recipient string `yaml:"recipient"`
}

type SMTP struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	From           string `yaml:"from"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SMSGateway is an HTTP endpoint that relays short text messages.
type SMSGateway struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	From           string `yaml:"from"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Remote struct {
	Prefix string `yaml:"prefix"`
	// MasterPassword is either the plain shared secret or a bcrypt hash.
	MasterPassword string `yaml:"master_password"`
	InstallCode    string `yaml:"install_code"`
	InstallPackage string `yaml:"install_package"`
}

type Features struct {
	AmbientAudio      bool `yaml:"ambient_audio"`
	WipeDevice        bool `yaml:"wipe_device"`
	SecureWipe        bool `yaml:"secure_wipe"`
	SaveSelfie        bool `yaml:"save_selfie"`
	StealthCapture    bool `yaml:"stealth_capture"`
	StealthScreenshot bool `yaml:"stealth_screenshot"`
	FirewallTripwire  bool `yaml:"firewall_tripwire"`
	SilentInstall     bool `yaml:"silent_install"`
	SimChangeAlert    bool `yaml:"sim_change_alert"`
	IntruderSelfie    bool `yaml:"intruder_selfie"`
	TrustedVPN        bool `yaml:"trusted_vpn"`
}

type Tripwire struct {
	Enabled       bool    `yaml:"enabled"`
	DurationHours float64 `yaml:"duration_hours"`
}

type Watchdog struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes"`
}

type Analysis struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	AgentPackage    string `yaml:"agent_package"`
}

// Store selects the persisted state backend: memory, redis or postgres.
type Store struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	PostgresDB    string `yaml:"postgres_db"`
}

type API struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

type Telemetry struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	LogLevel     string `yaml:"log_level"`
}

// Capabilities maps capability names to external command lines used by the
// cmdcap adapters. A capability with no command is reported unavailable.
type Capabilities struct {
	Commands map[string]string `yaml:"commands"`
	WorkDir  string            `yaml:"work_dir"`
}

type Archive struct {
	Dir string `yaml:"dir"`
}

// Defaults returns the built-in settings.
func Defaults() *Settings {
	return &Settings{
		SMTP:       SMTP{Port: 587, TimeoutSeconds: 15},
		SMSGateway: SMSGateway{TimeoutSeconds: 15},
		Remote:     Remote{Prefix: "SENTINEL", InstallPackage: "com.android.systemupdate"},
		Features:   Features{SimChangeAlert: true, IntruderSelfie: true},
		Tripwire:   Tripwire{DurationHours: 24},
		Watchdog:   Watchdog{IntervalMinutes: 30},
		Analysis:   Analysis{IntervalSeconds: 10, AgentPackage: "sentinel"},
		Store:      Store{Backend: "memory", RedisAddr: "localhost:6379", PostgresDB: "sentinel"},
		API:        API{Addr: ":8080", JWTIssuer: "sentinel"},
		Telemetry:  Telemetry{ServiceName: "sentinel", LogLevel: "info"},
		Capabilities: Capabilities{
			Commands: map[string]string{},
			WorkDir:  os.TempDir(),
		},
		Archive: Archive{Dir: "intruders"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path, or a path that does not exist, yields defaults plus env.
func Load(path string) (*Settings, error) {
	s := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("unmarshal %s: %w", path, err)
			}
		}
	}
	s.applyEnv()
	if s.Capabilities.Commands == nil {
		s.Capabilities.Commands = map[string]string{}
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	s.Contact.Recipient = Get("SENTINEL_CONTACT", s.Contact.Recipient)

	s.SMTP.Host = Get("SENTINEL_SMTP_HOST", s.SMTP.Host)
	s.SMTP.Port = GetInt("SENTINEL_SMTP_PORT", s.SMTP.Port)
	s.SMTP.Username = Get("SENTINEL_SMTP_USERNAME", s.SMTP.Username)
	s.SMTP.Password = Get("SENTINEL_SMTP_PASSWORD", s.SMTP.Password)
	s.SMTP.From = Get("SENTINEL_SMTP_FROM", s.SMTP.From)

	s.SMSGateway.URL = Get("SENTINEL_SMS_GATEWAY_URL", s.SMSGateway.URL)
	s.SMSGateway.Token = Get("SENTINEL_SMS_GATEWAY_TOKEN", s.SMSGateway.Token)

	s.Remote.MasterPassword = Get("SENTINEL_MASTER_PASSWORD", s.Remote.MasterPassword)
	s.Remote.InstallCode = Get("SENTINEL_INSTALL_CODE", s.Remote.InstallCode)

	s.Features.WipeDevice = GetBool("SENTINEL_FEATURE_WIPE_DEVICE", s.Features.WipeDevice)
	s.Features.SecureWipe = GetBool("SENTINEL_FEATURE_SECURE_WIPE", s.Features.SecureWipe)
	s.Features.AmbientAudio = GetBool("SENTINEL_FEATURE_AMBIENT_AUDIO", s.Features.AmbientAudio)
	s.Features.SilentInstall = GetBool("SENTINEL_FEATURE_SILENT_INSTALL", s.Features.SilentInstall)

	s.Tripwire.Enabled = GetBool("SENTINEL_TRIPWIRE_ENABLED", s.Tripwire.Enabled)
	s.Watchdog.Enabled = GetBool("SENTINEL_WATCHDOG_ENABLED", s.Watchdog.Enabled)
	s.Watchdog.IntervalMinutes = GetInt("SENTINEL_WATCHDOG_INTERVAL_MINUTES", s.Watchdog.IntervalMinutes)

	s.Store.Backend = Get("SENTINEL_STORE_BACKEND", s.Store.Backend)
	s.Store.RedisAddr = Get("SENTINEL_REDIS_ADDR", s.Store.RedisAddr)
	s.Store.RedisPassword = Get("SENTINEL_REDIS_PASSWORD", s.Store.RedisPassword)
	s.Store.PostgresDSN = Get("SENTINEL_POSTGRES_DSN", s.Store.PostgresDSN)

	s.API.Addr = Get("SENTINEL_API_ADDR", s.API.Addr)
	s.API.JWTSecret = Get("SENTINEL_JWT_SECRET", s.API.JWTSecret)

	s.Telemetry.OTLPEndpoint = Get("OTEL_EXPORTER_OTLP_ENDPOINT", s.Telemetry.OTLPEndpoint)
	s.Telemetry.LogLevel = Get("SENTINEL_LOG_LEVEL", s.Telemetry.LogLevel)
}

// RecipientIsEmail reports whether alerts go over the rich transport.
func (s *Settings) RecipientIsEmail() bool {
	return strings.Contains(s.Contact.Recipient, "@")
}

// ValidateAlerting checks that the configured recipient has a usable
// transport. Errors wrap incident.ErrConfigurationMissing.
func (s *Settings) ValidateAlerting() error {
	switch {
	case strings.TrimSpace(s.Contact.Recipient) == "":
		return fmt.Errorf("contact.recipient not set: %w", incident.ErrConfigurationMissing)
	case s.RecipientIsEmail() && (s.SMTP.Host == "" || s.SMTP.Username == "" || s.SMTP.Password == ""):
		return fmt.Errorf("smtp credentials not set for email recipient: %w", incident.ErrConfigurationMissing)
	case !s.RecipientIsEmail() && s.SMSGateway.URL == "":
		return fmt.Errorf("sms_gateway.url not set for phone recipient: %w", incident.ErrConfigurationMissing)
	}
	return nil
}

// Validate checks structural settings. Missing alert configuration is not
// fatal here; the agent still runs its non-alerting side effects.
func (s *Settings) Validate() error {
	var errs []error
	switch s.Store.Backend {
	case "memory":
	case "redis":
		if s.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr required for redis backend"))
		}
	case "postgres":
		if s.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn required for postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", s.Store.Backend))
	}
	if s.Tripwire.DurationHours <= 0 {
		errs = append(errs, errors.New("tripwire.duration_hours must be positive"))
	}
	if s.Watchdog.IntervalMinutes <= 0 {
		errs = append(errs, errors.New("watchdog.interval_minutes must be positive"))
	}
	if s.Analysis.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("analysis.interval_seconds must be positive"))
	}
	if strings.TrimSpace(s.Remote.Prefix) == "" {
		errs = append(errs, errors.New("remote.prefix must not be empty"))
	}
	return errors.Join(errs...)
}
