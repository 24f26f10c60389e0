// Package agent assembles the incident response components from Settings
// and runs them as one daemon.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"sentinel/pkg/alert"
	"sentinel/pkg/api"
	"sentinel/pkg/capture"
	"sentinel/pkg/cmdcap"
	"sentinel/pkg/deadline"
	"sentinel/pkg/device"
	"sentinel/pkg/eventlog"
	"sentinel/pkg/forensics"
	"sentinel/pkg/kvstore"
	"sentinel/pkg/lifecycle"
	"sentinel/pkg/orchestrator"
	"sentinel/pkg/ratelimit"
	"sentinel/pkg/remote"
	"sentinel/pkg/sensors"
	"sentinel/pkg/structlog"
	"sentinel/pkg/threat"
	"sentinel/pkg/trigger"
	"sentinel/shared/config"
)

// Agent holds every wired component.
type Agent struct {
	Settings     *config.Settings
	Store        kvstore.Store
	Events       *eventlog.Log
	Caps         device.Set
	Dispatcher   *alert.Dispatcher
	Gate         *trigger.Gate
	Orchestrator *orchestrator.Orchestrator
	Tripwire     *deadline.Tripwire
	Watchdog     *deadline.Watchdog
	Aggregator   *threat.Aggregator
	Lifecycle    *lifecycle.Signal
	Remote       *remote.Handler
	Sim          *sensors.SimWatcher
	Unlocks      *sensors.UnlockTracker
	Connectivity *sensors.ConnectivityWatcher
	API          *api.Server

	logger    *structlog.Logger
	clock     clock.WithTickerAndDelayedExecution
	ownsStore bool
}

type options struct {
	caps     *device.Set
	store    kvstore.Store
	cooldown trigger.Cooldown
	rich     alert.RichTransport
	text     alert.TextTransport
	clock    clock.WithTickerAndDelayedExecution
	logger   *structlog.Logger
}

type Option func(*options)

// WithCapabilities replaces the command-line adapters.
func WithCapabilities(s device.Set) Option { return func(o *options) { o.caps = &s } }

// WithStore replaces the configured backend. The agent does not close it.
func WithStore(s kvstore.Store) Option { return func(o *options) { o.store = s } }

func WithRichTransport(t alert.RichTransport) Option { return func(o *options) { o.rich = t } }

func WithTextTransport(t alert.TextTransport) Option { return func(o *options) { o.text = t } }

func WithClock(c clock.WithTickerAndDelayedExecution) Option { return func(o *options) { o.clock = c } }

func WithLogger(l *structlog.Logger) Option { return func(o *options) { o.logger = l } }

// Build wires the agent. Missing alert configuration is logged, not fatal:
// the orchestrator still runs lock and wipe side effects without it.
func Build(ctx context.Context, s *config.Settings, opts ...Option) (*Agent, error) {
	o := options{clock: clock.RealClock{}}
	for _, fn := range opts {
		fn(&o)
	}
	logger := structlog.OrDefault(o.logger, "agent")

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	a := &Agent{Settings: s, logger: logger, clock: o.clock}

	store, cooldown := o.store, o.cooldown
	if store == nil {
		var err error
		store, cooldown, err = OpenStore(ctx, s.Store)
		if err != nil {
			return nil, err
		}
		a.ownsStore = true
	}
	if cooldown == nil {
		cooldown = trigger.NewLocalCooldown(trigger.DefaultCooldown, store)
	}
	a.Store = store
	a.Events = eventlog.New(store, eventlog.WithClock(o.clock), eventlog.WithLogger(logger.Named("eventlog")))

	if o.caps != nil {
		a.Caps = *o.caps
	} else {
		runner, err := cmdcap.NewRunner(s.Capabilities.Commands, s.Capabilities.WorkDir, cmdcap.WithLogger(logger.Named("cmdcap")))
		if err != nil {
			return nil, err
		}
		a.Caps = runner.Set()
	}

	dispatcher, err := a.buildDispatcher(o)
	if err != nil {
		return nil, err
	}
	a.Dispatcher = dispatcher
	if err := s.ValidateAlerting(); err != nil {
		logger.Warn("alerting not configured; incidents will run side effects only", structlog.Fields{"error": err})
	}

	a.Lifecycle = lifecycle.NewSignal(lifecycle.Background)

	orchOpts := []orchestrator.Option{
		orchestrator.WithEventLog(a.Events),
		orchestrator.WithVisibility(a.Lifecycle),
		orchestrator.WithFeatures(orchestrator.Features{
			AmbientAudio:      s.Features.AmbientAudio,
			WipeDevice:        s.Features.WipeDevice,
			SecureWipe:        s.Features.SecureWipe,
			SaveSelfie:        s.Features.SaveSelfie,
			StealthCapture:    s.Features.StealthCapture,
			StealthScreenshot: s.Features.StealthScreenshot,
		}),
		orchestrator.WithClock(o.clock),
		orchestrator.WithLogger(logger.Named("orchestrator")),
	}
	if s.Features.SaveSelfie {
		archive, err := forensics.NewArchive(s.Archive.Dir)
		if err != nil {
			return nil, fmt.Errorf("open intruder archive: %w", err)
		}
		orchOpts = append(orchOpts, orchestrator.WithArchive(archive))
	}
	pipeline := capture.NewPipeline(a.Caps, filepath.Join(s.Capabilities.WorkDir, "evidence"),
		capture.WithClock(o.clock), capture.WithLogger(logger.Named("capture")))
	a.Orchestrator = orchestrator.New(a.Caps, pipeline, dispatcher, orchOpts...)

	a.Gate = trigger.NewGate(cooldown, a.Orchestrator, trigger.WithClock(o.clock), trigger.WithLogger(logger.Named("trigger")))

	twOpts := []deadline.TripwireOption{
		deadline.WithTripwireClock(o.clock),
		deadline.WithTripwireLogger(logger.Named("tripwire")),
		deadline.WithTripwireEventLog(a.Events),
	}
	if s.Features.FirewallTripwire && a.Caps.Lockdown != nil {
		twOpts = append(twOpts, deadline.WithNetworkLockdown(a.Caps.Lockdown))
	}
	a.Tripwire = deadline.NewTripwire(store, a.Gate, twOpts...)

	a.Watchdog = deadline.NewWatchdog(dispatcher, a.Caps, time.Duration(s.Watchdog.IntervalMinutes)*time.Minute,
		deadline.WithWatchdogClock(o.clock), deadline.WithWatchdogLogger(logger.Named("watchdog")))

	analyzers := threat.Defaults(a.Caps, store, s.Features.TrustedVPN, s.Analysis.AgentPackage, o.clock)
	a.Aggregator = threat.NewAggregator(analyzers, a.Gate,
		threat.WithEventLog(a.Events), threat.WithClock(o.clock), threat.WithLogger(logger.Named("threat")))

	a.Remote = remote.NewHandler(remote.Config{
		Prefix:         s.Remote.Prefix,
		Secret:         s.Remote.MasterPassword,
		InstallCode:    s.Remote.InstallCode,
		InstallPackage: s.Remote.InstallPackage,
		SilentInstall:  s.Features.SilentInstall,
		WorkDir:        s.Capabilities.WorkDir,
	}, a.Gate, dispatcher, a.Caps,
		remote.WithEventLog(a.Events), remote.WithClock(o.clock), remote.WithLogger(logger.Named("remote")))

	a.Sim = sensors.NewSimWatcher(store, a.Gate, s.Features.SimChangeAlert, logger.Named("sensors"))
	a.Unlocks = sensors.NewUnlockTracker(store, a.Gate, s.Features.IntruderSelfie, logger.Named("sensors"))
	a.Connectivity = sensors.NewConnectivityWatcher(a.Tripwire, logger.Named("sensors"))

	a.API = api.NewServer(api.Deps{
		Trigger:      a.Gate,
		SMS:          a.Remote,
		Events:       a.Events,
		Lifecycle:    a.Lifecycle,
		Unlocks:      a.Unlocks,
		Sim:          a.Sim,
		Connectivity: a.Connectivity,
		Tripwire:     a.Tripwire,
	}, api.NewAuthenticator(s.API.JWTSecret, s.API.JWTIssuer),
		api.WithLogger(logger.Named("api")),
		api.WithSMSLimiter(a.smsLimiter()))

	return a, nil
}

// Each SMS source address and sender gets 10 messages per 10 minutes, shared through Redis when
// that backend is in use.
func (a *Agent) smsLimiter() ratelimit.Limiter {
	const capacity, window = 10, 10 * time.Minute
	if rs, ok := a.Store.(*kvstore.RedisStore); ok {
		return ratelimit.NewRedis(rs.Client(), "sms", capacity, window, a.clock)
	}
	return ratelimit.NewLocal("sms", capacity, window, a.clock)
}

func (a *Agent) buildDispatcher(o options) (*alert.Dispatcher, error) {
	s := a.Settings
	dopts := []alert.Option{
		alert.WithEventLog(a.Events),
		alert.WithClock(a.clock),
		alert.WithLogger(a.logger.Named("alert")),
	}
	if a.Caps.Locator != nil {
		dopts = append(dopts, alert.WithLocator(a.Caps.Locator))
	}

	rich, text := o.rich, o.text
	if rich == nil && s.SMTP.Host != "" {
		t, err := alert.NewSMTPTransport(alert.SMTPConfig{
			Host:     s.SMTP.Host,
			Port:     s.SMTP.Port,
			Username: s.SMTP.Username,
			Password: s.SMTP.Password,
			From:     s.SMTP.From,
			Timeout:  time.Duration(s.SMTP.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp transport: %w", err)
		}
		rich = t
	}
	if text == nil && s.SMSGateway.URL != "" {
		g, err := alert.NewSMSGateway(alert.SMSGatewayConfig{
			URL:     s.SMSGateway.URL,
			Token:   s.SMSGateway.Token,
			From:    s.SMSGateway.From,
			Timeout: time.Duration(s.SMSGateway.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("sms gateway: %w", err)
		}
		text = g
	}
	if rich != nil {
		dopts = append(dopts, alert.WithRichTransport(rich))
	}
	if text != nil {
		dopts = append(dopts, alert.WithTextTransport(text))
	}
	return alert.NewDispatcher(s.Contact.Recipient, dopts...), nil
}

// Boot performs crash recovery: the tripwire resumes its countdown (or
// fires if overdue), is armed from now when enabled without a record, and
// is cleared when disabled. A fired record is terminal and stays until the
// owner arms the tripwire again.
func (a *Agent) Boot(ctx context.Context) error {
	if !a.Settings.Tripwire.Enabled {
		return a.Tripwire.Disarm(ctx)
	}
	st, err := a.Tripwire.Recover(ctx)
	if err != nil {
		return fmt.Errorf("tripwire recovery: %w", err)
	}
	switch st.State {
	case "":
		return a.Tripwire.Arm(ctx, a.Settings.Tripwire.DurationHours)
	case deadline.StateFired:
		a.logger.Warn("tripwire has fired, leaving it disarmed until armed again", structlog.Fields{"armed_at": st.ArmedAt})
		return nil
	}
	a.logger.Info("tripwire recovered", structlog.Fields{"deadline": st.Deadline, "state": st.State})
	return nil
}

// Run boots the agent and serves until ctx is done, then drains in-flight
// incidents.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Boot(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Settings.Watchdog.Enabled {
		g.Go(func() error {
			a.Watchdog.Run(gctx)
			return nil
		})
	}
	ticker := lifecycle.NewGatedTicker(a.Lifecycle, time.Duration(a.Settings.Analysis.IntervalSeconds)*time.Second,
		a.Aggregator.Tick, lifecycle.WithClock(a.clock), lifecycle.WithLogger(a.logger.Named("lifecycle")))
	g.Go(func() error {
		ticker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.API.ListenAndServe(gctx, a.Settings.API.Addr)
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops timers, waits for remote commands and cancels in-flight
// incidents.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.Tripwire.Stop()
	a.Remote.Close()
	return a.Orchestrator.Shutdown(ctx)
}

// Close releases the store when Build opened it.
func (a *Agent) Close() error {
	if !a.ownsStore {
		return nil
	}
	return a.Store.Close()
}
