package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"sentinel/pkg/alert"
	"sentinel/pkg/capture"
	"sentinel/pkg/device"
	"sentinel/pkg/eventlog"
	"sentinel/pkg/incident"
	"sentinel/pkg/structlog"
)

const (
	lockTimeout = 10 * time.Second
	jobTimeout  = 2 * time.Minute
)

var commandsHandled = prometheus.NewCounterVec(
	prometheus.CounterOpts{Namespace: "sentinel", Subsystem: "remote", Name: "commands_total", Help: "Inbound remote commands by command and outcome."},
	[]string{"command", "outcome"},
)

func init() {
	_ = prometheus.Register(commandsHandled)
}

var (
	packageName  = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)
	relativePath = regexp.MustCompile(`^[A-Za-z0-9_.\-/]+$`)
)

// Trigger is the subset of the trigger gate remote commands fire into.
type Trigger interface {
	Fire(ctx context.Context, reason string, severity incident.Severity) bool
}

// Mailer sends replies to the configured contact.
type Mailer interface {
	Recipient() string
	SendTo(ctx context.Context, recipient string, msg alert.Message) error
}

type Config struct {
	Prefix         string
	Secret         string
	InstallCode    string
	InstallPackage string
	SilentInstall  bool
	// WorkDir receives screenshots and retrieved files before they are mailed.
	WorkDir string
}

// Inbound is one received text message.
type Inbound struct {
	Sender string
	Body   string
}

// Outcome reports what Handle did. Consumed messages must not be propagated
// further by the transport.
type Outcome struct {
	Consumed bool
	Command  string
	Executed bool
}

// Handler authenticates and executes remote commands.
type Handler struct {
	cfg     Config
	auth    Authenticator
	trigger Trigger
	mailer  Mailer
	caps    device.Set
	events  *eventlog.Log
	clock   clock.PassiveClock
	logger  *structlog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Handler)

func WithEventLog(l *eventlog.Log) Option { return func(h *Handler) { h.events = l } }

func WithClock(c clock.PassiveClock) Option { return func(h *Handler) { h.clock = c } }

func WithLogger(l *structlog.Logger) Option { return func(h *Handler) { h.logger = l } }

func NewHandler(cfg Config, trigger Trigger, mailer Mailer, caps device.Set, opts ...Option) *Handler {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	h := &Handler{
		cfg:     cfg,
		auth:    NewAuthenticator(cfg.Secret),
		trigger: trigger,
		mailer:  mailer,
		caps:    caps,
		clock:   clock.RealClock{},
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = structlog.OrDefault(h.logger, "remote")
	h.baseCtx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Handle processes one message. The message body is never logged.
func (h *Handler) Handle(ctx context.Context, in Inbound) Outcome {
	if !h.auth.Configured() {
		h.logger.Warn("master password not set, ignoring remote commands", structlog.Fields{"sender": in.Sender})
		return Outcome{}
	}

	cmd, err := Parse(in.Body, h.cfg.Prefix)
	if err == nil {
		return h.handleCommand(ctx, in.Sender, cmd)
	}

	if h.cfg.SilentInstall && h.cfg.InstallCode != "" && strings.Contains(in.Body, h.cfg.InstallCode) {
		h.logger.SecurityEvent("remote_install_requested", structlog.Fields{"sender": in.Sender})
		h.record(ctx, fmt.Sprintf("Remote install command received from %s.", in.Sender))
		h.async("install", func(ctx context.Context) error { return h.install(ctx) })
		commandsHandled.WithLabelValues("INSTALL", "accepted").Inc()
		return Outcome{Consumed: true, Command: "INSTALL", Executed: true}
	}
	return Outcome{}
}

func (h *Handler) handleCommand(ctx context.Context, sender string, cmd Command) Outcome {
	log := h.logger.WithFields(structlog.Fields{"sender": sender, "command": cmd.Name})

	if !h.auth.Verify(cmd) {
		log.SecurityEvent("remote_command_rejected", nil)
		h.record(ctx, fmt.Sprintf("SMS command received from %s with incorrect password.", sender))
		commandsHandled.WithLabelValues("UNAUTH", "rejected").Inc()
		return Outcome{Command: cmd.Name}
	}

	log.AuditLog("remote_command_authenticated", structlog.Fields{"args": len(cmd.Args)})
	h.record(ctx, fmt.Sprintf("Authenticated SMS command '%s' received from %s.", cmd.Name, sender))
	out := Outcome{Consumed: true, Command: cmd.Name, Executed: true}

	switch cmd.Name {
	case CmdWipe:
		h.trigger.Fire(ctx, incident.ReasonRemoteWipe, incident.SeverityCritical)
	case CmdSiren:
		h.trigger.Fire(ctx, incident.ReasonRemoteSiren, incident.SeverityHigh)
	case CmdLock:
		if err := h.lock(ctx); err != nil {
			log.Error("remote lock failed", structlog.Fields{"error": err})
		}
	case CmdScreenshot:
		h.async(cmd.Name, h.screenshot)
	case CmdGetLogs:
		h.async(cmd.Name, h.sendLogs)
	case CmdExfil:
		if len(cmd.Args) != 2 {
			log.Warn("EXFIL needs a package and a path", structlog.Fields{"args": len(cmd.Args)})
			out.Executed = false
			break
		}
		pkg, rel := cmd.Args[0], cmd.Args[1]
		h.async(cmd.Name, func(ctx context.Context) error { return h.retrieve(ctx, pkg, rel) })
	default:
		log.Warn("unknown remote command", nil)
		h.record(ctx, fmt.Sprintf("Unknown authenticated SMS command '%s' from %s.", cmd.Name, sender))
		out.Executed = false
	}

	outcome := "executed"
	if !out.Executed {
		outcome = "ignored"
	}
	commandsHandled.WithLabelValues(commandLabel(cmd.Name), outcome).Inc()
	return out
}

// commandLabel keeps metric label values to the known command set.
func commandLabel(name string) string {
	switch name {
	case CmdWipe, CmdSiren, CmdLock, CmdScreenshot, CmdGetLogs, CmdExfil:
		return name
	}
	return "UNKNOWN"
}

// Wait blocks until every background job has finished.
func (h *Handler) Wait() { h.wg.Wait() }

// Close cancels background jobs and waits for them.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Handler) async(name string, fn func(context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("remote job panicked", structlog.Fields{"job": name, "panic": fmt.Sprint(r), "stack": string(debug.Stack())})
			}
		}()
		ctx, cancel := context.WithTimeout(h.baseCtx, jobTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			h.logger.Error("remote job failed", structlog.Fields{"job": name, "error": err})
			commandsHandled.WithLabelValues(name, "failed").Inc()
		}
	}()
}

func (h *Handler) lock(ctx context.Context) error {
	if h.caps.ScreenLocker == nil {
		return incident.ErrPermissionDenied
	}
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	return h.caps.ScreenLocker.LockNow(ctx)
}

func (h *Handler) screenshot(ctx context.Context) error {
	if h.caps.Screenshotter == nil || h.caps.Privileged == nil || !h.caps.Privileged.Available() {
		return incident.ErrPrivilegeUnavailable
	}
	out := filepath.Join(h.cfg.WorkDir, fmt.Sprintf("remote_screenshot_%d.png", h.clock.Now().UnixNano()))
	if err := h.caps.Screenshotter.Screenshot(ctx, out); err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	return h.mailer.SendTo(ctx, h.mailer.Recipient(), alert.Message{
		Template: alert.Template{
			Key:     alert.TemplateRemoteAction,
			Subject: "Remote Screenshot",
			Body:    "Screenshot captured remotely via SMS command.",
		},
		Bundle: &capture.Bundle{Screenshot: out, CapturedAt: h.clock.Now()},
	})
}

// sendLogs mails the event log. It needs an email-shaped contact.
func (h *Handler) sendLogs(ctx context.Context) error {
	rcpt := h.mailer.Recipient()
	if alert.RouteFor(rcpt) != alert.RouteRich {
		return fmt.Errorf("event log needs an email contact: %w", incident.ErrConfigurationMissing)
	}
	if h.events == nil {
		return nil
	}
	entries, err := h.events.Entries(ctx)
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	return h.mailer.SendTo(ctx, rcpt, alert.Message{Template: alert.Template{
		Key:     alert.TemplateRemoteAction,
		Subject: "Remote Event Log",
		Body:    "Event log retrieved via SMS command:\n\n" + strings.Join(entries, "\n"),
	}})
}

// retrieve copies a file out of an app's data directory through the
// privileged executor and mails it.
func (h *Handler) retrieve(ctx context.Context, pkg, rel string) error {
	if !packageName.MatchString(pkg) || !relativePath.MatchString(rel) || strings.HasPrefix(rel, "/") || containsDotDot(rel) {
		return fmt.Errorf("rejected path %s/%s", pkg, rel)
	}
	rcpt := h.mailer.Recipient()
	if alert.RouteFor(rcpt) != alert.RouteRich {
		return fmt.Errorf("file retrieval needs an email contact: %w", incident.ErrConfigurationMissing)
	}
	if h.caps.Privileged == nil || !h.caps.Privileged.Available() {
		return incident.ErrPrivilegeUnavailable
	}

	src := path.Join("/data/data", pkg, rel)
	h.record(ctx, "ROOT: Retrieving data: "+src)
	data, err := h.caps.Privileged.Exec(ctx, "cat '"+src+"'")
	if err != nil {
		h.record(ctx, "ROOT: ERROR - Data retrieval failed.")
		return fmt.Errorf("read %s: %w", src, err)
	}
	name := fmt.Sprintf("exfil_%s_%s", pkg, path.Base(rel))
	dst := filepath.Join(h.cfg.WorkDir, name)
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return h.mailer.SendTo(ctx, rcpt, alert.Message{
		Template: alert.Template{
			Key:     alert.TemplateRemoteAction,
			Subject: "Data Retrieval Complete",
			Body:    fmt.Sprintf("Retrieved file '%s' from package '%s'. File is attached.", rel, pkg),
		},
		Attachments: []capture.Artifact{{Name: name, Path: dst}},
	})
}

func (h *Handler) install(ctx context.Context) error {
	if h.caps.Installer == nil || h.caps.Privileged == nil || !h.caps.Privileged.Available() {
		h.record(ctx, "ROOT: Silent install failed - no privileged access.")
		return incident.ErrPrivilegeUnavailable
	}
	if err := h.caps.Installer.InstallSilently(ctx, h.cfg.InstallPackage); err != nil {
		h.record(ctx, "ROOT: ERROR - Failed to silently install package.")
		return err
	}
	h.record(ctx, "ROOT: Silent install of "+h.cfg.InstallPackage+" completed.")
	return nil
}

func (h *Handler) record(ctx context.Context, msg string) {
	if h.events != nil {
		h.events.Record(ctx, msg)
	}
}

func containsDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
