// Package cmdcap implements the device capabilities by running configured
// external commands. Each command line is a template; placeholders such as
// {out} or {seconds} are substituted per argument, never through a shell.
package cmdcap

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinel/pkg/incident"
	"sentinel/pkg/structlog"
)

// Capability command names, as used in the capabilities.commands config map.
const (
	CmdPhoto       = "camera.photo"
	CmdVideo       = "camera.video"
	CmdBackLens    = "camera.has_back"
	CmdAudio       = "microphone.record"
	CmdLocation    = "location"
	CmdSiren       = "siren"
	CmdLock        = "lock"
	CmdAdmin       = "wipe.admin_check"
	CmdWipe        = "wipe"
	CmdSecureWipe  = "wipe.secure"
	CmdPrivileged  = "privileged"
	CmdScreenshot  = "screenshot"
	CmdIndicator   = "indicator.suppress"
	CmdLockdown    = "network.lockdown"
	CmdBattery     = "battery"
	CmdDiagnostics = "diagnostics"
	CmdInstall     = "install"
	CmdApps        = "apps"
	CmdVPN         = "network.vpn"
	CmdUsage       = "usage"
	CmdBroker      = "broker"
	CmdPermission  = "permission.check"
)

// BusyExitCode is the exit status (EX_TEMPFAIL) a command uses to report
// that the hardware is held by someone else.
const BusyExitCode = 75

const defaultTimeout = 2 * time.Minute

var (
	execTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_capability_exec_total",
			Help: "External capability commands executed, by command and outcome.",
		},
		[]string{"command", "outcome"},
	)
	execDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_capability_exec_duration_seconds",
			Help:    "External capability command latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"command"},
	)
)

func init() {
	_ = prometheus.Register(execTotal)
	_ = prometheus.Register(execDuration)
}

// Vars are the placeholder values for one invocation, keyed without braces.
type Vars map[string]string

// Runner resolves capability names to argv templates and executes them.
type Runner struct {
	commands map[string][]string
	workDir  string
	timeout  time.Duration
	logger   *structlog.Logger
}

type Option func(*Runner)

func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(l *structlog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner parses every configured command line. Entries that fail to
// parse are rejected so a typo does not silently disable a capability.
func NewRunner(commands map[string]string, workDir string, opts ...Option) (*Runner, error) {
	r := &Runner{
		commands: make(map[string][]string, len(commands)),
		workDir:  workDir,
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = structlog.OrDefault(r.logger, "cmdcap")

	for name, line := range commands {
		argv, err := Split(line)
		if err != nil {
			return nil, fmt.Errorf("cmdcap: command %q: %w", name, err)
		}
		if len(argv) == 0 {
			continue
		}
		r.commands[name] = argv
	}
	return r, nil
}

// Has reports whether a command is configured for name.
func (r *Runner) Has(name string) bool {
	_, ok := r.commands[name]
	return ok
}

// WorkDir is the directory commands run in.
func (r *Runner) WorkDir() string { return r.workDir }

// Run executes the named command and returns its stdout. A missing command
// returns incident.ErrPermissionDenied; exit status BusyExitCode returns
// incident.ErrResourceBusy.
func (r *Runner) Run(ctx context.Context, name string, vars Vars) ([]byte, error) {
	tmpl, ok := r.commands[name]
	if !ok {
		return nil, fmt.Errorf("%s not configured: %w", name, incident.ErrPermissionDenied)
	}
	argv := expand(tmpl, vars)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.workDir
	var stderr strings.Builder
	cmd.Stderr = &stderr

	start := time.Now()
	out, err := cmd.Output()
	execDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		execTotal.WithLabelValues(name, "error").Inc()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == BusyExitCode {
			return out, fmt.Errorf("%s: %w", name, incident.ErrResourceBusy)
		}
		r.logger.Debug("capability command failed", structlog.Fields{
			"command": name,
			"error":   err,
			"stderr":  strings.TrimSpace(stderr.String()),
		})
		return out, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	execTotal.WithLabelValues(name, "ok").Inc()
	return out, nil
}

func expand(tmpl []string, vars Vars) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	rep := strings.NewReplacer(pairs...)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = rep.Replace(a)
	}
	return out
}

// Split breaks a command line into arguments, honouring single and double
// quotes and backslash escapes outside single quotes.
func Split(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)
	for _, c := range line {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case c == '\\' && quote != '\'':
			escaped = true
			inArg = true
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inArg = true
		case c == ' ' || c == '\t' || c == '\n':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(c)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if escaped {
		return nil, errors.New("trailing backslash")
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
