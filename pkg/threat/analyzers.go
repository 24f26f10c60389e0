package threat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"sentinel/pkg/device"
	"sentinel/pkg/incident"
	"sentinel/pkg/kvstore"
)

// Analyzer produces zero or more vectors per pass.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context) ([]Vector, error)
}

// Thresholds used by the built-in analyzers.
const (
	AnalysisWindow         = 24 * time.Hour
	RecentInstallThreshold = 10
	SettingsWindow         = time.Hour
	SettingsChangeLimit    = 10
	FailedUnlockLimit      = 5
	FailedBiometricLimit   = 3
	ForegroundLimit        = 4 * time.Hour
	// Installer package name for the official store; apps installed from it
	// are never flagged by keyword.
	TrustedInstaller = "com.android.vending"
)

var suspiciousKeywords = []string{
	"spy", "monitor", "track", "hidden", "stealth", "remote", "control",
	"keylog", "screen", "recorder", "parent", "employee", "surveillance",
}

// SuspiciousApp reports whether a sideloaded non-system app has a
// surveillance-style package name.
func SuspiciousApp(app device.App) bool {
	if app.System || app.Installer == TrustedInstaller {
		return false
	}
	name := strings.ToLower(app.Package)
	for _, k := range suspiciousKeywords {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

func vector(t Type, sev incident.Severity, at time.Time, format string, args ...any) Vector {
	return Vector{Type: t, Severity: sev, Probability: 1, DetectedAt: at, Description: fmt.Sprintf(format, args...)}
}

// InstallAnalyzer flags bursts of recent installs and suspicious sideloads.
type InstallAnalyzer struct {
	Apps  device.AppInventory
	Clock clock.PassiveClock
}

func (InstallAnalyzer) Name() string { return "installs" }

func (a InstallAnalyzer) Analyze(ctx context.Context) ([]Vector, error) {
	if a.Apps == nil {
		return nil, nil
	}
	apps, err := a.Apps.InstalledApps(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed apps: %w", err)
	}
	now := a.Clock.Now()

	var recent []device.App
	for _, app := range apps {
		if !app.InstalledAt.IsZero() && now.Sub(app.InstalledAt) < AnalysisWindow {
			recent = append(recent, app)
		}
	}

	var out []Vector
	if len(recent) > RecentInstallThreshold {
		out = append(out, vector(TypeSuspiciousApp, incident.SeverityMedium, now,
			"Unusual number of app installations detected: %d in 24 hours", len(recent)))
	}
	for _, app := range recent {
		if SuspiciousApp(app) {
			out = append(out, vector(TypeSuspiciousApp, incident.SeverityHigh, now,
				"Potentially suspicious sideloaded app detected: %s", app.Package))
		}
	}
	return out, nil
}

// NetworkAnalyzer flags an unexpected VPN and data usage above twice the
// expected volume.
type NetworkAnalyzer struct {
	Network    device.NetworkMonitor
	Store      kvstore.Store
	TrustedVPN bool
	Clock      clock.PassiveClock
}

func (NetworkAnalyzer) Name() string { return "network" }

func (a NetworkAnalyzer) Analyze(ctx context.Context) ([]Vector, error) {
	now := a.Clock.Now()
	var out []Vector
	if a.Network != nil && !a.TrustedVPN {
		vpn, err := a.Network.VPNActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("query vpn state: %w", err)
		}
		if vpn {
			out = append(out, vector(TypeNetworkAnomaly, incident.SeverityHigh, now, "An unexpected VPN connection is active"))
		}
	}
	if a.Store == nil {
		return out, nil
	}
	expected, err := kvstore.GetInt64(ctx, a.Store, kvstore.KeyExpectedDataMB, 0)
	if err != nil {
		return out, err
	}
	current, err := kvstore.GetInt64(ctx, a.Store, kvstore.KeyCurrentDataMB, 0)
	if err != nil {
		return out, err
	}
	if expected > 0 && current > expected*2 {
		out = append(out, vector(TypeDataExfiltration, incident.SeverityMedium, now,
			"Data usage significantly higher than normal: %dMB vs expected %dMB", current, expected))
	}
	return out, nil
}

// SettingsAnalyzer flags many configuration changes since the previous
// pass, when that pass was within the last hour.
type SettingsAnalyzer struct {
	Store kvstore.Store
	Clock clock.PassiveClock
}

func (SettingsAnalyzer) Name() string { return "settings" }

func (a SettingsAnalyzer) Analyze(ctx context.Context) ([]Vector, error) {
	now := a.Clock.Now()
	last, err := kvstore.GetInt64(ctx, a.Store, kvstore.KeyLastSystemCheck, 0)
	if err != nil {
		return nil, err
	}

	var out []Vector
	if now.Sub(time.UnixMilli(last)) < SettingsWindow {
		changes, err := kvstore.GetInt64(ctx, a.Store, kvstore.KeySettingsChanges, 0)
		if err != nil {
			return nil, err
		}
		if changes > SettingsChangeLimit {
			out = append(out, vector(TypeRapidSettings, incident.SeverityMedium, now,
				"Rapid system configuration changes detected: %d changes in 1 hour", changes))
		}
	}
	return out, kvstore.SetInt64(ctx, a.Store, kvstore.KeyLastSystemCheck, now.UnixMilli())
}

// AccessAnalyzer flags repeated failed unlocks or biometric attempts.
type AccessAnalyzer struct {
	Store kvstore.Store
	Clock clock.PassiveClock
}

func (AccessAnalyzer) Name() string { return "access" }

func (a AccessAnalyzer) Analyze(ctx context.Context) ([]Vector, error) {
	failed, err := kvstore.GetInt64(ctx, a.Store, kvstore.KeyFailedAttempts, 0)
	if err != nil {
		return nil, err
	}
	biometric, err := kvstore.GetInt64(ctx, a.Store, kvstore.KeyFailedBiometric, 0)
	if err != nil {
		return nil, err
	}
	if failed > FailedUnlockLimit || biometric > FailedBiometricLimit {
		return []Vector{vector(TypeUnauthorizedAccess, incident.SeverityHigh, a.Clock.Now(),
			"Multiple failed authentication attempts detected")}, nil
	}
	return nil, nil
}

// UsageAnalyzer flags any other package in the foreground for more than
// four hours of the last day.
type UsageAnalyzer struct {
	Usage device.UsageStats
	// Self is the agent's own package, which is never flagged.
	Self  string
	Clock clock.PassiveClock
}

func (UsageAnalyzer) Name() string { return "usage" }

func (a UsageAnalyzer) Analyze(ctx context.Context) ([]Vector, error) {
	if a.Usage == nil {
		return nil, nil
	}
	now := a.Clock.Now()
	stats, err := a.Usage.ForegroundUsage(ctx, now.Add(-AnalysisWindow))
	if err != nil {
		return nil, fmt.Errorf("query usage stats: %w", err)
	}
	var out []Vector
	for _, s := range stats {
		if s.Package == a.Self || s.Foreground <= ForegroundLimit {
			continue
		}
		out = append(out, vector(TypeDataExfiltration, incident.SeverityMedium, now,
			"An app showed unusually high foreground activity: %s", s.Package))
	}
	return out, nil
}

// Defaults returns the five built-in analyzers.
func Defaults(caps device.Set, store kvstore.Store, trustedVPN bool, self string, clk clock.PassiveClock) []Analyzer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return []Analyzer{
		InstallAnalyzer{Apps: caps.Apps, Clock: clk},
		NetworkAnalyzer{Network: caps.Network, Store: store, TrustedVPN: trustedVPN, Clock: clk},
		SettingsAnalyzer{Store: store, Clock: clk},
		AccessAnalyzer{Store: store, Clock: clk},
		UsageAnalyzer{Usage: caps.Usage, Self: self, Clock: clk},
	}
}
