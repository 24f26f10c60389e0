// Package device declares the hardware and host capabilities the agent
// consumes. Concrete implementations live elsewhere (pkg/cmdcap for
// command-line adapters, devicetest for in-memory fakes).
package device

import (
	"context"
	"time"

	"sentinel/pkg/incident"
)

// Lens identifies a camera.
type Lens int

const (
	LensFront Lens = iota
	LensBack
)

func (l Lens) String() string {
	if l == LensBack {
		return "back"
	}
	return "front"
}

// Permission is a runtime grant the host may withhold.
type Permission string

const (
	PermissionCamera     Permission = "camera"
	PermissionMicrophone Permission = "microphone"
	PermissionLocation   Permission = "location"
)

// Location is a single position fix.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Time      time.Time `json:"time"`
}

type Camera interface {
	HasLens(lens Lens) bool
	TakePhoto(ctx context.Context, lens Lens, out string) error
	RecordVideo(ctx context.Context, lens Lens, d time.Duration, out string) error
}

type Microphone interface {
	RecordAudio(ctx context.Context, d time.Duration, out string) error
}

type Locator interface {
	CurrentLocation(ctx context.Context) (Location, error)
}

type Permissions interface {
	Granted(p Permission) bool
}

// ElevationToken is returned by a Broker when the host grants transient
// foreground privilege.
type ElevationToken struct {
	ID        string
	ExpiresAt time.Time
}

// Broker asks the host for foreground elevation so a background incident
// can use the camera.
type Broker interface {
	RequestElevation(ctx context.Context, inc incident.Incident) (ElevationToken, error)
}

// Siren plays an alarm until d elapses or ctx is cancelled.
type Siren interface {
	Sound(ctx context.Context, d time.Duration) error
}

type ScreenLocker interface {
	LockNow(ctx context.Context) error
}

// Wiper performs destructive wipes. Both methods return
// incident.ErrPrivilegeUnavailable when the agent is not a device admin.
type Wiper interface {
	IsAdmin() bool
	Wipe(ctx context.Context) error
	SecureWipe(ctx context.Context) error
}

// Privileged runs commands as root.
type Privileged interface {
	Available() bool
	Exec(ctx context.Context, command string) ([]byte, error)
}

// Screenshotter captures the screen without user interaction.
type Screenshotter interface {
	Screenshot(ctx context.Context, out string) error
}

// Indicator suppresses the camera/microphone activity indicator. The host
// restores it on its own.
type Indicator interface {
	Suppress(ctx context.Context) error
}

// WakeLock keeps the host awake while an incident runs.
type WakeLock interface {
	Acquire(tag string, timeout time.Duration) (release func())
}

// NetworkLockdown blocks all outbound traffic except the alert path.
type NetworkLockdown interface {
	BlockAll(ctx context.Context) error
}

type Battery interface {
	Level(ctx context.Context) (percent int, charging bool, err error)
}

type Diagnostics interface {
	Collect(ctx context.Context) (Info, error)
}

// Installer installs a package silently via the privileged channel.
type Installer interface {
	InstallSilently(ctx context.Context, pkg string) error
}

// App describes one installed package.
type App struct {
	Package     string
	Installer   string
	System      bool
	InstalledAt time.Time
}

type AppInventory interface {
	InstalledApps(ctx context.Context) ([]App, error)
}

type NetworkMonitor interface {
	VPNActive(ctx context.Context) (bool, error)
}

// AppUsage is foreground time for one package over a window.
type AppUsage struct {
	Package    string
	Foreground time.Duration
}

type UsageStats interface {
	ForegroundUsage(ctx context.Context, since time.Time) ([]AppUsage, error)
}

// Set groups the capabilities handed to the agent. Any field may be nil; a
// nil capability behaves as permission denied.
type Set struct {
	Camera        Camera
	Microphone    Microphone
	Locator       Locator
	Permissions   Permissions
	Broker        Broker
	Siren         Siren
	ScreenLocker  ScreenLocker
	Wiper         Wiper
	Privileged    Privileged
	Screenshotter Screenshotter
	Indicator     Indicator
	WakeLock      WakeLock
	Lockdown      NetworkLockdown
	Battery       Battery
	Diagnostics   Diagnostics
	Installer     Installer
	Apps          AppInventory
	Network       NetworkMonitor
	Usage         UsageStats
}

// Granted reports whether p is granted, treating a nil Permissions as all granted.
func (s Set) Granted(p Permission) bool {
	if s.Permissions == nil {
		return true
	}
	return s.Permissions.Granted(p)
}
