package cmdcap

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sentinel/pkg/device"
	"sentinel/pkg/incident"
)

func seconds(d time.Duration) string {
	return strconv.Itoa(int(d.Round(time.Second) / time.Second))
}

type Camera struct{ r *Runner }

// HasLens reports the back lens present when the has_back probe exits zero.
func (c Camera) HasLens(lens device.Lens) bool {
	if lens == device.LensFront {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.r.Run(ctx, CmdBackLens, nil)
	return err == nil
}

func (c Camera) TakePhoto(ctx context.Context, lens device.Lens, out string) error {
	_, err := c.r.Run(ctx, CmdPhoto, Vars{"lens": lens.String(), "out": out})
	return err
}

func (c Camera) RecordVideo(ctx context.Context, lens device.Lens, d time.Duration, out string) error {
	_, err := c.r.Run(ctx, CmdVideo, Vars{"lens": lens.String(), "seconds": seconds(d), "out": out})
	return err
}

type Microphone struct{ r *Runner }

func (m Microphone) RecordAudio(ctx context.Context, d time.Duration, out string) error {
	_, err := m.r.Run(ctx, CmdAudio, Vars{"seconds": seconds(d), "out": out})
	return err
}

// Locator expects the command to print a JSON device.Location.
type Locator struct{ r *Runner }

func (l Locator) CurrentLocation(ctx context.Context) (device.Location, error) {
	var loc device.Location
	out, err := l.r.Run(ctx, CmdLocation, nil)
	if err != nil {
		return loc, err
	}
	if err := json.Unmarshal(out, &loc); err != nil {
		return loc, fmt.Errorf("decode location: %w", err)
	}
	if loc.Time.IsZero() {
		loc.Time = time.Now()
	}
	return loc, nil
}

// Permissions asks the host whether a runtime grant is held; exit 0 means
// granted.
type Permissions struct{ r *Runner }

func (p Permissions) Granted(perm device.Permission) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.r.Run(ctx, CmdPermission, Vars{"permission": string(perm)})
	return err == nil
}

// Broker prints an elevation token id on success.
type Broker struct{ r *Runner }

func (b Broker) RequestElevation(ctx context.Context, inc incident.Incident) (device.ElevationToken, error) {
	out, err := b.r.Run(ctx, CmdBroker, Vars{"reason": inc.Reason, "id": inc.ID})
	if err != nil {
		return device.ElevationToken{}, err
	}
	return device.ElevationToken{ID: strings.TrimSpace(string(out)), ExpiresAt: time.Now().Add(time.Minute)}, nil
}

type Siren struct{ r *Runner }

// Sound runs the siren command for d. Cancelling ctx kills it.
func (s Siren) Sound(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d+5*time.Second)
	defer cancel()
	_, err := s.r.Run(ctx, CmdSiren, Vars{"seconds": seconds(d)})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

type ScreenLocker struct{ r *Runner }

func (l ScreenLocker) LockNow(ctx context.Context) error {
	_, err := l.r.Run(ctx, CmdLock, nil)
	return err
}

// Wiper treats a zero exit from the admin check as device-admin granted.
type Wiper struct{ r *Runner }

func (w Wiper) IsAdmin() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := w.r.Run(ctx, CmdAdmin, nil)
	return err == nil
}

func (w Wiper) Wipe(ctx context.Context) error { return w.wipe(ctx, CmdWipe) }

func (w Wiper) SecureWipe(ctx context.Context) error {
	if !w.r.Has(CmdSecureWipe) {
		return w.wipe(ctx, CmdWipe)
	}
	return w.wipe(ctx, CmdSecureWipe)
}

func (w Wiper) wipe(ctx context.Context, name string) error {
	if !w.IsAdmin() || !w.r.Has(name) {
		return incident.ErrPrivilegeUnavailable
	}
	_, err := w.r.Run(ctx, name, nil)
	return err
}

// Privileged substitutes the whole command string into {command}.
type Privileged struct{ r *Runner }

func (p Privileged) Available() bool { return p.r.Has(CmdPrivileged) }

func (p Privileged) Exec(ctx context.Context, command string) ([]byte, error) {
	if !p.Available() {
		return nil, incident.ErrPrivilegeUnavailable
	}
	return p.r.Run(ctx, CmdPrivileged, Vars{"command": command})
}

type Screenshotter struct{ r *Runner }

func (s Screenshotter) Screenshot(ctx context.Context, out string) error {
	_, err := s.r.Run(ctx, CmdScreenshot, Vars{"out": out})
	return err
}

type Indicator struct{ r *Runner }

func (i Indicator) Suppress(ctx context.Context) error {
	_, err := i.r.Run(ctx, CmdIndicator, nil)
	return err
}

type Lockdown struct{ r *Runner }

func (l Lockdown) BlockAll(ctx context.Context) error {
	_, err := l.r.Run(ctx, CmdLockdown, nil)
	return err
}

// Battery expects {"level":N,"charging":bool}.
type Battery struct{ r *Runner }

func (b Battery) Level(ctx context.Context) (int, bool, error) {
	out, err := b.r.Run(ctx, CmdBattery, nil)
	if err != nil {
		return 0, false, err
	}
	var v struct {
		Level    int  `json:"level"`
		Charging bool `json:"charging"`
	}
	if err := json.Unmarshal(out, &v); err != nil {
		return 0, false, fmt.Errorf("decode battery: %w", err)
	}
	return v.Level, v.Charging, nil
}

type Diagnostics struct{ r *Runner }

func (d Diagnostics) Collect(ctx context.Context) (device.Info, error) {
	var info device.Info
	out, err := d.r.Run(ctx, CmdDiagnostics, nil)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return info, fmt.Errorf("decode diagnostics: %w", err)
	}
	return info, nil
}

type Installer struct{ r *Runner }

func (i Installer) InstallSilently(ctx context.Context, pkg string) error {
	_, err := i.r.Run(ctx, CmdInstall, Vars{"package": pkg})
	return err
}

// Apps expects a JSON array of device.App.
type Apps struct{ r *Runner }

func (a Apps) InstalledApps(ctx context.Context) ([]device.App, error) {
	out, err := a.r.Run(ctx, CmdApps, nil)
	if err != nil {
		return nil, err
	}
	var apps []device.App
	if err := json.Unmarshal(out, &apps); err != nil {
		return nil, fmt.Errorf("decode apps: %w", err)
	}
	return apps, nil
}

// Network prints "true" when a VPN is up.
type Network struct{ r *Runner }

func (n Network) VPNActive(ctx context.Context) (bool, error) {
	out, err := n.r.Run(ctx, CmdVPN, nil)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(string(out)))
}

// Usage expects a JSON array of {"package":..,"foreground_seconds":N}.
type Usage struct{ r *Runner }

func (u Usage) ForegroundUsage(ctx context.Context, since time.Time) ([]device.AppUsage, error) {
	out, err := u.r.Run(ctx, CmdUsage, Vars{"since": since.UTC().Format(time.RFC3339)})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Package string  `json:"package"`
		Seconds float64 `json:"foreground_seconds"`
	}
	if err := json.Unmarshal(out, &rows); err != nil {
		return nil, fmt.Errorf("decode usage: %w", err)
	}
	usage := make([]device.AppUsage, 0, len(rows))
	for _, row := range rows {
		usage = append(usage, device.AppUsage{
			Package:    row.Package,
			Foreground: time.Duration(row.Seconds * float64(time.Second)),
		})
	}
	return usage, nil
}

// Set returns a capability set with an adapter for every configured
// command. Capabilities without a command stay nil and read as denied.
func (r *Runner) Set() device.Set {
	var s device.Set
	if r.Has(CmdPhoto) || r.Has(CmdVideo) {
		s.Camera = Camera{r}
	}
	if r.Has(CmdAudio) {
		s.Microphone = Microphone{r}
	}
	if r.Has(CmdLocation) {
		s.Locator = Locator{r}
	}
	if r.Has(CmdPermission) {
		s.Permissions = Permissions{r}
	}
	if r.Has(CmdBroker) {
		s.Broker = Broker{r}
	}
	if r.Has(CmdSiren) {
		s.Siren = Siren{r}
	}
	if r.Has(CmdLock) {
		s.ScreenLocker = ScreenLocker{r}
	}
	if r.Has(CmdWipe) || r.Has(CmdSecureWipe) {
		s.Wiper = Wiper{r}
	}
	if r.Has(CmdPrivileged) {
		s.Privileged = Privileged{r}
	}
	if r.Has(CmdScreenshot) {
		s.Screenshotter = Screenshotter{r}
	}
	if r.Has(CmdIndicator) {
		s.Indicator = Indicator{r}
	}
	if r.Has(CmdLockdown) {
		s.Lockdown = Lockdown{r}
	}
	if r.Has(CmdBattery) {
		s.Battery = Battery{r}
	}
	if r.Has(CmdDiagnostics) {
		s.Diagnostics = Diagnostics{r}
	}
	if r.Has(CmdInstall) {
		s.Installer = Installer{r}
	}
	if r.Has(CmdApps) {
		s.Apps = Apps{r}
	}
	if r.Has(CmdVPN) {
		s.Network = Network{r}
	}
	if r.Has(CmdUsage) {
		s.Usage = Usage{r}
	}
	return s
}
