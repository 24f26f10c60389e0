// Package devicetest provides in-memory capability fakes for tests.
package devicetest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/pkg/device"
	"sentinel/pkg/incident"
)

// Recorder collects the names of capability calls in order.
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *Recorder) record(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

// Calls returns a snapshot of the recorded calls.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many times name was recorded.
func (r *Recorder) Count(name string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func writeFile(out, content string) error {
	return os.WriteFile(out, []byte(content), 0o600)
}

// Camera writes small placeholder files and detects overlapping use.
type Camera struct {
	Rec      *Recorder
	NoBack   bool
	PhotoErr error
	VideoErr error
	// VideoBlocks makes RecordVideo wait for ctx instead of returning.
	VideoBlocks bool

	inUse      atomic.Int32
	overlapped atomic.Bool
}

func (c *Camera) HasLens(lens device.Lens) bool { return lens == device.LensFront || !c.NoBack }

func (c *Camera) enter() func() {
	if c.inUse.Add(1) > 1 {
		c.overlapped.Store(true)
	}
	return func() { c.inUse.Add(-1) }
}

// Overlapped reports whether two camera operations ever ran at once.
func (c *Camera) Overlapped() bool { return c.overlapped.Load() }

func (c *Camera) TakePhoto(ctx context.Context, lens device.Lens, out string) error {
	defer c.enter()()
	c.Rec.record("photo:" + lens.String())
	if c.PhotoErr != nil {
		return c.PhotoErr
	}
	time.Sleep(time.Millisecond)
	return writeFile(out, "jpeg")
}

func (c *Camera) RecordVideo(ctx context.Context, lens device.Lens, d time.Duration, out string) error {
	defer c.enter()()
	c.Rec.record("video:" + lens.String())
	if c.VideoErr != nil {
		return c.VideoErr
	}
	if c.VideoBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	time.Sleep(time.Millisecond)
	return writeFile(out, fmt.Sprintf("mp4 %s", d))
}

type Microphone struct {
	Rec *Recorder
	Err error
}

func (m *Microphone) RecordAudio(ctx context.Context, d time.Duration, out string) error {
	m.Rec.record("audio")
	if m.Err != nil {
		return m.Err
	}
	return writeFile(out, fmt.Sprintf("mp3 %s", d))
}

type Locator struct {
	Rec *Recorder
	Loc device.Location
	Err error
	// Block makes CurrentLocation wait for ctx.
	Block bool
}

func (l *Locator) CurrentLocation(ctx context.Context) (device.Location, error) {
	l.Rec.record("location")
	if l.Block {
		<-ctx.Done()
		return device.Location{}, ctx.Err()
	}
	if l.Err != nil {
		return device.Location{}, l.Err
	}
	return l.Loc, nil
}

// Permissions grants everything except the listed denials.
type Permissions struct {
	mu     sync.Mutex
	denied map[device.Permission]bool
}

func (p *Permissions) Deny(perms ...device.Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied == nil {
		p.denied = map[device.Permission]bool{}
	}
	for _, perm := range perms {
		p.denied[perm] = true
	}
}

func (p *Permissions) Grant(perm device.Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.denied, perm)
}

func (p *Permissions) Granted(perm device.Permission) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.denied[perm]
}

// Broker grants a one-minute elevation unless Err is set.
type Broker struct {
	Rec *Recorder
	Err error

	requests atomic.Int32
}

func (b *Broker) RequestElevation(ctx context.Context, inc incident.Incident) (device.ElevationToken, error) {
	b.requests.Add(1)
	b.Rec.record("broker")
	if b.Err != nil {
		return device.ElevationToken{}, b.Err
	}
	return device.ElevationToken{ID: inc.ID, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (b *Broker) Requests() int { return int(b.requests.Load()) }

// Siren records and blocks until d or cancellation.
type Siren struct {
	Rec    *Recorder
	active atomic.Int32
}

func (s *Siren) Sound(ctx context.Context, d time.Duration) error {
	s.Rec.record("siren")
	s.active.Add(1)
	defer s.active.Add(-1)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Active reports how many siren loops are running.
func (s *Siren) Active() int { return int(s.active.Load()) }

type ScreenLocker struct {
	Rec *Recorder
	Err error
}

func (l *ScreenLocker) LockNow(ctx context.Context) error {
	l.Rec.record("lock")
	return l.Err
}

type Wiper struct {
	Rec   *Recorder
	Admin bool
}

func (w *Wiper) IsAdmin() bool { return w.Admin }

func (w *Wiper) Wipe(ctx context.Context) error {
	w.Rec.record("wipe")
	if !w.Admin {
		return incident.ErrPrivilegeUnavailable
	}
	return nil
}

func (w *Wiper) SecureWipe(ctx context.Context) error {
	w.Rec.record("secure_wipe")
	if !w.Admin {
		return incident.ErrPrivilegeUnavailable
	}
	return nil
}

// Privileged records commands and returns Output.
type Privileged struct {
	Rec    *Recorder
	Root   bool
	Output []byte

	mu       sync.Mutex
	commands []string
}

func (p *Privileged) Available() bool { return p.Root }

func (p *Privileged) Exec(ctx context.Context, command string) ([]byte, error) {
	p.Rec.record("exec")
	if !p.Root {
		return nil, incident.ErrPrivilegeUnavailable
	}
	p.mu.Lock()
	p.commands = append(p.commands, command)
	p.mu.Unlock()
	return p.Output, nil
}

func (p *Privileged) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

type Screenshotter struct {
	Rec *Recorder
	Err error
}

func (s *Screenshotter) Screenshot(ctx context.Context, out string) error {
	s.Rec.record("screenshot")
	if s.Err != nil {
		return s.Err
	}
	return writeFile(out, "png")
}

type Indicator struct{ Rec *Recorder }

func (i *Indicator) Suppress(ctx context.Context) error {
	i.Rec.record("indicator")
	return nil
}

// WakeLock counts held locks.
type WakeLock struct {
	held atomic.Int32
}

func (w *WakeLock) Acquire(tag string, timeout time.Duration) func() {
	w.held.Add(1)
	var once sync.Once
	return func() { once.Do(func() { w.held.Add(-1) }) }
}

func (w *WakeLock) Held() int { return int(w.held.Load()) }

type Lockdown struct {
	Rec *Recorder
	Err error
}

func (l *Lockdown) BlockAll(ctx context.Context) error {
	l.Rec.record("lockdown")
	return l.Err
}

type Battery struct {
	Percent  int
	Charging bool
	Err      error
}

func (b *Battery) Level(ctx context.Context) (int, bool, error) {
	return b.Percent, b.Charging, b.Err
}

type Diagnostics struct {
	Rec  *Recorder
	Info device.Info
	Err  error
}

func (d *Diagnostics) Collect(ctx context.Context) (device.Info, error) {
	d.Rec.record("diagnostics")
	return d.Info, d.Err
}

type Installer struct {
	Rec *Recorder
	Err error
}

func (i *Installer) InstallSilently(ctx context.Context, pkg string) error {
	i.Rec.record("install:" + pkg)
	return i.Err
}

type Apps struct {
	List []device.App
	Err  error
}

func (a *Apps) InstalledApps(ctx context.Context) ([]device.App, error) { return a.List, a.Err }

type Network struct {
	VPN bool
	Err error
}

func (n *Network) VPNActive(ctx context.Context) (bool, error) { return n.VPN, n.Err }

type Usage struct {
	List []device.AppUsage
	Err  error
}

func (u *Usage) ForegroundUsage(ctx context.Context, since time.Time) ([]device.AppUsage, error) {
	return u.List, u.Err
}

// Kit is a full set of fakes sharing one Recorder.
type Kit struct {
	Rec           *Recorder
	Camera        *Camera
	Microphone    *Microphone
	Locator       *Locator
	Permissions   *Permissions
	Broker        *Broker
	Siren         *Siren
	ScreenLocker  *ScreenLocker
	Wiper         *Wiper
	Privileged    *Privileged
	Screenshotter *Screenshotter
	Indicator     *Indicator
	WakeLock      *WakeLock
	Lockdown      *Lockdown
	Battery       *Battery
	Diagnostics   *Diagnostics
	Installer     *Installer
	Apps          *Apps
	Network       *Network
	Usage         *Usage
}

// NewKit returns fakes with every capability available and admin/root granted.
func NewKit() *Kit {
	rec := &Recorder{}
	return &Kit{
		Rec:           rec,
		Camera:        &Camera{Rec: rec},
		Microphone:    &Microphone{Rec: rec},
		Locator:       &Locator{Rec: rec, Loc: device.Location{Latitude: 52.52, Longitude: 13.405, Accuracy: 12}},
		Permissions:   &Permissions{},
		Broker:        &Broker{Rec: rec},
		Siren:         &Siren{Rec: rec},
		ScreenLocker:  &ScreenLocker{Rec: rec},
		Wiper:         &Wiper{Rec: rec, Admin: true},
		Privileged:    &Privileged{Rec: rec, Root: true},
		Screenshotter: &Screenshotter{Rec: rec},
		Indicator:     &Indicator{Rec: rec},
		WakeLock:      &WakeLock{},
		Lockdown:      &Lockdown{Rec: rec},
		Battery:       &Battery{Percent: 80},
		Diagnostics:   &Diagnostics{Rec: rec, Info: device.Info{Model: "TestPhone", BatteryLevel: 80}},
		Installer:     &Installer{Rec: rec},
		Apps:          &Apps{},
		Network:       &Network{},
		Usage:         &Usage{},
	}
}

// Set returns the kit as a device.Set.
func (k *Kit) Set() device.Set {
	return device.Set{
		Camera:        k.Camera,
		Microphone:    k.Microphone,
		Locator:       k.Locator,
		Permissions:   k.Permissions,
		Broker:        k.Broker,
		Siren:         k.Siren,
		ScreenLocker:  k.ScreenLocker,
		Wiper:         k.Wiper,
		Privileged:    k.Privileged,
		Screenshotter: k.Screenshotter,
		Indicator:     k.Indicator,
		WakeLock:      k.WakeLock,
		Lockdown:      k.Lockdown,
		Battery:       k.Battery,
		Diagnostics:   k.Diagnostics,
		Installer:     k.Installer,
		Apps:          k.Apps,
		Network:       k.Network,
		Usage:         k.Usage,
	}
}
