// Package lifecycle carries the host's foreground/background signal and
// runs periodic work only while the host is in the foreground.
package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"sentinel/pkg/structlog"
)

// State is the host visibility.
type State int

const (
	Background State = iota
	Foreground
)

func (s State) String() string {
	if s == Foreground {
		return "foreground"
	}
	return "background"
}

func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "foreground":
		return Foreground, nil
	case "background":
		return Background, nil
	}
	return Background, fmt.Errorf("unknown lifecycle state %q", s)
}

var foregroundGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "sentinel", Subsystem: "lifecycle", Name: "foreground", Help: "1 while the host is in the foreground.",
})

func init() {
	_ = prometheus.Register(foregroundGauge)
}

// Signal is a subscribable state value. Subscribers only ever see the
// latest state; intermediate flips may be coalesced.
type Signal struct {
	mu    sync.Mutex
	state State
	subs  map[int]chan State
	next  int
}

func NewSignal(initial State) *Signal {
	foregroundGauge.Set(float64(initial))
	return &Signal{state: initial, subs: make(map[int]chan State)}
}

func (s *Signal) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set publishes st to every subscriber when it differs from the current state.
// Foreground reports whether the host is currently visible.
func (s *Signal) Foreground() bool { return s.State() == Foreground }

func (s *Signal) Set(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == s.state {
		return
	}
	s.state = st
	foregroundGauge.Set(float64(st))
	for _, ch := range s.subs {
		deliver(ch, st)
	}
}

// Subscribe returns a channel primed with the current state and a cancel
// function that unregisters it.
func (s *Signal) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan State, 1)
	ch <- s.state
	id := s.next
	s.next++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// deliver replaces any unread value with st.
func deliver(ch chan State, st State) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// GatedTicker calls fn every interval while the signal is Foreground. In the
// background no ticker exists at all.
type GatedTicker struct {
	signal   *Signal
	interval time.Duration
	fn       func(context.Context)
	clock    clock.WithTicker
	logger   *structlog.Logger
	active   atomic.Bool
}

type Option func(*GatedTicker)

func WithClock(c clock.WithTicker) Option { return func(g *GatedTicker) { g.clock = c } }

func WithLogger(l *structlog.Logger) Option { return func(g *GatedTicker) { g.logger = l } }

func NewGatedTicker(signal *Signal, interval time.Duration, fn func(context.Context), opts ...Option) *GatedTicker {
	g := &GatedTicker{signal: signal, interval: interval, fn: fn, clock: clock.RealClock{}}
	for _, o := range opts {
		o(g)
	}
	g.logger = structlog.OrDefault(g.logger, "lifecycle")
	return g
}

// Active reports whether the ticker is currently running.
func (g *GatedTicker) Active() bool { return g.active.Load() }

// Run blocks until ctx is done.
func (g *GatedTicker) Run(ctx context.Context) {
	states, unsubscribe := g.signal.Subscribe()
	defer unsubscribe()

	var (
		ticker clock.Ticker
		tick   <-chan time.Time
	)
	stop := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
			g.active.Store(false)
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			switch {
			case st == Foreground && ticker == nil:
				ticker = g.clock.NewTicker(g.interval)
				tick = ticker.C()
				g.active.Store(true)
				g.logger.Debug("periodic analysis resumed", structlog.Fields{"interval": g.interval.String()})
			case st == Background && ticker != nil:
				stop()
				g.logger.Debug("periodic analysis suspended", nil)
			}
		case <-tick:
			g.run(ctx)
		}
	}
}

func (g *GatedTicker) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("periodic task panicked", structlog.Fields{"panic": fmt.Sprint(r), "stack": string(debug.Stack())})
		}
	}()
	g.fn(ctx)
}
