// Package eventlog keeps a short, human-readable history of what the agent
// did. Entries are stored most-recent-first and capped.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/utils/clock"

	"sentinel/pkg/kvstore"
	"sentinel/pkg/structlog"
)

// MaxEntries is the retention cap.
const MaxEntries = 100

// TimeLayout is the entry timestamp format.
const TimeLayout = "2006-01-02 15:04:05"

// Log appends entries to a kvstore. Stores with native capped lists are used
// directly; others hold the log as a JSON array.
type Log struct {
	store  kvstore.Store
	clock  clock.PassiveClock
	logger *structlog.Logger
	max    int

	mu sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

func WithClock(c clock.PassiveClock) Option { return func(l *Log) { l.clock = c } }

func WithLogger(lg *structlog.Logger) Option { return func(l *Log) { l.logger = lg } }

func WithMaxEntries(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.max = n
		}
	}
}

func New(store kvstore.Store, opts ...Option) *Log {
	l := &Log{store: store, clock: clock.RealClock{}, max: MaxEntries}
	for _, o := range opts {
		o(l)
	}
	l.logger = structlog.OrDefault(l.logger, "eventlog")
	return l
}

// Record appends a formatted entry. Failures are logged and swallowed so a
// broken store never blocks incident handling.
func (l *Log) Record(ctx context.Context, message string) {
	entry := fmt.Sprintf("%s - %s", l.clock.Now().Format(TimeLayout), message)
	if err := l.append(ctx, entry); err != nil {
		l.logger.Warn("event log append failed", structlog.Fields{"error": err})
	}
}

// Recordf is Record with formatting.
func (l *Log) Recordf(ctx context.Context, format string, args ...any) {
	l.Record(ctx, fmt.Sprintf(format, args...))
}

func (l *Log) append(ctx context.Context, entry string) error {
	if ls, ok := l.store.(kvstore.ListStore); ok {
		return ls.PushCapped(ctx, kvstore.KeyEventLog, entry, l.max)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.readJSON(ctx)
	if err != nil {
		return err
	}
	entries = append([]string{entry}, entries...)
	if len(entries) > l.max {
		entries = entries[:l.max]
	}
	return kvstore.SetJSON(ctx, l.store, kvstore.KeyEventLog, entries)
}

// Entries returns the log, most recent first.
func (l *Log) Entries(ctx context.Context) ([]string, error) {
	if ls, ok := l.store.(kvstore.ListStore); ok {
		return ls.List(ctx, kvstore.KeyEventLog)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readJSON(ctx)
}

// Clear drops every entry.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Delete(ctx, kvstore.KeyEventLog)
}

func (l *Log) readJSON(ctx context.Context) ([]string, error) {
	var entries []string
	err := kvstore.GetJSON(ctx, l.store, kvstore.KeyEventLog, &entries)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	return entries, err
}
