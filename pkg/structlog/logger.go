package structlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type ctxKeyCorrID struct{}

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger writes one JSON object per line with a fixed set of standard fields.
type Logger struct {
	component string
	level     *levelVar
	output    io.Writer
	mu        *sync.Mutex
	fields    Fields
	sanitizer *Sanitizer
}

type levelVar struct {
	mu sync.RWMutex
	l  Level
}

// Sanitizer masks sensitive data in logs
type Sanitizer struct {
	patterns []string
}

// NewSanitizer creates a log sanitizer
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: []string{
			"password",
			"passwd",
			"secret",
			"token",
			"apikey",
			"authorization",
			"pin",
			"install_code",
		},
	}
}

// Sanitize masks fields whose key contains a sensitive pattern.
func (s *Sanitizer) Sanitize(fields Fields) Fields {
	cleaned := make(Fields, len(fields))
	for k, v := range fields {
		if s.sensitive(k) {
			cleaned[k] = "MASKED"
			continue
		}
		cleaned[k] = v
	}
	return cleaned
}

func (s *Sanitizer) sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, p := range s.patterns {
		if strings.Contains(key, p) {
			return true
		}
	}
	return false
}

// NewLogger creates a structured logger for a component
func NewLogger(component string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		component: component,
		level:     &levelVar{l: level},
		output:    output,
		mu:        &sync.Mutex{},
		fields:    Fields{},
		sanitizer: NewSanitizer(),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLogger("discard", LevelError+1, io.Discard)
}

// Named returns a child logger for another component sharing output and level.
func (l *Logger) Named(component string) *Logger {
	child := l.WithFields(nil)
	child.component = component
	return child
}

// WithFields returns a logger with additional base fields
func (l *Logger) WithFields(fields Fields) *Logger {
	n := &Logger{
		component: l.component,
		level:     l.level,
		output:    l.output,
		mu:        l.mu,
		sanitizer: l.sanitizer,
		fields:    make(Fields, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		n.fields[k] = v
	}
	for k, v := range fields {
		n.fields[k] = v
	}
	return n
}

// WithContext extracts correlation ID from context and adds to logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return l.WithFields(Fields{"correlation_id": corrID})
	}
	return l
}

func (l *Logger) Debug(message string, fields Fields) { l.log(LevelDebug, message, fields) }
func (l *Logger) Info(message string, fields Fields)  { l.log(LevelInfo, message, fields) }
func (l *Logger) Warn(message string, fields Fields)  { l.log(LevelWarn, message, fields) }
func (l *Logger) Error(message string, fields Fields) { l.log(LevelError, message, fields) }

// SecurityEvent logs security event with special marker
func (l *Logger) SecurityEvent(event string, fields Fields) {
	merged := Fields{"event_type": "security", "security_event": event}
	for k, v := range fields {
		merged[k] = v
	}
	l.log(LevelWarn, fmt.Sprintf("SECURITY: %s", event), merged)
}

// AuditLog logs audit trail with immutable marker
func (l *Logger) AuditLog(action string, fields Fields) {
	merged := Fields{"event_type": "audit", "audit_action": action}
	for k, v := range fields {
		merged[k] = v
	}
	l.log(LevelInfo, fmt.Sprintf("AUDIT: %s", action), merged)
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.GetLevel() {
		return
	}

	all := make(Fields, len(l.fields)+len(fields)+6)
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		all[k] = v
	}

	all = l.sanitizer.Sanitize(all)
	all["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	all["level"] = level.String()
	all["component"] = l.component
	all["message"] = message

	if level >= LevelError {
		if _, file, line, ok := runtime.Caller(2); ok {
			all["caller"] = fmt.Sprintf("%s:%d", file, line)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.output).Encode(all); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: failed to encode log: %v\n", err)
	}
}

// SetLevel changes log level
func (l *Logger) SetLevel(level Level) {
	l.level.mu.Lock()
	defer l.level.mu.Unlock()
	l.level.l = level
}

// GetLevel returns current log level
func (l *Logger) GetLevel() Level {
	l.level.mu.RLock()
	defer l.level.mu.RUnlock()
	return l.level.l
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID returns context with correlation ID
func ContextWithCorrelationID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, corrID)
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if corrID, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return corrID
	}
	return ""
}

// GetOrCreateCorrelationID gets existing or creates new correlation ID
func GetOrCreateCorrelationID(ctx context.Context) (context.Context, string) {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return ctx, corrID
	}
	corrID := NewCorrelationID()
	return ContextWithCorrelationID(ctx, corrID), corrID
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewLogger("sentinel", LevelInfo, os.Stdout)
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger replaces the global logger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// OrDefault returns l, or a child of the default logger named component when l is nil.
func OrDefault(l *Logger, component string) *Logger {
	if l != nil {
		return l
	}
	return Default().Named(component)
}
