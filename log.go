package enoki

import (
	"fmt"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// Level is a logging severity, from most to least critical.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

func parseLevel(s string) (Level, bool) {
	switch s {
	case "error":
		return LevelError, true
	case "warn":
		return LevelWarn, true
	case "info":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	case "trace":
		return LevelTrace, true
	default:
		return 0, false
	}
}

// LogCallback receives every record accepted by the callback sink's
// threshold, tagged with the subsystem that produced it.
type LogCallback func(level Level, subsystem, msg string)

// logger fans records out to a stderr sink (via klog, matching
// internal/must's use of klog.Errorf) and a slice of user callbacks,
// each independently thresholded. Guarded by its own mutex rather than
// the global state mutex, since logging must never require holding the
// graph lock.
type logger struct {
	mu          sync.Mutex
	stderrLevel Level
	callbacks   []registeredCallback
}

type registeredCallback struct {
	level Level
	fn    LogCallback
}

func newLogger() *logger {
	l := &logger{stderrLevel: LevelInfo}
	if v, ok := os.LookupEnv("ENOKI_LOG_LEVEL"); ok {
		if lvl, ok := parseLevel(v); ok {
			l.stderrLevel = lvl
		}
	}
	return l
}

// SetStderrLevel sets the threshold of the stderr sink.
func (l *logger) SetStderrLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stderrLevel = level
}

// AddCallback registers a callback sink with its own threshold.
func (l *logger) AddCallback(level Level, fn LogCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, registeredCallback{level: level, fn: fn})
}

func (l *logger) log(level Level, subsystem, format string, args ...any) {
	l.mu.Lock()
	stderrLevel := l.stderrLevel
	callbacks := append([]registeredCallback(nil), l.callbacks...)
	l.mu.Unlock()

	if level <= stderrLevel {
		msg := sprintf(format, args...)
		switch level {
		case LevelError:
			klog.ErrorDepth(1, "["+subsystem+"] "+msg)
		case LevelWarn:
			klog.WarningDepth(1, "["+subsystem+"] "+msg)
		default:
			klog.InfoDepth(1, "["+subsystem+"] "+msg)
		}
	}
	for _, cb := range callbacks {
		if level <= cb.level {
			cb.fn(level, subsystem, sprintf(format, args...))
		}
	}
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
