package log

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// DefaultRateLimitWindow is how long a tagged log site stays suppressed
// after it fires.
const DefaultRateLimitWindow = 10 * time.Minute

var (
	verbose     = false
	logPrefixes = map[int]string{
		levelDebug: "\033[37m[DBG]\033[0m", // White
		levelInfo:  "\033[36m[INF]\033[0m", // Cyan
		levelWarn:  "\033[33m[WRN]\033[0m", // Yellow
		levelError: "\033[31m[ERR]\033[0m", // Red
	}

	rateLimitMu   sync.Mutex
	rateLimitNext = make(map[string]time.Time)
	rateLimitNow  = time.Now
)

// SetVerbose sets the logging verbosity. If true, all log levels are displayed.
func SetVerbose(v bool) {
	verbose = v
}

// IsVerbose returns true if verbose logging is enabled.
func IsVerbose() bool {
	return verbose
}

// Debugf logs a debug message if verbose is true.
func Debugf(format string, args ...interface{}) {
	if verbose {
		logMessage(levelDebug, format, args...)
	}
}

// Infof logs an info message.
func Infof(format string, args ...interface{}) {
	logMessage(levelInfo, format, args...)
}

// Warnf logs a warning message.
func Warnf(format string, args ...interface{}) {
	logMessage(levelWarn, format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	logMessage(levelError, format, args...)
}

// Fatalf logs an error message and exits the program.
func Fatalf(format string, args ...interface{}) {
	logMessage(levelError, format, args...)
	os.Exit(1)
}

// RateLimitedWarnf logs a warning at most once per window for the given tag.
// A zero window means DefaultRateLimitWindow.
func RateLimitedWarnf(tag string, window time.Duration, format string, args ...interface{}) {
	if rateLimitAllows(tag, window) {
		logMessage(levelWarn, format, args...)
	}
}

// RateLimitedErrorf logs an error at most once per window for the given tag.
func RateLimitedErrorf(tag string, window time.Duration, format string, args ...interface{}) {
	if rateLimitAllows(tag, window) {
		logMessage(levelError, format, args...)
	}
}

func rateLimitAllows(tag string, window time.Duration) bool {
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	rateLimitMu.Lock()
	defer rateLimitMu.Unlock()
	now := rateLimitNow()
	if next, ok := rateLimitNext[tag]; ok && now.Before(next) {
		return false
	}
	rateLimitNext[tag] = now.Add(window)
	return true
}

// ResetRateLimits drops all rate-limit state. Intended for tests.
func ResetRateLimits() {
	rateLimitMu.Lock()
	defer rateLimitMu.Unlock()
	rateLimitNext = make(map[string]time.Time)
}

// logMessage formats and writes a log message with the specified log level.
func logMessage(level int, format string, args ...interface{}) {
	prefix := logPrefixes[level]
	message := fmt.Sprintf(format, args...)
	output := prefix + " " + message + "\n"

	// Write the output to the appropriate stream
	if level == levelError {
		_, _ = os.Stderr.WriteString(output)
	} else {
		_, _ = os.Stdout.WriteString(output)
	}
}
