package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the default Logger implementation for ATLAS services.
//
// Design:
//   - Production-ready: JSON format in Kubernetes, text for local dev
//   - Rate-limited: prevents error-log flooding during failures
//   - Component-aware: WithComponent returns tagged child loggers
//   - Thread-safe: safe for concurrent access
type ProductionLogger struct {
	level       string
	serviceName string
	component   string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	// Rate limiting to prevent log flooding during failures
	errorLimiter *rateLimiter
}

// NewProductionLogger creates a logger for the named service.
// Configuration priority:
//  1. Explicit parameters (highest)
//  2. Environment variables (ATLAS_LOG_LEVEL, ATLAS_LOG_FORMAT)
//  3. Auto-detection (Kubernetes environment)
//  4. Defaults (lowest)
func NewProductionLogger(serviceName string) *ProductionLogger {
	level := os.Getenv("ATLAS_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	// Auto-detect Kubernetes environment for structured logging
	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("ATLAS_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &ProductionLogger{
		level:        strings.ToUpper(level),
		serviceName:  serviceName,
		format:       format,
		output:       os.Stdout,
		errorLimiter: newRateLimiter(1 * time.Second),
	}
}

// WithComponent returns a child logger tagged with the component name.
// The child shares the parent's output, level and rate limiter.
func (l *ProductionLogger) WithComponent(component string) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	child := &ProductionLogger{
		level:        l.level,
		serviceName:  l.serviceName,
		component:    component,
		format:       l.format,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
	return child
}

// Info logs informational messages.
func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages.
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting.
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when the level allows them).
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

// SetLevel dynamically updates the log level.
func (l *ProductionLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
}

// SetOutput changes the output writer (useful for testing).
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}
	if l.component != "" {
		logEntry["component"] = l.component
	}
	for k, v := range fields {
		// Avoid overwriting core fields
		if k != "timestamp" && k != "level" && k != "service" && k != "component" && k != "message" {
			logEntry[k] = v
		}
	}

	if data, err := json.Marshal(logEntry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		// Deterministic field order for readability and test stability
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fieldStr.WriteString(" ")
		for _, k := range keys {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, fields[k]))
		}
	}

	tag := l.serviceName
	if l.component != "" {
		tag = fmt.Sprintf("%s:%s", l.serviceName, l.component)
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n",
		timestamp, level, tag, msg, strings.TrimRight(fieldStr.String(), " "))
}

func (l *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return messageLevel >= currentLevel
}

// rateLimiter implements a simple rate limiter for error logging.
type rateLimiter struct {
	interval time.Duration
	lastTime time.Time
	mu       sync.Mutex
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

// Allow returns true if an action is allowed based on rate limiting.
func (r *rateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		return true
	}
	return false
}
