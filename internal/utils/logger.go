// Package utils provides shared helpers for the Kraken Code gateway.
package utils

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset   = "\033[0m"
	colorBright  = "\033[1m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorGray    = "\033[90m"
)

// LogLevel represents the log level
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelSuccess LogLevel = "SUCCESS"
	LogLevelWarn    LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelDebug   LogLevel = "DEBUG"
)

// LogEntry is a structured log record kept in the in-memory history
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

// LogListener receives every emitted entry
type LogListener func(entry LogEntry)

// Logger provides leveled colored logging with a bounded history
type Logger struct {
	mu           sync.RWMutex
	debugEnabled bool
	history      []LogEntry
	maxHistory   int
	listeners    []LogListener
}

// NewLogger creates a new Logger instance
func NewLogger() *Logger {
	return &Logger{
		history:    make([]LogEntry, 0),
		maxHistory: 1000,
	}
}

// SetDebug enables or disables debug output
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugEnabled = enabled
}

// IsDebugEnabled reports whether debug output is enabled
func (l *Logger) IsDebugEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.debugEnabled
}

// AddListener registers a log listener
func (l *Logger) AddListener(listener LogListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// History returns a copy of the retained log entries
func (l *Logger) History() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]LogEntry, len(l.history))
	copy(result, l.history)
	return result
}

func (l *Logger) print(level LogLevel, color string, message string, args ...interface{}) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	formatted := fmt.Sprintf(message, args...)

	fmt.Fprintf(os.Stdout, "%s[%s]%s %s[%s]%s %s\n",
		colorGray, ts, colorReset, color, level, colorReset, formatted)

	entry := LogEntry{Timestamp: ts, Level: level, Message: formatted}

	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHistory {
		l.history = l.history[1:]
	}
	listeners := make([]LogListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	// Notify outside the lock
	for _, listener := range listeners {
		listener(entry)
	}
}

// Info logs a standard info message
func (l *Logger) Info(message string, args ...interface{}) {
	l.print(LogLevelInfo, colorBlue, message, args...)
}

// Success logs a success message
func (l *Logger) Success(message string, args ...interface{}) {
	l.print(LogLevelSuccess, colorGreen, message, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, args ...interface{}) {
	l.print(LogLevelWarn, colorYellow, message, args...)
}

// Error logs an error message
func (l *Logger) Error(message string, args ...interface{}) {
	l.print(LogLevelError, colorRed, message, args...)
}

// Debug logs a debug message when debug mode is enabled
func (l *Logger) Debug(message string, args ...interface{}) {
	if l.IsDebugEnabled() {
		l.print(LogLevelDebug, colorMagenta, message, args...)
	}
}

// Header prints a section header to stdout
func (l *Logger) Header(title string) {
	fmt.Printf("\n%s%s=== %s ===%s\n\n", colorBright, colorCyan, title, colorReset)
}

var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// GetLogger returns the process-wide logger
func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = NewLogger()
	})
	return globalLogger
}

// Info logs through the process-wide logger
func Info(message string, args ...interface{}) {
	GetLogger().Info(message, args...)
}

// Success logs through the process-wide logger
func Success(message string, args ...interface{}) {
	GetLogger().Success(message, args...)
}

// Warn logs through the process-wide logger
func Warn(message string, args ...interface{}) {
	GetLogger().Warn(message, args...)
}

// Error logs through the process-wide logger
func Error(message string, args ...interface{}) {
	GetLogger().Error(message, args...)
}

// Debug logs through the process-wide logger
func Debug(message string, args ...interface{}) {
	GetLogger().Debug(message, args...)
}

// SetDebug toggles debug output on the process-wide logger
func SetDebug(enabled bool) {
	GetLogger().SetDebug(enabled)
}
