package utils

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// NowMs returns the current wall-clock time in Unix milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// SleepMs sleeps for the given number of milliseconds.
func SleepMs(ms int64) {
	if ms <= 0 {
		return
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// FormatDuration renders a millisecond duration for log output, e.g. "1m30s".
func FormatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	d := time.Duration(ms) * time.Millisecond
	d = d.Round(time.Second)
	return d.String()
}

// IsNetworkError reports whether err looks like a transport-level failure
// rather than an HTTP-level one.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof")
}
