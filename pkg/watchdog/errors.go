package watchdog

import (
	"fmt"
	"time"
)

// Severity classifies a watchdog error as MINOR (transient, expected —
// the step still gets a heartbeat) or CRITICAL (unexpected or a lost
// lease — no heartbeat is generated).
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityCritical Severity = "critical"
)

// Error is the common shape of every watchdog error: a severity and an
// underlying cause. loopStep (pkg/service) switches on Severity to decide
// whether to still generate a heartbeat.
type Error struct {
	Severity Severity
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("watchdog: %s: %v", e.Severity, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func minor(err error) *Error    { return &Error{Severity: SeverityMinor, Err: err} }
func critical(err error) *Error { return &Error{Severity: SeverityCritical, Err: err} }

// ServiceHeartbeatTimeout is raised by a timed watchdog's health check
// when the heartbeat has gone stale.
type ServiceHeartbeatTimeout struct {
	Timeout       time.Duration
	Delta         time.Duration
	LastHeartbeat time.Time
	CheckTime     time.Time
}

func (e *ServiceHeartbeatTimeout) Error() string {
	return fmt.Sprintf("heartbeat timeout: last heartbeat %s ago (timeout %s)", e.Delta, e.Timeout)
}

// ServiceIsMarkedFailed is raised when MarkFailed has been called and the
// sticky failure bit forces every subsequent health check to fail.
type ServiceIsMarkedFailed struct{}

func (e *ServiceIsMarkedFailed) Error() string { return "service is marked failed" }

// ErrLockExpired is the lease-backed watchdog's KV lock expiry signal,
// re-exported from pkg/kvlock for convenience.
var ErrLockExpired = fmt.Errorf("watchdog: lock expired")
