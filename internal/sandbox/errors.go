package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/ayusman/pluginwarden/internal/capability"
)

var (
	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("sandbox timeout")
	// ErrResourceExceeded is matched by every ResourceExceededError.
	ErrResourceExceeded = errors.New("sandbox resource limit exceeded")
	// ErrSessionTerminated is returned by Execute on a terminated session.
	ErrSessionTerminated = errors.New("sandbox session already terminated")
	// ErrSessionBusy is returned by Execute while another Execute is running.
	ErrSessionBusy = errors.New("sandbox session is already executing")
	// ErrNoLauncher is returned when a session has no way to start workers.
	ErrNoLauncher = errors.New("no worker launcher configured")
)

// TimeoutError is returned when a worker runs past MaxExecutionTimeMs.
type TimeoutError struct {
	Plugin  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("plugin %q timed out after %s", e.Plugin, e.Timeout)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ResourceExceededError is returned when a worker crosses a resource ceiling.
type ResourceExceededError struct {
	Plugin   string
	Resource string
	Limit    int64
	Actual   float64
}

func (e *ResourceExceededError) Error() string {
	return fmt.Sprintf("plugin %q exceeded %s limit: %g > %d", e.Plugin, e.Resource, e.Actual, e.Limit)
}

// Is reports whether target is ErrResourceExceeded.
func (e *ResourceExceededError) Is(target error) bool {
	return target == ErrResourceExceeded
}

// WorkerError is a failure reported by, or observed in, the worker.
type WorkerError struct {
	Plugin  string
	Message string
	// Denied is set when the worker failed on a capability it was not granted.
	Denied *capability.DeniedError
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("plugin %q failed: %s", e.Plugin, e.Message)
}

// Unwrap exposes the capability denial, if any.
func (e *WorkerError) Unwrap() error {
	if e.Denied == nil {
		return nil
	}
	return e.Denied
}
