package sandbox

import (
	"fmt"
	"time"
)

// Default resource ceilings.
const (
	DefaultMaxMemoryMB        = 512
	DefaultMaxExecutionTimeMs = 30000
	DefaultMaxCPUTimeMs       = 10000
	DefaultMaxFileSystemOps   = 1000
	DefaultMaxNetworkRequests = 100
)

// Resource names used in ResourceExceededError.
const (
	ResourceMemory          = "memory"
	ResourceCPUTime         = "cpuTime"
	ResourceFileSystemOps   = "fileSystemOps"
	ResourceNetworkRequests = "networkRequests"
)

// ResourceLimits are the ceilings a session's workers run under.
type ResourceLimits struct {
	MaxMemoryMB        int64 `json:"maxMemoryMB" mapstructure:"maxMemoryMB"`
	MaxExecutionTimeMs int64 `json:"maxExecutionTimeMs" mapstructure:"maxExecutionTimeMs"`
	MaxCPUTimeMs       int64 `json:"maxCPUTimeMs" mapstructure:"maxCPUTimeMs"`
	MaxFileSystemOps   int64 `json:"maxFileSystemOps" mapstructure:"maxFileSystemOps"`
	MaxNetworkRequests int64 `json:"maxNetworkRequests" mapstructure:"maxNetworkRequests"`
}

// DefaultLimits returns the default ceilings.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:        DefaultMaxMemoryMB,
		MaxExecutionTimeMs: DefaultMaxExecutionTimeMs,
		MaxCPUTimeMs:       DefaultMaxCPUTimeMs,
		MaxFileSystemOps:   DefaultMaxFileSystemOps,
		MaxNetworkRequests: DefaultMaxNetworkRequests,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l ResourceLimits) WithDefaults() ResourceLimits {
	d := DefaultLimits()
	if l.MaxMemoryMB == 0 {
		l.MaxMemoryMB = d.MaxMemoryMB
	}
	if l.MaxExecutionTimeMs == 0 {
		l.MaxExecutionTimeMs = d.MaxExecutionTimeMs
	}
	if l.MaxCPUTimeMs == 0 {
		l.MaxCPUTimeMs = d.MaxCPUTimeMs
	}
	if l.MaxFileSystemOps == 0 {
		l.MaxFileSystemOps = d.MaxFileSystemOps
	}
	if l.MaxNetworkRequests == 0 {
		l.MaxNetworkRequests = d.MaxNetworkRequests
	}
	return l
}

// Validate requires every limit to be positive.
func (l ResourceLimits) Validate() error {
	for _, f := range []struct {
		name  string
		value int64
	}{
		{"maxMemoryMB", l.MaxMemoryMB},
		{"maxExecutionTimeMs", l.MaxExecutionTimeMs},
		{"maxCPUTimeMs", l.MaxCPUTimeMs},
		{"maxFileSystemOps", l.MaxFileSystemOps},
		{"maxNetworkRequests", l.MaxNetworkRequests},
	} {
		if f.value <= 0 {
			return fmt.Errorf("resource limit %s must be positive, got %d", f.name, f.value)
		}
	}
	return nil
}

// Timeout is MaxExecutionTimeMs as a duration.
func (l ResourceLimits) Timeout() time.Duration {
	return time.Duration(l.MaxExecutionTimeMs) * time.Millisecond
}

// ResourceUsage is a usage snapshot reported while a worker runs.
type ResourceUsage struct {
	MemoryMB        float64 `json:"memoryMB"`
	CPUTimeMs       int64   `json:"cpuTime"`
	FileSystemOps   int64   `json:"fileSystemOps"`
	NetworkRequests int64   `json:"networkRequests"`
}

// merge keeps the larger reading of each counter.
func (u ResourceUsage) merge(o ResourceUsage) ResourceUsage {
	if o.MemoryMB > u.MemoryMB {
		u.MemoryMB = o.MemoryMB
	}
	if o.CPUTimeMs > u.CPUTimeMs {
		u.CPUTimeMs = o.CPUTimeMs
	}
	if o.FileSystemOps > u.FileSystemOps {
		u.FileSystemOps = o.FileSystemOps
	}
	if o.NetworkRequests > u.NetworkRequests {
		u.NetworkRequests = o.NetworkRequests
	}
	return u
}

// check returns the first crossed limit. Memory is always enforced; the
// remaining ceilings only when strict is set, otherwise they come back
// with exceeded false.
func (l ResourceLimits) check(u ResourceUsage, strict bool) (resource string, limit int64, actual float64, exceeded bool) {
	if u.MemoryMB > float64(l.MaxMemoryMB) {
		return ResourceMemory, l.MaxMemoryMB, u.MemoryMB, true
	}
	for _, c := range []struct {
		name   string
		limit  int64
		actual int64
	}{
		{ResourceCPUTime, l.MaxCPUTimeMs, u.CPUTimeMs},
		{ResourceFileSystemOps, l.MaxFileSystemOps, u.FileSystemOps},
		{ResourceNetworkRequests, l.MaxNetworkRequests, u.NetworkRequests},
	} {
		if c.actual > c.limit {
			return c.name, c.limit, float64(c.actual), strict
		}
	}
	return "", 0, 0, false
}
