package config

import (
	"github.com/spf13/viper"

	"github.com/ayusman/pluginwarden/internal/sandbox"
)

// Sandbox is the sandbox section.
type Sandbox struct {
	MaxMemoryMB        int64
	MaxExecutionTimeMs int64
	MaxCPUTimeMs       int64
	MaxFileSystemOps   int64
	MaxNetworkRequests int64
	StrictMode         bool
}

func setSandboxDefaults(v *viper.Viper) {
	d := sandbox.DefaultLimits()
	v.SetDefault("sandbox.maxMemoryMB", d.MaxMemoryMB)
	v.SetDefault("sandbox.maxExecutionTimeMs", d.MaxExecutionTimeMs)
	v.SetDefault("sandbox.maxCPUTimeMs", d.MaxCPUTimeMs)
	v.SetDefault("sandbox.maxFileSystemOps", d.MaxFileSystemOps)
	v.SetDefault("sandbox.maxNetworkRequests", d.MaxNetworkRequests)
	v.SetDefault("sandbox.strictMode", false)
}

func getSandboxConfig(v *viper.Viper) *Sandbox {
	return &Sandbox{
		MaxMemoryMB:        v.GetInt64("sandbox.maxMemoryMB"),
		MaxExecutionTimeMs: v.GetInt64("sandbox.maxExecutionTimeMs"),
		MaxCPUTimeMs:       v.GetInt64("sandbox.maxCPUTimeMs"),
		MaxFileSystemOps:   v.GetInt64("sandbox.maxFileSystemOps"),
		MaxNetworkRequests: v.GetInt64("sandbox.maxNetworkRequests"),
		StrictMode:         v.GetBool("sandbox.strictMode"),
	}
}

// Limits returns the configured resource limits.
func (s *Sandbox) Limits() sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		MaxMemoryMB:        s.MaxMemoryMB,
		MaxExecutionTimeMs: s.MaxExecutionTimeMs,
		MaxCPUTimeMs:       s.MaxCPUTimeMs,
		MaxFileSystemOps:   s.MaxFileSystemOps,
		MaxNetworkRequests: s.MaxNetworkRequests,
	}
}
