package app

import (
	"context"

	"github.com/ayusman/pluginwarden/internal/capability"
	"github.com/ayusman/pluginwarden/internal/policy"
	"github.com/ayusman/pluginwarden/internal/registry"
)

// CheckReport is the trust status of one plugin version.
type CheckReport struct {
	Plugin       string                     `json:"plugin"`
	Version      string                     `json:"version"`
	Mode         policy.Mode                `json:"mode"`
	Trusted      bool                       `json:"trusted"`
	Entry        *policy.TrustedPluginEntry `json:"entry,omitempty"`
	Capabilities capability.Set             `json:"capabilities"`
	Registry     *registry.Entry            `json:"registry,omitempty"`
}

// Check classifies name at version without loading it. Nothing is audited.
func (a *App) Check(ctx context.Context, name, version string) *CheckReport {
	p := a.loader.Policy()
	trusted, entry := policy.IsTrusted(name, version, &p)

	r := &CheckReport{
		Plugin:       name,
		Version:      version,
		Mode:         p.Mode,
		Trusted:      trusted,
		Entry:        entry,
		Capabilities: policy.GetCapabilities(name, version, &p),
	}
	if e, ok := a.registry.Find(ctx, name, version); ok {
		r.Registry = e
	}
	return r
}
