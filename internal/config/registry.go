package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ayusman/pluginwarden/internal/integrity"
	"github.com/ayusman/pluginwarden/internal/registry"
)

// Registry is the registry section.
type Registry struct {
	Path       string
	RemoteURL  string
	AutoUpdate bool
	CacheTTL   time.Duration
	UserAgent  string
}

func setRegistryDefaults(v *viper.Viper) {
	v.SetDefault("registry.autoUpdate", false)
	v.SetDefault("registry.cacheTTL", time.Hour)
	v.SetDefault("registry.userAgent", registry.DefaultUserAgent)
}

func getRegistryConfig(v *viper.Viper, dataDir string) *Registry {
	r := &Registry{
		Path:       v.GetString("registry.path"),
		RemoteURL:  v.GetString("registry.remoteURL"),
		AutoUpdate: v.GetBool("registry.autoUpdate"),
		CacheTTL:   v.GetDuration("registry.cacheTTL"),
		UserAgent:  v.GetString("registry.userAgent"),
	}
	if r.Path == "" {
		r.Path = filepath.Join(dataDir, "registry.json")
	}
	return r
}

// Config builds the registry configuration. Signature checks use sec.
func (r *Registry) Config(sec *Security) registry.Config {
	cfg := registry.Config{
		Path:       r.Path,
		RemoteURL:  r.RemoteURL,
		AutoUpdate: r.AutoUpdate,
		CacheTTL:   r.CacheTTL,
		UserAgent:  r.UserAgent,
	}
	if sec != nil {
		cfg.Verifier = sec.Verifier()
		cfg.Signers = append([]integrity.TrustedSigner(nil), sec.TrustedSigners...)
		cfg.RequireSignature = sec.RequireSignature
	}
	return cfg
}
