package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ayusman/pluginwarden/internal/capability"
	"github.com/ayusman/pluginwarden/internal/integrity"
	"github.com/ayusman/pluginwarden/internal/policy"
)

// Security is the plugin_security section.
type Security struct {
	Mode                    string
	TrustedPlugins          []policy.TrustedPluginEntry
	DefaultCapabilities     capability.Set
	RequireApproval         bool
	VerifyIntegrity         bool
	RequireSignature        bool
	TrustedSigners          []integrity.TrustedSigner
	SignatureExpirationDays int
	// Verification is "key" for in-process public keys or "gpg" for
	// detached signatures checked by gpg.
	Verification string
	GPGHome      string
}

func setSecurityDefaults(v *viper.Viper) {
	v.SetDefault("plugin_security.mode", string(policy.ModeWarn))
	v.SetDefault("plugin_security.requireApproval", false)
	v.SetDefault("plugin_security.verifyIntegrity", true)
	v.SetDefault("plugin_security.requireSignature", false)
	v.SetDefault("plugin_security.signatureExpirationDays", int(integrity.DefaultExpiration/(24*time.Hour)))
	v.SetDefault("plugin_security.verification", "key")
}

func getSecurityConfig(v *viper.Viper) (*Security, error) {
	s := &Security{
		Mode:                    v.GetString("plugin_security.mode"),
		DefaultCapabilities:     policy.DefaultCapabilities(),
		RequireApproval:         v.GetBool("plugin_security.requireApproval"),
		VerifyIntegrity:         v.GetBool("plugin_security.verifyIntegrity"),
		RequireSignature:        v.GetBool("plugin_security.requireSignature"),
		SignatureExpirationDays: v.GetInt("plugin_security.signatureExpirationDays"),
		Verification:            v.GetString("plugin_security.verification"),
		GPGHome:                 v.GetString("plugin_security.gpgHome"),
	}

	if err := v.UnmarshalKey("plugin_security.trustedPlugins", &s.TrustedPlugins, decodeHook()); err != nil {
		return nil, fmt.Errorf("invalid plugin_security.trustedPlugins: %w", err)
	}
	if err := v.UnmarshalKey("plugin_security.trustedSigners", &s.TrustedSigners, decodeHook()); err != nil {
		return nil, fmt.Errorf("invalid plugin_security.trustedSigners: %w", err)
	}
	if v.IsSet("plugin_security.defaultCapabilities") {
		var caps capability.Set
		if err := v.UnmarshalKey("plugin_security.defaultCapabilities", &caps, decodeHook()); err != nil {
			return nil, fmt.Errorf("invalid plugin_security.defaultCapabilities: %w", err)
		}
		s.DefaultCapabilities = caps
	}

	return s, nil
}

// Policy converts the section into a validated policy.
func (s *Security) Policy() (policy.Policy, error) {
	mode, err := policy.ParseMode(s.Mode)
	if err != nil {
		return policy.Policy{}, err
	}
	switch s.Verification {
	case "", "key", "gpg":
	default:
		return policy.Policy{}, fmt.Errorf("unknown plugin_security.verification %q", s.Verification)
	}
	if s.SignatureExpirationDays <= 0 {
		return policy.Policy{}, fmt.Errorf("plugin_security.signatureExpirationDays must be positive, got %d", s.SignatureExpirationDays)
	}

	p := policy.Policy{
		Mode:                mode,
		TrustedPlugins:      s.TrustedPlugins,
		DefaultCapabilities: s.DefaultCapabilities,
		RequireApproval:     s.RequireApproval,
		VerifyIntegrity:     s.VerifyIntegrity,
		RequireSignature:    s.RequireSignature,
		TrustedSigners:      s.TrustedSigners,
		SignatureExpiration: time.Duration(s.SignatureExpirationDays) * 24 * time.Hour,
	}
	if err := p.Validate(); err != nil {
		return policy.Policy{}, err
	}
	return p.Clone(), nil
}

// Verifier returns the signature verifier selected by the section.
func (s *Security) Verifier() integrity.Verifier {
	expiration := time.Duration(s.SignatureExpirationDays) * 24 * time.Hour
	if s.Verification == "gpg" {
		return integrity.NewDetachedVerifier(s.GPGHome, expiration, time.Now)
	}
	return integrity.NewKeyVerifier(expiration, time.Now)
}
