// Package policy decides whether a plugin is trusted and which capabilities
// it runs with.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayusman/pluginwarden/internal/capability"
	"github.com/ayusman/pluginwarden/internal/integrity"
)

// Mode controls what happens when an untrusted plugin is loaded.
type Mode string

const (
	// ModeStrict refuses untrusted plugins.
	ModeStrict Mode = "strict"
	// ModeWarn loads untrusted plugins with default capabilities and logs a warning.
	ModeWarn Mode = "warn"
	// ModePermissive loads untrusted plugins with default capabilities silently.
	ModePermissive Mode = "permissive"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeStrict, ModeWarn, ModePermissive:
		return true
	}
	return false
}

// ParseMode converts s into a Mode, ignoring case.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown policy mode %q", s)
	}
	return m, nil
}

// ErrUntrusted is matched by every UntrustedPluginError.
var ErrUntrusted = errors.New("untrusted plugin")

// UntrustedPluginError is returned when strict mode refuses a plugin.
type UntrustedPluginError struct {
	Plugin  string
	Version string
}

func (e *UntrustedPluginError) Error() string {
	return fmt.Sprintf("plugin %s@%s is not trusted by policy", e.Plugin, e.Version)
}

// Is reports whether target is ErrUntrusted.
func (e *UntrustedPluginError) Is(target error) bool {
	return target == ErrUntrusted
}

// TrustedPluginEntry is one allowlist entry.
type TrustedPluginEntry struct {
	Name         string               `json:"name" mapstructure:"name"`
	Versions     []string             `json:"versions" mapstructure:"versions"`
	Capabilities capability.Set       `json:"capabilities" mapstructure:"capabilities"`
	Hash         string               `json:"hash,omitempty" mapstructure:"hash"`
	Signature    *integrity.Signature `json:"signature,omitempty" mapstructure:"signature"`
	Official     bool                 `json:"official" mapstructure:"official"`
}

func (e TrustedPluginEntry) clone() TrustedPluginEntry {
	e.Versions = append([]string(nil), e.Versions...)
	if e.Signature != nil {
		sig := *e.Signature
		e.Signature = &sig
	}
	return e
}

// Policy is the trust configuration for a host.
type Policy struct {
	Mode                Mode                 `json:"mode"`
	TrustedPlugins      []TrustedPluginEntry `json:"trustedPlugins"`
	DefaultCapabilities capability.Set       `json:"defaultCapabilities"`
	RequireApproval     bool                 `json:"requireApproval"`
	VerifyIntegrity     bool                 `json:"verifyIntegrity"`

	// RequireSignature rejects trusted entries that carry no signature.
	RequireSignature    bool                      `json:"requireSignature"`
	TrustedSigners      []integrity.TrustedSigner `json:"trustedSigners,omitempty"`
	SignatureExpiration time.Duration             `json:"signatureExpiration,omitempty"`
}

// DefaultCapabilities is the grant for plugins that are not on the
// allowlist. It never includes shell or fileSystemWrite.
func DefaultCapabilities() capability.Set {
	return capability.Set{
		FileSystemRead:  true,
		ProjectMetadata: true,
	}
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		Mode:                ModeWarn,
		DefaultCapabilities: DefaultCapabilities(),
		VerifyIntegrity:     true,
		SignatureExpiration: integrity.DefaultExpiration,
	}
}

// Validate checks the policy for configuration mistakes.
func (p *Policy) Validate() error {
	if !p.Mode.Valid() {
		return fmt.Errorf("unknown policy mode %q", p.Mode)
	}
	for i, e := range p.TrustedPlugins {
		if e.Name == "" {
			return fmt.Errorf("trustedPlugins[%d]: missing name", i)
		}
		if len(e.Versions) == 0 {
			return fmt.Errorf("trustedPlugins[%d] (%s): no versions", i, e.Name)
		}
		if e.Hash != "" && !integrity.IsValidHash(e.Hash) {
			return fmt.Errorf("trustedPlugins[%d] (%s): hash must be %d hex characters", i, e.Name, integrity.HashLength)
		}
	}
	for i, s := range p.TrustedSigners {
		if s.KeyID == "" {
			return fmt.Errorf("trustedSigners[%d]: missing keyId", i)
		}
	}
	return nil
}

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	out := p
	out.TrustedPlugins = make([]TrustedPluginEntry, len(p.TrustedPlugins))
	for i, e := range p.TrustedPlugins {
		out.TrustedPlugins[i] = e.clone()
	}
	out.TrustedSigners = append([]integrity.TrustedSigner(nil), p.TrustedSigners...)
	return out
}
