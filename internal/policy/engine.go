package policy

import "github.com/ayusman/pluginwarden/internal/capability"

// IsTrusted reports whether name at version is on the allowlist of p. The
// first entry with a matching name is consulted and any of its version
// specifiers may match. The returned entry is a copy.
func IsTrusted(name, version string, p *Policy) (bool, *TrustedPluginEntry) {
	if p == nil {
		return false, nil
	}
	for _, e := range p.TrustedPlugins {
		if e.Name != name {
			continue
		}
		for _, pattern := range e.Versions {
			if MatchVersion(pattern, version) {
				entry := e.clone()
				return true, &entry
			}
		}
		return false, nil
	}
	return false, nil
}

// GetCapabilities resolves the capability grant for name at version:
// the entry's grant when trusted, otherwise the policy default.
//
// Every execution path must obtain its capabilities from here.
func GetCapabilities(name, version string, p *Policy) capability.Set {
	if p == nil {
		return DefaultCapabilities()
	}
	if trusted, entry := IsTrusted(name, version, p); trusted {
		return entry.Capabilities
	}
	return p.DefaultCapabilities
}
