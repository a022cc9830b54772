// Package plugin discovers plugins on disk and runs them through the
// policy loader and the sandbox runtime.
package plugin

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ayusman/pluginwarden/internal/capability"
)

// Kinds of plugin body.
const (
	// RuntimeProcess plugins are executables speaking the worker protocol.
	RuntimeProcess = "process"
	// RuntimeScript plugins are JavaScript files run inside the host.
	RuntimeScript = "script"
)

// Manifest describes a plugin's metadata and how to run it.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Runtime     string   `json:"runtime,omitempty"`
	Entry       string   `json:"entry"`
	Args        []string `json:"args,omitempty"`
	// Capabilities is what the plugin asks for. It is passed to the
	// approver alongside the grant and never grants anything by itself.
	Capabilities *capability.Set `json:"capabilities,omitempty"`
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
}

// Kind returns the manifest runtime, defaulting to RuntimeProcess.
func (m Manifest) Kind() string {
	if m.Runtime == "" {
		return RuntimeProcess
	}
	return m.Runtime
}

// Validate checks the fields discovery relies on.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest has no name")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest %s has no version", m.Name)
	}
	if m.Entry == "" {
		return fmt.Errorf("manifest %s has no entry", m.Name)
	}
	if !filepath.IsLocal(m.Entry) {
		return fmt.Errorf("manifest %s entry %q must be a relative path inside the plugin directory", m.Name, m.Entry)
	}
	switch m.Kind() {
	case RuntimeProcess, RuntimeScript:
	default:
		return fmt.Errorf("manifest %s has unknown runtime %q", m.Name, m.Runtime)
	}
	return nil
}

// Plugin represents a discovered plugin with its manifest and location.
type Plugin struct {
	Manifest Manifest
	Path     string
	// Entry is the absolute path of the executable or script.
	Entry string
}
