// Package capability defines the fixed set of permissions a plugin may hold.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies a single capability.
type Name string

// The seven capabilities a plugin can be granted. Each is independent:
// holding one never implies holding another.
const (
	FileSystemRead  Name = "fileSystemRead"
	FileSystemWrite Name = "fileSystemWrite"
	Network         Name = "network"
	Shell           Name = "shell"
	Env             Name = "env"
	ProjectMetadata Name = "projectMetadata"
	AIClientAccess  Name = "aiClientAccess"
)

// All lists every capability in display order.
var All = []Name{
	FileSystemRead,
	FileSystemWrite,
	Network,
	Shell,
	Env,
	ProjectMetadata,
	AIClientAccess,
}

// ErrDenied is matched by every DeniedError.
var ErrDenied = errors.New("capability denied")

// ErrUnknownCapability is returned by ParseName for names outside All.
var ErrUnknownCapability = errors.New("unknown capability")

// DeniedError is returned when a plugin uses a resource it was not granted.
type DeniedError struct {
	Plugin     string
	Capability Name
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("plugin %q does not have capability %q", e.Plugin, e.Capability)
}

// Is reports whether target is ErrDenied.
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// Set is a plugin's capability grant.
type Set struct {
	FileSystemRead  bool `json:"fileSystemRead" mapstructure:"fileSystemRead"`
	FileSystemWrite bool `json:"fileSystemWrite" mapstructure:"fileSystemWrite"`
	Network         bool `json:"network" mapstructure:"network"`
	Shell           bool `json:"shell" mapstructure:"shell"`
	Env             bool `json:"env" mapstructure:"env"`
	ProjectMetadata bool `json:"projectMetadata" mapstructure:"projectMetadata"`
	AIClientAccess  bool `json:"aiClientAccess" mapstructure:"aiClientAccess"`
}

// Has reports whether the named capability is granted.
// Unknown names are never granted.
func (s Set) Has(name Name) bool {
	switch name {
	case FileSystemRead:
		return s.FileSystemRead
	case FileSystemWrite:
		return s.FileSystemWrite
	case Network:
		return s.Network
	case Shell:
		return s.Shell
	case Env:
		return s.Env
	case ProjectMetadata:
		return s.ProjectMetadata
	case AIClientAccess:
		return s.AIClientAccess
	default:
		return false
	}
}

// With returns a copy of s with the named capability set to granted.
func (s Set) With(name Name, granted bool) Set {
	switch name {
	case FileSystemRead:
		s.FileSystemRead = granted
	case FileSystemWrite:
		s.FileSystemWrite = granted
	case Network:
		s.Network = granted
	case Shell:
		s.Shell = granted
	case Env:
		s.Env = granted
	case ProjectMetadata:
		s.ProjectMetadata = granted
	case AIClientAccess:
		s.AIClientAccess = granted
	}
	return s
}

// Granted returns the granted capabilities in display order.
func (s Set) Granted() []Name {
	var names []Name
	for _, name := range All {
		if s.Has(name) {
			names = append(names, name)
		}
	}
	return names
}

// String renders the grant as a comma separated list, or "none".
func (s Set) String() string {
	granted := s.Granted()
	if len(granted) == 0 {
		return "none"
	}
	parts := make([]string, len(granted))
	for i, name := range granted {
		parts[i] = string(name)
	}
	return strings.Join(parts, ",")
}

// ParseName converts a string into a Name, ignoring case.
func ParseName(s string) (Name, error) {
	for _, name := range All {
		if strings.EqualFold(string(name), s) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCapability, s)
}

// Check returns nil when set grants name, otherwise a *DeniedError for plugin.
func Check(plugin string, name Name, set Set) error {
	if set.Has(name) {
		return nil
	}
	return &DeniedError{Plugin: plugin, Capability: name}
}
