// Package registry maintains the catalog of known plugin artifacts and
// their trust metadata, loaded from a local file and optionally mirrored
// from a remote source.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/ayusman/pluginwarden/internal/capability"
	"github.com/ayusman/pluginwarden/internal/integrity"
)

// DocumentVersion is the registry format version written by this package.
const DocumentVersion = "1.0"

// VerifiedBy records who vouched for a registry entry.
type VerifiedBy string

const (
	VerifiedOfficial  VerifiedBy = "official"
	VerifiedCommunity VerifiedBy = "community"
	VerifiedUser      VerifiedBy = "user"
)

var (
	// ErrSaveFailed is matched by every SaveFailedError.
	ErrSaveFailed = errors.New("registry save failed")
	// ErrEntryNotFound is returned when no entry matches name and version.
	ErrEntryNotFound = errors.New("registry entry not found")
	// ErrInvalidDocument is returned for registry documents with a bad shape.
	ErrInvalidDocument = errors.New("invalid registry document")
)

// SaveFailedError wraps a failure to persist the registry.
type SaveFailedError struct {
	Path string
	Err  error
}

func (e *SaveFailedError) Error() string {
	return fmt.Sprintf("failed to save registry to %s: %v", e.Path, e.Err)
}

func (e *SaveFailedError) Unwrap() error { return e.Err }

// Is reports whether target is ErrSaveFailed.
func (e *SaveFailedError) Is(target error) bool {
	return target == ErrSaveFailed
}

// Entry is the trust metadata for one plugin version.
type Entry struct {
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Hash         string               `json:"hash"`
	Description  string               `json:"description,omitempty"`
	Author       string               `json:"author,omitempty"`
	Homepage     string               `json:"homepage,omitempty"`
	Repository   string               `json:"repository,omitempty"`
	VerifiedBy   VerifiedBy           `json:"verifiedBy"`
	Timestamp    time.Time            `json:"timestamp"`
	Capabilities *capability.Set      `json:"capabilities,omitempty"`
	Signature    *integrity.Signature `json:"signature,omitempty"`
}

// Validate checks the entry's required fields.
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: entry has no name", ErrInvalidDocument)
	}
	if e.Version == "" {
		return fmt.Errorf("%w: entry %q has no version", ErrInvalidDocument, e.Name)
	}
	if !integrity.IsValidHash(e.Hash) {
		return fmt.Errorf("%w: entry %s@%s has malformed hash", ErrInvalidDocument, e.Name, e.Version)
	}
	switch e.VerifiedBy {
	case VerifiedOfficial, VerifiedCommunity, VerifiedUser:
	default:
		return fmt.Errorf("%w: entry %s@%s has unknown verifiedBy %q", ErrInvalidDocument, e.Name, e.Version, e.VerifiedBy)
	}
	return nil
}

func (e Entry) clone() Entry {
	if e.Capabilities != nil {
		caps := *e.Capabilities
		e.Capabilities = &caps
	}
	if e.Signature != nil {
		sig := *e.Signature
		e.Signature = &sig
	}
	return e
}

// Document is the persisted registry.
type Document struct {
	Version     string    `json:"version"`
	Entries     []Entry   `json:"entries"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Empty returns a document with no entries.
func Empty() *Document {
	return &Document{Version: DocumentVersion, Entries: []Entry{}}
}

// Validate checks the document shape and every entry.
func (d *Document) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidDocument)
	}
	if d.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidDocument)
	}
	if d.Entries == nil {
		return fmt.Errorf("%w: missing entries", ErrInvalidDocument)
	}
	for i := range d.Entries {
		if err := d.Entries[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) clone() *Document {
	out := &Document{
		Version:     d.Version,
		Entries:     make([]Entry, len(d.Entries)),
		LastUpdated: d.LastUpdated,
	}
	for i, e := range d.Entries {
		out.Entries[i] = e.clone()
	}
	return out
}
