package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/pluginwarden/internal/integrity"
)

// DefaultCacheTTL is how long a loaded registry is reused before reloading.
const DefaultCacheTTL = time.Hour

// Config describes where the registry lives.
type Config struct {
	Path       string
	RemoteURL  string
	AutoUpdate bool
	CacheTTL   time.Duration
	UserAgent  string
	HTTPClient *http.Client

	// Verifier and Signers are used by VerifyComplete for entries that
	// carry a signature.
	Verifier integrity.Verifier
	Signers  []integrity.TrustedSigner
	// RequireSignature makes VerifyComplete reject unsigned entries.
	RequireSignature bool
}

// Registry is a cached view of the registry document. All reads and
// mutations are serialized, so callers never observe a partial update.
type Registry struct {
	cfg    Config
	remote *remoteSource
	logger logrus.FieldLogger
	now    func() time.Time

	mu       sync.Mutex
	doc      *Document
	loadedAt time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry. Nothing is read until the first call that needs data.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	r := &Registry{
		cfg:    cfg,
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	if cfg.RemoteURL != "" {
		r.remote = newRemoteSource(cfg.RemoteURL, cfg.UserAgent, cfg.HTTPClient)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load returns the registry document. A cached copy younger than CacheTTL
// is returned as is. Otherwise the local file is read and, when AutoUpdate
// is on and the local copy is stale or missing, the remote source is
// fetched and persisted. Remote failures fall back to local, then to the
// previous cache, then to an empty registry; Load never fails.
func (r *Registry) Load(ctx context.Context) *Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx).clone()
}

// Refresh drops the in-memory cache and loads again.
func (r *Registry) Refresh(ctx context.Context) *Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadedAt = time.Time{}
	return r.loadLocked(ctx).clone()
}

func (r *Registry) loadLocked(ctx context.Context) *Document {
	now := r.now()
	if r.doc != nil && now.Sub(r.loadedAt) < r.cfg.CacheTTL {
		return r.doc
	}

	local, modTime, err := r.readLocal()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.WithError(err).WithField("path", r.cfg.Path).Warn("ignoring unreadable local registry")
	}

	doc := local
	stale := local == nil || now.Sub(modTime) >= r.cfg.CacheTTL
	if r.cfg.AutoUpdate && r.remote != nil && stale {
		remote, err := r.remote.fetch(ctx)
		if err != nil {
			r.logger.WithError(err).WithField("url", r.cfg.RemoteURL).Warn("remote registry unavailable, using local copy")
		} else {
			doc = remote
			if err := r.writeLocal(remote); err != nil {
				r.logger.WithError(err).Warn("failed to cache remote registry")
			}
		}
	}

	if doc == nil {
		doc = r.doc
	}
	if doc == nil {
		doc = Empty()
	}

	r.doc = doc
	r.loadedAt = now
	return doc
}

func (r *Registry) readLocal() (*Document, time.Time, error) {
	if r.cfg.Path == "" {
		return nil, time.Time{}, fs.ErrNotExist
	}
	info, err := os.Stat(r.cfg.Path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(r.cfg.Path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse registry: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = []Entry{}
	}
	if doc.Version == "" {
		doc.Version = DocumentVersion
	}
	return &doc, info.ModTime(), nil
}

// writeLocal persists doc with a rename so readers never see a torn file.
func (r *Registry) writeLocal(doc *Document) error {
	if r.cfg.Path == "" {
		return errors.New("no registry path configured")
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.cfg.Path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Find returns the entry for exactly name and version.
func (r *Registry) Find(ctx context.Context, name, version string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.loadLocked(ctx).Entries {
		if e.Name == name && e.Version == version {
			out := e.clone()
			return &out, true
		}
	}
	return nil, false
}

// FindAll returns every version registered under name.
func (r *Registry) FindAll(ctx context.Context, name string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.loadLocked(ctx).Entries {
		if e.Name == name {
			out = append(out, e.clone())
		}
	}
	return out
}

// Search returns entries whose name or description contains pattern,
// ignoring case.
func (r *Registry) Search(ctx context.Context, pattern string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	pattern = strings.ToLower(pattern)
	var out []Entry
	for _, e := range r.loadLocked(ctx).Entries {
		if strings.Contains(strings.ToLower(e.Name), pattern) ||
			strings.Contains(strings.ToLower(e.Description), pattern) {
			out = append(out, e.clone())
		}
	}
	return out
}

// Add inserts e, replacing any entry with the same name and version, and
// persists the registry. On failure the in-memory registry is unchanged.
func (r *Registry) Add(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	if err := e.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.loadLocked(ctx).clone()
	replaced := false
	for i := range next.Entries {
		if next.Entries[i].Name == e.Name && next.Entries[i].Version == e.Version {
			next.Entries[i] = e.clone()
			replaced = true
			break
		}
	}
	if !replaced {
		next.Entries = append(next.Entries, e.clone())
	}
	return r.commitLocked(next)
}

// Remove deletes the entry for name and version. It reports whether an
// entry was removed.
func (r *Registry) Remove(ctx context.Context, name, version string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.loadLocked(ctx)
	next := &Document{Version: current.Version, Entries: make([]Entry, 0, len(current.Entries))}
	for _, e := range current.Entries {
		if e.Name == name && e.Version == version {
			continue
		}
		next.Entries = append(next.Entries, e.clone())
	}
	if len(next.Entries) == len(current.Entries) {
		return false, nil
	}
	if err := r.commitLocked(next); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) commitLocked(next *Document) error {
	next.LastUpdated = r.now().UTC()
	if err := r.writeLocal(next); err != nil {
		return &SaveFailedError{Path: r.cfg.Path, Err: err}
	}
	r.doc = next
	r.loadedAt = r.now()
	return nil
}

// Verify reports whether hash matches the registered hash for name and
// version. ErrEntryNotFound is returned when nothing is registered.
func (r *Registry) Verify(ctx context.Context, name, version, hash string) (bool, error) {
	e, ok := r.Find(ctx, name, version)
	if !ok {
		return false, fmt.Errorf("%w: %s@%s", ErrEntryNotFound, name, version)
	}
	return integrity.EqualHashes(e.Hash, hash), nil
}

// VerifyComplete checks the artifact at path against the registered hash
// and, when the entry is signed, its signature.
func (r *Registry) VerifyComplete(ctx context.Context, name, version, path string) error {
	e, ok := r.Find(ctx, name, version)
	if !ok {
		return fmt.Errorf("%w: %s@%s", ErrEntryNotFound, name, version)
	}

	if err := integrity.CheckIntegrity(path, e.Hash); err != nil {
		return err
	}

	if e.Signature == nil {
		if r.cfg.RequireSignature {
			return &integrity.SignatureVerificationFailedError{Path: path, Reason: "registry entry is not signed"}
		}
		return nil
	}

	verifier := r.cfg.Verifier
	if verifier == nil {
		verifier = integrity.NewKeyVerifier(0, r.now)
	}
	return verifier.Verify(ctx, path, e.Signature, r.cfg.Signers).Err(path, e.Signature.KeyID)
}
