package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/pluginwarden/internal/policy"
)

// ErrNotLoaded is returned by Run for plugins that were skipped or never loaded.
var ErrNotLoaded = errors.New("plugin not loaded")

// Loaded pairs a discovered plugin with its load decision.
type Loaded struct {
	Plugin   *Plugin
	Decision *policy.Decision
}

// Host ties discovery, the loading path and sandboxed execution together.
type Host struct {
	manager  *Manager
	loader   *policy.Loader
	executor *Executor
	logger   logrus.FieldLogger

	mu     sync.RWMutex
	loaded map[string]*Loaded
}

// NewHost creates a Host.
func NewHost(m *Manager, loader *policy.Loader, exec *Executor, logger logrus.FieldLogger) *Host {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Host{
		manager:  m,
		loader:   loader,
		executor: exec,
		logger:   logger,
		loaded:   make(map[string]*Loaded),
	}
}

// LoadAll discovers plugins and loads them one at a time in name order.
//
// An untrusted plugin under strict mode aborts the whole load and its
// error is returned as is. Integrity and signature failures skip the
// offending plugin; loading continues and the failures are joined into
// the returned error. Plugins denied by the user are skipped silently.
func (h *Host) LoadAll(ctx context.Context) ([]*Loaded, error) {
	if err := h.manager.Discover(); err != nil {
		return nil, fmt.Errorf("failed to discover plugins: %w", err)
	}

	h.mu.Lock()
	h.loaded = make(map[string]*Loaded)
	h.mu.Unlock()

	var (
		loaded []*Loaded
		errs   []error
	)
	for _, p := range h.manager.List() {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}

		log := h.logger.WithFields(logrus.Fields{
			"plugin":  p.Manifest.Name,
			"version": p.Manifest.Version,
		})

		d, err := h.loader.Load(ctx, policy.LoadRequest{
			Name:         p.Manifest.Name,
			Version:      p.Manifest.Version,
			ArtifactPath: p.Entry,
			Requested:    p.Manifest.Capabilities,
		})
		if err != nil {
			if errors.Is(err, policy.ErrUntrusted) {
				log.WithError(err).Error("plugin load aborted")
				return loaded, err
			}
			log.WithError(err).Error("plugin skipped")
			errs = append(errs, err)
			continue
		}
		if d.Skipped {
			log.WithField("reason", d.Reason).Info("plugin skipped")
			continue
		}

		l := &Loaded{Plugin: p, Decision: d}
		h.mu.Lock()
		h.loaded[p.Manifest.Name] = l
		h.mu.Unlock()
		loaded = append(loaded, l)

		log.WithFields(logrus.Fields{
			"trusted":      d.Trusted,
			"capabilities": d.Capabilities.String(),
		}).Info("plugin loaded")
	}

	return loaded, errors.Join(errs...)
}

// Get returns the loaded plugin called name.
func (h *Host) Get(name string) (*Loaded, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	l, ok := h.loaded[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	return l, nil
}

// Run executes the loaded plugin called name in a fresh sandbox.
func (h *Host) Run(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	l, err := h.Get(name)
	if err != nil {
		return nil, err
	}
	return h.executor.Execute(ctx, l.Plugin, l.Decision, input)
}

// Shutdown terminates every sandbox session still alive.
func (h *Host) Shutdown() {
	h.executor.Runtime().TerminateAll()
}
