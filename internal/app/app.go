// Package app wires configuration, storage, policy, registry and the
// sandbox runtime into a plugin host.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/pluginwarden/internal/audit"
	"github.com/ayusman/pluginwarden/internal/config"
	"github.com/ayusman/pluginwarden/internal/plugin"
	"github.com/ayusman/pluginwarden/internal/policy"
	"github.com/ayusman/pluginwarden/internal/registry"
	"github.com/ayusman/pluginwarden/internal/sandbox"
	"github.com/ayusman/pluginwarden/internal/store"
)

// Config holds configuration options for the application.
type Config struct {
	Settings *config.Config
	// Approver answers install prompts for untrusted plugins. Without one
	// RequireApproval falls back to the policy mode.
	Approver policy.Approver
	// Base overrides the host resources handed to script plugins.
	Base   *sandbox.BaseInput
	Logger logrus.FieldLogger
}

// App owns every long-lived component.
type App struct {
	settings *config.Config
	logger   logrus.FieldLogger
	store    *store.Store
	audit    *audit.Log
	registry *registry.Registry
	loader   *policy.Loader
	runtime  *sandbox.Runtime
	host     *plugin.Host
	plugins  *plugin.Manager
}

// New opens the store and builds the component graph.
func New(cfg Config) (*App, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("app config has no settings")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	settings := cfg.Settings

	pol, err := settings.Security.Policy()
	if err != nil {
		return nil, fmt.Errorf("invalid plugin security policy: %w", err)
	}

	st, err := store.New(settings.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	auditLog := audit.New(audit.WithSink(st.Audit()), audit.WithLogger(logger))

	reg := registry.New(settings.Registry.Config(settings.Security), registry.WithLogger(logger))

	opts := []policy.LoaderOption{
		policy.WithRegistry(reg),
		policy.WithApprovalStore(st.Approvals()),
		policy.WithVerifier(settings.Security.Verifier()),
		policy.WithLogger(logger),
	}
	if cfg.Approver != nil {
		opts = append(opts, policy.WithApprover(cfg.Approver))
	}
	loader := policy.NewLoader(pol, auditLog, opts...)

	projectDir, err := filepath.Abs(settings.ProjectDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	base := cfg.Base
	if base == nil {
		base = defaultBase(projectDir)
	}

	rt := sandbox.NewRuntime(sandbox.WithLogger(logger))
	exec := plugin.NewExecutor(rt, plugin.ExecutorConfig{
		Limits:           settings.Sandbox.Limits(),
		StrictMode:       settings.Sandbox.StrictMode,
		WorkingDirectory: projectDir,
		Base:             base,
		Audit:            auditLog,
	}, logger)
	mgr := plugin.NewManager(settings.PluginDir, logger)

	return &App{
		settings: settings,
		logger:   logger,
		store:    st,
		audit:    auditLog,
		registry: reg,
		loader:   loader,
		runtime:  rt,
		host:     plugin.NewHost(mgr, loader, exec, logger),
		plugins:  mgr,
	}, nil
}

// defaultBase exposes the project directory and the process environment.
func defaultBase(projectDir string) *sandbox.BaseInput {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return &sandbox.BaseInput{
		Project: &sandbox.ProjectMetadata{
			Name: filepath.Base(projectDir),
			Root: projectDir,
		},
		Worktree:   projectDir,
		Directory:  projectDir,
		Shell:      sandbox.ExecShell{Dir: projectDir},
		Env:        env,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// LoadPlugins discovers and loads every plugin under the plugin directory.
func (a *App) LoadPlugins(ctx context.Context) ([]*plugin.Loaded, error) {
	return a.host.LoadAll(ctx)
}

// Close terminates live sandboxes and closes the store.
func (a *App) Close() error {
	a.host.Shutdown()
	return a.store.Close()
}

// Settings returns the configuration the app was built from.
func (a *App) Settings() *config.Config { return a.settings }

// Store returns the sqlite store.
func (a *App) Store() *store.Store { return a.store }

// Audit returns the audit log.
func (a *App) Audit() *audit.Log { return a.audit }

// Registry returns the trust registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Loader returns the plugin loading path.
func (a *App) Loader() *policy.Loader { return a.loader }

// Runtime returns the sandbox runtime.
func (a *App) Runtime() *sandbox.Runtime { return a.runtime }

// Host returns the plugin host.
func (a *App) Host() *plugin.Host { return a.host }

// PluginManager returns the plugin manager.
func (a *App) PluginManager() *plugin.Manager { return a.plugins }
