package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/pluginwarden/internal/audit"
	"github.com/ayusman/pluginwarden/internal/policy"
	"github.com/ayusman/pluginwarden/internal/sandbox"
)

// ExecutorConfig controls how plugins are sandboxed.
type ExecutorConfig struct {
	Limits     sandbox.ResourceLimits
	StrictMode bool
	// WorkingDirectory is the project directory plugins act on.
	WorkingDirectory string
	// Base backs the execution context of script plugins.
	Base *sandbox.BaseInput
	// Audit records denied capability use by script plugins.
	Audit        *audit.Log
	PollInterval time.Duration
}

// Executor runs loaded plugins inside sandbox sessions, one session per call.
type Executor struct {
	runtime *sandbox.Runtime
	cfg     ExecutorConfig
	logger  logrus.FieldLogger
}

// NewExecutor creates a new Executor backed by rt.
func NewExecutor(rt *sandbox.Runtime, cfg ExecutorConfig, logger logrus.FieldLogger) *Executor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Executor{
		runtime: rt,
		cfg:     cfg,
		logger:  logger,
	}
}

// Runtime returns the sandbox runtime sessions are created in.
func (e *Executor) Runtime() *sandbox.Runtime {
	return e.runtime
}

// Launcher returns the worker launcher for p.
func (e *Executor) Launcher(p *Plugin, trusted bool) sandbox.Launcher {
	logger := e.logger.WithField("plugin", p.Manifest.Name)

	if p.Manifest.Kind() == RuntimeScript {
		return &sandbox.ScriptLauncher{
			Path:         p.Entry,
			Base:         e.cfg.Base,
			Audit:        e.cfg.Audit,
			Trusted:      trusted,
			PollInterval: e.cfg.PollInterval,
			Logger:       logger,
		}
	}
	return &sandbox.ProcessLauncher{
		Path:         p.Entry,
		Args:         p.Manifest.Args,
		Dir:          p.Path,
		PollInterval: e.cfg.PollInterval,
		Logger:       logger,
	}
}

// Execute runs p once with the capabilities resolved by d. The session is
// terminated when the call returns.
func (e *Executor) Execute(ctx context.Context, p *Plugin, d *policy.Decision, input json.RawMessage) (json.RawMessage, error) {
	if d == nil || d.Skipped {
		return nil, fmt.Errorf("plugin %s was not loaded", p.Manifest.Name)
	}

	session, err := e.runtime.CreateSandbox(sandbox.Config{
		PluginName:       p.Manifest.Name,
		PluginVersion:    p.Manifest.Version,
		Capabilities:     d.Capabilities,
		Limits:           e.cfg.Limits,
		StrictMode:       e.cfg.StrictMode,
		WorkingDirectory: e.cfg.WorkingDirectory,
		Launcher:         e.Launcher(p, d.Trusted),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox for %s: %w", p.Manifest.Name, err)
	}
	defer session.Terminate()

	result, err := session.Execute(ctx, input)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"plugin":  p.Manifest.Name,
			"version": p.Manifest.Version,
			"session": session.ID(),
		}).WithError(err).Warn("plugin execution failed")
		return nil, err
	}

	return result, nil
}
