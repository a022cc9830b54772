package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/pluginwarden/internal/audit"
	"github.com/ayusman/pluginwarden/internal/config"
	"github.com/ayusman/pluginwarden/internal/policy"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// setup writes a config with one process plugin called "echo" and
// returns the loaded settings.
func setup(t *testing.T, security string) *config.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script plugins are not supported on Windows")
	}

	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "plugins", "echo")
	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"name":"echo","version":"1.2.0","entry":"run.sh"}`
	if err := os.WriteFile(filepath.Join(pluginDir, "plugin.json"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\nread -r request\necho '{\"type\":\"success\",\"result\":{\"echoed\":true}}'\n"
	if err := os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	yaml := "dataDir: " + filepath.Join(dir, "data") + "\n" +
		"pluginDir: " + filepath.Join(dir, "plugins") + "\n" +
		"projectDir: " + dir + "\n" +
		security
	path := filepath.Join(dir, "pluginwarden.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func TestApp_LoadAndRun(t *testing.T) {
	cfg := setup(t, `plugin_security:
  mode: strict
  trustedPlugins:
    - name: echo
      versions: ["^1.0.0"]
      capabilities:
        network: true
`)

	a, err := New(Config{Settings: cfg, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	loaded, err := a.LoadPlugins(context.Background())
	if err != nil {
		t.Fatalf("LoadPlugins() error = %v", err)
	}
	if len(loaded) != 1 || !loaded[0].Decision.Trusted || !loaded[0].Decision.Capabilities.Network {
		t.Fatalf("loaded = %+v", loaded)
	}

	out, err := a.Host().Run(context.Background(), "echo", json.RawMessage(`{}`))
	if err != nil || string(out) != `{"echoed":true}` {
		t.Fatalf("Run() = %s, %v", out, err)
	}

	// The audit log is persisted through the store
	stored, err := a.Store().Audit().List(audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Action != audit.ActionLoaded || stored[0].Plugin != "echo" {
		t.Errorf("stored audit = %+v", stored)
	}
}

func TestApp_StrictUntrustedAborts(t *testing.T) {
	cfg := setup(t, "plugin_security:\n  mode: strict\n")

	a, err := New(Config{Settings: cfg, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	_, err = a.LoadPlugins(context.Background())
	if !errors.Is(err, policy.ErrUntrusted) {
		t.Fatalf("expected ErrUntrusted, got %v", err)
	}
	if denied := a.Audit().Filter(audit.ActionDenied); len(denied) != 1 {
		t.Errorf("expected one denied entry, got %d", len(denied))
	}
}

func TestApp_ApprovalRemembered(t *testing.T) {
	cfg := setup(t, "plugin_security:\n  mode: strict\n  requireApproval: true\n")

	prompts := 0
	approver := policy.ApproverFunc(func(ctx context.Context, req policy.ApprovalRequest) error {
		prompts++
		return nil
	})

	for i := 0; i < 2; i++ {
		a, err := New(Config{Settings: cfg, Approver: approver, Logger: quietLogger()})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		loaded, err := a.LoadPlugins(context.Background())
		a.Close()
		if err != nil || len(loaded) != 1 || !loaded[0].Decision.Approved {
			t.Fatalf("run %d: loaded = %+v, err = %v", i, loaded, err)
		}
	}

	if prompts != 1 {
		t.Errorf("expected the approval to be remembered across runs, prompted %d times", prompts)
	}
}

func TestApp_Check(t *testing.T) {
	cfg := setup(t, `plugin_security:
  trustedPlugins:
    - name: echo
      versions: ["1.2.0"]
      capabilities:
        shell: true
`)

	a, err := New(Config{Settings: cfg, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	r := a.Check(context.Background(), "echo", "1.2.0")
	if !r.Trusted || !r.Capabilities.Shell || r.Entry == nil || r.Registry != nil {
		t.Errorf("report = %+v", r)
	}

	r = a.Check(context.Background(), "other", "1.0.0")
	if r.Trusted || r.Capabilities != policy.DefaultCapabilities() {
		t.Errorf("report = %+v", r)
	}
	if a.Audit().Len() != 0 {
		t.Error("Check must not write audit entries")
	}
}

func TestNew_RequiresSettings(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected an error without settings")
	}
}
