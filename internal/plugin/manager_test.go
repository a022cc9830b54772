package plugin

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/pluginwarden/internal/capability"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// writeManifest creates dir/<name>/plugin.json and returns the plugin directory.
func writeManifest(t *testing.T, dir string, m Manifest) string {
	t.Helper()

	pluginDir := filepath.Join(dir, m.Name)
	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		t.Fatalf("failed to create plugin dir: %v", err)
	}

	manifestBytes, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("failed to marshal manifest: %v", err)
	}

	if err := os.WriteFile(filepath.Join(pluginDir, ManifestFile), manifestBytes, 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	return pluginDir
}

func TestManager_Discover(t *testing.T) {
	tmpDir := t.TempDir()

	caps := capability.Set{Network: true}
	pluginDir := writeManifest(t, tmpDir, Manifest{
		Name:         "test-plugin",
		Version:      "1.0.0",
		Description:  "A test plugin",
		Entry:        "bin/test-plugin",
		Args:         []string{"--serve"},
		Capabilities: &caps,
	})

	manager := NewManager(tmpDir, quietLogger())
	if err := manager.Discover(); err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}

	plugins := manager.List()
	if len(plugins) != 1 {
		t.Fatalf("expected 1 plugin, got %d", len(plugins))
	}

	plugin := plugins[0]
	if plugin.Manifest.Name != "test-plugin" {
		t.Errorf("expected plugin name 'test-plugin', got %q", plugin.Manifest.Name)
	}
	if plugin.Manifest.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %q", plugin.Manifest.Version)
	}
	if plugin.Manifest.Kind() != RuntimeProcess {
		t.Errorf("expected default runtime %q, got %q", RuntimeProcess, plugin.Manifest.Kind())
	}
	if plugin.Manifest.Capabilities == nil || !plugin.Manifest.Capabilities.Network {
		t.Errorf("requested capabilities not decoded: %+v", plugin.Manifest.Capabilities)
	}
	if plugin.Path != pluginDir {
		t.Errorf("expected path %q, got %q", pluginDir, plugin.Path)
	}
	if want := filepath.Join(pluginDir, "bin", "test-plugin"); plugin.Entry != want {
		t.Errorf("expected entry %q, got %q", want, plugin.Entry)
	}
}

func TestManager_Discover_MultiplePluginsSorted(t *testing.T) {
	tmpDir := t.TempDir()

	for _, name := range []string{"plugin-c", "plugin-a", "plugin-b"} {
		writeManifest(t, tmpDir, Manifest{Name: name, Version: "1.0.0", Entry: name})
	}

	manager := NewManager(tmpDir, quietLogger())
	if err := manager.Discover(); err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}

	plugins := manager.List()
	if len(plugins) != 3 {
		t.Fatalf("expected 3 plugins, got %d", len(plugins))
	}
	for i, want := range []string{"plugin-a", "plugin-b", "plugin-c"} {
		if plugins[i].Manifest.Name != want {
			t.Errorf("plugins[%d] = %s, want %s", i, plugins[i].Manifest.Name, want)
		}
	}
}

func TestManager_Discover_EmptyDir(t *testing.T) {
	manager := NewManager(t.TempDir(), quietLogger())
	if err := manager.Discover(); err != nil {
		t.Fatalf("Discover() failed on empty dir: %v", err)
	}

	if plugins := manager.List(); len(plugins) != 0 {
		t.Fatalf("expected 0 plugins, got %d", len(plugins))
	}
}

func TestManager_Get(t *testing.T) {
	tmpDir := t.TempDir()
	writeManifest(t, tmpDir, Manifest{Name: "my-plugin", Version: "2.0.0", Runtime: RuntimeScript, Entry: "main.js"})

	manager := NewManager(tmpDir, quietLogger())
	if err := manager.Discover(); err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}

	plugin, err := manager.Get("my-plugin")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if plugin.Manifest.Version != "2.0.0" {
		t.Errorf("expected version '2.0.0', got %q", plugin.Manifest.Version)
	}
	if plugin.Manifest.Kind() != RuntimeScript {
		t.Errorf("expected runtime %q, got %q", RuntimeScript, plugin.Manifest.Kind())
	}
}

func TestManager_Get_NotFound(t *testing.T) {
	manager := NewManager(t.TempDir(), quietLogger())

	_, err := manager.Get("nonexistent-plugin")
	if !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("expected ErrPluginNotFound, got %v", err)
	}
}

func TestManager_PluginDir(t *testing.T) {
	pluginDir := "/path/to/plugins"
	manager := NewManager(pluginDir, nil)

	if manager.PluginDir() != pluginDir {
		t.Errorf("expected plugin dir %q, got %q", pluginDir, manager.PluginDir())
	}
}

func TestManager_Discover_SkipsInvalid(t *testing.T) {
	tmpDir := t.TempDir()

	badDir := filepath.Join(tmpDir, "bad-plugin")
	if err := os.MkdirAll(badDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, ManifestFile), []byte("not valid json"), 0644); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, tmpDir, Manifest{Name: "no-version", Entry: "x"})
	writeManifest(t, tmpDir, Manifest{Name: "no-entry", Version: "1.0.0"})
	writeManifest(t, tmpDir, Manifest{Name: "odd-runtime", Version: "1.0.0", Entry: "x", Runtime: "wasm"})
	writeManifest(t, tmpDir, Manifest{Name: "good", Version: "1.0.0", Entry: "x"})

	manager := NewManager(tmpDir, quietLogger())
	if err := manager.Discover(); err != nil {
		t.Fatalf("Discover() failed unexpectedly: %v", err)
	}

	plugins := manager.List()
	if len(plugins) != 1 || plugins[0].Manifest.Name != "good" {
		t.Fatalf("expected only the valid plugin, got %d", len(plugins))
	}
}

func TestManager_Discover_NonExistentDir(t *testing.T) {
	manager := NewManager("/path/that/does/not/exist", quietLogger())

	if err := manager.Discover(); err != nil {
		t.Fatalf("Discover() failed on non-existent dir: %v", err)
	}
	if plugins := manager.List(); len(plugins) != 0 {
		t.Fatalf("expected 0 plugins, got %d", len(plugins))
	}
}

func TestManifest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		m       Manifest
		wantErr bool
	}{
		{"process default", Manifest{Name: "a", Version: "1", Entry: "a"}, false},
		{"script", Manifest{Name: "a", Version: "1", Entry: "a.js", Runtime: RuntimeScript}, false},
		{"missing name", Manifest{Version: "1", Entry: "a"}, true},
		{"unknown runtime", Manifest{Name: "a", Version: "1", Entry: "a", Runtime: "jvm"}, true},
		{"nested entry", Manifest{Name: "a", Version: "1", Entry: "bin/a"}, false},
		{"entry escapes", Manifest{Name: "a", Version: "1", Entry: "../../x"}, true},
		{"absolute entry", Manifest{Name: "a", Version: "1", Entry: "/bin/sh"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.m.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManager_DiscoverSkipsEscapingEntry(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{Name: "good", Version: "1.0.0", Entry: "run.sh"})
	writeManifest(t, dir, Manifest{Name: "evil", Version: "1.0.0", Entry: "../good/run.sh"})

	m := NewManager(dir, quietLogger())
	if err := m.Discover(); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if _, err := m.Get("evil"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("escaping entry should be skipped, got %v", err)
	}
	if _, err := m.Get("good"); err != nil {
		t.Errorf("Get(good) error = %v", err)
	}
}
