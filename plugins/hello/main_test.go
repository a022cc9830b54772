package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ayusman/pluginwarden/internal/capability"
	"github.com/ayusman/pluginwarden/internal/sandbox"
)

func request(t *testing.T, caps capability.Set, dir string, input any) sandbox.Request {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	return sandbox.Request{
		Config: sandbox.WorkerConfig{PluginName: "hello", PluginVersion: "1.0.0", Capabilities: caps, WorkingDirectory: dir},
		Input:  raw,
	}
}

func TestHandle_Greeting(t *testing.T) {
	out, _, err := handle(request(t, capability.Set{}, "", map[string]string{"name": "warden"}))
	if err != nil {
		t.Fatal(err)
	}
	if out.Greeting != "hello, warden" {
		t.Errorf("greeting = %q", out.Greeting)
	}

	out, _, err = handle(sandbox.Request{})
	if err != nil || out.Greeting != "hello, world" {
		t.Errorf("empty request = %+v, %v", out, err)
	}
}

func TestHandle_ReadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("first\nsecond\n"), 0644); err != nil {
		t.Fatal(err)
	}
	input := map[string]string{"readFile": "README"}

	_, denied, err := handle(request(t, capability.Set{}, dir, input))
	if !errors.Is(err, capability.ErrDenied) || denied != capability.FileSystemRead {
		t.Fatalf("expected fileSystemRead denial, got %q %v", denied, err)
	}

	out, _, err := handle(request(t, capability.Set{FileSystemRead: true}, dir, input))
	if err != nil {
		t.Fatal(err)
	}
	if out.FirstLine != "first" {
		t.Errorf("first line = %q", out.FirstLine)
	}
}
