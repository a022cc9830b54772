package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ayusman/pluginwarden/internal/audit"
	"github.com/ayusman/pluginwarden/internal/capability"
	"github.com/ayusman/pluginwarden/internal/policy"
	"github.com/ayusman/pluginwarden/internal/sandbox"
)

// writeProcessPlugin creates a process plugin whose worker is a shell
// script. The script reads the request line first.
func writeProcessPlugin(t *testing.T, dir, name, version, body string) *Plugin {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}

	pluginDir := writeManifest(t, dir, Manifest{Name: name, Version: version, Entry: "run.sh"})
	script := "#!/bin/sh\nread -r request\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte(script), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	return &Plugin{
		Manifest: Manifest{Name: name, Version: version, Entry: "run.sh"},
		Path:     pluginDir,
		Entry:    filepath.Join(pluginDir, "run.sh"),
	}
}

func writeScriptPlugin(t *testing.T, dir, name, version, src string) *Plugin {
	t.Helper()

	m := Manifest{Name: name, Version: version, Runtime: RuntimeScript, Entry: "main.js"}
	pluginDir := writeManifest(t, dir, m)
	if err := os.WriteFile(filepath.Join(pluginDir, "main.js"), []byte(src), 0644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	return &Plugin{Manifest: m, Path: pluginDir, Entry: filepath.Join(pluginDir, "main.js")}
}

func newTestExecutor(cfg ExecutorConfig) *Executor {
	rt := sandbox.NewRuntime(sandbox.WithLogger(quietLogger()))
	return NewExecutor(rt, cfg, quietLogger())
}

func TestExecutor_Execute_Process(t *testing.T) {
	p := writeProcessPlugin(t, t.TempDir(), "greeter", "1.0.0",
		`echo '{"type":"success","result":{"message":"hello world"}}'`)

	executor := newTestExecutor(ExecutorConfig{})
	out, err := executor.Execute(context.Background(), p, &policy.Decision{Plugin: "greeter"}, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(out, &data); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if data["message"] != "hello world" {
		t.Errorf("expected message 'hello world', got %v", data["message"])
	}

	if n := len(executor.Runtime().ActiveSandboxes()); n != 0 {
		t.Errorf("expected session to be terminated after the call, %d still active", n)
	}
}

func TestExecutor_Execute_PassesCapabilities(t *testing.T) {
	p := writeProcessPlugin(t, t.TempDir(), "caps", "1.0.0", `case "$request" in
*'"network":true'*) echo '{"type":"success","result":"granted"}' ;;
*) echo '{"type":"error","error":"network denied","capability":"network"}' ;;
esac`)

	executor := newTestExecutor(ExecutorConfig{})

	out, err := executor.Execute(context.Background(), p,
		&policy.Decision{Capabilities: capability.Set{Network: true}}, nil)
	if err != nil || string(out) != `"granted"` {
		t.Fatalf("Execute() = %s, %v", out, err)
	}

	_, err = executor.Execute(context.Background(), p, &policy.Decision{}, nil)
	if !errors.Is(err, capability.ErrDenied) {
		t.Errorf("expected capability.ErrDenied, got %v", err)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	p := writeProcessPlugin(t, t.TempDir(), "slow", "1.0.0", `while :; do :; done`)

	executor := newTestExecutor(ExecutorConfig{
		Limits: sandbox.ResourceLimits{MaxExecutionTimeMs: 100},
	})

	_, err := executor.Execute(context.Background(), p, &policy.Decision{}, nil)
	var timeout *sandbox.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected *sandbox.TimeoutError, got %v", err)
	}
	if timeout.Plugin != "slow" {
		t.Errorf("expected plugin 'slow', got %q", timeout.Plugin)
	}
}

func TestExecutor_Execute_NonZeroExit(t *testing.T) {
	p := writeProcessPlugin(t, t.TempDir(), "crasher", "1.0.0", `echo "boom" >&2
exit 1`)

	executor := newTestExecutor(ExecutorConfig{})
	_, err := executor.Execute(context.Background(), p, &policy.Decision{}, nil)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}

func TestExecutor_Execute_Script(t *testing.T) {
	worktree := t.TempDir()
	if err := os.WriteFile(filepath.Join(worktree, "notes.txt"), []byte("remember"), 0644); err != nil {
		t.Fatal(err)
	}

	p := writeScriptPlugin(t, t.TempDir(), "reader", "0.1.0", `
function main(input, host) {
	return { text: host.readFile("notes.txt"), who: input.who };
}`)

	log := audit.New()
	executor := newTestExecutor(ExecutorConfig{
		Base:  &sandbox.BaseInput{Worktree: worktree},
		Audit: log,
	})

	out, err := executor.Execute(context.Background(), p,
		&policy.Decision{Capabilities: capability.Set{FileSystemRead: true}}, json.RawMessage(`{"who":"me"}`))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatal(err)
	}
	if result["text"] != "remember" || result["who"] != "me" {
		t.Errorf("result = %v", result)
	}

	_, err = executor.Execute(context.Background(), p, &policy.Decision{Trusted: true}, json.RawMessage(`{}`))
	if !errors.Is(err, capability.ErrDenied) {
		t.Fatalf("expected capability.ErrDenied, got %v", err)
	}
	checks := log.Filter(audit.ActionCapabilityCheck)
	if len(checks) != 1 || !checks[0].Trusted || checks[0].Version != "0.1.0" {
		t.Errorf("capability checks = %+v", checks)
	}
}

func TestExecutor_Execute_SkippedDecision(t *testing.T) {
	p := &Plugin{Manifest: Manifest{Name: "nope", Version: "1.0.0", Entry: "x"}}
	executor := newTestExecutor(ExecutorConfig{})

	if _, err := executor.Execute(context.Background(), p, &policy.Decision{Skipped: true}, nil); err == nil {
		t.Error("expected error for skipped plugin")
	}
	if _, err := executor.Execute(context.Background(), p, nil, nil); err == nil {
		t.Error("expected error without a decision")
	}
}

func TestExecutor_Launcher(t *testing.T) {
	executor := newTestExecutor(ExecutorConfig{})

	proc := executor.Launcher(&Plugin{Manifest: Manifest{Name: "p", Args: []string{"-v"}}, Path: "/plugins/p", Entry: "/plugins/p/bin"}, false)
	pl, ok := proc.(*sandbox.ProcessLauncher)
	if !ok {
		t.Fatalf("expected *sandbox.ProcessLauncher, got %T", proc)
	}
	if pl.Path != "/plugins/p/bin" || pl.Dir != "/plugins/p" || len(pl.Args) != 1 {
		t.Errorf("process launcher = %+v", pl)
	}

	script := executor.Launcher(&Plugin{Manifest: Manifest{Name: "s", Runtime: RuntimeScript}, Entry: "/plugins/s/main.js"}, true)
	sl, ok := script.(*sandbox.ScriptLauncher)
	if !ok {
		t.Fatalf("expected *sandbox.ScriptLauncher, got %T", script)
	}
	if sl.Path != "/plugins/s/main.js" || !sl.Trusted {
		t.Errorf("script launcher = %+v", sl)
	}
}
