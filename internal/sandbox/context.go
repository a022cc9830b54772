// Package sandbox builds capability-restricted plugin inputs and runs plugin
// bodies in isolated, resource-bounded workers.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync/atomic"

	"github.com/ayusman/pluginwarden/internal/audit"
	"github.com/ayusman/pluginwarden/internal/capability"
)

// AIClient is the host's model client handed to plugins with aiClientAccess.
type AIClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Shell runs commands on behalf of a plugin.
type Shell interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecShell runs commands with os/exec in Dir.
type ExecShell struct {
	Dir string
}

// Run executes name with args and returns combined output.
func (s ExecShell) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = s.Dir
	return cmd.CombinedOutput()
}

// ProjectMetadata describes the project a plugin operates on.
type ProjectMetadata struct {
	Name     string            `json:"name"`
	Root     string            `json:"root"`
	Language string            `json:"language,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// BaseInput is the full set of host resources before restriction.
type BaseInput struct {
	Client     AIClient
	Project    *ProjectMetadata
	Worktree   string
	Directory  string
	Shell      Shell
	Env        map[string]string
	HTTPClient *http.Client
}

// Input is a plugin's view of BaseInput. Plain fields are empty when their
// capability is missing. Shell, Env, FS and HTTP are always present and
// fail with a *capability.DeniedError when used without the grant.
type Input struct {
	plugin   string
	caps     capability.Set
	base     BaseInput
	onDenied []func(*capability.DeniedError)

	fsOps    atomic.Int64
	netCalls atomic.Int64
	http     *http.Client
}

// InputOption configures an Input.
type InputOption func(*Input)

// WithAudit records a capability_check entry in log for every denied use.
func WithAudit(log *audit.Log, version string, trusted bool) InputOption {
	return func(in *Input) {
		in.onDenied = append(in.onDenied, func(err *capability.DeniedError) {
			caps := in.caps
			log.Record(err.Plugin, version, audit.ActionCapabilityCheck, trusted, &caps,
				fmt.Sprintf("denied %s", err.Capability))
		})
	}
}

// WithDeniedHook calls fn for every denied use.
func WithDeniedHook(fn func(*capability.DeniedError)) InputOption {
	return func(in *Input) { in.onDenied = append(in.onDenied, fn) }
}

// CreateSandboxedInput restricts base to what caps allows for plugin.
func CreateSandboxedInput(plugin string, base *BaseInput, caps capability.Set, opts ...InputOption) *Input {
	in := &Input{plugin: plugin, caps: caps}
	if base != nil {
		in.base = *base
	}
	for _, opt := range opts {
		opt(in)
	}

	client := in.base.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	guarded := *client
	guarded.Transport = &guardTransport{in: in, next: transport}
	in.http = &guarded
	return in
}

func (in *Input) check(name capability.Name) error {
	err := capability.Check(in.plugin, name, in.caps)
	if err == nil {
		return nil
	}
	var denied *capability.DeniedError
	if errors.As(err, &denied) {
		for _, fn := range in.onDenied {
			fn(denied)
		}
	}
	return err
}

// Plugin returns the plugin name the input was built for.
func (in *Input) Plugin() string { return in.plugin }

// Capabilities returns the grant the input enforces.
func (in *Input) Capabilities() capability.Set { return in.caps }

// Client returns the AI client, or nil without aiClientAccess.
func (in *Input) Client() AIClient {
	if !in.caps.AIClientAccess {
		return nil
	}
	return in.base.Client
}

// Project returns a copy of the project metadata, or nil without projectMetadata.
func (in *Input) Project() *ProjectMetadata {
	if !in.caps.ProjectMetadata || in.base.Project == nil {
		return nil
	}
	p := *in.base.Project
	if p.Extra != nil {
		p.Extra = make(map[string]string, len(in.base.Project.Extra))
		for k, v := range in.base.Project.Extra {
			p.Extra[k] = v
		}
	}
	return &p
}

// Worktree returns the worktree path, or "" without fileSystemRead.
func (in *Input) Worktree() string {
	if !in.caps.FileSystemRead {
		return ""
	}
	return in.base.Worktree
}

// Directory returns the working directory, or "" without fileSystemRead.
func (in *Input) Directory() string {
	if !in.caps.FileSystemRead {
		return ""
	}
	return in.base.Directory
}

// Shell returns the shell guard.
func (in *Input) Shell() ShellGuard { return ShellGuard{in: in} }

// Env returns the environment guard.
func (in *Input) Env() EnvGuard { return EnvGuard{in: in} }

// FS returns the filesystem guard.
func (in *Input) FS() FSGuard { return FSGuard{in: in} }

// HTTP returns a client that refuses requests without network.
func (in *Input) HTTP() *http.Client { return in.http }

// Usage returns the filesystem and network counters for this input.
func (in *Input) Usage() ResourceUsage {
	return ResourceUsage{
		FileSystemOps:   in.fsOps.Load(),
		NetworkRequests: in.netCalls.Load(),
	}
}

// ShellGuard gates the host shell behind the shell capability.
type ShellGuard struct{ in *Input }

// Run executes a command through the host shell.
func (g ShellGuard) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := g.in.check(capability.Shell); err != nil {
		return nil, err
	}
	if g.in.base.Shell == nil {
		return nil, errors.New("no shell available")
	}
	return g.in.base.Shell.Run(ctx, name, args...)
}

// EnvGuard gates the environment behind the env capability.
type EnvGuard struct{ in *Input }

// Lookup returns the value of key and whether it is set.
func (g EnvGuard) Lookup(key string) (string, bool, error) {
	if err := g.in.check(capability.Env); err != nil {
		return "", false, err
	}
	v, ok := g.in.base.Env[key]
	return v, ok, nil
}

// Get returns the value of key, or "" when unset.
func (g EnvGuard) Get(key string) (string, error) {
	v, _, err := g.Lookup(key)
	return v, err
}

// Environ returns the environment as sorted key=value pairs.
func (g EnvGuard) Environ() ([]string, error) {
	if err := g.in.check(capability.Env); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(g.in.base.Env))
	for k, v := range g.in.base.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// FSGuard confines file access to the worktree and gates reads and writes
// on fileSystemRead and fileSystemWrite independently.
type FSGuard struct{ in *Input }

func (g FSGuard) root() (*os.Root, error) {
	dir := g.in.base.Worktree
	if dir == "" {
		dir = g.in.base.Directory
	}
	if dir == "" {
		return nil, errors.New("no worktree available")
	}
	return os.OpenRoot(dir)
}

// ReadFile reads name relative to the worktree.
func (g FSGuard) ReadFile(name string) ([]byte, error) {
	if err := g.in.check(capability.FileSystemRead); err != nil {
		return nil, err
	}
	g.in.fsOps.Add(1)
	root, err := g.root()
	if err != nil {
		return nil, err
	}
	defer root.Close()
	return root.ReadFile(name)
}

// WriteFile writes data to name relative to the worktree.
func (g FSGuard) WriteFile(name string, data []byte, perm fs.FileMode) error {
	if err := g.in.check(capability.FileSystemWrite); err != nil {
		return err
	}
	g.in.fsOps.Add(1)
	root, err := g.root()
	if err != nil {
		return err
	}
	defer root.Close()
	return root.WriteFile(name, data, perm)
}

type guardTransport struct {
	in   *Input
	next http.RoundTripper
}

func (t *guardTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.in.check(capability.Network); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	t.in.netCalls.Add(1)
	return t.next.RoundTrip(req)
}
