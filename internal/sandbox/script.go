package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/metrics"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/pluginwarden/internal/audit"
	"github.com/ayusman/pluginwarden/internal/capability"
)

const maxFetchBody = 1 << 20

// ScriptLauncher runs a JavaScript plugin in a fresh goja VM per execution.
// The script defines main(input, host); its return value is the result.
// host exposes the Sandboxed Execution Context, so every capability is
// enforced inside the VM.
type ScriptLauncher struct {
	// Source is the script body. When empty, Path is read on each launch.
	Source string
	Path   string
	Base   *BaseInput
	// Audit, when set, records denied capability use.
	Audit *audit.Log
	// Trusted is copied into capability_check audit entries.
	Trusted      bool
	PollInterval time.Duration
	Logger       logrus.FieldLogger
}

// Launch starts the VM.
func (l *ScriptLauncher) Launch(ctx context.Context, req Request) (Handle, error) {
	src := l.Source
	name := l.Path
	if src == "" {
		data, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read script: %w", err)
		}
		src = string(data)
	}
	if name == "" {
		name = req.Config.PluginName + ".js"
	}

	var input interface{}
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return nil, fmt.Errorf("failed to decode input: %w", err)
		}
	}

	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	interval := l.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var base BaseInput
	if l.Base != nil {
		base = *l.Base
	}
	if base.Worktree == "" {
		base.Worktree = req.Config.WorkingDirectory
	}

	// Host calls (exec, fetch, complete) run outside the VM and cannot be
	// interrupted, so Kill cancels their context as well.
	ctx, cancel := context.WithCancel(ctx)
	h := &scriptHandle{
		vm:     goja.New(),
		events: make(chan Event, 16),
		stop:   make(chan struct{}),
		cancel: cancel,
		logger: logger.WithField("plugin", req.Config.PluginName),
	}
	opts := []InputOption{WithDeniedHook(h.denied)}
	if l.Audit != nil {
		opts = append(opts, WithAudit(l.Audit, req.Config.PluginVersion, l.Trusted))
	}
	in := CreateSandboxedInput(req.Config.PluginName, &base, req.Config.Capabilities, opts...)

	go h.run(ctx, name, src, input, in, interval)
	return h, nil
}

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// heapSampler reports how far the heap grew since it was created. The VM
// shares the host's heap, so the figure is an upper bound on what the
// script holds.
type heapSampler struct {
	mu      sync.Mutex
	samples []metrics.Sample
	base    uint64
}

func newHeapSampler() *heapSampler {
	s := &heapSampler{samples: []metrics.Sample{{Name: heapObjectsMetric}}}
	s.base = s.read()
	return s
}

func (s *heapSampler) read() uint64 {
	metrics.Read(s.samples)
	if s.samples[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.samples[0].Value.Uint64()
}

func (s *heapSampler) growthMB() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.read()
	if cur <= s.base {
		return 0
	}
	return float64(cur-s.base) / (1024 * 1024)
}

type scriptHandle struct {
	vm     *goja.Runtime
	events chan Event
	stop   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	logger logrus.FieldLogger

	mu         sync.Mutex
	lastDenied *capability.DeniedError
	err        error
}

func (h *scriptHandle) Events() <-chan Event { return h.events }

func (h *scriptHandle) Kill() {
	h.once.Do(func() {
		close(h.stop)
		h.vm.Interrupt("sandbox terminated")
		h.cancel()
	})
}

func (h *scriptHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *scriptHandle) denied(err *capability.DeniedError) {
	h.mu.Lock()
	h.lastDenied = err
	h.mu.Unlock()
}

func (h *scriptHandle) send(ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.stop:
		return false
	}
}

func (h *scriptHandle) run(ctx context.Context, name, src string, input interface{}, in *Input, interval time.Duration) {
	defer h.cancel()

	start := time.Now()
	heap := newHeapSampler()
	usage := func() *ResourceUsage {
		u := in.Usage()
		u.CPUTimeMs = time.Since(start).Milliseconds()
		u.MemoryMB = heap.growthMB()
		return &u
	}

	var reporters sync.WaitGroup
	finished := make(chan struct{})
	reporters.Add(1)
	go func() {
		defer reporters.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-finished:
				return
			case <-h.stop:
				return
			case <-ticker.C:
			}
			select {
			case h.events <- Event{Type: EventResourceUsage, Usage: usage()}:
			case <-finished:
				return
			case <-h.stop:
				return
			}
		}
	}()

	ev, err := h.execute(ctx, name, src, input, in, usage)

	close(finished)
	reporters.Wait()

	if err != nil {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	} else {
		h.send(Event{Type: EventResourceUsage, Usage: usage()})
		h.send(ev)
	}
	close(h.events)
}

// execute runs the script and returns the terminal event. A non-nil error
// means the VM was interrupted and no event should be sent.
func (h *scriptHandle) execute(ctx context.Context, name, src string, input interface{}, in *Input, usage func() *ResourceUsage) (Event, error) {
	vm := h.vm
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	host := h.host(ctx, in, usage)
	if err := vm.Set("host", host); err != nil {
		return h.failure(err), nil
	}

	if _, err := vm.RunScript(name, src); err != nil {
		return h.outcome(err)
	}

	main, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return Event{Type: EventError, Error: "script does not define main(input, host)"}, nil
	}

	res, err := main(goja.Undefined(), vm.ToValue(input), host)
	if err != nil {
		return h.outcome(err)
	}

	var exported interface{}
	if res != nil && !goja.IsUndefined(res) && !goja.IsNull(res) {
		exported = res.Export()
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return Event{Type: EventError, Error: fmt.Sprintf("result is not serializable: %v", err)}, nil
	}
	return Event{Type: EventSuccess, Result: data}, nil
}

func (h *scriptHandle) outcome(err error) (Event, error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return Event{}, fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	return h.failure(err), nil
}

func (h *scriptHandle) failure(err error) Event {
	ev := Event{Type: EventError, Error: err.Error()}
	h.mu.Lock()
	denied := h.lastDenied
	h.mu.Unlock()
	if denied != nil && strings.Contains(err.Error(), denied.Error()) {
		ev.Capability = denied.Capability
	}
	return ev
}

// host builds the object passed to main as its second argument.
func (h *scriptHandle) host(ctx context.Context, in *Input, usage func() *ResourceUsage) *goja.Object {
	vm := h.vm
	obj := vm.NewObject()
	report := func() {
		select {
		case h.events <- Event{Type: EventResourceUsage, Usage: usage()}:
		case <-h.stop:
		}
	}

	_ = obj.Set("plugin", in.Plugin())
	_ = obj.Set("capabilities", in.Capabilities())
	_ = obj.Set("worktree", in.Worktree())

	_ = obj.Set("log", func(args ...interface{}) {
		h.logger.WithField("source", "script").Info(fmt.Sprint(args...))
	})
	_ = obj.Set("project", func() *ProjectMetadata {
		return in.Project()
	})
	_ = obj.Set("readFile", func(name string) (string, error) {
		defer report()
		data, err := in.FS().ReadFile(name)
		return string(data), err
	})
	_ = obj.Set("writeFile", func(name, data string) error {
		defer report()
		return in.FS().WriteFile(name, []byte(data), 0644)
	})
	_ = obj.Set("env", func(key string) (string, error) {
		return in.Env().Get(key)
	})
	_ = obj.Set("exec", func(name string, args ...string) (string, error) {
		out, err := in.Shell().Run(ctx, name, args...)
		return string(out), err
	})
	_ = obj.Set("fetch", func(url string) (map[string]interface{}, error) {
		defer report()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := in.HTTP().Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": resp.StatusCode, "body": string(body)}, nil
	})
	_ = obj.Set("complete", func(prompt string) (string, error) {
		client := in.Client()
		if client == nil {
			if err := in.check(capability.AIClientAccess); err != nil {
				return "", err
			}
			return "", errors.New("no ai client available")
		}
		return client.Complete(ctx, prompt)
	})
	return obj
}
