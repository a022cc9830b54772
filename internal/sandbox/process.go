package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often a process worker's usage is sampled.
const DefaultPollInterval = 100 * time.Millisecond

const (
	maxEventLine = 1 << 20
	maxStderr    = 64 << 10
)

// ProcessLauncher runs each execution as a child process. The request is
// written to stdin as JSON and the child answers with newline-delimited
// Events on stdout. The host samples the child's memory and CPU time and
// merges them with whatever the child reports itself.
type ProcessLauncher struct {
	Path string
	Args []string
	// Dir is used when the session has no working directory.
	Dir          string
	PollInterval time.Duration
	Logger       logrus.FieldLogger
}

// Launch starts the worker process.
func (l *ProcessLauncher) Launch(ctx context.Context, req Request) (Handle, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.Path, l.Args...)
	cmd.Dir = l.Dir
	if req.Config.WorkingDirectory != "" {
		cmd.Dir = req.Config.WorkingDirectory
	}
	cmd.Env = workerEnv(req.Config)
	cmd.Stdin = bytes.NewReader(payload)

	stderr := &cappedBuffer{max: maxStderr}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithFields(logrus.Fields{"plugin": req.Config.PluginName, "pid": cmd.Process.Pid})

	if req.Config.StrictMode {
		if err := limitCPU(cmd.Process.Pid, req.Config.Limits.MaxCPUTimeMs); err != nil {
			logger.WithError(err).Debug("cpu rlimit not applied")
		}
	}

	interval := l.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	h := &processHandle{
		cmd:    cmd,
		events: make(chan Event, 16),
		stop:   make(chan struct{}),
		stderr: stderr,
		logger: logger,
	}
	h.start(stdout, interval)
	return h, nil
}

// workerEnv is empty unless env is granted. PATH is only passed on with shell.
func workerEnv(cfg WorkerConfig) []string {
	env := []string{}
	if cfg.Capabilities.Env {
		for _, kv := range os.Environ() {
			if strings.HasPrefix(kv, "PATH=") {
				continue
			}
			env = append(env, kv)
		}
	}
	if cfg.Capabilities.Shell {
		if path, ok := os.LookupEnv("PATH"); ok {
			env = append(env, "PATH="+path)
		}
	}
	return env
}

type processHandle struct {
	cmd    *exec.Cmd
	events chan Event
	stop   chan struct{}
	once   sync.Once
	stderr *cappedBuffer
	logger logrus.FieldLogger

	mu       sync.Mutex
	reported ResourceUsage
	measured ResourceUsage
	err      error
}

func (h *processHandle) Events() <-chan Event { return h.events }

func (h *processHandle) Kill() {
	h.once.Do(func() {
		close(h.stop)
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})
}

func (h *processHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *processHandle) send(ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.stop:
		return false
	}
}

func (h *processHandle) usage() ResourceUsage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reported.merge(h.measured)
}

func (h *processHandle) start(stdout io.Reader, interval time.Duration) {
	var pollers sync.WaitGroup
	pollDone := make(chan struct{})

	pollers.Add(1)
	go func() {
		defer pollers.Done()
		h.poll(pollDone, interval)
	}()

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
				h.logger.WithField("line", string(line)).Debug("ignoring non-event worker output")
				continue
			}
			if ev.Type == EventResourceUsage && ev.Usage != nil {
				h.mu.Lock()
				h.reported = *ev.Usage
				h.mu.Unlock()
				u := h.usage()
				ev.Usage = &u
			}
			if !h.send(ev) {
				break
			}
		}

		waitErr := h.cmd.Wait()
		close(pollDone)
		pollers.Wait()

		h.mu.Lock()
		switch {
		case waitErr != nil && h.stderr.Len() > 0:
			h.err = fmt.Errorf("worker exited: %w, stderr: %s", waitErr, strings.TrimSpace(h.stderr.String()))
		case waitErr != nil:
			h.err = fmt.Errorf("worker exited: %w", waitErr)
		default:
			h.err = errors.New("worker exited without a result")
		}
		h.mu.Unlock()
		close(h.events)
	}()
}

// poll samples RSS and CPU time of the child until done.
func (h *processHandle) poll(done <-chan struct{}, interval time.Duration) {
	proc, err := process.NewProcess(int32(h.cmd.Process.Pid))
	if err != nil {
		h.logger.WithError(err).Debug("usage polling unavailable")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-h.stop:
			return
		case <-ticker.C:
		}

		var sample ResourceUsage
		if mem, err := proc.MemoryInfo(); err == nil {
			sample.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if times, err := proc.Times(); err == nil {
			sample.CPUTimeMs = int64((times.User + times.System) * 1000)
		}

		h.mu.Lock()
		h.measured = sample
		h.mu.Unlock()

		u := h.usage()
		select {
		case h.events <- Event{Type: EventResourceUsage, Usage: &u}:
		case <-h.stop:
			return
		case <-done:
			return
		}
	}
}

// cappedBuffer keeps the first max bytes written to it.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
