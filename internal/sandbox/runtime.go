package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/pluginwarden/internal/capability"
)

// Config describes a sandbox session.
type Config struct {
	PluginName       string
	PluginVersion    string
	Capabilities     capability.Set
	Limits           ResourceLimits
	StrictMode       bool
	WorkingDirectory string
	// Launcher overrides the runtime's default launcher for this session.
	Launcher Launcher
}

// SessionInfo is a snapshot of a live session.
type SessionInfo struct {
	ID            string        `json:"id"`
	PluginName    string        `json:"pluginName"`
	PluginVersion string        `json:"pluginVersion"`
	StartTime     time.Time     `json:"startTime"`
	Executing     bool          `json:"executing"`
	Usage         ResourceUsage `json:"usage"`
}

// Statistics aggregates usage across live sessions.
type Statistics struct {
	ActiveSessions       int     `json:"activeSessions"`
	ExecutingSessions    int     `json:"executingSessions"`
	TotalMemoryMB        float64 `json:"totalMemoryMB"`
	TotalCPUTimeMs       int64   `json:"totalCpuTimeMs"`
	TotalFileSystemOps   int64   `json:"totalFileSystemOps"`
	TotalNetworkRequests int64   `json:"totalNetworkRequests"`
}

// Runtime owns the table of live sessions.
type Runtime struct {
	launcher Launcher
	logger   logrus.FieldLogger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLauncher sets the default launcher for sessions that do not name one.
func WithLauncher(l Launcher) Option {
	return func(r *Runtime) { r.launcher = l }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// NewRuntime creates an empty Runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		logger:   logrus.StandardLogger(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSandbox registers a new idle session. Zero limits take defaults.
func (r *Runtime) CreateSandbox(cfg Config) (*Session, error) {
	if cfg.PluginName == "" {
		return nil, errors.New("sandbox config has no plugin name")
	}
	cfg.Limits = cfg.Limits.WithDefaults()
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if cfg.Launcher == nil {
		cfg.Launcher = r.launcher
	}
	if cfg.Launcher == nil {
		return nil, ErrNoLauncher
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		runtime:   r,
		startTime: r.now(),
		done:      make(chan struct{}),
		logger: r.logger.WithFields(logrus.Fields{
			"plugin":  cfg.PluginName,
			"version": cfg.PluginVersion,
		}),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	s.logger.WithField("session", s.id).Debug("sandbox created")
	return s, nil
}

func (r *Runtime) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Runtime) live() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveSandboxes returns a snapshot of live sessions ordered by start time.
func (r *Runtime) ActiveSandboxes() []SessionInfo {
	sessions := r.live()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// TerminateAll terminates every live session.
func (r *Runtime) TerminateAll() {
	for _, s := range r.live() {
		s.Terminate()
	}
}

// Statistics sums usage over live sessions.
func (r *Runtime) Statistics() Statistics {
	var st Statistics
	for _, s := range r.live() {
		info := s.Info()
		st.ActiveSessions++
		if info.Executing {
			st.ExecutingSessions++
		}
		st.TotalMemoryMB += info.Usage.MemoryMB
		st.TotalCPUTimeMs += info.Usage.CPUTimeMs
		st.TotalFileSystemOps += info.Usage.FileSystemOps
		st.TotalNetworkRequests += info.Usage.NetworkRequests
	}
	return st
}

// Session is one sandbox. It runs one worker at a time and is unusable
// once terminated.
type Session struct {
	id        string
	cfg       Config
	runtime   *Runtime
	startTime time.Time
	logger    logrus.FieldLogger

	mu         sync.Mutex
	handle     Handle
	usage      ResourceUsage
	terminated bool
	done       chan struct{}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.id,
		PluginName:    s.cfg.PluginName,
		PluginVersion: s.cfg.PluginVersion,
		StartTime:     s.startTime,
		Executing:     s.handle != nil,
		Usage:         s.usage,
	}
}

// ResourceUsage returns the last usage snapshot, which after termination
// is the final one.
func (s *Session) ResourceUsage() ResourceUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Terminated reports whether the session has been terminated.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Terminate stops any running worker and retires the session. It is idempotent.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	h := s.handle
	s.handle = nil
	close(s.done)
	s.mu.Unlock()

	if h != nil {
		h.Kill()
	}
	s.runtime.remove(s.id)
	s.logger.WithField("session", s.id).Debug("sandbox terminated")
}

// Execute runs input in a fresh worker and waits for its result. The
// deadline is MaxExecutionTimeMs from the start of the call. Timeouts,
// resource violations and abnormal worker exits terminate the session.
// Cancelling ctx kills the worker but leaves the session usable.
func (s *Session) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil, ErrSessionTerminated
	}
	if s.handle != nil {
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}

	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	req := Request{
		Config: WorkerConfig{
			PluginName:       s.cfg.PluginName,
			PluginVersion:    s.cfg.PluginVersion,
			Capabilities:     s.cfg.Capabilities,
			Limits:           s.cfg.Limits,
			StrictMode:       s.cfg.StrictMode,
			WorkingDirectory: s.cfg.WorkingDirectory,
		},
		Input: input,
	}

	timeout := s.cfg.Limits.Timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	h, err := s.cfg.Launcher.Launch(context.Background(), req)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to start worker for %s: %w", s.cfg.PluginName, err)
	}
	s.handle = h
	s.usage = ResourceUsage{}
	done := s.done
	s.mu.Unlock()

	warned := make(map[string]bool)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				select {
				case <-done:
					return nil, ErrSessionTerminated
				default:
				}
				s.fail(h)
				msg := "worker exited without a result"
				if err := h.Err(); err != nil {
					msg = err.Error()
				}
				return nil, &WorkerError{Plugin: s.cfg.PluginName, Message: msg}
			}

			switch ev.Type {
			case EventResourceUsage:
				if ev.Usage == nil {
					continue
				}
				if err := s.observe(*ev.Usage, warned); err != nil {
					s.fail(h)
					return nil, err
				}
			case EventSuccess:
				s.release(h)
				if len(ev.Result) == 0 {
					return json.RawMessage("null"), nil
				}
				return ev.Result, nil
			case EventError:
				s.release(h)
				werr := &WorkerError{Plugin: s.cfg.PluginName, Message: ev.Error}
				if ev.Capability != "" {
					werr.Denied = &capability.DeniedError{Plugin: s.cfg.PluginName, Capability: ev.Capability}
				}
				return nil, werr
			}

		case <-timer.C:
			s.fail(h)
			s.logger.WithField("timeout", timeout).Warn("sandbox timed out")
			return nil, &TimeoutError{Plugin: s.cfg.PluginName, Timeout: timeout}

		case <-ctx.Done():
			s.release(h)
			return nil, ctx.Err()

		case <-done:
			return nil, ErrSessionTerminated
		}
	}
}

// observe records a usage report and enforces the limits against it.
func (s *Session) observe(u ResourceUsage, warned map[string]bool) error {
	s.mu.Lock()
	s.usage = s.usage.merge(u)
	usage := s.usage
	s.mu.Unlock()

	resource, limit, actual, exceeded := s.cfg.Limits.check(usage, s.cfg.StrictMode)
	if exceeded {
		s.logger.WithFields(logrus.Fields{
			"resource": resource,
			"limit":    limit,
			"actual":   actual,
		}).Warn("sandbox resource limit exceeded")
		return &ResourceExceededError{Plugin: s.cfg.PluginName, Resource: resource, Limit: limit, Actual: actual}
	}
	if resource != "" && !warned[resource] {
		warned[resource] = true
		s.logger.WithFields(logrus.Fields{
			"resource": resource,
			"limit":    limit,
			"actual":   actual,
		}).Warn("sandbox soft limit crossed")
	}
	return nil
}

// release returns the session to idle after a worker finished.
func (s *Session) release(h Handle) {
	h.Kill()
	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
	}
	s.mu.Unlock()
}

// fail kills the worker and terminates the session.
func (s *Session) fail(h Handle) {
	h.Kill()
	s.Terminate()
}
