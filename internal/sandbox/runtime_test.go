package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// scriptedLauncher replays a fixed list of events per launch. When hang is
// set the events channel stays open until Kill.
type scriptedLauncher struct {
	events []Event
	hang   bool

	mu       sync.Mutex
	launched []Request
	handles  []*scriptedHandle
}

func (l *scriptedLauncher) Launch(_ context.Context, req Request) (Handle, error) {
	h := &scriptedHandle{events: make(chan Event, len(l.events)+1), killed: make(chan struct{})}
	for _, ev := range l.events {
		h.events <- ev
	}
	if l.hang {
		go func() {
			<-h.killed
			close(h.events)
		}()
	} else {
		close(h.events)
	}

	l.mu.Lock()
	l.launched = append(l.launched, req)
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return h, nil
}

type scriptedHandle struct {
	events chan Event
	killed chan struct{}
	once   sync.Once
}

func (h *scriptedHandle) Events() <-chan Event { return h.events }
func (h *scriptedHandle) Kill()                { h.once.Do(func() { close(h.killed) }) }
func (h *scriptedHandle) Err() error           { return errors.New("scripted worker exited") }

func (h *scriptedHandle) wasKilled() bool {
	select {
	case <-h.killed:
		return true
	default:
		return false
	}
}

func newTestRuntime(l Launcher) *Runtime {
	return NewRuntime(WithLauncher(l), WithLogger(quietLogger()))
}

func TestSession_ExecuteSuccess(t *testing.T) {
	l := &scriptedLauncher{events: []Event{
		{Type: EventResourceUsage, Usage: &ResourceUsage{MemoryMB: 12, FileSystemOps: 2}},
		{Type: EventSuccess, Result: json.RawMessage(`{"ok":true}`)},
	}}
	rt := newTestRuntime(l)

	s, err := rt.CreateSandbox(Config{PluginName: "p", PluginVersion: "1.0.0"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := s.Execute(context.Background(), json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("result = %s", out)
	}
	if u := s.ResourceUsage(); u.MemoryMB != 12 || u.FileSystemOps != 2 {
		t.Errorf("usage = %+v", u)
	}
	if s.Terminated() {
		t.Error("successful execution must not terminate the session")
	}
	if !l.handles[0].wasKilled() {
		t.Error("worker was not stopped after success")
	}
	if got := l.launched[0]; got.Config.PluginName != "p" || string(got.Input) != `{"n":1}` {
		t.Errorf("worker request = %+v", got)
	}

	// The session can run again.
	if _, err := s.Execute(context.Background(), nil); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
}

func TestSession_WorkerErrorKeepsSession(t *testing.T) {
	rt := newTestRuntime(&scriptedLauncher{events: []Event{{Type: EventError, Error: "boom"}}})
	s, _ := rt.CreateSandbox(Config{PluginName: "p"})

	_, err := s.Execute(context.Background(), nil)
	var werr *WorkerError
	if !errors.As(err, &werr) || werr.Message != "boom" {
		t.Fatalf("expected WorkerError, got %v", err)
	}
	if s.Terminated() {
		t.Error("worker error must not terminate the session")
	}
}

func TestSession_AbnormalExitTerminates(t *testing.T) {
	rt := newTestRuntime(&scriptedLauncher{})
	s, _ := rt.CreateSandbox(Config{PluginName: "p"})

	if _, err := s.Execute(context.Background(), nil); err == nil {
		t.Fatal("expected error for worker without result")
	}
	if !s.Terminated() {
		t.Error("abnormal exit should terminate the session")
	}
}

func TestSession_TimeoutThenTerminated(t *testing.T) {
	l := &scriptedLauncher{hang: true}
	rt := newTestRuntime(l)
	s, _ := rt.CreateSandbox(Config{PluginName: "slow", Limits: ResourceLimits{MaxExecutionTimeMs: 100}})

	start := time.Now()
	_, err := s.Execute(context.Background(), nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var terr *TimeoutError
	if !errors.As(err, &terr) || terr.Plugin != "slow" || terr.Timeout != 100*time.Millisecond {
		t.Errorf("unexpected timeout error %#v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if !s.Terminated() || !l.handles[0].wasKilled() {
		t.Error("timeout must kill the worker and terminate the session")
	}

	_, err = s.Execute(context.Background(), nil)
	if !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("expected ErrSessionTerminated, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("already-terminated error must be distinct from timeout")
	}
}

func TestSession_MemoryExceeded(t *testing.T) {
	l := &scriptedLauncher{hang: true, events: []Event{
		{Type: EventResourceUsage, Usage: &ResourceUsage{MemoryMB: 300}},
	}}
	rt := newTestRuntime(l)
	s, _ := rt.CreateSandbox(Config{PluginName: "hog", Limits: ResourceLimits{MaxMemoryMB: 256}})

	_, err := s.Execute(context.Background(), nil)
	var rerr *ResourceExceededError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected ResourceExceededError, got %v", err)
	}
	if rerr.Resource != ResourceMemory || rerr.Limit != 256 || rerr.Actual != 300 {
		t.Errorf("unexpected error %+v", rerr)
	}
	if !s.Terminated() {
		t.Error("resource violation must terminate the session")
	}
	if got := s.ResourceUsage().MemoryMB; got != 300 {
		t.Errorf("final usage memory = %v", got)
	}
}

func TestSession_StrictModeCeilings(t *testing.T) {
	events := []Event{
		{Type: EventResourceUsage, Usage: &ResourceUsage{NetworkRequests: 5}},
		{Type: EventSuccess, Result: json.RawMessage(`1`)},
	}
	limits := ResourceLimits{MaxNetworkRequests: 3}

	lenient := newTestRuntime(&scriptedLauncher{events: events})
	s, _ := lenient.CreateSandbox(Config{PluginName: "p", Limits: limits})
	if _, err := s.Execute(context.Background(), nil); err != nil {
		t.Fatalf("non-strict session should only warn, got %v", err)
	}

	strict := newTestRuntime(&scriptedLauncher{events: events})
	s, _ = strict.CreateSandbox(Config{PluginName: "p", Limits: limits, StrictMode: true})
	_, err := s.Execute(context.Background(), nil)
	var rerr *ResourceExceededError
	if !errors.As(err, &rerr) || rerr.Resource != ResourceNetworkRequests {
		t.Fatalf("expected networkRequests violation, got %v", err)
	}
}

func TestSession_BusyAndExternalTerminate(t *testing.T) {
	l := &scriptedLauncher{hang: true}
	rt := newTestRuntime(l)
	s, _ := rt.CreateSandbox(Config{PluginName: "p"})

	result := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), nil)
		result <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Info().Executing {
		if time.Now().After(deadline) {
			t.Fatal("session never started executing")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := s.Execute(context.Background(), nil); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}

	s.Terminate()
	s.Terminate()

	select {
	case err := <-result:
		if !errors.Is(err, ErrSessionTerminated) {
			t.Errorf("expected ErrSessionTerminated, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after Terminate")
	}
}

func TestSession_ContextCancelKeepsSession(t *testing.T) {
	rt := newTestRuntime(&scriptedLauncher{hang: true})
	s, _ := rt.CreateSandbox(Config{PluginName: "p"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Execute(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}
	if s.Terminated() {
		t.Error("caller cancellation must not terminate the session")
	}
}

func TestRuntime_TerminateAll(t *testing.T) {
	rt := newTestRuntime(&scriptedLauncher{})
	for i := 0; i < 5; i++ {
		if _, err := rt.CreateSandbox(Config{PluginName: "p"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(rt.ActiveSandboxes()); got != 5 {
		t.Fatalf("ActiveSandboxes() = %d, want 5", got)
	}

	rt.TerminateAll()
	if got := len(rt.ActiveSandboxes()); got != 0 {
		t.Fatalf("ActiveSandboxes() after TerminateAll = %d", got)
	}
	if st := rt.Statistics(); st.ActiveSessions != 0 {
		t.Errorf("Statistics() = %+v", st)
	}
}

func TestRuntime_Statistics(t *testing.T) {
	l := &scriptedLauncher{events: []Event{
		{Type: EventResourceUsage, Usage: &ResourceUsage{MemoryMB: 10, CPUTimeMs: 5}},
		{Type: EventSuccess},
	}}
	rt := newTestRuntime(l)
	for i := 0; i < 2; i++ {
		s, _ := rt.CreateSandbox(Config{PluginName: "p"})
		if _, err := s.Execute(context.Background(), nil); err != nil {
			t.Fatal(err)
		}
	}

	st := rt.Statistics()
	if st.ActiveSessions != 2 || st.TotalMemoryMB != 20 || st.TotalCPUTimeMs != 10 {
		t.Errorf("Statistics() = %+v", st)
	}
}

func TestRuntime_CreateSandboxValidation(t *testing.T) {
	rt := NewRuntime(WithLogger(quietLogger()))
	if _, err := rt.CreateSandbox(Config{PluginName: "p"}); !errors.Is(err, ErrNoLauncher) {
		t.Errorf("expected ErrNoLauncher, got %v", err)
	}

	rt = newTestRuntime(&scriptedLauncher{})
	if _, err := rt.CreateSandbox(Config{}); err == nil {
		t.Error("expected error for missing plugin name")
	}
	if _, err := rt.CreateSandbox(Config{PluginName: "p", Limits: ResourceLimits{MaxMemoryMB: -1}}); err == nil {
		t.Error("expected error for negative limit")
	}

	s, err := rt.CreateSandbox(Config{PluginName: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if s.cfg.Limits != DefaultLimits() {
		t.Errorf("limits = %+v, want defaults", s.cfg.Limits)
	}
}
