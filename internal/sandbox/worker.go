package sandbox

import (
	"context"
	"encoding/json"

	"github.com/ayusman/pluginwarden/internal/capability"
)

// EventType tags a message sent by a worker.
type EventType string

const (
	EventResourceUsage EventType = "resourceUsage"
	EventSuccess       EventType = "success"
	EventError         EventType = "error"
)

// Event is one message from a worker. Process workers write them to
// stdout as newline-delimited JSON.
type Event struct {
	Type   EventType       `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Usage  *ResourceUsage  `json:"usage,omitempty"`
	// Capability names the capability an error event was denied.
	Capability capability.Name `json:"capability,omitempty"`
}

// WorkerConfig is the session configuration passed to every worker.
type WorkerConfig struct {
	PluginName       string         `json:"pluginName"`
	PluginVersion    string         `json:"pluginVersion"`
	Capabilities     capability.Set `json:"capabilities"`
	Limits           ResourceLimits `json:"resourceLimits"`
	StrictMode       bool           `json:"strictMode"`
	WorkingDirectory string         `json:"workingDirectory,omitempty"`
}

// Request is what a worker receives when it starts.
type Request struct {
	Config WorkerConfig    `json:"config"`
	Input  json.RawMessage `json:"input"`
}

// Launcher starts one worker per execution.
type Launcher interface {
	Launch(ctx context.Context, req Request) (Handle, error)
}

// Handle controls a running worker.
type Handle interface {
	// Events yields worker messages and is closed once the worker has exited.
	Events() <-chan Event
	// Kill forcibly stops the worker. It is safe to call more than once.
	Kill()
	// Err describes why the worker exited, once Events is closed.
	Err() error
}
