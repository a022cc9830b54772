// Package main is a sample process plugin.
// Build it next to its manifest with:
//
//	go build -o plugins/hello/hello ./plugins/hello
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ayusman/pluginwarden/internal/capability"
	"github.com/ayusman/pluginwarden/internal/sandbox"
)

// Input is what the host passes as the request input.
type Input struct {
	Name string `json:"name"`
	// ReadFile asks the plugin to include the first line of a file
	// relative to the working directory.
	ReadFile string `json:"readFile"`
}

// Output is the success result.
type Output struct {
	Greeting  string `json:"greeting"`
	FirstLine string `json:"firstLine,omitempty"`
}

func main() {
	start := time.Now()
	enc := json.NewEncoder(os.Stdout)

	var req sandbox.Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeError(enc, fmt.Sprintf("failed to decode request: %v", err), "")
		return
	}

	out, capErr, err := handle(req)
	usage := &sandbox.ResourceUsage{CPUTimeMs: time.Since(start).Milliseconds()}
	if out.FirstLine != "" {
		usage.FileSystemOps = 1
	}
	enc.Encode(sandbox.Event{Type: sandbox.EventResourceUsage, Usage: usage})

	if err != nil {
		writeError(enc, err.Error(), capErr)
		return
	}
	result, _ := json.Marshal(out)
	enc.Encode(sandbox.Event{Type: sandbox.EventSuccess, Result: result})
}

func handle(req sandbox.Request) (Output, capability.Name, error) {
	var in Input
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return Output{}, "", fmt.Errorf("invalid input: %w", err)
		}
	}
	if in.Name == "" {
		in.Name = "world"
	}
	out := Output{Greeting: "hello, " + in.Name}

	if in.ReadFile == "" {
		return out, "", nil
	}
	if err := capability.Check(req.Config.PluginName, capability.FileSystemRead, req.Config.Capabilities); err != nil {
		return Output{}, capability.FileSystemRead, err
	}
	path := in.ReadFile
	if !filepath.IsAbs(path) && req.Config.WorkingDirectory != "" {
		path = filepath.Join(req.Config.WorkingDirectory, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Output{}, "", err
	}
	out.FirstLine, _, _ = strings.Cut(string(data), "\n")
	return out, "", nil
}

func writeError(enc *json.Encoder, msg string, denied capability.Name) {
	enc.Encode(sandbox.Event{Type: sandbox.EventError, Error: msg, Capability: denied})
}
