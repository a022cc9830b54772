// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects level, format and destination.
type Config struct {
	// Level is a logrus level name such as "debug" or "warn".
	Level string
	// Format is "json" or "text".
	Format string
	// Output is "stdout", "stderr" or "file".
	Output     string
	OutputFile string
	// Redact lists extra field names whose values are masked.
	Redact []string
}

// defaultRedact are field name fragments that are always masked.
var defaultRedact = []string{"password", "secret", "token", "privatekey", "apikey"}

// New creates a logger from cfg. The returned cleanup closes the log file
// when one was opened.
func New(cfg Config) (*logrus.Logger, func(), error) {
	l := logrus.New()
	cleanup := func() {}

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, cleanup, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, cleanup, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		l.SetOutput(os.Stderr)
	case "stdout":
		l.SetOutput(os.Stdout)
	case "file":
		if cfg.OutputFile == "" {
			return nil, cleanup, fmt.Errorf("log output is file but no output file is set")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0755); err != nil {
			return nil, cleanup, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.OutputFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to open log file: %w", err)
		}
		l.SetOutput(f)
		cleanup = func() { _ = f.Close() }
	default:
		return nil, cleanup, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	l.AddHook(NewRedactHook(cfg.Redact...))
	return l, cleanup, nil
}

// Discard returns a logger that writes nothing.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// RedactHook masks the values of sensitive fields before they are written.
type RedactHook struct {
	names []string
}

// NewRedactHook creates a hook masking fields whose lowercased name
// contains one of the default fragments or one of extra.
func NewRedactHook(extra ...string) *RedactHook {
	names := append([]string(nil), defaultRedact...)
	for _, n := range extra {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			names = append(names, n)
		}
	}
	return &RedactHook{names: names}
}

// Levels implements logrus.Hook.
func (h *RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *RedactHook) Fire(e *logrus.Entry) error {
	for key, value := range e.Data {
		if value == nil || !h.sensitive(key) {
			continue
		}
		e.Data[key] = mask(fmt.Sprint(value))
	}
	return nil
}

func (h *RedactHook) sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, n := range h.names {
		if strings.Contains(key, n) {
			return true
		}
	}
	return false
}

// mask keeps at most the first two characters.
func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", 6)
}
