// Package audit keeps the append-only record of plugin trust decisions.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/pluginwarden/internal/capability"
)

// Action is the kind of event an Entry records.
type Action string

const (
	ActionLoaded          Action = "loaded"
	ActionDenied          Action = "denied"
	ActionCapabilityCheck Action = "capability_check"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionLoaded, ActionDenied, ActionCapabilityCheck:
		return true
	}
	return false
}

// Entry is one audit record. Entries are never modified after Append.
type Entry struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Plugin       string          `json:"plugin"`
	Version      string          `json:"version"`
	Action       Action          `json:"action"`
	Trusted      bool            `json:"trusted"`
	Capabilities *capability.Set `json:"capabilities,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Sink receives a copy of every appended entry, e.g. for durable storage.
type Sink interface {
	Append(e Entry) error
}

// Filter selects entries for display.
type Filter struct {
	Action Action
	Limit  int
}

// Log is an in-memory, append-only audit log. It is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	// sinkMu keeps sink writes in the same order as entries.
	sinkMu  sync.Mutex
	sink    Sink
	logger  logrus.FieldLogger
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithSink forwards every appended entry to s.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records e, filling in ID and Timestamp when they are unset,
// and returns the stored entry.
func (l *Log) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Capabilities != nil {
		caps := *e.Capabilities
		e.Capabilities = &caps
	}

	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()

	l.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	l.entries = append(l.entries, e)
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.Append(e); err != nil {
			l.logger.WithFields(logrus.Fields{
				"plugin": e.Plugin,
				"action": e.Action,
			}).WithError(err).Warn("audit sink rejected entry")
		}
	}
	return e
}

// Record is a convenience wrapper around Append.
func (l *Log) Record(plugin, version string, action Action, trusted bool, caps *capability.Set, reason string) Entry {
	return l.Append(Entry{
		Plugin:       plugin,
		Version:      version,
		Action:       action,
		Trusted:      trusted,
		Capabilities: caps,
		Reason:       reason,
	})
}

// Entries returns a copy of all entries in the order they were appended.
func (l *Log) Entries() []Entry {
	return l.Query(Filter{})
}

// Filter returns the entries with the given action, in order.
func (l *Log) Filter(action Action) []Entry {
	return l.Query(Filter{Action: action})
}

// Last returns at most the n most recent entries, oldest first.
func (l *Log) Last(n int) []Entry {
	return l.Query(Filter{Limit: n})
}

// Len returns the number of recorded entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Query applies f and returns matching entries in order. A non-positive
// Limit returns every match; otherwise only the last Limit matches.
func (l *Log) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func cloneEntry(e Entry) Entry {
	if e.Capabilities != nil {
		caps := *e.Capabilities
		e.Capabilities = &caps
	}
	return e
}
