package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ayusman/pluginwarden/internal/audit"
	"github.com/ayusman/pluginwarden/internal/capability"
)

// newTestStore creates a new Store in a temporary directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "pluginwarden-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(tmpDir)
	})

	s, err := New(filepath.Join(tmpDir, "nested", "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestAuditRepository_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	repo := s.Audit()

	caps := capability.Set{Network: true}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []audit.Entry{
		{ID: "a", Timestamp: base, Plugin: "x", Version: "1.0.0", Action: audit.ActionLoaded, Trusted: true, Capabilities: &caps},
		{ID: "b", Timestamp: base.Add(time.Second), Plugin: "y", Version: "2.0.0", Action: audit.ActionDenied, Reason: "untrusted"},
		{ID: "c", Timestamp: base.Add(2 * time.Second), Plugin: "x", Version: "1.0.0", Action: audit.ActionCapabilityCheck, Reason: "denied shell"},
		{ID: "d", Timestamp: base.Add(3 * time.Second), Plugin: "z", Version: "0.1.0", Action: audit.ActionLoaded},
	}
	for _, e := range entries {
		if err := repo.Append(e); err != nil {
			t.Fatalf("Append(%s) error = %v", e.ID, err)
		}
	}

	all, err := repo.List(audit.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}
	for i, e := range all {
		if e.ID != entries[i].ID {
			t.Errorf("entry %d = %s, want %s", i, e.ID, entries[i].ID)
		}
	}
	if all[0].Capabilities == nil || !all[0].Capabilities.Network || !all[0].Trusted {
		t.Errorf("entry a round trip = %+v", all[0])
	}
	if all[1].Capabilities != nil || all[1].Reason != "untrusted" {
		t.Errorf("entry b round trip = %+v", all[1])
	}
	if !all[0].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", all[0].Timestamp, base)
	}

	loaded, err := repo.List(audit.Filter{Action: audit.ActionLoaded})
	if err != nil || len(loaded) != 2 {
		t.Fatalf("List(loaded) = %d entries, %v", len(loaded), err)
	}

	last, err := repo.List(audit.Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[0].ID != "c" || last[1].ID != "d" {
		t.Errorf("List(limit 2) = %+v", last)
	}

	if n, err := repo.Count(); err != nil || n != 4 {
		t.Errorf("Count() = %d, %v", n, err)
	}
}

func TestAuditRepository_DuplicateIDRejected(t *testing.T) {
	repo := newTestStore(t).Audit()
	e := audit.Entry{ID: "dup", Timestamp: time.Now(), Plugin: "x", Action: audit.ActionLoaded}
	if err := repo.Append(e); err != nil {
		t.Fatal(err)
	}
	if err := repo.Append(e); err == nil {
		t.Error("entries are append-only and IDs must be unique")
	}
}

func TestAuditRepository_AsSink(t *testing.T) {
	s := newTestStore(t)
	log := audit.New(audit.WithSink(s.Audit()))

	log.Record("x", "1.0.0", audit.ActionLoaded, true, nil, "")
	log.Record("y", "1.0.0", audit.ActionDenied, false, nil, "user_denied")

	stored, err := s.Audit().List(audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 || stored[1].Reason != "user_denied" {
		t.Errorf("stored = %+v", stored)
	}
	if stored[0].ID != log.Entries()[0].ID {
		t.Error("sink must persist the same entry IDs as the log")
	}
}

func TestApprovalRepository(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t).Approvals()

	if _, found, err := repo.LookupApproval(ctx, "x", "1.0.0"); err != nil || found {
		t.Fatalf("LookupApproval() on empty store = %v, %v", found, err)
	}

	if err := repo.SaveApproval(ctx, "x", "1.0.0", false); err != nil {
		t.Fatal(err)
	}
	if approved, found, err := repo.LookupApproval(ctx, "x", "1.0.0"); err != nil || !found || approved {
		t.Fatalf("LookupApproval() = %v, %v, %v", approved, found, err)
	}

	// Saving again replaces the decision
	if err := repo.SaveApproval(ctx, "x", "1.0.0", true); err != nil {
		t.Fatal(err)
	}
	if approved, _, _ := repo.LookupApproval(ctx, "x", "1.0.0"); !approved {
		t.Error("decision was not replaced")
	}

	if err := repo.SaveApproval(ctx, "a", "0.1.0", true); err != nil {
		t.Fatal(err)
	}
	list, err := repo.List(ctx)
	if err != nil || len(list) != 2 || list[0].Plugin != "a" {
		t.Fatalf("List() = %+v, %v", list, err)
	}

	if err := repo.Delete(ctx, "x", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, "x", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
