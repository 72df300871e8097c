package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "haven.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return store
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRecordAndListAudit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	actions := []struct {
		action, target, details string
	}{
		{"module.enable", "privacy", ""},
		{"module.disable", "media", "torn_down=2 failed=0"},
		{"backup.create", "haven-backup-20250101-000000.tar.gz.enc", "size=1024 encrypted=true"},
	}
	for _, a := range actions {
		if err := store.RecordAction(ctx, a.action, a.target, a.details); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	entries, err := store.ListAuditEntries(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Action != "backup.create" {
		t.Errorf("first entry = %q", entries[0].Action)
	}

	filter := "module.enable"
	filtered, err := store.ListAuditEntries(ctx, &filter, 10, 0)
	if err != nil {
		t.Fatalf("filtered list failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Target != "privacy" {
		t.Errorf("unexpected filtered entries: %+v", filtered)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []*Event{
		{Level: EventLevelInfo, Subject: "haven-privacy-dns", Message: "container started"},
		{Level: EventLevelError, Subject: "haven-media-server", Message: "container exited"},
		{Level: EventLevelInfo, Subject: "haven-privacy-dns", Message: "healthy"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if e.ID == 0 {
			t.Error("appended event must carry its generated id")
		}
	}

	all, err := store.ListEvents(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	level := EventLevelError
	errs, err := store.ListEvents(ctx, &level, nil, 10, 0)
	if err != nil {
		t.Fatalf("filtered list failed: %v", err)
	}
	if len(errs) != 1 || errs[0].Subject != "haven-media-server" {
		t.Errorf("unexpected error events: %+v", errs)
	}

	subject := "haven-privacy-dns"
	dns, err := store.ListEvents(ctx, nil, &subject, 10, 0)
	if err != nil {
		t.Fatalf("subject list failed: %v", err)
	}
	if len(dns) != 2 {
		t.Errorf("expected 2 dns events, got %d", len(dns))
	}
}

func TestPruneEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := &Event{Level: EventLevelInfo, Message: "ancient", Timestamp: time.Now().UTC().Add(-48 * time.Hour)}
	recent := &Event{Level: EventLevelInfo, Message: "fresh"}
	if err := store.AppendEvent(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEvent(ctx, recent); err != nil {
		t.Fatal(err)
	}

	removed, err := store.PruneEvents(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	remaining, _ := store.ListEvents(ctx, nil, nil, 10, 0)
	if len(remaining) != 1 || remaining[0].Message != "fresh" {
		t.Errorf("unexpected survivors: %+v", remaining)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	uninitialized := &SQLiteStore{path: "x"}
	if err := uninitialized.HealthCheck(context.Background()); err == nil {
		t.Error("uninitialized store must fail health check")
	}
}
