package modules

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStateFirstRunSeedsPermanentModules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enabled-modules")
	state := NewStateFile(path)

	ids, err := state.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != ModuleCore || ids[1] != ModuleDashboard {
		t.Fatalf("expected {core, dashboard}, got %v", ids)
	}

	// The seed must also be persisted.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	if string(data) != "core\ndashboard\n" {
		t.Errorf("unexpected file contents %q", data)
	}
}

func TestStateRoundTrip(t *testing.T) {
	state := NewStateFile(filepath.Join(t.TempDir(), "enabled-modules"))

	want := []string{"core", "dashboard", "privacy", "media"}
	if err := state.Save(want); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := state.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStateLoadDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enabled-modules")
	if err := os.WriteFile(path, []byte("core\ndashboard\nprivacy\n\nprivacy\n  \n"), 0644); err != nil {
		t.Fatal(err)
	}

	state := NewStateFile(path)
	got, err := state.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 unique ids, got %v", got)
	}
}

func TestStateContains(t *testing.T) {
	state := NewStateFile(filepath.Join(t.TempDir(), "enabled-modules"))

	ok, err := state.Contains("core")
	if err != nil {
		t.Fatalf("contains failed: %v", err)
	}
	if !ok {
		t.Error("core should be present after first-run seed")
	}

	ok, err = state.Contains("privacy")
	if err != nil {
		t.Fatalf("contains failed: %v", err)
	}
	if ok {
		t.Error("privacy should not be present")
	}
}
