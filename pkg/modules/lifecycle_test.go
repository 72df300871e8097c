package modules

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/havenlabs/haven/pkg/errdefs"
)

// fakeOrchestrator records calls and fails on demand.
type fakeOrchestrator struct {
	mu           sync.Mutex
	deployed     []string
	stopped      []string
	removed      []string
	deployErr    error
	failStop     map[string]error
	failRemove   map[string]error
}

func (f *fakeOrchestrator) Deploy(_ context.Context, moduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployErr != nil {
		return f.deployErr
	}
	f.deployed = append(f.deployed, moduleID)
	return nil
}

func (f *fakeOrchestrator) StopContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failStop[name]; err != nil {
		return err
	}
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeOrchestrator) RemoveContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failRemove[name]; err != nil {
		return err
	}
	f.removed = append(f.removed, name)
	return nil
}

// newTestManager builds a manager over a temp modules dir with the privacy
// fixture plus core and dashboard modules.
func newTestManager(t *testing.T) (*Manager, *fakeOrchestrator, *StateFile) {
	t.Helper()

	dir := t.TempDir()
	writeModule(t, dir, "core", "x-haven:\n  id: core\n  required: true\n")
	writeModule(t, dir, "dashboard", "x-haven:\n  id: dashboard\n  required: true\n")
	writeModule(t, dir, "privacy", privacyCompose)
	writeModule(t, dir, "vault", "x-haven:\n  id: vault\n  required: true\n")

	tel := testTelemetry(t)
	reg := NewRegistry(dir, tel.Logger)
	state := NewStateFile(filepath.Join(t.TempDir(), "enabled-modules"))
	orch := &fakeOrchestrator{}
	mgr := NewManager(reg, state, orch, nil, "haven-", t.TempDir(), tel)
	return mgr, orch, state
}

func TestEnableUnknownModule(t *testing.T) {
	mgr, orch, _ := newTestManager(t)

	err := mgr.Enable(context.Background(), "minecraft")
	if !errdefs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(orch.deployed) != 0 {
		t.Error("no deployment should happen for unknown module")
	}
}

func TestEnablePersistsAndDeploys(t *testing.T) {
	mgr, orch, state := newTestManager(t)

	if err := mgr.Enable(context.Background(), "privacy"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}

	ids, _ := state.Load()
	want := []string{"core", "dashboard", "privacy"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("enabled set = %v, want %v", ids, want)
	}
	if len(orch.deployed) != 1 || orch.deployed[0] != "privacy" {
		t.Errorf("expected one deployment of privacy, got %v", orch.deployed)
	}
}

func TestEnableIdempotent(t *testing.T) {
	mgr, orch, state := newTestManager(t)

	if err := mgr.Enable(context.Background(), "privacy"); err != nil {
		t.Fatalf("first enable failed: %v", err)
	}
	first, _ := state.Load()

	if err := mgr.Enable(context.Background(), "privacy"); err != nil {
		t.Fatalf("second enable failed: %v", err)
	}
	second, _ := state.Load()

	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Errorf("enabled set changed on repeat enable: %v vs %v", first, second)
	}
	if len(orch.deployed) != 1 {
		t.Errorf("repeat enable must not redeploy, got %v", orch.deployed)
	}
}

func TestEnableSurfacesDeployFailure(t *testing.T) {
	mgr, orch, state := newTestManager(t)
	orch.deployErr = fmt.Errorf("compose exploded")

	err := mgr.Enable(context.Background(), "privacy")
	if err == nil {
		t.Fatal("expected deployment failure to surface")
	}
	if !errdefs.IsInternal(err) {
		t.Errorf("expected internal error, got %v", err)
	}

	// The state change already happened; the next enable retries the
	// deployment.
	ok, _ := state.Contains("privacy")
	if !ok {
		t.Error("enabled set should still contain privacy")
	}
}

func TestDisableRoundTrip(t *testing.T) {
	mgr, _, state := newTestManager(t)
	ctx := context.Background()

	if err := mgr.Enable(ctx, "privacy"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if _, err := mgr.Disable(ctx, "privacy"); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	ok, _ := state.Contains("privacy")
	if ok {
		t.Error("privacy should be removed from the enabled set")
	}

	if err := mgr.Enable(ctx, "privacy"); err != nil {
		t.Fatalf("re-enable failed: %v", err)
	}
	ok, _ = state.Contains("privacy")
	if !ok {
		t.Error("privacy should be back in the enabled set")
	}
}

func TestDisablePermanentModules(t *testing.T) {
	mgr, _, state := newTestManager(t)

	for _, id := range []string{ModuleCore, ModuleDashboard} {
		t.Run(id, func(t *testing.T) {
			_, err := mgr.Disable(context.Background(), id)
			if !errdefs.IsPrecondition(err) {
				t.Fatalf("expected precondition error, got %v", err)
			}
			ok, _ := state.Contains(id)
			if !ok {
				t.Errorf("%s must remain in the enabled set", id)
			}
		})
	}
}

func TestDisableRequiredModule(t *testing.T) {
	mgr, _, state := newTestManager(t)
	ctx := context.Background()

	if err := mgr.Enable(ctx, "vault"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	_, err := mgr.Disable(ctx, "vault")
	if !errdefs.IsPrecondition(err) {
		t.Fatalf("expected precondition error for required module, got %v", err)
	}
	ok, _ := state.Contains("vault")
	if !ok {
		t.Error("required module must remain enabled")
	}
}

func TestDisableTearsDownContainers(t *testing.T) {
	mgr, orch, _ := newTestManager(t)
	ctx := context.Background()

	if err := mgr.Enable(ctx, "privacy"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	report, err := mgr.Disable(ctx, "privacy")
	if err != nil {
		t.Fatalf("disable failed: %v", err)
	}

	if report.Partial() {
		t.Errorf("unexpected partial failure: %v", report.Failed)
	}
	if len(report.TornDown) != 2 {
		t.Errorf("expected 2 containers torn down, got %v", report.TornDown)
	}
	if len(orch.stopped) != 2 || len(orch.removed) != 2 {
		t.Errorf("stop/remove not called for all containers: %v / %v", orch.stopped, orch.removed)
	}
}

func TestDisablePartialFailureStillSucceeds(t *testing.T) {
	mgr, orch, state := newTestManager(t)
	ctx := context.Background()
	orch.failStop = map[string]error{
		"haven-privacy-dns": fmt.Errorf("container stuck"),
	}

	if err := mgr.Enable(ctx, "privacy"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	report, err := mgr.Disable(ctx, "privacy")
	if err != nil {
		t.Fatalf("disable must succeed despite teardown failure, got %v", err)
	}

	if !report.Partial() {
		t.Fatal("expected partial failure report")
	}
	if _, ok := report.Failed["haven-privacy-dns"]; !ok {
		t.Errorf("dns container should be reported failed: %v", report.Failed)
	}
	if len(report.TornDown) != 1 {
		t.Errorf("proxy container should still be torn down: %v", report.TornDown)
	}

	// The state change is authoritative regardless.
	ok, _ := state.Contains("privacy")
	if ok {
		t.Error("privacy must be removed from state despite teardown failure")
	}
}

func TestDisableNotEnabledIsNoOp(t *testing.T) {
	mgr, orch, _ := newTestManager(t)

	report, err := mgr.Disable(context.Background(), "privacy")
	if err != nil {
		t.Fatalf("disable of not-enabled module should succeed, got %v", err)
	}
	if len(report.TornDown) != 0 || report.Partial() {
		t.Errorf("no teardown expected, got %+v", report)
	}
	if len(orch.stopped) != 0 {
		t.Error("no containers should be touched")
	}
}

func TestListMergesStatus(t *testing.T) {
	mgr, _, state := newTestManager(t)
	ctx := context.Background()

	if err := mgr.Enable(ctx, "privacy"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	// Simulate an enabled id whose descriptor disappeared.
	ids, _ := state.Load()
	if err := state.Save(append(ids, "ghost")); err != nil {
		t.Fatal(err)
	}

	statuses, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	byID := make(map[string]Status)
	for _, s := range statuses {
		byID[s.ID] = s
	}

	if !byID["core"].Enabled || !byID["dashboard"].Enabled {
		t.Error("core and dashboard must be enabled")
	}
	if !byID["privacy"].Enabled {
		t.Error("privacy should be enabled")
	}
	if byID["vault"].Enabled {
		t.Error("vault should be disabled")
	}

	ghost, ok := byID["ghost"]
	if !ok {
		t.Fatal("ghost id must be reported")
	}
	if !ghost.Missing || !ghost.Enabled {
		t.Errorf("ghost should be enabled+missing, got %+v", ghost)
	}

	// Still in state afterwards.
	ok, _ = state.Contains("ghost")
	if !ok {
		t.Error("missing module must not be dropped from state")
	}
}

func TestConcurrentEnableDisableDistinctModules(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- mgr.Enable(ctx, "privacy")
	}()
	go func() {
		defer wg.Done()
		errs <- mgr.Enable(ctx, "vault")
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent enable failed: %v", err)
		}
	}

	enabled, _ := mgr.Enabled()
	if len(enabled) != 4 {
		t.Errorf("expected 4 enabled modules, got %v", enabled)
	}
}
