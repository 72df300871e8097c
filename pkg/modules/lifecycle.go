package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/havenlabs/haven/pkg/errdefs"
	"github.com/havenlabs/haven/pkg/telemetry"
)

// Orchestrator is the narrow interface to the external deployment and
// container runtime. It exists so lifecycle logic can be tested without a
// real container runtime.
type Orchestrator interface {
	// Deploy re-applies the full desired-state deployment for a module.
	Deploy(ctx context.Context, moduleID string) error

	// StopContainer stops a managed container by name.
	StopContainer(ctx context.Context, name string) error

	// RemoveContainer removes a stopped managed container by name.
	RemoveContainer(ctx context.Context, name string) error
}

// AuditSink records control-plane actions. A nil sink disables auditing.
type AuditSink interface {
	RecordAction(ctx context.Context, action, target, details string) error
}

// Status is one row of the merged module list: descriptor metadata plus
// the module's lifecycle state.
type Status struct {
	Descriptor

	// Enabled reports whether the module is in the enabled set.
	Enabled bool `json:"enabled"`

	// Missing is set for enabled ids with no matching descriptor. They
	// stay in state so a restored descriptor brings them back.
	Missing bool `json:"missing,omitempty"`
}

// DisableReport describes the container teardown outcome of a disable.
// Teardown failures are partial by design: the state change is already
// persisted and authoritative.
type DisableReport struct {
	// TornDown lists containers that were stopped and removed.
	TornDown []string `json:"torn_down"`

	// Failed maps container names to their teardown error. Non-empty
	// Failed still means the disable succeeded.
	Failed map[string]string `json:"failed,omitempty"`
}

// Partial reports whether any container failed to tear down.
func (r *DisableReport) Partial() bool {
	return len(r.Failed) > 0
}

// Manager owns the enable/disable state machine. Each module id is either
// Disabled or Enabled; only Enable and Disable transition it. Operations
// on the same module id are serialized through a per-module lock.
type Manager struct {
	registry *Registry
	state    *StateFile
	orch     Orchestrator
	audit    AuditSink
	prefix   string
	dataDir  string
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a lifecycle manager. audit may be nil.
func NewManager(registry *Registry, state *StateFile, orch Orchestrator, audit AuditSink, prefix, dataDir string, tel *telemetry.Telemetry) *Manager {
	return &Manager{
		registry: registry,
		state:    state,
		orch:     orch,
		audit:    audit,
		prefix:   prefix,
		dataDir:  dataDir,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("lifecycle"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// moduleLock returns the mutex serializing operations on one module id.
func (m *Manager) moduleLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// List merges registry descriptors with the enabled set. Enabled ids with
// no descriptor are reported as Missing but never dropped from state.
func (m *Manager) List(ctx context.Context) ([]Status, error) {
	descriptors, _, err := m.registry.Discover(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := m.state.Load()
	if err != nil {
		return nil, err
	}

	enabledSet := lo.SliceToMap(enabled, func(id string) (string, bool) { return id, true })
	known := lo.SliceToMap(descriptors, func(d Descriptor) (string, bool) { return d.ID, true })

	statuses := lo.Map(descriptors, func(d Descriptor, _ int) Status {
		return Status{Descriptor: d, Enabled: enabledSet[d.ID]}
	})

	for _, id := range enabled {
		if known[id] {
			continue
		}
		m.logger.WithModule(id).Warn("enabled module has no descriptor")
		statuses = append(statuses, Status{
			Descriptor: Descriptor{ID: id, Title: id, Category: "other", RAM: "?"},
			Enabled:    true,
			Missing:    true,
		})
	}

	m.tel.Metrics.SetModulesEnabled(len(enabled))
	return statuses, nil
}

// Enable adds a module to the enabled set, persists it, and triggers a
// synchronous deployment of exactly that module. Enabling an already
// enabled module is a successful no-op.
func (m *Manager) Enable(ctx context.Context, id string) error {
	lock := m.moduleLock(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := m.tel.Tracer.StartModuleSpan(ctx, "enable", id)
	defer span.End()

	desc, err := m.registry.Get(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	added, err := m.state.Append(id)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if !added {
		m.logger.WithModule(id).Debug("module already enabled")
		telemetry.RecordSuccess(span)
		return nil
	}

	if err := m.renderSetupTemplates(desc); err != nil {
		// Template failures do not roll back the state change; the
		// deployment below surfaces anything truly broken.
		m.logger.WithModule(id).WithError(err).Warn("setup template rendering failed")
	}

	timer := telemetry.NewTimer()
	deployCtx, cancel := context.WithTimeout(ctx, deployTimeout)
	defer cancel()
	if err := m.orch.Deploy(deployCtx, id); err != nil {
		telemetry.RecordError(span, err)
		return errdefs.NewInternal("deployment failed", err).
			WithResource(id).
			WithOperation("enable").
			WithCode(errdefs.ErrCodeRuntime)
	}
	m.tel.Metrics.RecordDeploy(id, timer.Duration())
	m.tel.Metrics.RecordModuleToggle("enable", id)
	m.recordAudit(ctx, "module.enable", id, "")

	m.logger.WithModule(id).Info("module enabled")
	telemetry.RecordSuccess(span)
	return nil
}

// Disable removes a module from the enabled set, then tears down its
// containers. The state change is authoritative: container teardown
// failures are logged and swallowed, and the call still succeeds. Volumes
// and config directories are left untouched so re-enabling restores prior
// data.
func (m *Manager) Disable(ctx context.Context, id string) (*DisableReport, error) {
	lock := m.moduleLock(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := m.tel.Tracer.StartModuleSpan(ctx, "disable", id)
	defer span.End()

	if IsPermanent(id) {
		err := errdefs.NewPrecondition("module cannot be disabled", nil).
			WithResource(id).
			WithCode(errdefs.ErrCodeRequiredModule)
		telemetry.RecordError(span, err)
		return nil, err
	}

	desc, err := m.registry.Get(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if desc.Required {
		err := errdefs.NewPrecondition("module is marked required", nil).
			WithResource(id).
			WithCode(errdefs.ErrCodeRequiredModule)
		telemetry.RecordError(span, err)
		return nil, err
	}

	// Persist the removal first: the enabled set is the source of truth
	// even when container teardown partially fails.
	removed, err := m.state.Remove(id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if !removed {
		telemetry.RecordSuccess(span)
		return &DisableReport{}, nil
	}

	report := &DisableReport{Failed: make(map[string]string)}
	var teardownErrs *multierror.Error
	for _, name := range desc.ServiceContainers(m.prefix) {
		if err := m.teardownContainer(ctx, name); err != nil {
			teardownErrs = multierror.Append(teardownErrs, err)
			report.Failed[name] = err.Error()
			m.logger.WithModule(id).WithContainer(name).WithError(err).Warn("container teardown failed")
			continue
		}
		report.TornDown = append(report.TornDown, name)
	}
	if len(report.Failed) == 0 {
		report.Failed = nil
	}

	if teardownErrs.ErrorOrNil() != nil {
		m.logger.WithModule(id).Warnf("module disabled with %d container teardown failures", len(report.Failed))
	} else {
		m.logger.WithModule(id).Info("module disabled")
	}

	m.tel.Metrics.RecordModuleToggle("disable", id)
	m.recordAudit(ctx, "module.disable", id, fmt.Sprintf("torn_down=%d failed=%d", len(report.TornDown), len(report.Failed)))
	telemetry.RecordSuccess(span)
	return report, nil
}

// teardownContainer stops and removes one container.
func (m *Manager) teardownContainer(ctx context.Context, name string) error {
	if err := m.orch.StopContainer(ctx, name); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	if err := m.orch.RemoveContainer(ctx, name); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// renderSetupTemplates copies the descriptor's setup templates into the
// module's config directory. Runs only when the config directory does not
// exist yet, so re-enabling never clobbers user edits.
func (m *Manager) renderSetupTemplates(desc *Descriptor) error {
	if len(desc.Setup.Templates) == 0 {
		return nil
	}

	configDir := filepath.Join(m.dataDir, desc.ID, "config")
	if _, err := os.Stat(configDir); err == nil {
		return nil
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	for _, tpl := range desc.Setup.Templates {
		src := filepath.Join(desc.Dir, filepath.Clean("/"+tpl.Source))
		dst := filepath.Join(configDir, filepath.Clean("/"+tpl.Dest))
		if err := copyTemplate(src, dst); err != nil {
			return fmt.Errorf("template %s: %w", tpl.Source, err)
		}
	}
	return nil
}

// copyTemplate renders one setup template, expanding $VAR references
// from the daemon environment.
func copyTemplate(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(os.ExpandEnv(string(data))), 0644)
}

func (m *Manager) recordAudit(ctx context.Context, action, target, details string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.RecordAction(ctx, action, target, details); err != nil {
		m.logger.WithError(err).Warn("audit record failed")
	}
}

// Enabled returns the current enabled set.
func (m *Manager) Enabled() ([]string, error) {
	return m.state.Load()
}

// deployTimeout bounds a single synchronous deployment.
const deployTimeout = 5 * time.Minute
