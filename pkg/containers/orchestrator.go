package containers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/havenlabs/haven/pkg/containers/dockerapi"
	"github.com/havenlabs/haven/pkg/errdefs"
	"github.com/havenlabs/haven/pkg/modules"
	"github.com/havenlabs/haven/pkg/telemetry"
)

// ComposeOrchestrator deploys modules by shelling out to docker compose
// and tears individual containers down through the daemon API. It
// satisfies the lifecycle manager's Orchestrator interface.
type ComposeOrchestrator struct {
	registry *modules.Registry
	docker   *dockerapi.Client
	envFile  string
	prefix   string
	logger   *telemetry.Logger
}

// NewComposeOrchestrator creates a compose-backed orchestrator. envFile
// is passed to compose so module services see the shared configuration.
func NewComposeOrchestrator(registry *modules.Registry, docker *dockerapi.Client, envFile, prefix string, logger *telemetry.Logger) *ComposeOrchestrator {
	return &ComposeOrchestrator{
		registry: registry,
		docker:   docker,
		envFile:  envFile,
		prefix:   prefix,
		logger:   logger.NewComponentLogger("orchestrator"),
	}
}

// Deploy runs docker compose up for the module, reapplying the full
// desired state of its services.
func (o *ComposeOrchestrator) Deploy(ctx context.Context, moduleID string) error {
	desc, err := o.registry.Get(ctx, moduleID)
	if err != nil {
		return err
	}
	composeFile, ok := modules.ComposeFile(desc.Dir)
	if !ok {
		return errdefs.NewInternal("module has no compose file", nil).
			WithResource(moduleID).
			WithOperation("deploy")
	}

	args := []string{
		"compose",
		"--project-name", strings.TrimSuffix(o.prefix, "-") + "-" + moduleID,
		"--file", composeFile,
	}
	if o.envFile != "" {
		args = append(args, "--env-file", o.envFile)
	}
	args = append(args, "up", "--detach", "--remove-orphans")

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = desc.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	o.logger.WithModule(moduleID).Debugf("running docker %s", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return errdefs.NewInternal(fmt.Sprintf("compose up failed: %s", msg), err).
			WithResource(moduleID).
			WithOperation("deploy").
			WithCode(errdefs.ErrCodeRuntime)
	}
	return nil
}

// StopContainer stops one managed container by name. A container the
// daemon no longer knows is treated as already stopped.
func (o *ComposeOrchestrator) StopContainer(ctx context.Context, name string) error {
	err := o.docker.StopContainer(ctx, name, stopTimeout)
	if err != nil && !dockerapi.IsNotFound(err) {
		return err
	}
	return nil
}

// RemoveContainer removes one managed container by name. Absence is
// success: teardown is idempotent.
func (o *ComposeOrchestrator) RemoveContainer(ctx context.Context, name string) error {
	err := o.docker.RemoveContainer(ctx, name)
	if err != nil && !dockerapi.IsNotFound(err) {
		return err
	}
	return nil
}

// WaitForDaemon pings the daemon until it responds or the deadline
// passes. Used at startup so a racing dockerd does not fail the serve
// command outright.
func (o *ComposeOrchestrator) WaitForDaemon(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := o.docker.Ping(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errdefs.NewInternal("container daemon unreachable", nil).
				WithCode(errdefs.ErrCodeRuntime)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
