package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/havenlabs/haven/pkg/backup"
	"github.com/havenlabs/haven/pkg/config"
	"github.com/havenlabs/haven/pkg/configstore"
	"github.com/havenlabs/haven/pkg/containers"
	"github.com/havenlabs/haven/pkg/containers/dockerapi"
	"github.com/havenlabs/haven/pkg/modules"
	"github.com/havenlabs/haven/pkg/stores"
	"github.com/havenlabs/haven/pkg/telemetry"
)

// app bundles the wired control plane for one command invocation.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	registry *modules.Registry
	state    *modules.StateFile
	manager  *modules.Manager
	builder  *configstore.Builder
	store    *configstore.Store
	docker   *dockerapi.Client
	orch     *containers.ComposeOrchestrator
	gateway  *containers.Gateway
	hub      *containers.StreamHub
	engine   *backup.Engine

	// audit is nil when no audit database is configured.
	audit *stores.SQLiteStore
}

// newApp loads configuration and wires every component a command might
// need. Components are cheap to construct; nothing talks to the daemon
// or the database until used.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	a := &app{cfg: cfg, tel: tel}

	a.registry = modules.NewRegistry(cfg.ModulesDir, tel.Logger)
	a.state = modules.NewStateFile(cfg.StateFile)

	if cfg.AuditDB != "" {
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.AuditDB})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		a.audit = store
	}

	a.docker = dockerapi.NewClient(cfg.DockerSocket)
	a.orch = containers.NewComposeOrchestrator(a.registry, a.docker, cfg.EnvFile, cfg.ContainerPrefix, tel.Logger)

	var sink modules.AuditSink
	if a.audit != nil {
		sink = a.audit
	}
	a.manager = modules.NewManager(a.registry, a.state, a.orch, sink, cfg.ContainerPrefix, cfg.DataDir, tel)

	a.builder = configstore.NewBuilder(a.registry, a.state)
	a.store = configstore.NewStore(cfg.EnvFile, a.builder, tel.Logger)

	a.gateway = containers.NewGateway(a.docker, cfg.ContainerPrefix, sink, tel)
	a.hub = containers.NewStreamHub(a.gateway, tel)

	secret := backup.NewFileSecret(cfg.BackupSecretFile)
	a.engine = backup.NewEngine(cfg.BackupsDir, cfg.DataDir, cfg.StateFile, cfg.SecretFile, a.state, secret, sink, tel)

	return a, nil
}

// Close releases held resources.
func (a *app) Close(ctx context.Context) {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			log.Warn().Err(err).Msg("closing audit store failed")
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
