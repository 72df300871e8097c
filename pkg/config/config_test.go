package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	if cfg.DataDir != "/var/lib/haven" {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
	if cfg.ContainerPrefix != "haven-" {
		t.Errorf("container prefix = %q", cfg.ContainerPrefix)
	}
	if cfg.ModulesDir != "/var/lib/haven/modules" {
		t.Errorf("modules dir = %q", cfg.ModulesDir)
	}
	if cfg.ListenAddress == "" {
		t.Error("listen address must have a default")
	}
	if cfg.Telemetry.Logging.Level != "info" {
		t.Errorf("log level = %q", cfg.Telemetry.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "haven.yaml")
	content := `
data_dir: /srv/haven
container_prefix: "srv-"
listen_address: "0.0.0.0:9000"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.DataDir != "/srv/haven" {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
	if cfg.ContainerPrefix != "srv-" {
		t.Errorf("container prefix = %q", cfg.ContainerPrefix)
	}
	if cfg.ListenAddress != "0.0.0.0:9000" {
		t.Errorf("listen address = %q", cfg.ListenAddress)
	}
	// Unset keys keep their defaults.
	if cfg.DockerSocket != "/var/run/docker.sock" {
		t.Errorf("docker socket = %q", cfg.DockerSocket)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for an explicit missing config file")
	}
}

func TestValidateRejectsBadPrefix(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	cfg.ContainerPrefix = "haven"
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if !strings.Contains(err.Error(), "prefix") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	cfg.StateFile = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a validation error for empty state file path")
	}
}
