// Package config loads the Haven daemon configuration from file, environment
// and defaults, and exposes it as a typed, validated struct.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/havenlabs/haven/pkg/telemetry"
)

// Config holds the daemon configuration.
type Config struct {
	// DataDir is the root of all persisted Haven state.
	DataDir string `mapstructure:"data_dir" validate:"required"`

	// ModulesDir contains one subdirectory per module, each holding the
	// module's compose file with its x-haven metadata block.
	ModulesDir string `mapstructure:"modules_dir" validate:"required"`

	// BackupsDir is where backup archives are written.
	BackupsDir string `mapstructure:"backups_dir" validate:"required"`

	// ContainerPrefix is the managed container naming prefix. Only
	// containers carrying this prefix are visible to the gateway.
	ContainerPrefix string `mapstructure:"container_prefix" validate:"required"`

	// StateFile is the newline-delimited enabled-module list.
	StateFile string `mapstructure:"state_file" validate:"required"`

	// EnvFile is the KEY=VALUE configuration store.
	EnvFile string `mapstructure:"env_file" validate:"required"`

	// SecretFile holds generated service secrets and is included in backups.
	SecretFile string `mapstructure:"secret_file" validate:"required"`

	// BackupSecretFile holds the backup encryption passphrase. Empty or
	// missing means backups stay unencrypted.
	BackupSecretFile string `mapstructure:"backup_secret_file"`

	// DockerSocket is the Docker Engine API unix socket path.
	DockerSocket string `mapstructure:"docker_socket" validate:"required"`

	// AuditDB is the SQLite audit/event database path. Empty disables auditing.
	AuditDB string `mapstructure:"audit_db"`

	// ListenAddress is the control-plane API listen address for `haven serve`.
	ListenAddress string `mapstructure:"listen_address" validate:"required"`

	// Telemetry holds logging, tracing and metrics settings.
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// setDefaults registers the default configuration values.
func setDefaults(v *viper.Viper) {
	dataDir := "/var/lib/haven"
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("modules_dir", filepath.Join(dataDir, "modules"))
	v.SetDefault("backups_dir", filepath.Join(dataDir, "backups"))
	v.SetDefault("container_prefix", "haven-")
	v.SetDefault("state_file", filepath.Join(dataDir, "enabled-modules"))
	v.SetDefault("env_file", filepath.Join(dataDir, "haven.env"))
	v.SetDefault("secret_file", filepath.Join(dataDir, "secrets.env"))
	v.SetDefault("backup_secret_file", filepath.Join(dataDir, "backup-secret"))
	v.SetDefault("docker_socket", "/var/run/docker.sock")
	v.SetDefault("audit_db", filepath.Join(dataDir, "haven.db"))
	v.SetDefault("listen_address", "127.0.0.1:8642")
}

// Load reads the configuration from the given file (optional), the standard
// locations, and HAVEN_* environment variables, in increasing precedence of
// env over file over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("haven")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	}
	v.AddConfigPath("/etc/haven")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file in the search path is fine; everything has
		// a default. An explicit --config path that fails still errors.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("haven")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{Telemetry: telemetry.DefaultConfig()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !strings.HasSuffix(c.ContainerPrefix, "-") {
		return fmt.Errorf("container prefix %q must end with '-'", c.ContainerPrefix)
	}
	return c.Telemetry.Validate()
}
