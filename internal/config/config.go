// Package config implements a layered configuration loader: a YAML file,
// overlaid by a single environment namespace (MCP_*, with __ as the nesting
// separator), overlaid by CLI flags, which win last. Pairs the cobra root
// command the entry points use with github.com/spf13/viper, since a flat
// os.Getenv-based reader cannot express __-nesting.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is the single environment variable namespace overlaying the
// YAML configuration, per spec.md §6.
const EnvPrefix = "MCP"

// Auth configures C2: token validation mode and its parameters.
type Auth struct {
	Mode            string            `mapstructure:"mode"` // "jwt" or "local"
	JWKSEndpoint    string            `mapstructure:"jwks_endpoint"`
	JWKSCacheTTL    time.Duration     `mapstructure:"jwks_cache_ttl"`
	Issuer          string            `mapstructure:"issuer"`
	Audience        string            `mapstructure:"audience"`
	GroupRoleMap    map[string]string `mapstructure:"group_role_map"`
	LocalShared     string            `mapstructure:"local_shared_token"`
	LocalPermissive bool              `mapstructure:"local_permissive"`
}

// IPC configures C1's Unix socket transport.
type IPC struct {
	SocketPath string `mapstructure:"socket_path"`
	Owner      string `mapstructure:"owner"`
	Group      string `mapstructure:"group"`
	Mode       uint32 `mapstructure:"mode"`
}

// Metrics configures C4's sampler and store.
type Metrics struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	Types            []string      `mapstructure:"types"`
	DBPath           string        `mapstructure:"db_path"`
	RetentionSeconds int64         `mapstructure:"retention_seconds"`
	DiskPath         string        `mapstructure:"disk_path"`
}

// Update configures C5's release layout and health-check retry policy.
type Update struct {
	ReleasesDir             string   `mapstructure:"releases_dir"`
	CurrentSymlink          string   `mapstructure:"current_symlink"`
	StateFile               string   `mapstructure:"state_file"`
	Channel                 string   `mapstructure:"channel"`
	HealthCheckRetries      int      `mapstructure:"health_check_retries"`
	HealthCheckDelaySeconds int      `mapstructure:"health_check_delay_seconds"`
	AutoRollback            bool     `mapstructure:"auto_rollback"`
	HealthCheckServices     []string `mapstructure:"health_check_services"`
	HealthCheckURL          string   `mapstructure:"health_check_url"`
}

// Audit configures the independent audit trail writer.
type Audit struct {
	LogPath         string `mapstructure:"log_path"`
	AlsoLogToStdout bool   `mapstructure:"also_log_to_stdout"`
}

// Config is the complete, layered configuration for one binary (Broker or
// Agent each load the overlapping subset they need).
type Config struct {
	LogLevel string  `mapstructure:"log_level"`
	Auth     Auth    `mapstructure:"auth"`
	IPC      IPC     `mapstructure:"ipc"`
	Metrics  Metrics `mapstructure:"metrics"`
	Update   Update  `mapstructure:"update"`
	Audit    Audit   `mapstructure:"audit"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("auth.mode", "local")
	v.SetDefault("auth.jwks_cache_ttl", time.Hour)
	v.SetDefault("auth.local_permissive", false)

	v.SetDefault("ipc.socket_path", "/run/raspictl/ops-agent.sock")
	v.SetDefault("ipc.mode", 0o660)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.interval", 60*time.Second)
	v.SetDefault("metrics.types", []string{"cpu_percent", "memory_percent", "disk_percent", "cpu_temperature_celsius"})
	v.SetDefault("metrics.db_path", "/var/lib/raspictl/metrics.db")
	v.SetDefault("metrics.retention_seconds", int64(7*24*3600))
	v.SetDefault("metrics.disk_path", "/")

	v.SetDefault("update.releases_dir", "/opt/raspictl/releases")
	v.SetDefault("update.current_symlink", "/opt/raspictl/current")
	v.SetDefault("update.state_file", "/var/lib/raspictl/update_state.json")
	v.SetDefault("update.channel", "stable")
	v.SetDefault("update.health_check_retries", 3)
	v.SetDefault("update.health_check_delay_seconds", 5)
	v.SetDefault("update.auto_rollback", true)

	v.SetDefault("audit.log_path", "/var/log/raspictl/audit.log")
}

// New builds a viper instance with defaults set, the YAML file at path (if
// non-empty and present) merged in, and the MCP_* environment namespace
// bound with __ as the nesting separator.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: checking %s: %w", path, err)
		}
	}

	return v, nil
}

// BindFlags binds cobra persistent flags into v, so that explicitly-set
// flags take final precedence over the YAML file and environment.
// flagToKey maps a flag name to its dotted config key (e.g.
// "log-level" -> "log_level").
func BindFlags(v *viper.Viper, cmd *cobra.Command, flagToKey map[string]string) error {
	for flag, key := range flagToKey {
		pflag := cmd.PersistentFlags().Lookup(flag)
		if pflag == nil {
			pflag = cmd.Flags().Lookup(flag)
		}
		if pflag == nil {
			return fmt.Errorf("config: no such flag %q for key %q", flag, key)
		}
		if err := v.BindPFlag(key, pflag); err != nil {
			return fmt.Errorf("config: binding flag %q to %q: %w", flag, key, err)
		}
	}
	return nil
}

// Load decodes v into a Config.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshaling: %w", err)
	}
	return cfg, nil
}
