package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AGENTFLOW_STORE_PATH.
const EnvPrefix = "AGENTFLOW"

// Loader reads configuration from all sources.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a loader with its own viper instance.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// NewLoaderWithViper creates a loader over v, so CLI flags bound to v win.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load resolves the configuration and validates it.
// Precedence (highest to lowest):
// 1. CLI flags bound to the viper instance
// 2. Environment variables (AGENTFLOW_*)
// 3. Config file: --config, else ./agentflow.yaml, else ~/.config/agentflow/config.yaml
// 4. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	path := l.configFile
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func findConfigFile() string {
	candidates := []string{"agentflow.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "agentflow", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "text")

	l.v.SetDefault("store.path", "file:agentflow.db")

	l.v.SetDefault("definitions.dir", "./definitions")
	l.v.SetDefault("definitions.watch", true)

	l.v.SetDefault("executor.history_window", 10)
	l.v.SetDefault("executor.token_budget", 4000)
	l.v.SetDefault("executor.progress_threshold", "2s")
	l.v.SetDefault("executor.default_approval_threshold", 0.7)

	l.v.SetDefault("shared_context.max_attempts", 3)
	l.v.SetDefault("shared_context.backoff", "50ms")

	l.v.SetDefault("approval.reminder_after", "24h")
	l.v.SetDefault("approval.timeout_after", "72h")
	l.v.SetDefault("approval.sweep_schedule", "@every 5m")

	l.v.SetDefault("circuit_breaker.failure_threshold", 5)
	l.v.SetDefault("circuit_breaker.cooldown", "30s")
}
