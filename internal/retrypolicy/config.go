// Package retrypolicy provides per-kind retry/backoff overrides for the
// Operation Queue, loaded from an optional YAML file.
//
// Every operation kind shares the queue's global defaults (max_attempts,
// retry_backoff_ms, rate_limit_buffer_ms) unless an operator opts a kind
// into different values — e.g. bulk_create failures are often worth more
// attempts than a single add_comment.
//
// Example configuration (.issuesync.yaml):
//
//	overrides:
//	  - kind: bulk_create
//	    max_attempts: 6
//	    retry_backoff_ms: 10000
package retrypolicy

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/qaintel/issuesync/internal/config"
)

type (
	// KindOverride adjusts the retry knobs for a single operation kind.
	// Nil fields fall back to the queue's global Config.
	KindOverride struct {
		Kind              string `yaml:"kind"`
		MaxAttempts       *int   `yaml:"max_attempts,omitempty"`
		RetryBackoffMS    *int   `yaml:"retry_backoff_ms,omitempty"`
		RateLimitBufferMS *int   `yaml:"rate_limit_buffer_ms,omitempty"`
	}

	// Config holds the set of per-kind overrides loaded from YAML.
	Config struct {
		Overrides []KindOverride `yaml:"overrides"`
	}
)

const (
	// DefaultConfigPath is the default location for retry overrides.
	DefaultConfigPath = ".issuesync.yaml"

	// ConfigPathEnvVar names the environment variable carrying a custom path.
	ConfigPathEnvVar = "ISSUESYNC_CONFIG_PATH"
)

// LoadConfig loads overrides from a YAML file at path.
//
// Behavior:
//   - Missing file is not an error — overrides are optional, the queue's
//     defaults apply to every kind.
//   - Invalid YAML logs a warning and degrades to no overrides, rather than
//     failing coordinator startup over a config typo.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Overrides: []KindOverride{}}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("retry policy file not found, using queue defaults for all kinds", slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("failed to read retry policy file, using queue defaults",
			slog.String("path", path), slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("failed to parse retry policy file, using queue defaults",
			slog.String("path", path), slog.String("error", err.Error()))

		return &Config{Overrides: []KindOverride{}}, nil
	}

	if cfg.Overrides == nil {
		cfg.Overrides = []KindOverride{}
	}

	return cfg, nil
}

// LoadConfigFromEnv loads the override file named by ISSUESYNC_CONFIG_PATH,
// falling back to DefaultConfigPath in the working directory.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
