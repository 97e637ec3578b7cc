package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is so validation can flag them.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.WorkerTimeout <= 0 {
		return fmt.Errorf("worker_timeout must be positive")
	}
	if cfg.Cache.MaxAge <= 0 || cfg.Cache.SMaxAge <= 0 {
		return fmt.Errorf("cache.maxage and cache.s_maxage must be positive")
	}
	if cfg.Cache.MaxAge > cfg.Cache.SMaxAge {
		return fmt.Errorf("cache.maxage (%d) must not exceed cache.s_maxage (%d)",
			cfg.Cache.MaxAge, cfg.Cache.SMaxAge)
	}
	if cfg.Cache.RemoveAfter <= 0 {
		return fmt.Errorf("cache.remove_after must be positive")
	}
	if cfg.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if cfg.Bus.JobsQueue == "" {
		return fmt.Errorf("bus.jobs_queue is required")
	}
	if cfg.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if cfg.Store.PoolSize <= 0 {
		return fmt.Errorf("store.pool_size must be positive")
	}
	for _, h := range cfg.APIHost {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("api_host entries must not be empty")
		}
	}
	return nil
}
