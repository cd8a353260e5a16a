package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory containing
// config.yaml. Environment references of the form ${VAR} are expanded before
// parsing. If a checksum file exists next to the config, integrity is
// verified (see hash.go).
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// Relative paths resolve against the config file's directory.
	configDir := filepath.Dir(absPath)
	if cfg.Pool.TemplateDir != "" && !filepath.IsAbs(cfg.Pool.TemplateDir) {
		cfg.Pool.TemplateDir = filepath.Join(configDir, cfg.Pool.TemplateDir)
	}
	if cfg.State.Path != "" && !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(configDir, cfg.State.Path)
	}

	// Verify integrity when the config has been locked.
	if err := VerifyChecksum(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config with default values applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "stoker",
			LogLevel: "INFO",
		},
		Pool: PoolConfig{
			Workers: 4,
		},
		State: StateConfig{
			Path: "stoker.db",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8750",
		},
	}
}

// validate checks configuration invariants that would otherwise surface as
// runtime faults.
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		return fmt.Errorf("service.name is required")
	}
	if cfg.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be at least 1 (got %d)", cfg.Pool.Workers)
	}
	if strings.TrimSpace(cfg.Pool.TemplateDir) == "" {
		return fmt.Errorf("pool.template_dir is required")
	}
	if strings.TrimSpace(cfg.State.Path) == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.API.Enabled {
		if strings.TrimSpace(cfg.API.Listen) == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens when the API is enabled")
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
