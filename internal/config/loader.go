package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, verifies and parses configuration from a file. A directory
// may be given, in which case config.yaml inside it is loaded.
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

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg = applyConfigDefaults(cfg)
	cfg.SourcePath = absPath

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// verifyConfigHash checks path against the .checksums manifest next to it.
// Without a manifest the file is accepted as is.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if errors.Is(err, ErrNoChecksums) {
		return nil
	}
	if err != nil {
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: tasklease config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: tasklease config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.PartitionID == 0 {
		cfg.Service.PartitionID = defaults.Service.PartitionID
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.SnapshotInterval == 0 {
		cfg.State.SnapshotInterval = defaults.State.SnapshotInterval
	}

	if cfg.Log.Capacity == 0 {
		cfg.Log.Capacity = defaults.Log.Capacity
	}
	if cfg.Log.Submit.Initial == 0 {
		cfg.Log.Submit.Initial = defaults.Log.Submit.Initial
	}
	if cfg.Log.Submit.Max == 0 {
		cfg.Log.Submit.Max = defaults.Log.Submit.Max
	}
	if cfg.Log.Submit.Budget == 0 {
		cfg.Log.Submit.Budget = defaults.Log.Submit.Budget
	}

	if cfg.Expiry.CheckInterval == 0 {
		cfg.Expiry.CheckInterval = defaults.Expiry.CheckInterval
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.ResponseTimeout == 0 {
		cfg.API.ResponseTimeout = defaults.API.ResponseTimeout
	}

	if cfg.Push.Backend == "" {
		cfg.Push.Backend = defaults.Push.Backend
	}
	if cfg.Push.HubBacklog == 0 {
		cfg.Push.HubBacklog = defaults.Push.HubBacklog
	}
	if cfg.Push.NATS.URL == "" {
		cfg.Push.NATS.URL = defaults.Push.NATS.URL
	}
	if cfg.Push.NATS.SubjectPrefix == "" {
		cfg.Push.NATS.SubjectPrefix = defaults.Push.NATS.SubjectPrefix
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// left in place, validate reports it where it matters
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.PartitionID < 1 {
		return fmt.Errorf("service.partition_id must be positive")
	}
	if cfg.Service.Term < 0 {
		return fmt.Errorf("service.term must not be negative")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if envVarPattern.MatchString(cfg.State.Path) {
		return unresolved("state.path", cfg.State.Path)
	}
	if cfg.State.SnapshotInterval < 0 {
		return fmt.Errorf("state.snapshot_interval must not be negative")
	}

	if cfg.Log.Capacity < 1 {
		return fmt.Errorf("log.capacity must be positive")
	}
	if cfg.Log.Submit.Initial < 0 || cfg.Log.Submit.Max < cfg.Log.Submit.Initial {
		return fmt.Errorf("log.submit: max must be at least initial")
	}
	if cfg.Log.Submit.Budget <= 0 {
		return fmt.Errorf("log.submit.budget must be positive")
	}

	if cfg.Expiry.CheckInterval <= 0 {
		return fmt.Errorf("expiry.check_interval must be positive")
	}
	if cfg.Expiry.Jitter < 0 {
		return fmt.Errorf("expiry.jitter must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.ResponseTimeout <= 0 {
			return fmt.Errorf("api.response_timeout must be positive")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			return unresolved("api.auth.api_key", cfg.API.Auth.APIKey)
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: api_key or tokens required when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if envVarPattern.MatchString(tok.Token) {
				return unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token)
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	switch cfg.Push.Backend {
	case PushBackendHub:
		if cfg.Push.HubBacklog < 1 {
			return fmt.Errorf("push.hub_backlog must be positive")
		}
	case PushBackendNATS:
		if envVarPattern.MatchString(cfg.Push.NATS.URL) {
			return unresolved("push.nats.url", cfg.Push.NATS.URL)
		}
		if envVarPattern.MatchString(cfg.Push.NATS.Token) {
			return unresolved("push.nats.token", cfg.Push.NATS.Token)
		}
	default:
		return fmt.Errorf("push.backend must be one of: %s, %s (got %q)", PushBackendHub, PushBackendNATS, cfg.Push.Backend)
	}

	return nil
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}

// DiscoverConfigDir finds the configuration when no --config flag is given.
func DiscoverConfigDir() (string, error) {
	// 1. Check environment variable
	if dir := os.Getenv("TASKLEASE_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	// 2. Check user config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "tasklease")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	// 3. Check system config directory
	systemConfigDir := "/etc/tasklease"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	// 4. Fall back to config.yaml in the current directory
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $TASKLEASE_CONFIG_DIR, ~/.config/tasklease, /etc/tasklease, ./config.yaml)")
}
