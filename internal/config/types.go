package config

import "time"

// Config represents the complete tasklease configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	Log     LogConfig     `yaml:"log"`
	Expiry  ExpiryConfig  `yaml:"expiry"`
	API     APIConfig     `yaml:"api,omitempty"`
	Push    PushConfig    `yaml:"push"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	PartitionID int    `yaml:"partition_id"`
	Term        int    `yaml:"term"`
	LogLevel    string `yaml:"log_level"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path             string        `yaml:"path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// LogConfig sizes the command log and the submitters' retry budget.
type LogConfig struct {
	Capacity int          `yaml:"capacity"`
	Submit   SubmitConfig `yaml:"submit"`
}

// SubmitConfig is the backoff applied when the log reports backpressure.
type SubmitConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Budget  time.Duration `yaml:"budget"`
}

// ExpiryConfig defines the lock expiration checker cadence.
type ExpiryConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	Jitter        time.Duration `yaml:"jitter,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Listen          string        `yaml:"listen"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	Auth            APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

const (
	PushBackendHub  = "hub"
	PushBackendNATS = "nats"
)

// PushConfig selects how granted locks reach workers.
type PushConfig struct {
	Backend    string     `yaml:"backend"`
	HubBacklog int        `yaml:"hub_backlog"`
	NATS       NATSConfig `yaml:"nats,omitempty"`
}

// NATSConfig defines the NATS push backend.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Token         string `yaml:"token,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "tasklease",
			PartitionID: 1,
			LogLevel:    "info",
		},
		State: StateConfig{
			Path:             "./data/tasklease.db",
			SnapshotInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Capacity: 1024,
			Submit: SubmitConfig{
				Initial: 10 * time.Millisecond,
				Max:     500 * time.Millisecond,
				Budget:  5 * time.Second,
			},
		},
		Expiry: ExpiryConfig{
			CheckInterval: 30 * time.Second,
		},
		API: APIConfig{
			Enabled:         false,
			Listen:          "127.0.0.1:8080",
			ResponseTimeout: 5 * time.Second,
		},
		Push: PushConfig{
			Backend:    PushBackendHub,
			HubBacklog: 64,
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "tasklease.push",
			},
		},
	}
}
