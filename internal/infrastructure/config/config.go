// Package config loads supervisor configuration: defaults, then an optional
// YAML file, then environment variables, each layer overriding the last.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration. Env tags carry no defaults so
// envconfig only touches fields whose variable is actually set; baseline
// values come from Default and the optional file.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LogConfig         `yaml:"logging"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Session     SessionConfig     `yaml:"session"`
	Process     ProcessConfig     `yaml:"process"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Destination DestinationConfig `yaml:"destination"`
	Audit       AuditConfig       `yaml:"audit"`
	Project     ProjectConfig     `yaml:"project"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" yaml:"port"`
	Host string `envconfig:"HOST" yaml:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	InactivityTimeout time.Duration `envconfig:"SESSION_INACTIVITY_TIMEOUT" yaml:"inactivity_timeout"`
}

// ProcessConfig holds subprocess supervision configuration.
type ProcessConfig struct {
	Command        string        `envconfig:"PROCESS_COMMAND" yaml:"command"`
	Args           []string      `envconfig:"PROCESS_ARGS" yaml:"args"`
	Cols           int           `envconfig:"PROCESS_COLS" yaml:"cols"`
	Rows           int           `envconfig:"PROCESS_ROWS" yaml:"rows"`
	OutputDebounce time.Duration `envconfig:"PROCESS_OUTPUT_DEBOUNCE" yaml:"output_debounce"`
	ReadyDelay     time.Duration `envconfig:"PROCESS_READY_DELAY" yaml:"ready_delay"`
	KillDeadline   time.Duration `envconfig:"PROCESS_KILL_DEADLINE" yaml:"kill_deadline"`
	ExitDirective  string        `envconfig:"PROCESS_EXIT_DIRECTIVE" yaml:"exit_directive"`
}

// DispatchConfig holds delivery pipeline configuration.
type DispatchConfig struct {
	Debounce       time.Duration `envconfig:"DISPATCH_DEBOUNCE" yaml:"debounce"`
	MaxUnitLen     int           `envconfig:"DISPATCH_MAX_UNIT_LEN" yaml:"max_unit_len"`
	MaxInPlaceEdit int           `envconfig:"DISPATCH_MAX_INPLACE_EDIT" yaml:"max_inplace_edit"`
}

// DestinationConfig holds chat destination configuration. An empty URL keeps
// delivery in memory.
type DestinationConfig struct {
	URL        string        `envconfig:"DESTINATION_URL" yaml:"url"`
	Token      string        `envconfig:"DESTINATION_TOKEN" yaml:"token"`
	Timeout    time.Duration `envconfig:"DESTINATION_TIMEOUT" yaml:"timeout"`
	RetryCount int           `envconfig:"DESTINATION_RETRY_COUNT" yaml:"retry_count"`
}

// AuditConfig holds audit trail configuration. An empty collector URL keeps
// auditing log-only.
type AuditConfig struct {
	CollectorURL  string        `envconfig:"AUDIT_COLLECTOR_URL" yaml:"collector_url"`
	MaxContentLen int           `envconfig:"AUDIT_MAX_CONTENT_LEN" yaml:"max_content_len"`
	RetryMax      int           `envconfig:"AUDIT_RETRY_MAX" yaml:"retry_max"`
	Timeout       time.Duration `envconfig:"AUDIT_TIMEOUT" yaml:"timeout"`
}

// ProjectConfig holds working directory sandbox configuration.
type ProjectConfig struct {
	BaseDir    string `envconfig:"PROJECT_BASE_DIR" yaml:"base_dir"`
	CreateDirs bool   `envconfig:"PROJECT_CREATE_DIRS" yaml:"create_dirs"`
}

// Load builds the configuration: Default, then the YAML file at path (when
// non-empty), then environment variables on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load("")
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Enabled:           true,
		},
		Session: SessionConfig{
			InactivityTimeout: 60 * time.Minute,
		},
		Process: ProcessConfig{
			Command:        "claude",
			Cols:           80,
			Rows:           24,
			OutputDebounce: 150 * time.Millisecond,
			ReadyDelay:     2 * time.Second,
			KillDeadline:   time.Second,
			ExitDirective:  "/exit",
		},
		Dispatch: DispatchConfig{
			Debounce:       300 * time.Millisecond,
			MaxUnitLen:     3900,
			MaxInPlaceEdit: 5,
		},
		Destination: DestinationConfig{
			Timeout:    10 * time.Second,
			RetryCount: 2,
		},
		Audit: AuditConfig{
			MaxContentLen: 500,
			RetryMax:      3,
			Timeout:       5 * time.Second,
		},
		Project: ProjectConfig{
			BaseDir:    "/var/lib/claudewire/projects",
			CreateDirs: true,
		},
	}
}
