package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration. It is read once at startup.
type Config struct {
	General     GeneralConfig     `toml:"general"`
	Endpoints   EndpointsConfig   `toml:"endpoints"`
	Pool        PoolConfig        `toml:"pool"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Web         WebConfig         `toml:"web"`
}

// GeneralConfig holds general settings.
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	LockPath     string `toml:"lock_path"`
	WatchDir     string `toml:"watch_dir"`
}

// EndpointsConfig lists worker endpoint URLs per service type.
type EndpointsConfig struct {
	Generator   []string `toml:"generator"`
	Static      []string `toml:"static"`
	Dynamic     []string `toml:"dynamic"`
	Performance []string `toml:"performance"`
	AIReview    []string `toml:"ai_review"`
}

// PoolConfig holds endpoint pool settings.
type PoolConfig struct {
	Strategy            string        `toml:"strategy"` // round-robin, least-in-flight, random
	HealthCheckCooldown time.Duration `toml:"health_check_cooldown"`
	ProbeTimeout        time.Duration `toml:"probe_timeout"`
	DispatchTimeout     time.Duration `toml:"dispatch_timeout"`
}

// PipelineConfig holds scheduler defaults.
type PipelineConfig struct {
	MaxConcurrentGeneration int           `toml:"max_concurrent_generation"`
	MaxConcurrentAnalysis   int           `toml:"max_concurrent_analysis"`
	PollInterval            time.Duration `toml:"poll_interval"`
	MaxRetries              int           `toml:"max_retries"`
}

// MaintenanceConfig holds sweep settings.
type MaintenanceConfig struct {
	Schedule       string        `toml:"schedule"` // cron expression
	RunningTimeout time.Duration `toml:"running_timeout"`
	PendingTimeout time.Duration `toml:"pending_timeout"`
	GracePeriod    time.Duration `toml:"grace_period"`
}

// WebConfig holds the status API settings.
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".analysis-orchestrator", "orchestrator.db"),
			LockPath:     filepath.Join(home, ".analysis-orchestrator", "orchestrator.lock"),
			WatchDir:     "",
		},
		Pool: PoolConfig{
			Strategy:            "round-robin",
			HealthCheckCooldown: 60 * time.Second,
			ProbeTimeout:        2 * time.Second,
			DispatchTimeout:     5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			MaxConcurrentGeneration: 2,
			MaxConcurrentAnalysis:   2,
			PollInterval:            time.Second,
			MaxRetries:              3,
		},
		Maintenance: MaintenanceConfig{
			Schedule:       "0 * * * *",
			RunningTimeout: 2 * time.Hour,
			PendingTimeout: 4 * time.Hour,
			GracePeriod:    5 * time.Minute,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8060,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.LockPath = ExpandPath(cfg.General.LockPath)
	cfg.General.WatchDir = ExpandPath(cfg.General.WatchDir)

	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Pool.Strategy {
	case "round-robin", "least-in-flight", "random":
	default:
		return fmt.Errorf("unknown pool strategy %q", c.Pool.Strategy)
	}
	if c.Pipeline.MaxConcurrentGeneration <= 0 || c.Pipeline.MaxConcurrentAnalysis <= 0 {
		return fmt.Errorf("pipeline concurrency limits must be positive")
	}
	if c.Maintenance.GracePeriod <= 0 {
		return fmt.Errorf("maintenance grace_period must be positive")
	}
	return nil
}

// URLs returns the configured endpoint URLs for a service type name.
func (e EndpointsConfig) URLs(service string) []string {
	switch service {
	case "generator":
		return e.Generator
	case "static":
		return e.Static
	case "dynamic":
		return e.Dynamic
	case "performance":
		return e.Performance
	case "ai-review":
		return e.AIReview
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "analysis-orchestrator", "config.toml")
}
