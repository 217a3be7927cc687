// Package config loads the orchestrator's process configuration from environment
// variables, following the struct-tag convention used elsewhere in this codebase's
// lineage (env + envDefault tags parsed with caarlos0/env).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the external-interfaces process configuration
// table: scaling bounds, tick periods, leader-election timing, and shutdown grace.
type Config struct {
	Repositories []string `env:"REPOSITORIES" envSeparator:","`

	MinRunners        int `env:"MIN_RUNNERS" envDefault:"1"`
	MaxDynamicPerRepo int `env:"MAX_DYNAMIC_PER_REPO" envDefault:"3"`

	MonitorIntervalSeconds      int `env:"MONITOR_INTERVAL_SECONDS" envDefault:"30"`
	CleanupIntervalSeconds      int `env:"CLEANUP_INTERVAL_SECONDS" envDefault:"60"`
	IdleTimeoutSeconds          int `env:"IDLE_TIMEOUT_SECONDS" envDefault:"300"`
	HealthIntervalSeconds       int `env:"HEALTH_INTERVAL_SECONDS" envDefault:"30"`
	StateSyncIntervalSeconds    int `env:"STATE_SYNC_INTERVAL_SECONDS" envDefault:"60"`
	TokenRefreshIntervalSeconds int `env:"TOKEN_REFRESH_INTERVAL_SECONDS" envDefault:"2700"`
	TokenSkewSeconds            int `env:"TOKEN_SKEW_SECONDS" envDefault:"300"`
	TokenRefreshMaxAttempts     int `env:"TOKEN_REFRESH_MAX_ATTEMPTS" envDefault:"3"`
	TokenRefreshInitialDelayMS int `env:"TOKEN_REFRESH_INITIAL_DELAY_MS" envDefault:"5000"`

	LeaseTTLSeconds       int `env:"LEASE_TTL_SECONDS" envDefault:"10"`
	HeartbeatIntervalSeconds int `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"2"`
	ElectionTimeoutSeconds int `env:"ELECTION_TIMEOUT_SECONDS" envDefault:"5"`

	ShutdownTimeoutSeconds int `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	ContainerStopGraceSeconds int `env:"CONTAINER_STOP_GRACE_SECONDS" envDefault:"10"`
	LogTailLines              int `env:"LOG_TAIL_LINES" envDefault:"50"`

	GitHubToken      string `env:"GITHUB_TOKEN"`
	GitHubBaseURL    string `env:"GITHUB_BASE_URL"`
	ManagedPrefix    string `env:"MANAGED_PREFIX" envDefault:"orchestrator"`

	RedisAddr    string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB      int    `env:"REDIS_DB" envDefault:"0"`
	LeaseKey     string `env:"LEASE_KEY" envDefault:"orchestrator/leader"`

	ContainerdAddress   string `env:"CONTAINERD_ADDRESS" envDefault:"/run/containerd/containerd.sock"`
	ContainerdNamespace string `env:"CONTAINERD_NAMESPACE" envDefault:"orchestrator"`
	WorkerImage         string `env:"WORKER_IMAGE"`
	WorkerMemoryLimitMB int64  `env:"WORKER_MEMORY_LIMIT_MB" envDefault:"0"`
	WorkerCPUQuotaMicros int64 `env:"WORKER_CPU_QUOTA_MICROS" envDefault:"0"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// RepoConfigFile optionally names a YAML file of per-repository overrides
	// (worker image, max dynamic workers) layered on top of the env-wide
	// defaults above. Unset means every repository uses the global defaults.
	RepoConfigFile string `env:"REPO_CONFIG_FILE"`

	// Overrides is populated by Load from RepoConfigFile; empty if unset. Not
	// an env-parsed field: caarlos0/env skips map-typed fields with no "env"
	// tag, so it is populated separately after env.Parse.
	Overrides map[string]RepoOverride
}

// RepoOverride holds per-repository tuning that differs from the process-wide
// defaults, loaded from the optional YAML file named by REPO_CONFIG_FILE.
type RepoOverride struct {
	WorkerImage string `yaml:"workerImage"`
	MaxDynamic  *int   `yaml:"maxDynamic"`
}

// repoOverridesFile is the on-disk shape of REPO_CONFIG_FILE:
//
//	repositories:
//	  cuemby/fleetcore:
//	    workerImage: ghcr.io/cuemby/fleetcore-runner:v2
//	    maxDynamic: 5
type repoOverridesFile struct {
	Repositories map[string]RepoOverride `yaml:"repositories"`
}

// loadRepoOverrides reads and parses path, returning a ConfigInvalid-class
// error if the file is named but cannot be read or fails to parse.
func loadRepoOverrides(path string) (map[string]RepoOverride, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config invalid: reading REPO_CONFIG_FILE %q: %w", path, err)
	}
	var parsed repoOverridesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("config invalid: parsing REPO_CONFIG_FILE %q: %w", path, err)
	}
	return parsed.Repositories, nil
}

// ImageFor returns the worker image for repoID, honoring a per-repo override
// if one is configured.
func (c *Config) ImageFor(repoID string) string {
	if o, ok := c.Overrides[repoID]; ok && o.WorkerImage != "" {
		return o.WorkerImage
	}
	return c.WorkerImage
}

// MaxDynamicFor returns the dynamic-worker cap for repoID, honoring a
// per-repo override if one is configured.
func (c *Config) MaxDynamicFor(repoID string) int {
	if o, ok := c.Overrides[repoID]; ok && o.MaxDynamic != nil {
		return *o.MaxDynamic
	}
	return c.MaxDynamicPerRepo
}

// Load reads and validates configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	overrides, err := loadRepoOverrides(cfg.RepoConfigFile)
	if err != nil {
		return nil, err
	}
	cfg.Overrides = overrides
	return cfg, nil
}

// Validate reports an error for any configuration the process must refuse to
// start with (exit code 2).
func (c *Config) Validate() error {
	for i, r := range c.Repositories {
		c.Repositories[i] = strings.TrimSpace(r)
	}
	if len(c.Repositories) == 0 || (len(c.Repositories) == 1 && c.Repositories[0] == "") {
		return fmt.Errorf("config invalid: REPOSITORIES must name at least one repository")
	}
	if c.MaxDynamicPerRepo < 0 {
		return fmt.Errorf("config invalid: MAX_DYNAMIC_PER_REPO must be >= 0")
	}
	if c.MinRunners < 1 {
		return fmt.Errorf("config invalid: MIN_RUNNERS must be >= 1")
	}
	if c.TokenRefreshIntervalSeconds >= 3600 {
		return fmt.Errorf("config invalid: TOKEN_REFRESH_INTERVAL_SECONDS must be strictly less than the 3600s provider token TTL")
	}
	return nil
}

func (c *Config) MonitorInterval() time.Duration { return time.Duration(c.MonitorIntervalSeconds) * time.Second }
func (c *Config) CleanupInterval() time.Duration { return time.Duration(c.CleanupIntervalSeconds) * time.Second }
func (c *Config) IdleTimeout() time.Duration     { return time.Duration(c.IdleTimeoutSeconds) * time.Second }
func (c *Config) HealthInterval() time.Duration  { return time.Duration(c.HealthIntervalSeconds) * time.Second }
func (c *Config) StateSyncInterval() time.Duration {
	return time.Duration(c.StateSyncIntervalSeconds) * time.Second
}
func (c *Config) TokenRefreshInterval() time.Duration {
	return time.Duration(c.TokenRefreshIntervalSeconds) * time.Second
}
func (c *Config) TokenSkew() time.Duration { return time.Duration(c.TokenSkewSeconds) * time.Second }
func (c *Config) TokenRefreshInitialDelay() time.Duration {
	return time.Duration(c.TokenRefreshInitialDelayMS) * time.Millisecond
}
func (c *Config) LeaseTTL() time.Duration { return time.Duration(c.LeaseTTLSeconds) * time.Second }
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}
func (c *Config) ElectionTimeout() time.Duration {
	return time.Duration(c.ElectionTimeoutSeconds) * time.Second
}
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
func (c *Config) ContainerStopGrace() time.Duration {
	return time.Duration(c.ContainerStopGraceSeconds) * time.Second
}
