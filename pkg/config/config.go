// Package config loads and validates agentpool's YAML configuration: pool
// sizing, container resource caps, timeouts, broker connection, and
// runtime (docker/containerd) options.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PoolConfig bounds how many containers the pool manager may keep warm or
// create in total and per agent.
type PoolConfig struct {
	MinWarm    int `yaml:"minWarm"`
	MaxTotal   int `yaml:"maxTotal"`
	MaxPerAgent int `yaml:"maxPerAgent"`
}

// ResourceConfig caps the resources given to each container.
type ResourceConfig struct {
	Memory    string `yaml:"memory"`
	CPUs      string `yaml:"cpus"`
	PidsLimit int    `yaml:"pidsLimit"`
}

// TimeoutConfig controls idle reap, max age, health cadence, and startup
// grace.
type TimeoutConfig struct {
	IdleMs          int `yaml:"idleMs"`
	MaxAgeMs        int `yaml:"maxAgeMs"`
	HealthIntervalMs int `yaml:"healthIntervalMs"`
	StartupMs       int `yaml:"startupMs"`
}

// RedisConfig is the broker connection.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// DockerConfig is the runtime-adapter's container creation defaults.
type DockerConfig struct {
	ContainerPrefix string            `yaml:"containerPrefix"`
	Network         string            `yaml:"network"`
	CapDrop         []string          `yaml:"capDrop"`
	SecurityOpts    []string          `yaml:"securityOpts"`
	Binds           []string          `yaml:"binds"`
	Env             map[string]string `yaml:"env"`
}

// Config is the recognized top-level configuration document (§6.6).
type Config struct {
	Enabled   bool           `yaml:"enabled"`
	Pool      PoolConfig     `yaml:"pool"`
	Image     string         `yaml:"image"`
	Resources ResourceConfig `yaml:"resources"`
	Timeouts  TimeoutConfig  `yaml:"timeouts"`
	Redis     RedisConfig    `yaml:"redis"`
	Docker    DockerConfig   `yaml:"docker"`
}

// Default returns a Config populated with the floor values the resource
// cap invariants require, suitable as a base before overlaying a loaded
// file.
func Default() *Config {
	return &Config{
		Enabled: true,
		Pool: PoolConfig{
			MinWarm:     1,
			MaxTotal:    4,
			MaxPerAgent: 2,
		},
		Image: "agentpool/sandbox:latest",
		Resources: ResourceConfig{
			Memory:    "512m",
			CPUs:      "1.0",
			PidsLimit: 64,
		},
		Timeouts: TimeoutConfig{
			IdleMs:           10 * 60 * 1000,
			MaxAgeMs:         60 * 60 * 1000,
			HealthIntervalMs: 5000,
			StartupMs:        10000,
		},
		Redis: RedisConfig{
			URL:       "redis://redis:6379",
			KeyPrefix: "agentpool:cc:",
		},
		Docker: DockerConfig{
			ContainerPrefix: "agentpool-cc-",
			Network:         "bridge",
		},
	}
}

// Load reads and parses a YAML configuration file, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, fmt.Errorf("config: %w", errs)
	}
	return cfg, nil
}
