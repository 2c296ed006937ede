// Package config loads the agentflow YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentflow/internal/domain"
)

var ErrConfigNotFound = errors.New("config not found")

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Handlers  HandlersConfig  `yaml:"handlers"`
	Notify    NotifyConfig    `yaml:"notify"`
	Agents    []string        `yaml:"agents"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type SchedulerConfig struct {
	Interval           time.Duration `yaml:"interval"`
	MaxConcurrentPolls int           `yaml:"max_concurrent_polls"`
}

type RetryConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxRetries int           `yaml:"max_retries"`
}

type HandlersConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// Enabled lists the built-in actions to register. Empty registers all of them.
	Enabled []string `yaml:"enabled"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Default() Config {
	return Config{
		Server:    ServerConfig{Addr: ":8080"},
		Storage:   StorageConfig{Driver: "sqlite", Path: "agentflow.db"},
		Scheduler: SchedulerConfig{Interval: 2 * time.Minute, MaxConcurrentPolls: 4},
		Retry:     RetryConfig{BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute, MaxRetries: 3},
		Handlers:  HandlersConfig{Timeout: 5 * time.Minute},
		Agents:    []string{"default"},
		Log:       LogConfig{Level: "info", Pretty: true},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("%s: %w", path, ErrConfigNotFound)
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, &domain.ValidationError{Field: "server.addr", Reason: "is required"})
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, &domain.ValidationError{Field: "storage.path", Reason: "is required for sqlite"})
		}
	default:
		errs = append(errs, &domain.ValidationError{Field: "storage.driver", Reason: fmt.Sprintf("unknown driver %q", c.Storage.Driver)})
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, &domain.ValidationError{Field: "scheduler.interval", Reason: "must be positive"})
	}
	if c.Scheduler.MaxConcurrentPolls < 1 {
		errs = append(errs, &domain.ValidationError{Field: "scheduler.max_concurrent_polls", Reason: "must be at least 1"})
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, &domain.ValidationError{Field: "retry.base_delay", Reason: "must be positive"})
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, &domain.ValidationError{Field: "retry.max_delay", Reason: "must not be below base_delay"})
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, &domain.ValidationError{Field: "retry.max_retries", Reason: "must not be negative"})
	}
	if c.Handlers.Timeout <= 0 {
		errs = append(errs, &domain.ValidationError{Field: "handlers.timeout", Reason: "must be positive"})
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, id := range c.Agents {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, &domain.ValidationError{Field: "agents", Reason: "agent id must not be empty"})
			continue
		}
		if seen[id] {
			errs = append(errs, &domain.ValidationError{Field: "agents", Reason: fmt.Sprintf("duplicate agent id %q", id)})
		}
		seen[id] = true
	}
	return errors.Join(errs...)
}
