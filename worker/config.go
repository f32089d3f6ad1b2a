package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/platform/env"
	"gopkg.in/yaml.v3"
)

// Config drives one worker process. Values come from defaults, then an
// optional YAML file, then environment overrides, in that order.
type Config struct {
	ControlPlaneURL   string        `yaml:"control_plane_url"`
	WorkerID          string        `yaml:"worker_id"`
	TenantID          string        `yaml:"tenant_id"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ErrorBackoff      time.Duration `yaml:"error_backoff"`
}

func defaultConfig() Config {
	return Config{
		ControlPlaneURL:   "http://localhost:8080",
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		RequestTimeout:    30 * time.Second,
		ErrorBackoff:      5 * time.Second,
	}
}

func LoadConfig() (Config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(env.String("WORKER_CONFIG_FILE", "")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ControlPlaneURL = env.String("WORKER_CONTROL_PLANE_URL", cfg.ControlPlaneURL)
	cfg.WorkerID = env.String("WORKER_ID", cfg.WorkerID)
	cfg.TenantID = env.String("WORKER_TENANT_ID", cfg.TenantID)

	var err error
	if cfg.PollInterval, err = env.Duration("WORKER_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = env.Duration("WORKER_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = env.Duration("WORKER_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ErrorBackoff, err = env.Duration("WORKER_ERROR_BACKOFF", cfg.ErrorBackoff); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.WorkerID) == "" {
		host, hostErr := os.Hostname()
		if hostErr != nil || strings.TrimSpace(host) == "" {
			return Config{}, errors.New("WORKER_ID is required when the hostname is unavailable")
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ControlPlaneURL) == "" {
		return errors.New("control plane url is required")
	}
	if strings.TrimSpace(c.WorkerID) == "" {
		return errors.New("worker id is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.ErrorBackoff <= 0 {
		return errors.New("error backoff must be positive")
	}
	return nil
}
