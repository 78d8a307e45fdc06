package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "/etc/bottle-gateway/gateway.yaml"

	defaultGrantSeconds     = 300
	defaultRetentionSeconds = 3600
)

// Load reads the YAML file at path, overlays BOTTLEGATE_* environment
// variables and fills defaults. A missing file is not an error: the kiosk
// can run on defaults plus env.
func Load(path string) (*Config, error) {
	var cfg Config

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.Name == "" {
		cfg.Gateway.Name = "bottle-gateway"
	}
	if cfg.Gateway.Env == "" {
		cfg.Gateway.Env = "production"
	}
	if cfg.Gateway.Bind.Port == 0 {
		cfg.Gateway.Bind.Port = 8080
	}
	if cfg.Grant.DurationSeconds == 0 {
		cfg.Grant.DurationSeconds = defaultGrantSeconds
	}
	if cfg.Grant.RetentionSeconds == 0 {
		cfg.Grant.RetentionSeconds = defaultRetentionSeconds
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "/var/lib/bottle-gateway/device_sessions.json"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "bottlegate:"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if len(cfg.Sensor.Command) == 0 {
		cfg.Sensor.Command = []string{"python3", "/opt/bottle-gateway/read_ir_sensor.py"}
	}
	if cfg.Sensor.Timeout == 0 {
		cfg.Sensor.Timeout = 5 * time.Second
	}
	if len(cfg.Enforcer.Command) == 0 {
		cfg.Enforcer.Command = []string{"python3", "/opt/bottle-gateway/wifi_control.py"}
	}
	if cfg.Enforcer.Timeout == 0 {
		cfg.Enforcer.Timeout = 5 * time.Second
	}
	if cfg.Identity.ARPTable == "" {
		cfg.Identity.ARPTable = "/proc/net/arp"
	}
	if len(cfg.Identity.IPNeigh) == 0 {
		cfg.Identity.IPNeigh = []string{"ip", "neigh", "show"}
	}
	if cfg.Audit.RecyclingPath == "" {
		cfg.Audit.RecyclingPath = "/var/lib/bottle-gateway/recycling_data.jsonl"
	}
	if cfg.Accounting.Timeout == 0 {
		cfg.Accounting.Timeout = 3 * time.Second
	}
	if cfg.Accounting.NASID == "" {
		cfg.Accounting.NASID = cfg.Gateway.Name
	}
	if cfg.Admin.Username == "" {
		cfg.Admin.Username = "admin"
	}
	if cfg.Admin.TokenTTL == 0 {
		cfg.Admin.TokenTTL = 8 * time.Hour
	}
}

func (c *Config) Validate() error {
	if c.Grant.DurationSeconds < 0 {
		return fmt.Errorf("grant.duration_seconds must be positive")
	}
	if c.Grant.RetentionSeconds < 0 {
		return fmt.Errorf("grant.retention_seconds must not be negative")
	}
	switch c.Store.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("store.backend %q: want file or redis", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Redis.Host == "" {
		return fmt.Errorf("redis.host must be set for the redis store")
	}
	if c.Accounting.Enabled && c.Accounting.Server == "" {
		return fmt.Errorf("accounting.server must be set when accounting is enabled")
	}
	return nil
}

// Resolve "env:XXX" to actual secret.
func ResolveSecret(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty secret_ref")
	}
	if strings.HasPrefix(ref, "env:") {
		key := strings.TrimPrefix(ref, "env:")
		v := os.Getenv(key)
		if v == "" {
			return "", fmt.Errorf("env %s is empty", key)
		}
		return v, nil
	}
	// future extension: file:/path
	return ref, nil
}
