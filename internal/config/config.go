// Package config loads the audit server configuration from YAML with
// environment overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/civicgov/audit-trail/internal/audit"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the config duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration.
type Config struct {
	Server struct {
		Port         int      `yaml:"port"`
		ReadTimeout  Duration `yaml:"read_timeout"`
		WriteTimeout Duration `yaml:"write_timeout"`
		IdleTimeout  Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Database struct {
		// URL is the postgres DSN. Empty selects the in-memory store
		// (development only; the trail does not survive restarts).
		URL          string `yaml:"url"`
		MaxOpenConns int    `yaml:"max_open_conns"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
	} `yaml:"database"`

	Redis struct {
		Enabled  bool     `yaml:"enabled"`
		Addr     string   `yaml:"addr"`
		Password string   `yaml:"password"`
		DB       int      `yaml:"db"`
		StatsTTL Duration `yaml:"stats_ttl"`
	} `yaml:"redis"`

	Audit struct {
		HashVersion     string `yaml:"hash_version"`
		MirrorPath      string `yaml:"mirror_path"`
		MirrorMaxSizeMB int    `yaml:"mirror_max_size_mb"`
		MirrorMaxAge    int    `yaml:"mirror_max_age_days"`
		MirrorBackups   int    `yaml:"mirror_max_backups"`
		// VerifyInterval schedules the periodic incremental tail check.
		// Zero disables it.
		VerifyInterval Duration `yaml:"verify_interval"`
	} `yaml:"audit"`

	Auth struct {
		Enabled   bool   `yaml:"enabled"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = Duration(15 * time.Second)
	cfg.Server.WriteTimeout = Duration(60 * time.Second) // exports can be large
	cfg.Server.IdleTimeout = Duration(60 * time.Second)
	cfg.Database.MaxOpenConns = 25
	cfg.Database.MaxIdleConns = 5
	cfg.Redis.StatsTTL = Duration(30 * time.Second)
	cfg.Audit.HashVersion = audit.DefaultHashVersion
	cfg.Audit.MirrorMaxSizeMB = 100
	cfg.Audit.MirrorMaxAge = 30
	cfg.Audit.MirrorBackups = 10
	cfg.Audit.VerifyInterval = Duration(5 * time.Minute)
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load reads the YAML file at path (optional), then applies environment
// overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployments inject secrets without writing them to disk.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AUDIT_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("AUDIT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("AUDIT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AUDIT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
		cfg.Auth.Enabled = true
	}
}

// Validate rejects configurations that cannot serve.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Audit.HashVersion {
	case audit.HashVersionSHA256, audit.HashVersionSHA3:
	default:
		return fmt.Errorf("unknown hash version %q", c.Audit.HashVersion)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth enabled but no JWT secret configured")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis enabled but no address configured")
	}
	return nil
}
