package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sha256/v1", cfg.Audit.HashVersion)
	assert.Equal(t, 5*time.Minute, cfg.Audit.VerifyInterval.Std())
	assert.Empty(t, cfg.Database.URL)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  write_timeout: 2m
database:
  url: postgres://localhost/audit
redis:
  enabled: true
  addr: localhost:6379
  stats_ttl: 45s
audit:
  hash_version: sha3-256/v1
  mirror_path: /var/log/audit/mirror.jsonl
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Server.WriteTimeout.Std())
	assert.Equal(t, "postgres://localhost/audit", cfg.Database.URL)
	assert.Equal(t, 45*time.Second, cfg.Redis.StatsTTL.Std())
	assert.Equal(t, "sha3-256/v1", cfg.Audit.HashVersion)
	assert.Equal(t, "/var/log/audit/mirror.jsonl", cfg.Audit.MirrorPath)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Unset fields keep their defaults.
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUDIT_DATABASE_URL", "postgres://prod/audit")
	t.Setenv("AUDIT_JWT_SECRET", "prod-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://prod/audit", cfg.Database.URL)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "prod-secret", cfg.Auth.JWTSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	bad := Default()
	bad.Server.Port = 0
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Audit.HashVersion = "md5/v1"
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Auth.Enabled = true
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Redis.Enabled = true
	assert.Error(t, bad.Validate())
}

func TestDuration_UnmarshalRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  read_timeout: soon\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
