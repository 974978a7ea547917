package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.BindAddr)
	assert.Equal(t, 90, cfg.Storage.RetentionDays)
	assert.Equal(t, 7, cfg.Storage.CompressAfterDays)
	assert.Equal(t, "10m", cfg.Storage.RollupInterval)
	assert.Equal(t, 300, cfg.Alerting.DefaultCooldownSeconds)
	assert.Equal(t, "5s", cfg.Notification.Timeout)
	assert.Equal(t, "24h", cfg.Ingest.MaxFutureSkew)
	assert.Equal(t, 256, cfg.Hub.BufferSize)
	assert.NotNil(t, cfg.Notification.Channels)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RETENTION_DAYS", "30")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Storage.RetentionDays)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Hub.AllowedOrigins)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"server": {"bindAddr": ":9090"},
		"storage": {"retentionDays": 14},
		"notification": {"channels": {"ops-mail": {"type": "email", "smtpHost": "smtp.example.com", "smtpPort": 587, "to": ["ops@example.com"]}}}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.BindAddr)
	assert.Equal(t, 14, cfg.Storage.RetentionDays)
	// omitted values keep their defaults
	assert.Equal(t, 7, cfg.Storage.CompressAfterDays)
	ch, ok := cfg.Notification.Channels["ops-mail"]
	require.True(t, ok)
	assert.Equal(t, "email", ch.Type)
	assert.Equal(t, 587, ch.SMTPPort)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "perf", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=perf sslmode=disable", c.DSN())
}
