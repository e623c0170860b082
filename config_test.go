package kdsrelay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPackage, cfg.Package)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "Asia/Seoul", cfg.TimeZone)
	assert.Equal(t, "https://api.github.com", cfg.SecondaryBaseURL)
	assert.Equal(t, 10*time.Second, cfg.SecondaryMinInterval)
	assert.Equal(t, "kds_push", cfg.PushTopic)
	assert.Equal(t, "https://oauth2.googleapis.com/token", cfg.PushTokenURL)
	assert.Equal(t, 10*time.Second, cfg.UpdateReconnectDelay)
	assert.Equal(t, int64(100*1024), cfg.UpdateMinSize)
	assert.Equal(t, 4, cfg.DispatchConcurrency)

	// No primary endpoint by default.
	assert.EqualError(t, cfg.Validate(), "PrimaryBaseURL required")
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kdsrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
heartbeat_interval: 45s
primary:
  base_url: https://kds.example.firebasedatabase.app
push:
  project_id: kitchen
  service_account: /etc/kdsrelay/sa.json
update:
  min_size: 2048
`), 0o600))
	t.Setenv("KDSRELAY_PUSH_TOPIC", "kds_test")
	t.Setenv("KDSRELAY_HEARTBEAT_INTERVAL", "20s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://kds.example.firebasedatabase.app", cfg.PrimaryBaseURL)
	assert.Equal(t, "kitchen", cfg.PushProjectID)
	assert.Equal(t, "kds_test", cfg.PushTopic)
	assert.Equal(t, 20*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, int64(2048), cfg.UpdateMinSize)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"no snapshot", func(c *Config) { c.SnapshotPath = "" }, "SnapshotPath required"},
		{"no settings", func(c *Config) { c.SettingsPath = "" }, "SettingsPath required"},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, "HeartbeatInterval required (must be > 0)"},
		{"push without key", func(c *Config) { c.PushProjectID = "kitchen" }, "PushServiceAccount required when PushProjectID is set"},
		{"no concurrency", func(c *Config) { c.DispatchConcurrency = 0 }, "DispatchConcurrency required (must be > 0)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.want)
		})
	}
}

func TestConfigLocationFallsBack(t *testing.T) {
	assert.Equal(t, time.Local, Config{TimeZone: "Not/AZone"}.Location())
	assert.Equal(t, "UTC", Config{TimeZone: "UTC"}.Location().String())
}
