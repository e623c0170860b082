package kdsrelay

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPackage is the observed kitchen-display application.
const DefaultPackage = "com.foodtechkorea.mate_kds"

// Config holds relay configuration. Endpoints have no defaults; an empty
// secondary, push or update endpoint disables that feature.
type Config struct {
	Package           string        // observed application identity
	SnapshotPath      string        // UI tree snapshot written by the capture agent
	SettingsPath      string        // key-value settings file
	LogPath           string        // journal file mirror ("" = disabled)
	HeartbeatInterval time.Duration // republish cadence
	TimeZone          string        // zone for published timestamps

	PrimaryBaseURL string // Realtime Database root, e.g. "https://<db>.firebasedatabase.app"

	SecondaryBaseURL     string
	SecondaryConfigURL   string // remote JSON with gist_id and github_token
	SecondaryMinInterval time.Duration

	PushProjectID      string
	PushTopic          string
	PushServiceAccount string // path to the service-account key file
	PushTokenURL       string

	UpdateCurrentVersion string
	UpdateDescriptorURL  string
	UpdateStreamURL      string
	UpdatePollInterval   time.Duration
	UpdateReconnectDelay time.Duration
	UpdateMinSize        int64
	UpdateDownloadDir    string
	UpdateInstallCommand string

	CAPath              string // extra PEM bundle for self-hosted endpoints
	MetricsAddr         string
	DispatchConcurrency int
}

// Validate checks the fields the relay cannot run without.
func (c Config) Validate() error {
	if c.Package == "" {
		return fmt.Errorf("Package required")
	}
	if c.SnapshotPath == "" {
		return fmt.Errorf("SnapshotPath required")
	}
	if c.SettingsPath == "" {
		return fmt.Errorf("SettingsPath required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HeartbeatInterval required (must be > 0)")
	}
	if c.PrimaryBaseURL == "" {
		return fmt.Errorf("PrimaryBaseURL required")
	}
	if c.PushProjectID != "" && c.PushServiceAccount == "" {
		return fmt.Errorf("PushServiceAccount required when PushProjectID is set")
	}
	if c.DispatchConcurrency <= 0 {
		return fmt.Errorf("DispatchConcurrency required (must be > 0)")
	}
	return nil
}

// Location resolves TimeZone, falling back to the local zone.
func (c Config) Location() *time.Location {
	if c.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("package", DefaultPackage)
	v.SetDefault("snapshot_path", "/var/lib/kdsrelay/snapshot.json")
	v.SetDefault("settings_path", "/var/lib/kdsrelay/settings.json")
	v.SetDefault("log_path", "/var/lib/kdsrelay/kds_log.txt")
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("time_zone", "Asia/Seoul")

	v.SetDefault("primary.base_url", "")

	v.SetDefault("secondary.base_url", "https://api.github.com")
	v.SetDefault("secondary.config_url", "")
	v.SetDefault("secondary.min_interval", 10*time.Second)

	v.SetDefault("push.project_id", "")
	v.SetDefault("push.topic", "kds_push")
	v.SetDefault("push.service_account", "")
	v.SetDefault("push.token_url", "https://oauth2.googleapis.com/token")

	v.SetDefault("update.current_version", "")
	v.SetDefault("update.descriptor_url", "")
	v.SetDefault("update.stream_url", "")
	v.SetDefault("update.poll_interval", time.Hour)
	v.SetDefault("update.reconnect_delay", 10*time.Second)
	v.SetDefault("update.min_size", 100*1024)
	v.SetDefault("update.download_dir", "")
	v.SetDefault("update.install_command", "")

	v.SetDefault("transport.ca_path", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("dispatch.concurrency", 4)
}

// LoadConfig reads an optional YAML file and KDSRELAY_* environment
// variables ("primary.base_url" -> KDSRELAY_PRIMARY_BASE_URL) over defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KDSRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Config{
		Package:           v.GetString("package"),
		SnapshotPath:      v.GetString("snapshot_path"),
		SettingsPath:      v.GetString("settings_path"),
		LogPath:           v.GetString("log_path"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		TimeZone:          v.GetString("time_zone"),

		PrimaryBaseURL: v.GetString("primary.base_url"),

		SecondaryBaseURL:     v.GetString("secondary.base_url"),
		SecondaryConfigURL:   v.GetString("secondary.config_url"),
		SecondaryMinInterval: v.GetDuration("secondary.min_interval"),

		PushProjectID:      v.GetString("push.project_id"),
		PushTopic:          v.GetString("push.topic"),
		PushServiceAccount: v.GetString("push.service_account"),
		PushTokenURL:       v.GetString("push.token_url"),

		UpdateCurrentVersion: v.GetString("update.current_version"),
		UpdateDescriptorURL:  v.GetString("update.descriptor_url"),
		UpdateStreamURL:      v.GetString("update.stream_url"),
		UpdatePollInterval:   v.GetDuration("update.poll_interval"),
		UpdateReconnectDelay: v.GetDuration("update.reconnect_delay"),
		UpdateMinSize:        v.GetInt64("update.min_size"),
		UpdateDownloadDir:    v.GetString("update.download_dir"),
		UpdateInstallCommand: v.GetString("update.install_command"),

		CAPath:              v.GetString("transport.ca_path"),
		MetricsAddr:         v.GetString("metrics.addr"),
		DispatchConcurrency: v.GetInt("dispatch.concurrency"),
	}
	return cfg, nil
}
