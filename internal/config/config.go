// Package config loads AgentCom's hub configuration. Boot loading follows
// the teacher's main.go idiom (godotenv.Load, then os.Getenv with
// defaults); an optional YAML file layered on top follows the same
// gopkg.in/yaml.v3 dependency the teacher's config package already pulls
// in for structured settings, rather than growing a second ad hoc env-var
// surface for every new knob.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is every tunable the hub process needs at boot. Fields map to
// spec.md's suggested defaults (reaper interval, heartbeat timeout, rate
// limiter capacities) plus the ambient HTTP/storage settings every AgentCom
// deployment needs regardless of domain specifics.
type Config struct {
	DataDir string `yaml:"data_dir"`
	HTTPAddr string `yaml:"http_addr"`

	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeoutMultiple int          `yaml:"heartbeat_timeout_multiple"`

	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	ReaperOfflineGrace time.Duration `yaml:"reaper_offline_grace"`
	ReaperBucketIdleTTL time.Duration `yaml:"reaper_bucket_idle_ttl"`

	SchedulerTickInterval time.Duration `yaml:"scheduler_tick_interval"`
	HubTickInterval       time.Duration `yaml:"hub_tick_interval"`

	BackupCron     string `yaml:"backup_cron"`
	RetainDaily    int    `yaml:"retain_daily"`
	RetainWeekly   int    `yaml:"retain_weekly"`
	RetainMonthly  int    `yaml:"retain_monthly"`

	TokenTTL time.Duration `yaml:"token_ttl"`

	GitHubWebhookSecret string `yaml:"-"` // secret: env only, never written to a config file on disk
}

// Default returns spec.md's suggested defaults.
func Default() Config {
	return Config{
		DataDir:  "./data",
		HTTPAddr: ":8080",

		HeartbeatInterval:        15 * time.Second,
		HeartbeatTimeoutMultiple: 4,

		ReaperInterval:      10 * time.Second,
		ReaperOfflineGrace:  5 * time.Minute,
		ReaperBucketIdleTTL: 30 * time.Minute,

		SchedulerTickInterval: 2 * time.Second,
		HubTickInterval:       time.Second,

		BackupCron:    "@every 1h",
		RetainDaily:   7,
		RetainWeekly:  4,
		RetainMonthly: 12,

		TokenTTL: 30 * 24 * time.Hour,
	}
}

// Load builds a Config starting from defaults, loading a .env file if
// present (ignored if missing — godotenv.Load's error is non-fatal exactly
// as in the teacher's main.go), then a YAML file at yamlPath if non-empty,
// then env-var overrides, which always win.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	_ = godotenv.Load() // best-effort; absence is normal outside local dev

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: reading %s: %w", yamlPath, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.GitHubWebhookSecret = os.Getenv("GITHUB_WEBHOOK_SECRET")

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("BACKUP_CRON"); v != "" {
		cfg.BackupCron = v
	}
	if v, ok := envDuration("HEARTBEAT_INTERVAL"); ok {
		cfg.HeartbeatInterval = v
	}
	if v, ok := envInt("HEARTBEAT_TIMEOUT_MULTIPLE"); ok {
		cfg.HeartbeatTimeoutMultiple = v
	}
	if v, ok := envDuration("REAPER_INTERVAL"); ok {
		cfg.ReaperInterval = v
	}
	if v, ok := envDuration("REAPER_OFFLINE_GRACE"); ok {
		cfg.ReaperOfflineGrace = v
	}
	if v, ok := envDuration("REAPER_BUCKET_IDLE_TTL"); ok {
		cfg.ReaperBucketIdleTTL = v
	}
	if v, ok := envDuration("SCHEDULER_TICK_INTERVAL"); ok {
		cfg.SchedulerTickInterval = v
	}
	if v, ok := envDuration("HUB_TICK_INTERVAL"); ok {
		cfg.HubTickInterval = v
	}
	if v, ok := envInt("RETAIN_DAILY"); ok {
		cfg.RetainDaily = v
	}
	if v, ok := envInt("RETAIN_WEEKLY"); ok {
		cfg.RetainWeekly = v
	}
	if v, ok := envInt("RETAIN_MONTHLY"); ok {
		cfg.RetainMonthly = v
	}
	if v, ok := envDuration("TOKEN_TTL"); ok {
		cfg.TokenTTL = v
	}
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
