package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all gantry server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	SweepInterval string `json:"sweep_interval"`

	SlackWebhookURL     string `json:"slack_webhook_url"`
	PagerDutyRoutingKey string `json:"pagerduty_routing_key"`
	WebhookURL          string `json:"webhook_url"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4200",
		DBPath:        filepath.Join(gantryDir(), "gantry.db"),
		LogLevel:      "info",
		PoolSize:      8,
		SweepInterval: "30s",
	}
}

func gantryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gantry"
	}
	return filepath.Join(home, ".gantry")
}

func settingsPath() string {
	return filepath.Join(gantryDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GANTRY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GANTRY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GANTRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GANTRY_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("GANTRY_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("GANTRY_SLACK_WEBHOOK_URL"); v != "" {
		cfg.SlackWebhookURL = v
	}
	if v := os.Getenv("GANTRY_PAGERDUTY_ROUTING_KEY"); v != "" {
		cfg.PagerDutyRoutingKey = v
	}
	if v := os.Getenv("GANTRY_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}

	return cfg
}

func (c Config) sweepInterval() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
