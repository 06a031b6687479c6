package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables that override the file. Secrets normally live in
// .env rather than the JSON file.
const (
	EnvWebhookURL     = "LCD_WEBHOOK_URL"
	EnvTelegramToken  = "LCD_TELEGRAM_TOKEN"
	EnvTelegramChatID = "LCD_TELEGRAM_CHAT_ID"
	EnvJWTSecret      = "LCD_JWT_SECRET"
	EnvInventoryPath  = "LCD_INVENTORY_PATH"
	EnvDBPath         = "LCD_DB_PATH"
)

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// APIConfig defines the control API surface
type APIConfig struct {
	JWTSecret      string   `json:"jwt_secret,omitempty"` // Empty disables bearer auth
	AllowedOrigins []string `json:"allowed_origins"`
	CacheMaxItems  int64    `json:"cache_max_items"` // Latest-telemetry cache size
}

// InventoryConfig names the roster workbook and its sheets
type InventoryConfig struct {
	Path             string   `json:"path"`
	MachineSheets    []string `json:"machine_sheets"` // Empty = every non-lookup sheet
	PoolSheet        string   `json:"pool_sheet"`
	AccountTimeSheet string   `json:"account_time_sheet"`
	PerfTimeSheet    string   `json:"perf_time_sheet"`
}

// SwitchConfig controls the periodic account switch
type SwitchConfig struct {
	Enabled        bool          `json:"enabled"`
	Interval       time.Duration `json:"interval"`
	AlertThreshold int           `json:"alert_threshold"` // Consecutive failures before alerting
	Concurrency    int           `json:"concurrency"`     // 0 = one goroutine per device
}

// WatchConfig controls periodic telemetry polling
type WatchConfig struct {
	Enabled      bool          `json:"enabled"`
	Interval     time.Duration `json:"interval"`
	Timeout      time.Duration `json:"timeout"`
	IPs          []string      `json:"ips"`           // Empty = every device seen by a scan
	KnownDevices bool          `json:"known_devices"` // Also poll devices stored from scans
}

// MinerConfig holds device protocol settings
type MinerConfig struct {
	AntUsername    string        `json:"ant_username"`
	AntPassword    string        `json:"ant_password"`
	AvalonPort     int           `json:"avalon_port"`
	AvalonUsername string        `json:"avalon_username"`
	AvalonPassword string        `json:"avalon_password"`
	CommandTimeout time.Duration `json:"command_timeout"`
	ProbeTimeout   time.Duration `json:"probe_timeout"`
	PingTimeout    time.Duration `json:"ping_timeout"`
	PingPrivileged bool          `json:"ping_privileged"` // Raw ICMP sockets need CAP_NET_RAW
}

// AlertConfig defines where unreachable-device alerts go
type AlertConfig struct {
	Enabled        bool   `json:"enabled"`
	WebhookURL     string `json:"webhook_url,omitempty"`
	WebhookFormat  string `json:"webhook_format"` // feishu or discord
	TelegramToken  string `json:"telegram_token,omitempty"`
	TelegramChatID string `json:"telegram_chat_id,omitempty"`
}

// RetentionConfig defines data retention policies
type RetentionConfig struct {
	RecordRetentionDays int           `json:"record_retention_days"` // 0 keeps records forever
	PurgeInterval       time.Duration `json:"purge_interval"`
}

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `json:"server"`
	API       APIConfig       `json:"api"`
	Inventory InventoryConfig `json:"inventory"`
	Switch    SwitchConfig    `json:"switch"`
	Watch     WatchConfig     `json:"watch"`
	Miner     MinerConfig     `json:"miner"`
	Alerts    AlertConfig     `json:"alerts"`
	Retention RetentionConfig `json:"retention"`
	DBPath    string          `json:"db_path"`
	LogLevel  string          `json:"log_level"`
	LogDev    bool            `json:"log_dev"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		API: APIConfig{
			AllowedOrigins: []string{"*"},
			CacheMaxItems:  4096,
		},
		Inventory: InventoryConfig{
			Path:             "/data/fleet.xlsx",
			MachineSheets:    []string{},
			PoolSheet:        "pools",
			AccountTimeSheet: "account_time",
			PerfTimeSheet:    "perf_time",
		},
		Switch: SwitchConfig{
			Enabled:        true,
			Interval:       5 * time.Minute,
			AlertThreshold: 3,
		},
		Watch: WatchConfig{
			Enabled:      true,
			Interval:     time.Minute,
			Timeout:      5 * time.Second,
			IPs:          []string{},
			KnownDevices: true,
		},
		Miner: MinerConfig{
			AntUsername:    "root",
			AntPassword:    "root",
			AvalonPort:     4028,
			AvalonUsername: "root",
			AvalonPassword: "root",
			CommandTimeout: 3 * time.Second,
			ProbeTimeout:   3 * time.Second,
			PingTimeout:    time.Second,
		},
		Alerts: AlertConfig{
			Enabled:       true,
			WebhookFormat: "feishu",
		},
		Retention: RetentionConfig{
			RecordRetentionDays: 30,
			PurgeInterval:       6 * time.Hour,
		},
		DBPath:   "/data/lcd.db",
		LogLevel: "info",
	}
}

// Load reads configuration from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return config, nil
}

// LoadWithEnv loads path when it exists, falls back to defaults when it
// does not, then applies .env and environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	config, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		config, err = DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}

	// .env is optional
	_ = godotenv.Load()
	config.ApplyEnv()

	return config, config.Validate()
}

// ApplyEnv overrides file values with any non-empty LCD_* variables.
func (c *Config) ApplyEnv() {
	setFromEnv(&c.Alerts.WebhookURL, EnvWebhookURL)
	setFromEnv(&c.Alerts.TelegramToken, EnvTelegramToken)
	setFromEnv(&c.Alerts.TelegramChatID, EnvTelegramChatID)
	setFromEnv(&c.API.JWTSecret, EnvJWTSecret)
	setFromEnv(&c.Inventory.Path, EnvInventoryPath)
	setFromEnv(&c.DBPath, EnvDBPath)
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Miner.AvalonPort <= 0 || c.Miner.AvalonPort > 65535 {
		errs = append(errs, fmt.Errorf("miner.avalon_port %d out of range", c.Miner.AvalonPort))
	}
	if c.Switch.Enabled && c.Switch.Interval <= 0 {
		errs = append(errs, errors.New("switch.interval must be positive"))
	}
	if c.Watch.Enabled && c.Watch.Interval <= 0 {
		errs = append(errs, errors.New("watch.interval must be positive"))
	}
	if c.Switch.AlertThreshold < 1 {
		errs = append(errs, errors.New("switch.alert_threshold must be at least 1"))
	}
	switch c.Alerts.WebhookFormat {
	case "", "feishu", "discord":
	default:
		errs = append(errs, fmt.Errorf("alerts.webhook_format %q is not feishu or discord", c.Alerts.WebhookFormat))
	}
	return errors.Join(errs...)
}

// Save writes configuration to a JSON file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
