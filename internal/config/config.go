// Package config provides YAML-based configuration loading for Converge.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Supported store drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the top-level Converge configuration, loaded from converge.yaml.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Relay     RelayConfig     `yaml:"relay"`
	Digest    DigestConfig    `yaml:"digest"`
	Search    SearchConfig    `yaml:"search"`
}

// StoreConfig selects and addresses the durable store.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite only
	SSLMode  string `yaml:"sslmode"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port         int `yaml:"port"`
	HeartbeatSec int `yaml:"heartbeat_sec"`
}

// BroadcastConfig tunes the session fan-out.
type BroadcastConfig struct {
	Buffer int         `yaml:"buffer"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig enables the cross-instance relay when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// RelayConfig holds outbound chat relay credentials.
type RelayConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Votes   bool          `yaml:"votes"`
}

type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether any relay platform is configured.
func (r RelayConfig) Enabled() bool {
	return r.Slack.BotToken != "" || r.Discord.BotToken != ""
}

// DigestConfig schedules the standings digest.
type DigestConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Cron      string `yaml:"cron"`
	WindowMin int    `yaml:"window_min"`
}

// SearchConfig addresses the search/lookup provider.
type SearchConfig struct {
	Endpoint  string  `yaml:"endpoint"`
	APIKey    string  `yaml:"api_key"`
	Locale    string  `yaml:"locale"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, then unmarshals YAML bytes into a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMySQL
	}
	switch c.Store.Driver {
	case DriverMySQL:
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
		if c.Store.User == "" {
			c.Store.User = "root"
		}
	case DriverPostgres:
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 5432
		}
		if c.Store.User == "" {
			c.Store.User = "postgres"
		}
		if c.Store.SSLMode == "" {
			c.Store.SSLMode = "disable"
		}
	case DriverSQLite:
		if c.Store.Path == "" {
			c.Store.Path = "converge.db"
		}
	}
	if c.Store.Database == "" && c.Store.Driver != DriverSQLite {
		c.Store.Database = "converge"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.HeartbeatSec == 0 {
		c.Server.HeartbeatSec = 15
	}
	if c.Broadcast.Buffer == 0 {
		c.Broadcast.Buffer = 256
	}
	if c.Broadcast.Redis.Prefix == "" {
		c.Broadcast.Redis.Prefix = "converge:"
	}
	if c.Digest.Cron == "" {
		c.Digest.Cron = "0 * * * *"
	}
	if c.Digest.WindowMin == 0 {
		c.Digest.WindowMin = 60
	}
	if c.Search.Endpoint == "" {
		c.Search.Endpoint = "https://api.yelp.com/ai/chat/v2"
	}
	if c.Search.Locale == "" {
		c.Search.Locale = "en_US"
	}
	if c.Search.Latitude == 0 && c.Search.Longitude == 0 {
		c.Search.Latitude = 30.2672
		c.Search.Longitude = -97.7431
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Store.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (mysql, postgres, sqlite)", c.Store.Driver))
	}
	if c.Store.Port < 0 || c.Store.Port > 65535 {
		errs = append(errs, "store.port must be between 0 and 65535")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if c.Server.HeartbeatSec < 0 {
		errs = append(errs, "server.heartbeat_sec must not be negative")
	}
	if c.Broadcast.Buffer < 0 {
		errs = append(errs, "broadcast.buffer must not be negative")
	}
	if c.Relay.Slack.BotToken != "" && c.Relay.Slack.ChannelID == "" {
		errs = append(errs, "relay.slack.channel_id is required when bot_token is set")
	}
	if c.Relay.Discord.BotToken != "" && c.Relay.Discord.ChannelID == "" {
		errs = append(errs, "relay.discord.channel_id is required when bot_token is set")
	}
	if c.Digest.Enabled {
		if _, err := cronParser.Parse(c.Digest.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("digest.cron %q is invalid: %v", c.Digest.Cron, err))
		}
	}
	if c.Digest.WindowMin < 0 {
		errs = append(errs, "digest.window_min must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// cronParser matches the 5-field expressions the digest scheduler accepts.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
