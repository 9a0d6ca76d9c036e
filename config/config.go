/*
Package config loads engine settings.

PRECEDENCE (lowest to highest):
  1. Defaults
  2. YAML file named by SWAP_CONFIG_FILE (optional)
  3. Environment variables
  4. Command-line flags (applied by cmd/server)

ENVIRONMENT:
  PORT, DATABASE_PATH, JWT_SECRET, DEV_SCENARIOS
  AMQP_URL, AMQP_QUEUE
  REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, REDIS_TLS
  SWEEP_ENABLED, SWEEP_INTERVAL, SWEEP_NO_SHOW_GRACE, SWEEP_INSTANT_EXPIRY,
  SWEEP_REMINDER_LEADS (comma separated), SWEEP_REMINDER_WINDOW, SWEEP_BATCH_LIMIT
  NOTIFY_TIMEOUT
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/warp/swap-engine/swap"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Redis    RedisConfig    `yaml:"redis"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	DevScenarios bool   `yaml:"dev_scenarios"`
}

// AMQPConfig enables the RabbitMQ notifier when URL is set.
type AMQPConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// RedisConfig enables the shared reminder log when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
}

type SweepConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Interval       time.Duration   `yaml:"interval"`
	NoShowGrace    time.Duration   `yaml:"no_show_grace"`
	InstantExpiry  time.Duration   `yaml:"instant_expiry"`
	ReminderLeads  []time.Duration `yaml:"reminder_leads"`
	ReminderWindow time.Duration   `yaml:"reminder_window"`
	BatchLimit     int             `yaml:"batch_limit"`
}

// Engine converts the settings into the sweeper's configuration.
func (c SweepConfig) Engine() swap.SweepConfig {
	return swap.SweepConfig{
		NoShowGrace:    c.NoShowGrace,
		InstantExpiry:  c.InstantExpiry,
		ReminderLeads:  append([]time.Duration(nil), c.ReminderLeads...),
		ReminderWindow: c.ReminderWindow,
		BatchLimit:     c.BatchLimit,
	}
}

type NotifyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	sweep := swap.DefaultSweepConfig()
	return &Config{
		Server:   ServerConfig{Port: 8080, CORSOrigins: []string{"*"}},
		Database: DatabaseConfig{Path: "./data/swap.db"},
		Auth:     AuthConfig{JWTSecret: "dev-secret-change-me", DevScenarios: true},
		AMQP:     AMQPConfig{Queue: "swap.notifications"},
		Redis:    RedisConfig{},
		Sweep: SweepConfig{
			Enabled:        true,
			Interval:       5 * time.Minute,
			NoShowGrace:    sweep.NoShowGrace,
			InstantExpiry:  sweep.InstantExpiry,
			ReminderLeads:  sweep.ReminderLeads,
			ReminderWindow: sweep.ReminderWindow,
			BatchLimit:     sweep.BatchLimit,
		},
		Notify: NotifyConfig{Timeout: 5 * time.Second},
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("SWAP_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("unable to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unable to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Database.Path = getEnvString("DATABASE_PATH", c.Database.Path)
	c.Auth.JWTSecret = getEnvString("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.DevScenarios = getEnvBool("DEV_SCENARIOS", c.Auth.DevScenarios)

	c.AMQP.URL = getEnvString("AMQP_URL", getEnvString("RABBITMQ_URL", c.AMQP.URL))
	c.AMQP.Queue = getEnvString("AMQP_QUEUE", c.AMQP.Queue)

	c.Redis.Addr = getEnvString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvString("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.TLS = getEnvBool("REDIS_TLS", c.Redis.TLS)

	c.Sweep.Enabled = getEnvBool("SWEEP_ENABLED", c.Sweep.Enabled)
	c.Sweep.BatchLimit = getEnvInt("SWEEP_BATCH_LIMIT", c.Sweep.BatchLimit)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SWEEP_INTERVAL", &c.Sweep.Interval},
		{"SWEEP_NO_SHOW_GRACE", &c.Sweep.NoShowGrace},
		{"SWEEP_INSTANT_EXPIRY", &c.Sweep.InstantExpiry},
		{"SWEEP_REMINDER_WINDOW", &c.Sweep.ReminderWindow},
		{"NOTIFY_TIMEOUT", &c.Notify.Timeout},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}

	if c.Sweep.ReminderLeads, err = getEnvDurations("SWEEP_REMINDER_LEADS", c.Sweep.ReminderLeads); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Sweep.Interval)
	}
	if c.Sweep.NoShowGrace <= 0 || c.Sweep.InstantExpiry <= 0 {
		return fmt.Errorf("sweep grace periods must be positive")
	}
	for _, lead := range c.Sweep.ReminderLeads {
		if lead <= c.Sweep.ReminderWindow {
			return fmt.Errorf("reminder lead %s must exceed the window %s", lead, c.Sweep.ReminderWindow)
		}
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDurations(key string, defaultValue []time.Duration) ([]time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid duration list for %s: %q (%w)", key, value, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
