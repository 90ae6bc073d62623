package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the gateway server. Values come
// from an optional YAML file, overridden by environment variables, overridden
// by command-line flags.
type Config struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`

	// APIKey protects the /v1 surface when set. Empty disables auth.
	APIKey string `yaml:"api_key"`

	// CredentialFile overrides the default account store location.
	CredentialFile string `yaml:"credential_file"`

	// StatsDB overrides the default usage-stats database location. Empty
	// disables stats collection.
	StatsDB string `yaml:"stats_db"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional signature-cache backend. When Addr is
// empty the cache stays purely in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DefaultConfig returns a Config with built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           8787,
		CredentialFile: CredentialFilePath(),
		StatsDB:        StatsDBPath(),
	}
}

// LoadConfig reads the YAML file at path (when non-empty) on top of the
// defaults, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KRAKEN_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("KRAKEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("KRAKEN_DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
	if v := os.Getenv("KRAKEN_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("KRAKEN_CREDENTIAL_FILE"); v != "" {
		c.CredentialFile = v
	}
	if v := os.Getenv("KRAKEN_STATS_DB"); v != "" {
		c.StatsDB = v
	}
	if v := os.Getenv("KRAKEN_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("KRAKEN_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("KRAKEN_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
}

// ListenAddr returns the host:port pair the server binds
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
