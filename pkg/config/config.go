package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env" toml:"env"`

	HTTP struct {
		Addr string `yaml:"addr" toml:"addr"`
	} `yaml:"http" toml:"http"`

	API struct {
		BaseURL string        `yaml:"base_url" toml:"base_url"`
		Timeout time.Duration `yaml:"timeout" toml:"timeout"`
		Token   string        `yaml:"token" toml:"token"`
	} `yaml:"api" toml:"api"`

	Database struct {
		URL string `yaml:"url" toml:"url"`
	} `yaml:"database" toml:"database"`

	// Redis, when Addr is set, holds the snapshot cache instead of the database.
	Redis struct {
		Addr     string `yaml:"addr" toml:"addr"`
		Password string `yaml:"password" toml:"password"`
		DB       int    `yaml:"db" toml:"db"`
		Prefix   string `yaml:"prefix" toml:"prefix"`
	} `yaml:"redis" toml:"redis"`

	Connectivity struct {
		ProbeURL string        `yaml:"probe_url" toml:"probe_url"` // defaults to the API base URL
		Interval time.Duration `yaml:"interval" toml:"interval"`
		Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
	} `yaml:"connectivity" toml:"connectivity"`

	Cache struct {
		Prefixes []string `yaml:"prefixes" toml:"prefixes"`
	} `yaml:"cache" toml:"cache"`

	Sync struct {
		OnReconnect bool `yaml:"on_reconnect" toml:"on_reconnect"`
	} `yaml:"sync" toml:"sync"`

	Log struct {
		Level       string `yaml:"level" toml:"level"`
		Development bool   `yaml:"development" toml:"development"`
	} `yaml:"log" toml:"log"`

	Otel struct {
		Stdout      bool    `yaml:"stdout" toml:"stdout"`
		SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
	} `yaml:"otel" toml:"otel"`
}

// Load reads comma-separated config files ("-c common.yml,device.toml"),
// later files overriding earlier ones. The format follows the extension:
// .toml for TOML, anything else YAML. An empty list loads defaults only.
// Environment variables override file values.
func Load(pathList string) (*Config, error) {
	var c Config
	c.Sync.OnReconnect = true
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := decodeFile(p, &c); err != nil {
			return nil, fmt.Errorf("config %s: %w", p, err)
		}
	}
	applyEnv(&c)
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeFile(path string, c *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err = toml.Decode(string(b), c)
		return err
	}
	return yaml.Unmarshal(b, c)
}

func applyEnv(c *Config) {
	if v := os.Getenv("PANTRYSYNC_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("PANTRYSYNC_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PANTRYSYNC_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PANTRYSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func applyDefaults(c *Config) {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8765"
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 15 * time.Second
	}
	if c.Database.URL == "" {
		c.Database.URL = "sqlite:file:pantrysync.db?_pragma=busy_timeout(5000)"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "pantrysync:cache:"
	}
	if c.Connectivity.ProbeURL == "" {
		c.Connectivity.ProbeURL = c.API.BaseURL
	}
	if c.Connectivity.Interval == 0 {
		c.Connectivity.Interval = 15 * time.Second
	}
	if c.Connectivity.Timeout == 0 {
		c.Connectivity.Timeout = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url required (or PANTRYSYNC_API_URL)")
	}
	return nil
}
