package netsync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Log     LogConfig     `yaml:"log"`
	History HistoryConfig `yaml:"history"`
	Admin   AdminConfig   `yaml:"admin"`
	Plugins PluginConfig  `yaml:"plugins"`

	raw map[interface{}]interface{}
}

type ServerConfig struct {
	Port       uint16   `yaml:"port"`
	MaxClients int      `yaml:"max_clients"`
	TickRate   int      `yaml:"tick_rate"`
	Backends   []string `yaml:"backends"`
}

type ClientConfig struct {
	Host         string `yaml:"host"`
	Port         uint16 `yaml:"port"`
	Backend      string `yaml:"backend"`
	RemotePrefab string `yaml:"remote_prefab"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// HistoryConfig selects the session history database.
// An empty Driver disables the history.
type HistoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

type PluginConfig struct {
	Dir string `yaml:"dir"`
}

// DefaultConfig returns the configuration used for unset keys
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       DefaultPort,
			MaxClients: DefaultMaxClients,
			TickRate:   20,
			Backends:   []string{"udp"},
		},
		Client: ClientConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			Backend:      "udp",
			RemotePrefab: DefaultRemotePrefab,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		History: HistoryConfig{
			Driver: "sqlite3",
			DSN:    "storage/history.sqlite",
		},
		Admin: AdminConfig{
			Addr: ":7780",
		},
		Plugins: PluginConfig{
			Dir: "plugins",
		},
		raw: make(map[interface{}]interface{}),
	}
}

// LoadConfig reads the YAML file at path over the defaults.
// A missing file is not an error when path is empty.
// Variables from a .env file in the working directory and
// NETSYNC_* environment variables take precedence over the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg.raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	port := func(key string, dst *uint16) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = uint16(n)
		return nil
	}

	if err := port("NETSYNC_PORT", &c.Server.Port); err != nil {
		return err
	}
	if err := num("NETSYNC_MAX_CLIENTS", &c.Server.MaxClients); err != nil {
		return err
	}
	if err := num("NETSYNC_TICK_RATE", &c.Server.TickRate); err != nil {
		return err
	}
	if v, ok := lookup("NETSYNC_BACKENDS"); ok {
		c.Server.Backends = strings.Split(v, ",")
	}

	str("NETSYNC_HOST", &c.Client.Host)
	if err := port("NETSYNC_CLIENT_PORT", &c.Client.Port); err != nil {
		return err
	}
	str("NETSYNC_CLIENT_BACKEND", &c.Client.Backend)

	str("NETSYNC_LOG_LEVEL", &c.Log.Level)
	str("NETSYNC_LOG_FILE", &c.Log.File)
	str("NETSYNC_HISTORY_DRIVER", &c.History.Driver)
	str("NETSYNC_HISTORY_DSN", &c.History.DSN)
	str("NETSYNC_ADMIN_ADDR", &c.Admin.Addr)
	str("NETSYNC_PLUGIN_DIR", &c.Plugins.Dir)

	return nil
}

func (c *Config) validate() error {
	if c.Server.TickRate <= 0 {
		return fmt.Errorf("server tick_rate must be positive, got %d", c.Server.TickRate)
	}
	if c.Server.MaxClients <= 0 {
		return fmt.Errorf("server max_clients must be positive, got %d", c.Server.MaxClients)
	}
	if len(c.Server.Backends) == 0 {
		return errors.New("server backends must not be empty")
	}

	switch c.History.Driver {
	case "", "sqlite3", "postgres":
	default:
		return fmt.Errorf("unknown history driver %q", c.History.Driver)
	}

	return nil
}

// Key returns a raw key of the configuration file.
// Nested keys are separated by colons, e.g. "server:port".
func (c *Config) Key(key string) interface{} {
	keys := strings.Split(key, ":")
	m := c.raw
	for i := 0; i < len(keys)-1; i++ {
		next, ok := m[keys[i]].(map[interface{}]interface{})
		if !ok {
			return nil
		}
		m = next
	}

	return m[keys[len(keys)-1]]
}
