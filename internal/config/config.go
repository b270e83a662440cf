package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node     Node     `mapstructure:"node"`
	Mesh     Mesh     `mapstructure:"mesh"`
	Delivery Delivery `mapstructure:"delivery"`
	Outbox   Outbox   `mapstructure:"outbox"`
	Peers    Peers    `mapstructure:"peers"`
	Radio    Radio    `mapstructure:"radio"`
	Bridge   Bridge   `mapstructure:"bridge"`
}

type Node struct {
	Home        string `mapstructure:"home"`
	Nickname    string `mapstructure:"nickname"`
	MetricsFile string `mapstructure:"metrics_file"`
	Pprof       string `mapstructure:"pprof"`

	// Favorites are nicknames whose private messages are held while the
	// peer is away.
	Favorites []string `mapstructure:"favorites"`
}

type Mesh struct {
	TTL         int           `mapstructure:"ttl"`
	DedupCap    int           `mapstructure:"dedup_cap"`
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	SweepEvery  time.Duration `mapstructure:"sweep_every"`
}

type Delivery struct {
	AckTimeout     time.Duration `mapstructure:"ack_timeout"`
	MaxResends     int           `mapstructure:"max_resends"`
	KeyWaitTimeout time.Duration `mapstructure:"key_wait_timeout"`
}

type Outbox struct {
	Cap     int           `mapstructure:"cap"`
	MaxAge  time.Duration `mapstructure:"max_age"`
	Persist bool          `mapstructure:"persist"`
}

type Peers struct {
	Cap   int           `mapstructure:"cap"`
	Grace time.Duration `mapstructure:"grace"`
}

type Radio struct {
	Listen         string        `mapstructure:"listen"`
	Neighbors      []string      `mapstructure:"neighbors"`
	ForegroundScan time.Duration `mapstructure:"foreground_scan"`
	BackgroundScan time.Duration `mapstructure:"background_scan"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	MaxConnsPerIP  int           `mapstructure:"max_conns_per_ip"`
}

type Bridge struct {
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

const EnvPrefix = "MESHCHAT"

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("node.home", filepath.Join(home, ".meshchat"))
	v.SetDefault("node.nickname", "")
	v.SetDefault("node.metrics_file", "")
	v.SetDefault("node.favorites", []string{})
	v.SetDefault("node.pprof", "")

	v.SetDefault("mesh.ttl", 7)
	v.SetDefault("mesh.dedup_cap", 4096)
	v.SetDefault("mesh.dedup_window", 5*time.Minute)
	v.SetDefault("mesh.sweep_every", time.Second)

	v.SetDefault("delivery.ack_timeout", 10*time.Second)
	v.SetDefault("delivery.max_resends", 3)
	v.SetDefault("delivery.key_wait_timeout", 30*time.Second)

	v.SetDefault("outbox.cap", 100)
	v.SetDefault("outbox.max_age", 24*time.Hour)
	v.SetDefault("outbox.persist", true)

	v.SetDefault("peers.cap", 512)
	v.SetDefault("peers.grace", 10*time.Minute)

	v.SetDefault("radio.listen", "0.0.0.0:4270")
	v.SetDefault("radio.neighbors", []string{})
	v.SetDefault("radio.foreground_scan", 2*time.Second)
	v.SetDefault("radio.background_scan", 30*time.Second)
	v.SetDefault("radio.backoff_cap", 5*time.Minute)
	v.SetDefault("radio.max_conns_per_ip", 4)

	v.SetDefault("bridge.listen", "")
	v.SetDefault("bridge.allowed_origins", []string{})
}

// Load reads path (YAML, optional) and MESHCHAT_* environment overrides on
// top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Mesh.TTL < 1 || c.Mesh.TTL > 255 {
		return fmt.Errorf("mesh.ttl out of range: %d", c.Mesh.TTL)
	}
	if c.Mesh.DedupCap <= 0 || c.Mesh.DedupWindow <= 0 {
		return errors.New("mesh dedup sizing must be positive")
	}
	if c.Delivery.AckTimeout <= 0 || c.Delivery.KeyWaitTimeout <= 0 {
		return errors.New("delivery timeouts must be positive")
	}
	if c.Delivery.MaxResends < 0 {
		return errors.New("delivery.max_resends must not be negative")
	}
	if c.Outbox.Cap <= 0 || c.Outbox.MaxAge <= 0 {
		return errors.New("outbox sizing must be positive")
	}
	if c.Node.Home == "" {
		return errors.New("node.home is required")
	}
	return nil
}

func (c *Config) OutboxJournalPath() string {
	return filepath.Join(c.Node.Home, "outbox.jsonl")
}

func (c *Config) KeyDir() string {
	return filepath.Join(c.Node.Home, "keys")
}

// MetricsPath is where a running node writes its metrics snapshot.
func (c *Config) MetricsPath() string {
	if c.Node.MetricsFile != "" {
		return c.Node.MetricsFile
	}
	return filepath.Join(c.Node.Home, "metrics.json")
}
