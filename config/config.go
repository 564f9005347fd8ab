// Package config loads broker configuration from a YAML file and wires
// it into the storage backends, capabilities, and hooks the broker
// package expects.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Listen describes one network endpoint the broker accepts connections
// on. TLS is enabled when CertFile/KeyFile are both set.
type Listen struct {
	Address  string `yaml:"address"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// StorageBackend selects which session.Store/store.Store implementation
// to construct. "memory" needs no further configuration.
type StorageBackend string

const (
	BackendMemory StorageBackend = "memory"
	BackendPebble StorageBackend = "pebble"
	BackendRedis  StorageBackend = "redis"
)

type StorageConfig struct {
	Backend  StorageBackend `yaml:"backend"`
	PebbleDir string        `yaml:"pebbleDir"`
	RedisAddr string        `yaml:"redisAddr"`
	RedisDB   int           `yaml:"redisDB"`
}

type AuthConfig struct {
	AllowAnonymous bool              `yaml:"allowAnonymous"`
	Users          map[string]string `yaml:"users"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	MessagesPerSecond int  `yaml:"messagesPerSecond"`
	Burst             int  `yaml:"burst"`
}

type CapabilitiesConfig struct {
	ReceiveMaximum           uint16 `yaml:"receiveMaximum"`
	MaximumQoS               byte   `yaml:"maximumQoS"`
	MaximumPacketSize        uint32 `yaml:"maximumPacketSize"`
	TopicAliasMaximum        uint16 `yaml:"topicAliasMaximum"`
	RetainAvailable          bool   `yaml:"retainAvailable"`
	SharedSubAvailable       bool   `yaml:"sharedSubAvailable"`
	WildcardSubAvailable     bool   `yaml:"wildcardSubAvailable"`
	SubscriptionIDAvailable  bool   `yaml:"subscriptionIdentifierAvailable"`
	MaxSessionExpiryInterval uint32 `yaml:"maximumSessionExpiryInterval"`
	ServerKeepAlive          uint16 `yaml:"serverKeepAlive"`
}

type ClusterConfig struct {
	Enabled  bool     `yaml:"enabled"`
	NodeID   string   `yaml:"nodeID"`
	Address  string   `yaml:"address"`
	Peers    []string `yaml:"peers"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the top-level shape of a broker's YAML config file.
type Config struct {
	Listeners    []Listen           `yaml:"listeners"`
	Storage      StorageConfig      `yaml:"storage"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimit    RateLimitConfig    `yaml:"rateLimit"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Sentry       SentryConfig       `yaml:"sentry"`
	Log          LogConfig          `yaml:"log"`

	KeepAliveGrace time.Duration `yaml:"keepAliveGrace"`

	// ConnectTimeoutMs bounds how long an accepted connection may sit
	// without completing CONNECT before the reactor closes it (section
	// 4.3).
	ConnectTimeoutMs int `yaml:"connectTimeoutMs"`

	// SelectTickMs bounds how long one reactor pass blocks in the
	// readiness poller before returning to run cleanup and drain pending
	// accepts (section 4.4).
	SelectTickMs int `yaml:"selectTickMs"`
}

// Default returns a single-node, in-memory, anonymous-access configuration
// suitable for local development.
func Default() *Config {
	return &Config{
		Listeners: []Listen{{Address: ":1883"}},
		Storage:   StorageConfig{Backend: BackendMemory},
		Auth:      AuthConfig{AllowAnonymous: true},
		Capabilities: CapabilitiesConfig{
			ReceiveMaximum:          1024,
			MaximumQoS:              2,
			MaximumPacketSize:       256 * 1024 * 1024,
			TopicAliasMaximum:       64,
			RetainAvailable:         true,
			SharedSubAvailable:      true,
			WildcardSubAvailable:    true,
			SubscriptionIDAvailable: true,
		},
		Log:              LogConfig{Level: "info"},
		ConnectTimeoutMs: 30000,
		SelectTickMs:     250,
	}
}

// Load reads and parses a YAML config file at path, starting from
// Default() so a partial file only overrides what it sets.
func Load(path string) (*Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("config: at least one listener is required")
	}

	return cfg, nil
}
