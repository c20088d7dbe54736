// Package config holds the settings of the tunneld server and the tunnel CLI.
//
// Values are layered: Default, then a YAML file, then TUNNEL_* environment variables, then
// command-line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the long-poll endpoint and dispatcher settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Path            string        `yaml:"path"`
	AdvertiseURL    string        `yaml:"advertise_url"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
	ProgressDelay   time.Duration `yaml:"progress_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       float64       `yaml:"rate_limit"` // invocations per second, 0 disables
	RateBurst       int           `yaml:"rate_burst"`
}

// ClientConfig holds the caller side settings.
type ClientConfig struct {
	URL         string        `yaml:"url"`
	Codec       string        `yaml:"codec"`
	Timeout     time.Duration `yaml:"timeout"`
	PollBackoff time.Duration `yaml:"poll_backoff"`
	Workers     int           `yaml:"workers"`
	Retries     int           `yaml:"retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Balancer    string        `yaml:"balancer"`
}

// RedisConfig enables the Redis binding when Sessions is non-empty.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Sessions []string `yaml:"sessions"`
}

// EtcdConfig enables endpoint registration when Endpoints is non-empty.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TTL         int64         `yaml:"ttl"` // lease seconds
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Redis   RedisConfig   `yaml:"redis"`
	Etcd    EtcdConfig    `yaml:"etcd"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":7070",
			Path:            "/rpc",
			PollTimeout:     25 * time.Second,
			SessionTTL:      5 * time.Minute,
			ReapInterval:    time.Minute,
			ProgressDelay:   200 * time.Millisecond,
			ShutdownTimeout: 10 * time.Second,
			RateBurst:       1,
		},
		Client: ClientConfig{
			URL:         "http://localhost:7070/rpc",
			Codec:       "json",
			Timeout:     24 * time.Hour,
			PollBackoff: 10 * time.Second,
			Workers:     8,
			Retries:     3,
			RetryDelay:  500 * time.Millisecond,
			Balancer:    "consistent_hash",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
			TTL:         10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "tunnel",
			Path:      "/metrics",
		},
	}
}

// LoadFromFile reads a YAML file over Default. Keys absent from the file keep their
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load returns Default, or the file at path when path is non-empty, with environment
// overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies TUNNEL_* environment overrides. Lists are comma separated.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("TUNNEL_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TUNNEL_PATH"); v != "" {
		cfg.Server.Path = v
	}
	if v := os.Getenv("TUNNEL_ADVERTISE_URL"); v != "" {
		cfg.Server.AdvertiseURL = v
	}
	if v := os.Getenv("TUNNEL_URL"); v != "" {
		cfg.Client.URL = v
	}
	if v := os.Getenv("TUNNEL_CODEC"); v != "" {
		cfg.Client.Codec = v
	}
	if v := os.Getenv("TUNNEL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TUNNEL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TUNNEL_REDIS_SESSIONS"); v != "" {
		cfg.Redis.Sessions = splitList(v)
	}
	if v := os.Getenv("TUNNEL_ETCD_ENDPOINTS"); v != "" {
		cfg.Etcd.Endpoints = splitList(v)
	}
	if v := os.Getenv("TUNNEL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TUNNEL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	durations := map[string]*time.Duration{
		"TUNNEL_POLL_TIMEOUT":     &cfg.Server.PollTimeout,
		"TUNNEL_SESSION_TTL":      &cfg.Server.SessionTTL,
		"TUNNEL_PROGRESS_DELAY":   &cfg.Server.ProgressDelay,
		"TUNNEL_SHUTDOWN_TIMEOUT": &cfg.Server.ShutdownTimeout,
		"TUNNEL_TIMEOUT":          &cfg.Client.Timeout,
		"TUNNEL_POLL_BACKOFF":     &cfg.Client.PollBackoff,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v := os.Getenv("TUNNEL_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TUNNEL_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	if v := os.Getenv("TUNNEL_RATE_LIMIT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TUNNEL_RATE_LIMIT: %w", err)
		}
		cfg.Server.RateLimit = r
	}
	return nil
}

// Validate rejects settings the server or client cannot run with.
func (c *Config) Validate() error {
	if c.Server.Path == "" || !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path %q must start with /", c.Server.Path)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return fmt.Errorf("server.rate_burst must be at least 1 when rate limiting")
	}
	if c.Client.Workers < 1 {
		return fmt.Errorf("client.workers must be at least 1")
	}
	if c.Client.Retries < 0 {
		return fmt.Errorf("client.retries must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
