package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	Server      ServerConfig              `json:"server"`
	Store       StoreConfig               `json:"store"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Catalog     CatalogConfig             `json:"catalog"`
	Auth        AuthConfig                `json:"auth"`
	Poll        PollConfig                `json:"poll"`
	Negotiation NegotiationConfig         `json:"negotiation"`
}

type ServerConfig struct {
	Address string `json:"address"`
}

// StoreConfig selects the messaging store backend. Mode "embedded" runs
// the SQL-backed store in-process; mode "http" talks to a remote store
// deployment.
type StoreConfig struct {
	Mode    string `json:"mode"`
	Driver  string `json:"driver"`
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Disabled bool   `json:"disabled"`
}

type CatalogConfig struct {
	BaseURL         string `json:"base_url"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// PollConfig holds the synchronizer intervals. They are policy knobs,
// not structural constants; zero values fall back to the defaults.
type PollConfig struct {
	SessionListIntervalMS int `json:"session_list_interval_ms"`
	MessageIntervalMS     int `json:"message_interval_ms"`
}

type NegotiationConfig struct {
	StepSize int64 `json:"step_size"`
}

const (
	DefaultSessionListInterval = 3 * time.Second
	DefaultMessageInterval     = 2 * time.Second
	DefaultNegotiationStep     = int64(100)
	DefaultCatalogCacheTTL     = 5 * time.Minute
)

// SessionListInterval returns the session-list poll interval.
func (p PollConfig) SessionListInterval() time.Duration {
	if p.SessionListIntervalMS <= 0 {
		return DefaultSessionListInterval
	}
	return time.Duration(p.SessionListIntervalMS) * time.Millisecond
}

// MessageInterval returns the active-session message poll interval.
func (p PollConfig) MessageInterval() time.Duration {
	if p.MessageIntervalMS <= 0 {
		return DefaultMessageInterval
	}
	return time.Duration(p.MessageIntervalMS) * time.Millisecond
}

// Step returns the configured price adjustment increment.
func (n NegotiationConfig) Step() int64 {
	if n.StepSize <= 0 {
		return DefaultNegotiationStep
	}
	return n.StepSize
}

// CacheTTL returns how long catalog lookups stay cached.
func (c CatalogConfig) CacheTTL() time.Duration {
	if c.CacheTTLSeconds <= 0 {
		return DefaultCatalogCacheTTL
	}
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret must be configured")
	}

	switch cfg.Store.Mode {
	case "", "embedded":
		cfg.Store.Mode = "embedded"
		if cfg.Store.Driver == "" {
			cfg.Store.Driver = "sqlite3"
		}
	case "http":
		if cfg.Store.BaseURL == "" {
			return nil, fmt.Errorf("store.base_url must be configured for http mode")
		}
	default:
		return nil, fmt.Errorf("unsupported store mode: %s", cfg.Store.Mode)
	}

	return &cfg, nil
}
