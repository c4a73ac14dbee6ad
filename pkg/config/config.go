// Package config loads tezit server config from YAML. Env overrides take precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds resolved settings for a running tezit server.
type Config struct {
	// Host is this server's canonical hostname, as peers address it.
	Host string `yaml:"host"`
	// ListenAddr is the HTTP bind address, e.g. ":8420".
	ListenAddr string `yaml:"listen_addr"`
	// DataDir holds the identity keypair and the sqlite database.
	DataDir string `yaml:"data_dir"`
	// DBPath defaults to <data_dir>/tezit.db.
	DBPath string `yaml:"db_path"`

	Federation FederationConfig `yaml:"federation"`
	Admin      AdminConfig      `yaml:"admin"`
}

// FederationConfig controls the federation engine.
type FederationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // open or allowlist
	// MaxBundleBytes caps inbound bundle size. Default 1 MiB.
	MaxBundleBytes int64 `yaml:"max_bundle_bytes"`
	// RequestTimeout bounds outbound delivery and discovery calls.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// DiscoveryTTL bounds the discovery cache.
	DiscoveryTTL time.Duration `yaml:"discovery_ttl"`
	// Scheme is the URL scheme used to reach peers. Defaults to https;
	// overridable for test harnesses running peers on plain HTTP.
	Scheme string `yaml:"scheme"`
}

// AdminConfig holds operator credentials for the privileged trust API.
type AdminConfig struct {
	Username     string        `yaml:"username"`
	PasswordHash string        `yaml:"password_hash"` // bcrypt
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// Load reads config from path. A missing file yields defaults.
// Env overrides: TEZIT_HOST, TEZIT_LISTEN_ADDR, TEZIT_DATA_DIR,
// TEZIT_FEDERATION_MODE, TEZIT_FEDERATION_ENABLED, TEZIT_JWT_SECRET.
func Load(path string) (*Config, error) {
	c := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(c)

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "tezit.db")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Defaults returns a config with every optional field resolved.
func Defaults() *Config {
	return &Config{
		Host:       "localhost",
		ListenAddr: ":8420",
		DataDir:    "./data",
		Federation: FederationConfig{
			Enabled:        true,
			Mode:           "open",
			MaxBundleBytes: 1 << 20,
			RequestTimeout: 10 * time.Second,
			DiscoveryTTL:   5 * time.Minute,
			Scheme:         "https",
		},
		Admin: AdminConfig{
			Username: "admin",
			TokenTTL: 24 * time.Hour,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must be set")
	}
	switch c.Federation.Mode {
	case "open", "allowlist":
	default:
		return fmt.Errorf("invalid federation mode %q (want open or allowlist)", c.Federation.Mode)
	}
	if c.Federation.MaxBundleBytes <= 0 {
		return fmt.Errorf("max_bundle_bytes must be positive")
	}
	return nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("TEZIT_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("TEZIT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("TEZIT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TEZIT_FEDERATION_MODE"); v != "" {
		c.Federation.Mode = v
	}
	if v := os.Getenv("TEZIT_FEDERATION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Federation.Enabled = b
		}
	}
	if v := os.Getenv("TEZIT_JWT_SECRET"); v != "" {
		c.Admin.JWTSecret = v
	}
}
