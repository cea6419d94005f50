package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env           string        `mapstructure:"ENV"`
	APIBaseURL    string        `mapstructure:"API_BASE_URL"`
	DataDir       string        `mapstructure:"DATA_DIR"`
	DownloadDir   string        `mapstructure:"DOWNLOAD_DIR"`
	PollInterval  time.Duration `mapstructure:"POLL_INTERVAL"`
	HTTPTimeout   time.Duration `mapstructure:"HTTP_TIMEOUT"`
	BindAddr      string        `mapstructure:"BIND_ADDR"`
	Port          string        `mapstructure:"PORT"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	AuthJWTSecret string        `mapstructure:"AUTH_JWT_SECRET"`
	CORSOrigins   []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"ENV",
	"API_BASE_URL",
	"DATA_DIR",
	"DOWNLOAD_DIR",
	"POLL_INTERVAL",
	"HTTP_TIMEOUT",
	"BIND_ADDR",
	"PORT",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"AUTH_JWT_SECRET",
	"CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".pulseiq")

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("API_BASE_URL", "http://localhost:8085")
	v.SetDefault("DATA_DIR", dataDir)
	v.SetDefault("DOWNLOAD_DIR", filepath.Join(dataDir, "downloads"))
	v.SetDefault("POLL_INTERVAL", "30s")
	v.SetDefault("HTTP_TIMEOUT", "0s")
	v.SetDefault("BIND_ADDR", "127.0.0.1")
	v.SetDefault("PORT", "8090")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesPostgres reports whether notifications are kept in Postgres rather
// than the local file store.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// Validate checks the values that would otherwise fail late, on the first
// request or the first timer tick.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL, got %q", c.APIBaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("API_BASE_URL scheme must be http or https, got %q", u.Scheme)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("HTTP_TIMEOUT must not be negative, got %s", c.HTTPTimeout)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// ValidateDaemon checks what serve needs on top of Validate. Outside
// development every bearer token must be verified against AUTH_JWT_SECRET.
func (c *Config) ValidateDaemon() error {
	if !c.IsDev() && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required when ENV is %q", c.Env)
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	return nil
}
