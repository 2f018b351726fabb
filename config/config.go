// Package config builds the immutable service configuration. Values are layered:
// defaults, then an optional TOML file, then a .env file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Provider struct {
	APIKey      string
	BaseURL     string
	TraceHeader string
	Timeout     time.Duration
}

type Poll struct {
	Interval         time.Duration
	Timeout          time.Duration
	TransientRetries int
}

type Log struct {
	Level  string
	Format string
}

type Server struct {
	Addr           string
	AdminJWTSecret string
	SessionTTL     time.Duration
}

type Notify struct {
	SendGridAPIKey string
	From           string
}

type Config struct {
	Provider  Provider
	Poll      Poll
	Log       Log
	Server    Server
	Notify    Notify
	TraceDSN  string
	SentryDSN string
}

func Default() Config {
	return Config{
		Provider: Provider{
			BaseURL:     "https://api.rye.com/api/v1",
			TraceHeader: "X-Request-Id",
			Timeout:     30 * time.Second,
		},
		Poll: Poll{
			Interval:         5 * time.Second,
			Timeout:          2 * time.Minute,
			TransientRetries: 1,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Server: Server{
			Addr:       ":8080",
			SessionTTL: 30 * time.Minute,
		},
		TraceDSN: "file:traces.db",
	}
}

// Load reads the TOML file at path when it exists, then .env, then the environment.
// An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			var file fileConfig
			if err := toml.Unmarshal(raw, &file); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
			if err := applyEnv(&cfg, file.lookup); err != nil {
				return cfg, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}

	// .env is optional; variables already set in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fileConfig is the TOML layout. Durations are strings ("5s") or milliseconds.
type fileConfig struct {
	Provider struct {
		APIKey      string `toml:"api_key"`
		BaseURL     string `toml:"base_url"`
		TraceHeader string `toml:"trace_header"`
		Timeout     string `toml:"timeout"`
	} `toml:"provider"`
	Poll struct {
		Interval         string `toml:"interval"`
		Timeout          string `toml:"timeout"`
		TransientRetries string `toml:"transient_retries"`
	} `toml:"poll"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Server struct {
		Addr           string `toml:"addr"`
		AdminJWTSecret string `toml:"admin_jwt_secret"`
		SessionTTL     string `toml:"session_ttl"`
	} `toml:"server"`
	Notify struct {
		SendGridAPIKey string `toml:"sendgrid_api_key"`
		From           string `toml:"from"`
	} `toml:"notify"`
	TraceDSN  string `toml:"trace_dsn"`
	SentryDSN string `toml:"sentry_dsn"`
}

// lookup exposes the file under the environment variable names.
func (f fileConfig) lookup(key string) (string, bool) {
	v, ok := map[string]string{
		"RYE_API_KEY":            f.Provider.APIKey,
		"RYE_BASE_URL":           f.Provider.BaseURL,
		"RYE_TRACE_HEADER":       f.Provider.TraceHeader,
		"RYE_TIMEOUT":            f.Provider.Timeout,
		"POLL_INTERVAL":          f.Poll.Interval,
		"POLL_TIMEOUT":           f.Poll.Timeout,
		"POLL_TRANSIENT_RETRIES": f.Poll.TransientRetries,
		"LOG_LEVEL":              f.Log.Level,
		"LOG_FORMAT":             f.Log.Format,
		"HTTP_ADDR":              f.Server.Addr,
		"ADMIN_JWT_SECRET":       f.Server.AdminJWTSecret,
		"SESSION_TTL":            f.Server.SessionTTL,
		"SENDGRID_API_KEY":       f.Notify.SendGridAPIKey,
		"RECEIPT_FROM":           f.Notify.From,
		"TRACE_DB_DSN":           f.TraceDSN,
		"SENTRY_DSN":             f.SentryDSN,
	}[key]
	return v, ok
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("RYE_API_KEY", &cfg.Provider.APIKey)
	str("RYE_BASE_URL", &cfg.Provider.BaseURL)
	str("RYE_TRACE_HEADER", &cfg.Provider.TraceHeader)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("HTTP_ADDR", &cfg.Server.Addr)
	str("ADMIN_JWT_SECRET", &cfg.Server.AdminJWTSecret)
	str("TRACE_DB_DSN", &cfg.TraceDSN)
	str("SENTRY_DSN", &cfg.SentryDSN)
	str("SENDGRID_API_KEY", &cfg.Notify.SendGridAPIKey)
	str("RECEIPT_FROM", &cfg.Notify.From)

	for key, dst := range map[string]*time.Duration{
		"RYE_TIMEOUT":   &cfg.Provider.Timeout,
		"POLL_INTERVAL": &cfg.Poll.Interval,
		"POLL_TIMEOUT":  &cfg.Poll.Timeout,
		"SESSION_TTL":   &cfg.Server.SessionTTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("POLL_TRANSIENT_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("POLL_TRANSIENT_RETRIES: invalid value %q", v)
		}
		cfg.Poll.TransientRetries = n
	}
	return nil
}

// parseDuration accepts Go durations ("5s") and bare integers as milliseconds.
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
