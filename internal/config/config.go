// Package config loads the per-session config.toml and keeps it current.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/voipsms/internal/store"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap/zapcore"
)

// Config is a session's config.toml. See overlay for the environment
// variables that override it.
type Config struct {
	Lines []string `toml:"lines"`
	API   API      `toml:"api"`
	Sync  Sync     `toml:"sync"`
	Hooks Hooks    `toml:"hooks"`
	Log   Log      `toml:"log"`
}

type API struct {
	Username   string        `toml:"username"`
	Password   string        `toml:"password"`
	BaseURL    string        `toml:"base_url"`
	Timeout    time.Duration `toml:"timeout"`
	MaxRetries int           `toml:"max_retries"`
}

type Sync struct {
	RetentionDays int           `toml:"retention_days"`
	PartialBuffer time.Duration `toml:"partial_buffer"`
	Workers       int           `toml:"workers"`
	Interval      time.Duration `toml:"interval"`
}

// Hooks configures the HTTP endpoint the provider calls on new messages.
// An empty Listen disables it.
type Hooks struct {
	Listen string `toml:"listen"`
	Token  string `toml:"token"`
}

type Log struct {
	Level string `toml:"level"`
}

// Default returns the values used for anything config.toml leaves out.
func Default() *Config {
	return &Config{
		API: API{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Sync: Sync{
			RetentionDays: 90,
			PartialBuffer: 2 * time.Hour,
			Workers:       4,
			Interval:      15 * time.Minute,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults and applies the process environment. A
// missing file is not an error; the session then runs on defaults and env.
func Load(ctx context.Context, path string) (*Config, error) {
	return LoadWith(ctx, path, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit environment source.
func LoadWith(ctx context.Context, path string, env envconfig.Lookuper) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var o overlay
	if err := envconfig.ProcessWith(ctx, &o, env); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	if err := o.apply(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay holds environment overrides. Only variables that are set replace
// file values.
type overlay struct {
	Lines       string `env:"VOIPMS_LINES"`
	Username    string `env:"VOIPMS_API_USERNAME"`
	Password    string `env:"VOIPMS_API_PASSWORD"`
	BaseURL     string `env:"VOIPMS_API_BASE_URL"`
	Interval    string `env:"VOIPMS_SYNC_INTERVAL"`
	HooksListen string `env:"VOIPMS_HOOKS_LISTEN"`
	HookToken   string `env:"VOIPMS_HOOK_TOKEN"`
	LogLevel    string `env:"VOIPMS_LOG_LEVEL"`
}

func (o overlay) apply(cfg *Config) error {
	if o.Lines != "" {
		cfg.Lines = nil
		for _, l := range strings.Split(o.Lines, ",") {
			if l = strings.TrimSpace(l); l != "" {
				cfg.Lines = append(cfg.Lines, l)
			}
		}
	}
	if o.Interval != "" {
		d, err := time.ParseDuration(o.Interval)
		if err != nil {
			return fmt.Errorf("VOIPMS_SYNC_INTERVAL: %w", err)
		}
		cfg.Sync.Interval = d
	}
	for _, f := range []struct {
		dst *string
		v   string
	}{
		{&cfg.API.Username, o.Username},
		{&cfg.API.Password, o.Password},
		{&cfg.API.BaseURL, o.BaseURL},
		{&cfg.Hooks.Listen, o.HooksListen},
		{&cfg.Hooks.Token, o.HookToken},
		{&cfg.Log.Level, o.LogLevel},
	} {
		if f.v != "" {
			*f.dst = f.v
		}
	}
	return nil
}

// Validate checks lines and numeric ranges. Missing credentials are allowed;
// the daemon reports them as auth required.
func (c *Config) Validate() error {
	for i, l := range c.Lines {
		if err := store.ValidatePhone("lines", l); err != nil {
			return err
		}
		if slices.Contains(c.Lines[:i], l) {
			return fmt.Errorf("line %s listed twice", l)
		}
	}
	switch {
	case c.API.Timeout < 0:
		return errors.New("api.timeout must not be negative")
	case c.API.MaxRetries < 0:
		return errors.New("api.max_retries must not be negative")
	case c.Sync.RetentionDays < 1:
		return errors.New("sync.retention_days must be at least 1")
	case c.Sync.PartialBuffer < 0:
		return errors.New("sync.partial_buffer must not be negative")
	case c.Sync.Workers < 1:
		return errors.New("sync.workers must be at least 1")
	case c.Sync.Interval < 0:
		return errors.New("sync.interval must not be negative")
	case c.Hooks.Listen != "" && c.Hooks.Token == "":
		return errors.New("hooks.token is required when hooks.listen is set")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Retention returns the full-sync window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Sync.RetentionDays) * 24 * time.Hour
}
