package config

import (
	"context"
	"sync"
)

// Live holds the current config of a running daemon. Readers always see a
// complete, validated Config.
type Live struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewLive(cfg *Config) *Live {
	return &Live{cfg: cfg}
}

// Get returns the current config. Callers must not modify it.
func (l *Live) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Set replaces the config and returns the previous one.
func (l *Live) Set(cfg *Config) *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.cfg
	l.cfg = cfg
	return old
}

// Credentials returns the current API username and password.
func (l *Live) Credentials(context.Context) (string, string, error) {
	cfg := l.Get()
	return cfg.API.Username, cfg.API.Password, nil
}
