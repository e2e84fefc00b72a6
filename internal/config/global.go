package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Global represents ~/.voipsms/config.toml.
type Global struct {
	DefaultSession string `toml:"default_session"`
}

// LoadGlobal reads the global config. Returns error if the file is missing.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveGlobal writes the global config, creating parent dirs as needed.
func SaveGlobal(path string, cfg *Global) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
