// Package config loads the optional eacopy configuration file, which
// holds persistent defaults for CLI flags.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional eacopy configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Serve    ServeConfig    `toml:"serve"`
}

// DefaultsConfig holds persistent flag defaults for the copy command.
// Pointer fields distinguish "unset" from an explicit zero.
type DefaultsConfig struct {
	Workers     *int    `toml:"workers"`
	Compression *int    `toml:"compression"`
	Archive     *bool   `toml:"archive"`
	Delta       *bool   `toml:"delta"`
	Incremental *bool   `toml:"incremental"`
	BWLimit     *string `toml:"bwlimit"`
	Server      *string `toml:"server"`
}

// ServeConfig holds persistent flag defaults for the serve command.
type ServeConfig struct {
	Addr        *string `toml:"addr"`
	Root        *string `toml:"root"`
	MaxSessions *int    `toml:"max_sessions"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "eacopy", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
