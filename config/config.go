// Package config loads lancast settings from TOML files and LANCAST_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	appName      = "lancast"
	settingsFile = "settings.toml"
	// SecretsFile sits next to the settings file and is read after it.
	SecretsFile  = ".secrets.toml"
)

// Deezer holds the catalog account and stream parameters.
type Deezer struct {
	ARL            string `toml:"arl"`
	BlowfishSecret string `toml:"blowfish_secret"`
	Quality        string `toml:"quality"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Cast holds the multicast output settings.
type Cast struct {
	MulticastGroup string  `toml:"multicast_group"`
	BufferSeconds  float64 `toml:"buffer_seconds"`
	ChunkSize      int     `toml:"chunk_size"`
}

// Server holds the status server and queue inbox settings.
type Server struct {
	Addr      string `toml:"addr"`
	QueueFile string `toml:"queue_file"`
	// Token guards the control endpoints when set.
	Token     string `toml:"token"`
}

// Logging holds log and error reporting settings.
type Logging struct {
	Level       string `toml:"level"`
	SentryDSN   string `toml:"sentry_dsn"`
	Environment string `toml:"environment"`
}

// Config is the whole lancast configuration.
type Config struct {
	Deezer  Deezer  `toml:"deezer"`
	Cast    Cast    `toml:"cast"`
	Server  Server  `toml:"server"`
	Logging Logging `toml:"logging"`
}

// Dir returns the lancast configuration directory.
func Dir() (string, error) {
	if base, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

// DefaultPath returns the default settings file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, settingsFile), nil
}

// Load reads the settings file at path (the default path when empty) and the
// secrets file next to it, applies environment overrides and validates the
// result. Missing files are not an error.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, "", err
		}
	}

	for _, file := range []string{path, filepath.Join(filepath.Dir(path), SecretsFile)} {
		if err := decodeFile(file, &cfg); err != nil {
			return nil, "", err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, path, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := toml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Sample returns cfg encoded as TOML without secrets.
func Sample(cfg Config) ([]byte, error) {
	cfg.Deezer.ARL = ""
	cfg.Deezer.BlowfishSecret = ""
	cfg.Logging.SentryDSN = ""
	cfg.Server.Token = ""
	return toml.Marshal(cfg)
}
