// Package config loads the global ~/.dfchat/config.toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment overrides, applied after the file is read.
const (
	EnvAPIURL      = "DFCHAT_API_URL"
	EnvWSURL       = "DFCHAT_WS_URL"
	EnvMetricsAddr = "DFCHAT_METRICS_ADDR"
)

// Duration is a time.Duration written as a string ("3s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Reconnect tunes the WebSocket reconnect loop.
type Reconnect struct {
	InitialInterval  Duration `toml:"initial_interval"`
	MaxInterval      Duration `toml:"max_interval"`
	MaxElapsed       Duration `toml:"max_elapsed"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
}

// Typing tunes typing presence.
type Typing struct {
	TTL       Duration `toml:"ttl"`
	Keepalive Duration `toml:"keepalive"`
	Idle      Duration `toml:"idle"`
}

// Backend tunes the REST client.
type Backend struct {
	Timeout Duration `toml:"timeout"`
	Rate    float64  `toml:"rate"`
	Burst   int      `toml:"burst"`
}

// Config represents the global ~/.dfchat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	APIURL         string `toml:"api_url"`
	WSURL          string `toml:"ws_url"`
	// MetricsAddr is the listen address of /metrics and /healthz. Empty disables it.
	MetricsAddr string    `toml:"metrics_addr"`
	Reconnect   Reconnect `toml:"reconnect"`
	Typing      Typing    `toml:"typing"`
	Backend     Backend   `toml:"backend"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		APIURL:      "http://localhost:8080/api",
		WSURL:       "ws://localhost:8080/ws/chat",
		MetricsAddr: "127.0.0.1:9464",
		Reconnect: Reconnect{
			InitialInterval:  Duration{500 * time.Millisecond},
			MaxInterval:      Duration{30 * time.Second},
			MaxElapsed:       Duration{5 * time.Minute},
			HandshakeTimeout: Duration{10 * time.Second},
		},
		Typing: Typing{
			TTL:       Duration{3 * time.Second},
			Keepalive: Duration{10 * time.Second},
			Idle:      Duration{time.Second},
		},
		Backend: Backend{
			Timeout: Duration{15 * time.Second},
			Rate:    10,
			Burst:   5,
		},
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the daemon configuration: the optional dotenv file at
// envPath is loaded into the process environment, the TOML file at path is
// read (a missing file yields Default), then environment overrides apply.
func Resolve(path, envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvAPIURL); ok {
		c.APIURL = v
	}
	if v, ok := os.LookupEnv(EnvWSURL); ok {
		c.WSURL = v
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		c.MetricsAddr = v
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
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
