// chatsync - A client-side synchronization and caching engine for chat.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		// BaseURL is the REST endpoint root, e.g. "https://chat.example.com/api".
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"server"`

	User struct {
		ID string `yaml:"id"`
	} `yaml:"user"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Sync struct {
		// Interval is the periodic full-sync cadence; notify frames trigger
		// additional passes in between.
		Interval  time.Duration `yaml:"interval"`
		PageLimit int           `yaml:"page_limit"`
	} `yaml:"sync"`

	Metrics struct {
		// Listen is the prometheus listen address, e.g. ":9321". Empty
		// disables the endpoint.
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yaml)")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err = yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = c.PostProcess(); err != nil {
		return nil, err
	}
	return &c, nil
}

// PostProcess fills defaults and validates the loaded values.
func (c *Config) PostProcess() error {
	if c.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	if c.User.ID == "" {
		return errors.New("user.id is required")
	}
	if c.Database.Path == "" {
		c.Database.Path = "./chatsync.db"
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.PageLimit <= 0 {
		c.Sync.PageLimit = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level %q: %w", c.Logging.Level, err)
	}
	return nil
}

// LogLevel returns the parsed zerolog level. PostProcess has already
// validated it.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
