// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/GermanBionicSystems/w1devices/w1spi"
	"gopkg.in/yaml.v3"
)

// Config is the content of the YAML configuration file.
type Config struct {
	// SPI is the spireg name of the port driving the bus; empty selects the
	// first one.
	SPI string `yaml:"spi"`
	// Overdrive is the optional second port wired to the same bus.
	Overdrive   string `yaml:"overdrive"`
	PullUp      string `yaml:"pull_up"`
	PullUpMode  string `yaml:"pull_up_mode"`
	Invert      bool   `yaml:"invert"`
	MinTransfer int    `yaml:"min_transfer"`

	Sensors SensorsConfig `yaml:"sensors"`
	Logging LoggingConfig `yaml:"logging"`
}

// SensorsConfig configures the DS18x20 readings.
type SensorsConfig struct {
	Resolution int           `yaml:"resolution"`
	Interval   time.Duration `yaml:"interval"` // 0 reads once
	// Cold and Hot are the ends of the heat strip color scale, in °C.
	Cold float64 `yaml:"cold"`
	Hot  float64 `yaml:"hot"`
}

// LoggingConfig configures the bus debug output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

var pullUpModes = map[string]w1spi.PullUpMode{
	"direct":  w1spi.DirectGPIO,
	"pmosfet": w1spi.PMOSFET,
	"miso":    w1spi.MISO,
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// LoadConfig reads, parses and validates the YAML configuration file at
// path. Missing keys keep their default value.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		PullUpMode: "direct",
		Sensors: SensorsConfig{
			Resolution: 10,
			Cold:       15,
			Hot:        35,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string
	if _, ok := pullUpModes[c.PullUpMode]; !ok {
		errs = append(errs, fmt.Sprintf("pull_up_mode %q is invalid (use direct, pmosfet or miso)", c.PullUpMode))
	}
	if c.PullUp == "" && c.PullUpMode == "pmosfet" {
		errs = append(errs, fmt.Sprintf("pull_up_mode %q requires pull_up", c.PullUpMode))
	}
	if c.MinTransfer < 0 {
		errs = append(errs, "min_transfer must not be negative")
	}
	if c.Sensors.Resolution < 9 || c.Sensors.Resolution > 12 {
		errs = append(errs, fmt.Sprintf("sensors.resolution %d is invalid (use 9 to 12)", c.Sensors.Resolution))
	}
	if c.Sensors.Interval < 0 {
		errs = append(errs, "sensors.interval must not be negative")
	}
	if c.Sensors.Cold >= c.Sensors.Hot {
		errs = append(errs, "sensors.cold must be below sensors.hot")
	}
	if _, ok := logLevels[c.Logging.Level]; !ok {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Opts returns the bus options, minus the ports and pin which are opened by
// the caller.
func (c *Config) Opts(logger *slog.Logger) w1spi.Opts {
	return w1spi.Opts{
		PullUpMode:  pullUpModes[c.PullUpMode],
		Invert:      c.Invert,
		MinTransfer: c.MinTransfer,
		Logger:      logger,
	}
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	return logLevels[c.Logging.Level]
}
