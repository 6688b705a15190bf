package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envQforgeConfig = "QFORGE_CONFIG"

// Config represents the qforge configuration file (~/.config/qforge/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Export
	OutputDir  string   `yaml:"output_dir"`
	InputScale *float64 `yaml:"input_scale"`
	KeepGoing  *bool    `yaml:"keep_going"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Benchmark
	Iterations *int64 `yaml:"iterations"`
	Timeout    string `yaml:"timeout"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if p := strings.TrimSpace(os.Getenv(envQforgeConfig)); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qforge", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyExportConfig applies config file defaults to export command variables
// when the corresponding CLI flag was not explicitly set.
func applyExportConfig(c *cli.Command, cfg Config, outDir *string, inputScale *float64, keepGoing *bool) {
	if cfg.OutputDir != "" && !c.IsSet("out") {
		*outDir = cfg.OutputDir
	}
	if cfg.InputScale != nil && !c.IsSet("input-scale") {
		*inputScale = *cfg.InputScale
	}
	if cfg.KeepGoing != nil && !c.IsSet("keep-going") {
		*keepGoing = *cfg.KeepGoing
	}
}

func applyBenchmarkConfig(c *cli.Command, cfg Config, iterations *int64, timeout *time.Duration) error {
	if cfg.Iterations != nil && !c.IsSet("iterations") {
		*iterations = *cfg.Iterations
	}
	if cfg.Timeout != "" && !c.IsSet("timeout") {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		*timeout = d
	}
	return nil
}

func applyServeConfig(c *cli.Command, cfg Config, addr, dir *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.OutputDir != "" && !c.IsSet("dir") {
		*dir = cfg.OutputDir
	}
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
