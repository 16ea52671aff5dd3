// Package config loads chartsmith configuration from a YAML file with
// environment variable interpolation and validated defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the full chartsmith configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`

	// PluginRoot is the plugin installation directory holding manifest.yaml,
	// bin/, js-executor/, and optionally the local debug binary.
	PluginRoot string `yaml:"plugin_root"`

	// BinaryRequired forbids the interpreted-runtime fallback (strict mode).
	BinaryRequired bool `yaml:"binary_required"`

	Render  RenderConfig  `yaml:"render"`
	History HistoryConfig `yaml:"history"`
	API     APIConfig     `yaml:"api"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// RenderConfig holds default render parameters.
type RenderConfig struct {
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// HistoryConfig locates the render invocation log.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "chartsmith",
			LogLevel:  "info",
			LogFormat: "json",
		},
		PluginRoot: ".",
		Render: RenderConfig{
			Width:       800,
			Height:      600,
			Concurrency: 1,
			Timeout:     360 * time.Second,
		},
		History: HistoryConfig{
			Path: "chartsmith.db",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8474",
		},
	}
}

// Load reads and parses configuration from path. A missing file is an error;
// use Defaults() when running without a config file.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// OverridePath returns the explicit executable override from the
// environment, if any.
func OverridePath() string {
	return os.Getenv("CHARTSMITH_LOCAL_PATH")
}

// applyDefaults merges built-in defaults into unset fields.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.PluginRoot == "" {
		cfg.PluginRoot = defaults.PluginRoot
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.Concurrency == 0 {
		cfg.Render.Concurrency = defaults.Render.Concurrency
	}
	if cfg.Render.Timeout == 0 {
		cfg.Render.Timeout = defaults.Render.Timeout
	}
	if cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.PluginRoot == "" {
		return fmt.Errorf("plugin_root is required")
	}
	if cfg.Render.Timeout <= 0 {
		return fmt.Errorf("render.timeout must be positive")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when API is enabled")
	}

	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
