// Package config loads process configuration. Values come from three layers:
// envconfig defaults, then environment variables (a .env file is honored when
// present), then an optional config.yaml whose set fields win. Backend
// endpoint and workflow template are NOT configured here; they live in the
// settings store and are managed at runtime.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the YAML overlay looked up by Load when no explicit path is
// given.
const DefaultPath = "config.yaml"

type Config struct {
	Log   LogConfig   `envconfig:"" yaml:"log"`
	Store StoreConfig `envconfig:"" yaml:"store"`
	Chat  ChatConfig  `envconfig:"" yaml:"chat"`
}

// LogConfig controls the zerolog setup.
type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" yaml:"level" default:"info"`
	Format     string `envconfig:"LOG_FORMAT" yaml:"format" default:"console" validate:"oneof=console json"`
	Output     string `envconfig:"LOG_OUTPUT" yaml:"output" default:"stderr" validate:"oneof=stdout stderr file"`
	FilePath   string `envconfig:"LOG_FILE_PATH" yaml:"file_path"`
	TimeFormat string `envconfig:"LOG_TIME_FORMAT" yaml:"time_format" default:"rfc3339"`
}

// StoreConfig selects the durable store backend. An empty RedisURL falls back
// to the in-memory store.
type StoreConfig struct {
	RedisURL  string `envconfig:"REDIS_URL" yaml:"redis_url"`
	Namespace string `envconfig:"STORE_NAMESPACE" yaml:"namespace" default:"comfychat"`
}

// ChatConfig carries client behavior knobs. SecureDefault selects https/wss
// for hosts saved without a scheme.
type ChatConfig struct {
	SecureDefault bool `envconfig:"SECURE_DEFAULT" yaml:"secure_default"`
}

// yamlOverlay mirrors Config with pointer fields so absent keys are
// distinguishable from zero values.
type yamlOverlay struct {
	Log struct {
		Level      *string `yaml:"level"`
		Format     *string `yaml:"format"`
		Output     *string `yaml:"output"`
		FilePath   *string `yaml:"file_path"`
		TimeFormat *string `yaml:"time_format"`
	} `yaml:"log"`
	Store struct {
		RedisURL  *string `yaml:"redis_url"`
		Namespace *string `yaml:"namespace"`
	} `yaml:"store"`
	Chat struct {
		SecureDefault *bool `yaml:"secure_default"`
	} `yaml:"chat"`
}

// Load builds the effective configuration. path points at the YAML overlay;
// a missing overlay file is not an error.
func Load(path string) (*Config, error) {
	// Best effort; absence of a .env file is the normal case.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}
	if err := applyOverlay(&cfg, path); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("error parsing YAML: %w", err)
	}

	if overlay.Log.Level != nil {
		cfg.Log.Level = *overlay.Log.Level
	}
	if overlay.Log.Format != nil {
		cfg.Log.Format = *overlay.Log.Format
	}
	if overlay.Log.Output != nil {
		cfg.Log.Output = *overlay.Log.Output
	}
	if overlay.Log.FilePath != nil {
		cfg.Log.FilePath = *overlay.Log.FilePath
	}
	if overlay.Log.TimeFormat != nil {
		cfg.Log.TimeFormat = *overlay.Log.TimeFormat
	}
	if overlay.Store.RedisURL != nil {
		cfg.Store.RedisURL = *overlay.Store.RedisURL
	}
	if overlay.Store.Namespace != nil {
		cfg.Store.Namespace = *overlay.Store.Namespace
	}
	if overlay.Chat.SecureDefault != nil {
		cfg.Chat.SecureDefault = *overlay.Chat.SecureDefault
	}
	return nil
}
