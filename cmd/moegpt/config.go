package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/moegpt/internal/checkpoint"
	"github.com/samcharles93/moegpt/internal/model"
)

// modelConfigKey is the checkpoint metadata entry holding the architecture.
const modelConfigKey = "model_config"

// Config represents the moegpt configuration file (~/.config/moegpt/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Model is decoded over model.DefaultConfig, so only the keys present
	// in the file change the architecture.
	Model yaml.Node `yaml:"model"`

	Train TrainConfig `yaml:"train"`
	Serve ServeConfig `yaml:"serve"`
}

type TrainConfig struct {
	Epochs       *int     `yaml:"epochs"`
	BatchSize    *int     `yaml:"batch_size"`
	Devices      *int     `yaml:"devices"`
	LearningRate *float64 `yaml:"learning_rate"`
	Optimizer    string   `yaml:"optimizer"`
	Sync         string   `yaml:"sync"`
	SavePolicy   string   `yaml:"save_policy"`
	Seed         *int64   `yaml:"seed"`
	Weights      string   `yaml:"weights"`
	Journal      string   `yaml:"journal"`
	DType        string   `yaml:"dtype"`
}

type ServeConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "moegpt", "config.yaml")
}

// loadConfig reads the config file. A missing file yields a zero Config
// unless the path was given explicitly.
func loadConfig(path string, explicit bool) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the logging flags.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// resolveModelConfig builds the architecture. A checkpoint that records its
// own config wins outright, since its tensors only fit that shape. Otherwise
// the defaults are overlaid with the config file and then the flags.
func resolveModelConfig(c *cli.Command, cfg Config, flags *modelFlagValues, weights string) (model.Config, error) {
	if weights != "" {
		mc, ok, err := checkpointModelConfig(weights)
		if err != nil {
			return model.Config{}, err
		}
		if ok {
			return mc, mc.Validate()
		}
	}
	mc := model.DefaultConfig()
	if !cfg.Model.IsZero() {
		if err := cfg.Model.Decode(&mc); err != nil {
			return model.Config{}, fmt.Errorf("decode model config: %w", err)
		}
	}
	flags.apply(c, &mc)
	mc = mc.WithDefaults()
	return mc, mc.Validate()
}

// checkpointModelConfig reads the architecture recorded in a checkpoint
// header. ok is false when the file predates the metadata entry.
func checkpointModelConfig(path string) (model.Config, bool, error) {
	f, err := checkpoint.Open(path)
	if err != nil {
		return model.Config{}, false, err
	}
	defer f.Close()
	raw, ok := f.Metadata[modelConfigKey]
	if !ok {
		return model.Config{}, false, nil
	}
	var mc model.Config
	if err := json.Unmarshal([]byte(raw), &mc); err != nil {
		return model.Config{}, false, fmt.Errorf("%s: decode %s: %w", path, modelConfigKey, err)
	}
	return mc.WithDefaults(), true, nil
}

func encodeModelConfig(mc model.Config) (string, error) {
	data, err := json.Marshal(mc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
