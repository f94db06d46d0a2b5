package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"wisard/pkg/model"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`           // HTTP listen address (e.g. :8080)
	MaxBodyBytes int64  `yaml:"max_body_bytes"` // upper bound for sample and model uploads
}

// ModelConfig holds the hyperparameters of the network created at startup.
type ModelConfig struct {
	Hashtables   uint16 `yaml:"hashtables"`
	AddrLength   uint16 `yaml:"addr_length"`
	Bleach       uint16 `yaml:"bleach"`
	TargetWidth  uint32 `yaml:"target_width"`
	TargetHeight uint32 `yaml:"target_height"`
}

type StorageConfig struct {
	Path string `yaml:"path"` // SQLite checkpoint database, empty disables checkpoints
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SearchPaths are tried in order when Load is given no path.
var SearchPaths = []string{"configs/wisard.yaml", "wisard.yaml"}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodyBytes: 64 << 20,
		},
		Model: ModelConfig{
			Hashtables:   model.DefaultHashtables,
			AddrLength:   model.DefaultAddrLength,
			Bleach:       model.DefaultBleach,
			TargetWidth:  model.DefaultWidth,
			TargetHeight: model.DefaultHeight,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "pretty",
		},
	}
}

// Load reads the YAML file at configPath on top of the defaults. With an
// empty path the first readable file of SearchPaths is used, and the defaults
// alone when none exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range SearchPaths {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, fmt.Errorf("error parsing config %s: %w", p, err)
				}
				applyDefaults(cfg)
				return cfg, nil
			}
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, fmt.Errorf("error reading config %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config %s: %w", configPath, err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = def.Server.MaxBodyBytes
	}
	if cfg.Model.Hashtables == 0 {
		cfg.Model.Hashtables = def.Model.Hashtables
	}
	if cfg.Model.AddrLength == 0 {
		cfg.Model.AddrLength = def.Model.AddrLength
	}
	if cfg.Model.TargetWidth == 0 || cfg.Model.TargetHeight == 0 {
		cfg.Model.TargetWidth = def.Model.TargetWidth
		cfg.Model.TargetHeight = def.Model.TargetHeight
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
}

// Hyperparameters converts the model section. The mapping is left nil so the
// network shuffles a fresh one.
func (m ModelConfig) Hyperparameters() model.Hyperparameters {
	return model.Hyperparameters{
		Hashtables: m.Hashtables,
		AddrLength: m.AddrLength,
		Bleach:     m.Bleach,
		TargetSize: model.Size{Width: m.TargetWidth, Height: m.TargetHeight},
	}
}
