package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MOBILITY_PIPELINE_CHUNK_SIZE
const EnvPrefix = "MOBILITY"

// Config 应用配置
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline" envconfig:"PIPELINE"`
	Impute   ImputeConfig   `yaml:"impute" envconfig:"IMPUTE"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Log      LogConfig      `yaml:"log" envconfig:"LOG"`
}

// PipelineConfig controls one aggregation run
type PipelineConfig struct {
	Index             string `yaml:"index" split_words:"true" validate:"oneof=s2 geohash"`
	BaseResolution    int    `yaml:"base_resolution" split_words:"true" validate:"min=1"`
	ReducedResolution int    `yaml:"reduced_resolution" split_words:"true" validate:"min=0"`
	ChunkSize         int    `yaml:"chunk_size" split_words:"true" validate:"min=1"`
	Prefetch          int    `yaml:"prefetch" split_words:"true" validate:"min=0"`
	InvalidPolicy     string `yaml:"invalid_policy" split_words:"true" validate:"oneof=skip fail"`
	DwellMode         string `yaml:"dwell_mode" split_words:"true" validate:"oneof=streaming samples"`
	TimestampUnit     string `yaml:"timestamp_unit" split_words:"true" validate:"oneof=s ms us ns"`
	AllowPartial      bool   `yaml:"allow_partial" split_words:"true"`
}

// ImputeConfig controls nearest-neighbour imputation
type ImputeConfig struct {
	Enabled   bool     `yaml:"enabled" split_words:"true"`
	Neighbors int      `yaml:"neighbors" split_words:"true" validate:"min=1"`
	Exclude   []string `yaml:"exclude" split_words:"true"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path" split_words:"true"` // empty disables persistence
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port" split_words:"true" validate:"required"`
	JWTSecret       string        `yaml:"jwt_secret" split_words:"true"` // empty disables auth
	RateLimit       float64       `yaml:"rate_limit" split_words:"true" validate:"min=0"`
	RateBurst       int           `yaml:"rate_burst" split_words:"true" validate:"min=0"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" split_words:"true" validate:"oneof=json console"`
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Index:          "s2",
			BaseResolution: 15,
			ChunkSize:      100000,
			Prefetch:       1,
			InvalidPolicy:  "skip",
			DwellMode:      "streaming",
			TimestampUnit:  "s",
		},
		Impute: ImputeConfig{
			Enabled:   true,
			Neighbors: 5,
		},
		Database: DatabaseConfig{
			Path: "./data/mobility.db",
		},
		Server: ServerConfig{
			Port:            ":8080",
			RateLimit:       20,
			RateBurst:       40,
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 加载配置: defaults, then the YAML file at path (optional), then
// MOBILITY_* environment variables, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the relations between resolutions
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	maxRes := 30
	if c.Pipeline.Index == "geohash" {
		maxRes = 12
	}
	if c.Pipeline.BaseResolution > maxRes {
		return fmt.Errorf("pipeline.base_resolution %d exceeds %d for %s",
			c.Pipeline.BaseResolution, maxRes, c.Pipeline.Index)
	}
	if r := c.Pipeline.ReducedResolution; r > 0 && r >= c.Pipeline.BaseResolution {
		return fmt.Errorf("pipeline.reduced_resolution %d must be coarser than base_resolution %d",
			r, c.Pipeline.BaseResolution)
	}
	return nil
}
