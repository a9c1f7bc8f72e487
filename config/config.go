package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"fittrack/auth"
	"fittrack/db"
	"fittrack/logging"
	"fittrack/ml"
)

// Environment variables that override the file.
const (
	EnvDSN       = "FITTRACK_DB_DSN"
	EnvDriver    = "FITTRACK_DB_DRIVER"
	EnvJWTSecret = "FITTRACK_JWT_SECRET"
	EnvDataset   = "FITTRACK_DATASET"
)

type Config struct {
	Http struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"http"`
	Log     logging.Config `yaml:"log"`
	Dataset struct {
		Path string `yaml:"path"`
	} `yaml:"dataset"`
	ML    ml.ForestConfig `yaml:"ml"`
	Store db.Config       `yaml:"store"`
	Auth  auth.Config     `yaml:"auth"`
	Cache struct {
		PredictionSize int `yaml:"prediction_size"`
	} `yaml:"cache"`
}

// Default returns a configuration that runs locally without a file.
func Default() *Config {
	var c Config
	c.Http.Port = 8080
	c.Http.ReadTimeout = 15 * time.Second
	c.Http.WriteTimeout = 15 * time.Second
	c.Http.ShutdownTimeout = 10 * time.Second
	c.Http.MaxBodyBytes = 1 << 20
	c.Http.AllowedOrigins = []string{"*"}
	c.Log = logging.Config{Level: "info", ToStdout: true}
	c.Dataset.Path = "activity_data_heartrate.csv"
	c.ML = ml.DefaultForestConfig()
	c.Store = db.Config{Driver: "csv", DSN: "data", EnableWAL: true}
	c.Auth = auth.Config{Issuer: "fittrack", TokenTTL: 24 * time.Hour, RevocationSize: 10000}
	c.Cache.PredictionSize = 1024
	return &c
}

// Load reads path on top of the defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.applyEnv()
	return c, c.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDSN); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv(EnvDriver); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv(EnvDataset); v != "" {
		c.Dataset.Path = v
	}
}

func (c *Config) Validate() error {
	if c.Http.Port <= 0 || c.Http.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.Http.Port)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set %s)", EnvJWTSecret)
	}
	if c.ML.NumTrees <= 0 {
		return fmt.Errorf("ml.num_trees must be positive")
	}
	return nil
}
