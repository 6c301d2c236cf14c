// Package config resolves runtime settings from defaults, an optional
// biqt.yml file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileNames are the config files looked up in the working directory and
// in BIQT_HOME.
var FileNames = []string{"biqt.yml", "biqt.yaml"}

// Config holds every tunable of the CLI and the service.
type Config struct {
	// Home is the installation directory; providers live in Home/providers.
	Home        string        `yaml:"home,omitempty"`
	LogLevel    string        `yaml:"logLevel,omitempty"`
	EvalTimeout time.Duration `yaml:"evalTimeout,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty"`

	HTTPAddr    string `yaml:"httpAddr,omitempty"`
	GRPCAddr    string `yaml:"grpcAddr,omitempty"`
	DatabaseDSN string `yaml:"databaseDSN,omitempty"`
	RedisAddr   string `yaml:"redisAddr,omitempty"`

	KafkaBrokers []string `yaml:"kafkaBrokers,omitempty"`
	KafkaTopic   string   `yaml:"kafkaTopic,omitempty"`

	JWTSecret   string `yaml:"jwtSecret,omitempty"`
	JWTAudience string `yaml:"jwtAudience,omitempty"`

	// HomeSet is false when Home fell back to the working directory.
	HomeSet bool `yaml:"-"`
	// File is the config file that was read, if any.
	File string `yaml:"-"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Home:        ".",
		LogLevel:    "info",
		Concurrency: 1,
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		DatabaseDSN: "host=postgres user=postgres password=postgres dbname=biqt port=5432 sslmode=disable",
		RedisAddr:   "redis:6379",
		KafkaTopic:  "biqt.evaluations",
		JWTSecret:   "dev-secret",
	}
}

// ProvidersDir is where provider descriptors are discovered.
func (c Config) ProvidersDir() string {
	return filepath.Join(c.Home, "providers")
}

// Load builds the configuration. An explicit path must exist; otherwise
// the first FileNames entry found in the working directory or BIQT_HOME is
// used, and no file at all is fine.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := []string{path}
	if path == "" {
		candidates = candidates[:0]
		dirs := []string{"."}
		if home := os.Getenv("BIQT_HOME"); home != "" {
			dirs = append(dirs, home)
		}
		for _, dir := range dirs {
			for _, name := range FileNames {
				candidates = append(candidates, filepath.Join(dir, name))
			}
		}
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if path == "" && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("read config %s: %w", candidate, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", candidate, err)
		}
		cfg.File = candidate
		cfg.HomeSet = cfg.Home != "" && cfg.Home != "."
		break
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if home := os.Getenv("BIQT_HOME"); home != "" {
		c.Home = home
		c.HomeSet = true
	}
	c.LogLevel = getEnv("BIQT_LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("GRPC_ADDR", c.GRPCAddr)
	c.DatabaseDSN = getEnv("DATABASE_DSN", c.DatabaseDSN)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTAudience = getEnv("JWT_AUDIENCE", c.JWTAudience)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.KafkaBrokers = splitList(brokers)
	}
	if v := os.Getenv("BIQT_EVAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BIQT_EVAL_TIMEOUT: %w", err)
		}
		c.EvalTimeout = d
	}
	if v := os.Getenv("BIQT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BIQT_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	return nil
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	var errs []error
	if c.Home == "" {
		errs = append(errs, errors.New("home must not be empty"))
	}
	if c.EvalTimeout < 0 {
		errs = append(errs, fmt.Errorf("evalTimeout must not be negative, got %s", c.EvalTimeout))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
