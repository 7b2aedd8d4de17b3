// Package config loads kvdex's tunable constants, encoder selection
// and backend selection in three layers: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/logging"
)

// BackendKind selects which kv.Store implementation the CLI
// collaborators (migrate/export/import) should construct.
type BackendKind string

const (
	BackendMemory   BackendKind = "memory"
	BackendRedis    BackendKind = "redis"
	BackendPostgres BackendKind = "postgres"
)

// EncoderKind selects a shipped serializer.
type EncoderKind string

const (
	EncoderJSON EncoderKind = "json"
	EncoderGob  EncoderKind = "gob"
)

// LimitsConfig mirrors kv.Limits for file/env loading.
type LimitsConfig struct {
	AtomicOperationMutationLimit int `yaml:"atomic_operation_mutation_limit" env:"KVDEX_LIMIT_MUTATION"`
	AtomicOperationCheckLimit    int `yaml:"atomic_operation_check_limit" env:"KVDEX_LIMIT_CHECK"`
	AtomicOperationSizeLimit     int `yaml:"atomic_operation_size_limit" env:"KVDEX_LIMIT_SIZE"`
	AtomicOperationKeySizeLimit  int `yaml:"atomic_operation_key_size_limit" env:"KVDEX_LIMIT_KEYSIZE"`
	GetManyKeyLimit              int `yaml:"get_many_key_limit" env:"KVDEX_LIMIT_GETMANY"`
	Uint8ArrayLengthLimit        int `yaml:"uint8array_length_limit" env:"KVDEX_LIMIT_UINT8ARRAY"`
}

func (l LimitsConfig) ToLimits() kv.Limits {
	return kv.Limits{
		AtomicOperationMutationLimit: l.AtomicOperationMutationLimit,
		AtomicOperationCheckLimit:    l.AtomicOperationCheckLimit,
		AtomicOperationSizeLimit:     l.AtomicOperationSizeLimit,
		AtomicOperationKeySizeLimit:  l.AtomicOperationKeySizeLimit,
		GetManyKeyLimit:              l.GetManyKeyLimit,
		Uint8ArrayLengthLimit:        l.Uint8ArrayLengthLimit,
	}
}

// DatabaseConfig controls which backend a CLI collaborator opens and
// how.
type DatabaseConfig struct {
	Backend  BackendKind `yaml:"backend" env:"KVDEX_BACKEND"`
	RedisDSN string      `yaml:"redis_dsn" env:"KVDEX_REDIS_DSN"`
	PostgresDSN string   `yaml:"postgres_dsn" env:"KVDEX_POSTGRES_DSN"`
}

// EncodingConfig controls the default encoder a schema can opt a
// collection into.
type EncodingConfig struct {
	Serializer  EncoderKind `yaml:"serializer" env:"KVDEX_SERIALIZER"`
	Compress    bool        `yaml:"compress" env:"KVDEX_COMPRESS"`
}

// Config is kvdex's top-level configuration structure.
type Config struct {
	Logging  logging.Config `yaml:"logging"`
	Limits   LimitsConfig    `yaml:"limits"`
	Database DatabaseConfig  `yaml:"database"`
	Encoding EncodingConfig  `yaml:"encoding"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Limits: LimitsConfig{
			AtomicOperationMutationLimit: 1000,
			AtomicOperationCheckLimit:    1000,
			AtomicOperationSizeLimit:     10 * 1024 * 1024,
			AtomicOperationKeySizeLimit:  1000,
			GetManyKeyLimit:              1000,
			Uint8ArrayLengthLimit:        65536,
		},
		Database: DatabaseConfig{Backend: BackendMemory},
		Encoding: EncodingConfig{Serializer: EncoderJSON},
	}
}

// Load loads configuration from an optional file (CONFIG_FILE env var,
// or configs/kvdex.yaml if present) and then overlays process
// environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/kvdex.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when it finds zero `env:` tags to decode;
		// Config always has some, so any error here is a real
		// malformed-environment-variable problem.
		return nil, fmt.Errorf("config: decoding environment: %w", err)
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
