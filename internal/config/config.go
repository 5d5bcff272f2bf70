// Package config loads weft settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/weft/pkg/api"
)

// Storage selects the backend for workflow, edge and run-event records.
type Storage string

const (
	StorageMemory   Storage = "memory"
	StorageSQLite   Storage = "sqlite"
	StoragePostgres Storage = "postgres"
	StorageMongo    Storage = "mongo"
)

// Env keys.
const (
	EnvFile                = "WEFT_CONFIG"
	EnvPropagationAttempts = "WEFT_PROPAGATION_ATTEMPTS"
	EnvPropagationBackoff  = "WEFT_PROPAGATION_BACKOFF"
	EnvPropagationTimeout  = "WEFT_PROPAGATION_TIMEOUT"
	EnvRecheckDelay        = "WEFT_RECHECK_DELAY"
	EnvAutosaveQuiet       = "WEFT_AUTOSAVE_QUIET"
	EnvStatusCutoff        = "WEFT_STATUS_CUTOFF"
	EnvStorage             = "WEFT_STORAGE"
	EnvDatabaseURL         = "WEFT_DATABASE_URL"
	EnvRedisAddr           = "WEFT_REDIS_ADDR"
	EnvMongoURI            = "WEFT_MONGO_URI"
	EnvRunnerURL           = "WEFT_RUNNER_URL"
	EnvStatusURL           = "WEFT_STATUS_URL"
	EnvStatusInsecure      = "WEFT_STATUS_INSECURE"
)

type Propagation struct {
	Attempts     int           `yaml:"attempts"`
	Backoff      time.Duration `yaml:"backoff"`
	Timeout      time.Duration `yaml:"timeout"`
	RecheckDelay time.Duration `yaml:"recheckDelay"`
}

type Config struct {
	Propagation   Propagation   `yaml:"propagation"`
	AutosaveQuiet time.Duration `yaml:"autosaveQuiet"`
	StatusCutoff  time.Duration `yaml:"statusCutoff"`

	Storage     Storage `yaml:"storage"`
	DatabaseURL string  `yaml:"databaseUrl"`
	// RedisAddr, when set, moves schema records and run status onto Redis.
	RedisAddr string `yaml:"redisAddr"`
	MongoURI  string `yaml:"mongoUri"`

	// RunnerURL is the execution backend. Empty means the in-process runner.
	RunnerURL string `yaml:"runnerUrl"`
	// StatusURL is a socket.io endpoint pushing run status.
	StatusURL      string `yaml:"statusUrl"`
	StatusInsecure bool   `yaml:"statusInsecure"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Propagation: Propagation{
			Attempts:     api.DefaultPropagationPolicy.MaxAttempts,
			Backoff:      api.DefaultPropagationPolicy.InitialBackoff,
			Timeout:      api.DefaultPropagationPolicy.AttemptTimeout,
			RecheckDelay: 30 * time.Second,
		},
		AutosaveQuiet: 2 * time.Second,
		StatusCutoff:  10 * time.Minute,
		Storage:       StorageMemory,
	}
}

// FromEnv loads the file named by WEFT_CONFIG, if any, then the environment.
func FromEnv() (Config, error) {
	return Load(String(EnvFile, ""))
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.Propagation.Attempts, err = Int(EnvPropagationAttempts, c.Propagation.Attempts); err != nil {
		return err
	}
	if c.Propagation.Backoff, err = Duration(EnvPropagationBackoff, c.Propagation.Backoff); err != nil {
		return err
	}
	if c.Propagation.Timeout, err = Duration(EnvPropagationTimeout, c.Propagation.Timeout); err != nil {
		return err
	}
	if c.Propagation.RecheckDelay, err = Duration(EnvRecheckDelay, c.Propagation.RecheckDelay); err != nil {
		return err
	}
	if c.AutosaveQuiet, err = Duration(EnvAutosaveQuiet, c.AutosaveQuiet); err != nil {
		return err
	}
	if c.StatusCutoff, err = Duration(EnvStatusCutoff, c.StatusCutoff); err != nil {
		return err
	}
	if c.StatusInsecure, err = Bool(EnvStatusInsecure, c.StatusInsecure); err != nil {
		return err
	}

	c.Storage = Storage(String(EnvStorage, string(c.Storage)))
	c.DatabaseURL = String(EnvDatabaseURL, c.DatabaseURL)
	c.RedisAddr = String(EnvRedisAddr, c.RedisAddr)
	c.MongoURI = String(EnvMongoURI, c.MongoURI)
	c.RunnerURL = String(EnvRunnerURL, c.RunnerURL)
	c.StatusURL = String(EnvStatusURL, c.StatusURL)
	return nil
}

func (c Config) Validate() error {
	if c.Propagation.Attempts < 1 {
		return errors.New(EnvPropagationAttempts + " must be >= 1")
	}
	if c.Propagation.Backoff < 0 {
		return errors.New(EnvPropagationBackoff + " must be >= 0")
	}
	if c.Propagation.Timeout <= 0 {
		return errors.New(EnvPropagationTimeout + " must be positive")
	}
	if c.Propagation.RecheckDelay <= 0 {
		return errors.New(EnvRecheckDelay + " must be positive")
	}
	if c.AutosaveQuiet <= 0 {
		return errors.New(EnvAutosaveQuiet + " must be positive")
	}
	if c.StatusCutoff <= 0 {
		return errors.New(EnvStatusCutoff + " must be positive")
	}

	switch c.Storage {
	case StorageMemory:
	case StorageSQLite, StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%s is required for %s storage", EnvDatabaseURL, c.Storage)
		}
	case StorageMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("%s is required for mongo storage", EnvMongoURI)
		}
	default:
		return fmt.Errorf("%s: unknown storage %q", EnvStorage, c.Storage)
	}
	return nil
}
