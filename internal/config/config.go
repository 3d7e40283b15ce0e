// Package config loads <base>/config.yaml, applies .env and environment
// overrides for secrets, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/bestbefore/internal/model"
)

const (
	FileName = "config.yaml"
	EnvFile  = ".env"
)

// Environment variables that override secrets from config.yaml.
const (
	EnvDatabaseURL = "BESTBEFORE_DATABASE_URL"
	EnvRestURL     = "BESTBEFORE_REST_URL"
	EnvAPIKey      = "BESTBEFORE_API_KEY"
	EnvJWTSecret   = "BESTBEFORE_JWT_SECRET"
)

const (
	DefaultRequestTimeoutSec   = 15
	DefaultRefreshIntervalSec  = 300
	DefaultReplayDebounceMs    = 500
	DefaultSettingsTTLSec      = 300
	DefaultDispatchIntervalSec = 30
	DefaultLookupTimeoutSec    = 10
	DefaultShutdownTimeoutSec  = 10
)

// Load reads the configuration of baseDir.
func Load(baseDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, FileName))
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", FileName, err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", FileName, err)
	}

	env, err := readEnv(filepath.Join(baseDir, EnvFile))
	if err != nil {
		return model.Config{}, err
	}
	applyEnv(&cfg, env)
	ApplyDefaults(&cfg)

	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// readEnv merges the .env file (if any) under the process environment.
func readEnv(path string) (map[string]string, error) {
	vars := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		vars, err = godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", EnvFile, err)
		}
	}
	for _, key := range []string{EnvDatabaseURL, EnvRestURL, EnvAPIKey, EnvJWTSecret} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			vars[key] = v
		}
	}
	return vars, nil
}

func applyEnv(cfg *model.Config, env map[string]string) {
	set := func(dst *string, key string) {
		if v := env[key]; v != "" {
			*dst = v
		}
	}
	set(&cfg.Remote.DatabaseURL, EnvDatabaseURL)
	set(&cfg.Remote.RestURL, EnvRestURL)
	set(&cfg.Remote.APIKey, EnvAPIKey)
	set(&cfg.Auth.JWTSecret, EnvJWTSecret)
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *model.Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Backend {
		case "file":
			cfg.Storage.Path = "state"
		case "sqlite":
			cfg.Storage.Path = "state/bestbefore.db"
		}
	}
	if cfg.Remote.Backend == "" {
		cfg.Remote.Backend = "postgrest"
	}
	if cfg.Remote.RequestTimeoutSec == 0 {
		cfg.Remote.RequestTimeoutSec = DefaultRequestTimeoutSec
	}
	if cfg.Sync.RefreshIntervalSec == 0 {
		cfg.Sync.RefreshIntervalSec = DefaultRefreshIntervalSec
	}
	if cfg.Sync.ReplayDebounceMs == 0 {
		cfg.Sync.ReplayDebounceMs = DefaultReplayDebounceMs
	}
	if cfg.Reminders.DefaultDays == 0 {
		cfg.Reminders.DefaultDays = model.DefaultReminderDays
	}
	if cfg.Reminders.SettingsTTLSec == 0 {
		cfg.Reminders.SettingsTTLSec = DefaultSettingsTTLSec
	}
	if cfg.Notify.Sender == "" {
		cfg.Notify.Sender = "auto"
	}
	if cfg.Notify.DispatchIntervalSec == 0 {
		cfg.Notify.DispatchIntervalSec = DefaultDispatchIntervalSec
	}
	if cfg.Lookup.TimeoutSec == 0 {
		cfg.Lookup.TimeoutSec = DefaultLookupTimeoutSec
	}
	if cfg.Daemon.ShutdownTimeoutSec == 0 {
		cfg.Daemon.ShutdownTimeoutSec = DefaultShutdownTimeoutSec
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

var validate = validator.New()

// Validate checks struct tags plus the rules tags cannot express.
func Validate(cfg model.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	if cfg.Remote.Backend == "postgrest" && cfg.Remote.RestURL == "" {
		errs = append(errs, fmt.Errorf("remote.rest_url is required for the postgrest backend (or set %s)", EnvRestURL))
	}
	if _, err := Location(cfg); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location resolves reminders.timezone; empty means the local zone.
func Location(cfg model.Config) (*time.Location, error) {
	if cfg.Reminders.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(cfg.Reminders.Timezone)
	if err != nil {
		return nil, fmt.Errorf("reminders.timezone: %w", err)
	}
	return loc, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func RequestTimeout(cfg model.Config) time.Duration {
	return seconds(cfg.Remote.RequestTimeoutSec)
}

func RefreshInterval(cfg model.Config) time.Duration {
	return seconds(cfg.Sync.RefreshIntervalSec)
}

func ReplayDebounce(cfg model.Config) time.Duration {
	return time.Duration(cfg.Sync.ReplayDebounceMs) * time.Millisecond
}

func SettingsTTL(cfg model.Config) time.Duration {
	return seconds(cfg.Reminders.SettingsTTLSec)
}

func DispatchInterval(cfg model.Config) time.Duration {
	return seconds(cfg.Notify.DispatchIntervalSec)
}

func LookupTimeout(cfg model.Config) time.Duration {
	return seconds(cfg.Lookup.TimeoutSec)
}

func ShutdownTimeout(cfg model.Config) time.Duration {
	return seconds(cfg.Daemon.ShutdownTimeoutSec)
}
