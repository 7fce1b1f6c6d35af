// Package config assembles swarm-secrets settings from defaults, an
// optional JSONC config file and environment variables.
//
// Precedence, lowest first: built-in defaults, the config file, the
// environment. Command-line flags are applied on top by the cli package.
// The config file is JSON with comments, parsed with
// github.com/tidwall/jsonc like the manifests are; environment variables
// are read with github.com/caarlos0/env.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap/zapcore"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
	"github.com/shinji-kodama/swarm-secrets/internal/rollout"
)

// JournalOff disables the rollout journal when used as the journal path.
const JournalOff = "off"

// Config holds every setting that is not specific to one command.
type Config struct {
	// Host is the Docker daemon address. Empty means auto-detect.
	Host string `json:"host,omitempty" env:"DOCKER_HOST"`

	// Listen is the address the HTTP API binds to.
	Listen string `json:"listen,omitempty" env:"SWARM_SECRETS_LISTEN"`

	// Journal is the SQLite rollout journal path, or JournalOff.
	Journal string `json:"journal,omitempty" env:"SWARM_SECRETS_JOURNAL"`

	ConvergeTimeout Duration `json:"convergeTimeout,omitempty" env:"SWARM_SECRETS_CONVERGE_TIMEOUT"`
	PollInterval    Duration `json:"pollInterval,omitempty" env:"SWARM_SECRETS_POLL_INTERVAL"`

	// Rollback undoes a failed rollout while the original object still
	// exists.
	Rollback bool `json:"rollback" env:"SWARM_SECRETS_ROLLBACK"`

	// TempSuffix is inserted into temporary copy names.
	TempSuffix string `json:"tempSuffix,omitempty" env:"SWARM_SECRETS_TEMP_SUFFIX"`

	// AgeIdentity is the path of an age identity file for encrypted
	// payloads.
	AgeIdentity string `json:"ageIdentity,omitempty" env:"SWARM_SECRETS_AGE_IDENTITY"`

	LogLevel  string `json:"logLevel,omitempty" env:"SWARM_SECRETS_LOG_LEVEL"`
	LogFormat string `json:"logFormat,omitempty" env:"SWARM_SECRETS_LOG_FORMAT"`
}

// defaultListen is used when neither the config file, SWARM_SECRETS_LISTEN
// nor PORT name a listen address.
const defaultListen = ":3000"

// portEnv reads the PORT variable common to container platforms. It
// sets the listen port when no listen address is configured otherwise.
type portEnv struct {
	Port string `env:"PORT"`
}

// Duration is a time.Duration written as "90s" or "5m" in the config
// file and the environment.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Listen:          defaultListen,
		Journal:         defaultJournalPath(),
		ConvergeTimeout: Duration(5 * time.Minute),
		PollInterval:    Duration(time.Second),
		Rollback:        true,
		TempSuffix:      rollout.DefaultTempSuffix,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// Options controls Load.
type Options struct {
	// Path is an explicit config file. It must exist when set. When empty,
	// DefaultPath is used if that file exists.
	Path string

	// Environ replaces the process environment, for tests.
	Environ map[string]string
}

// Load builds the configuration. It returns the config file actually read,
// or "" when none was.
func Load(opts Options) (*Config, string, error) {
	cfg := Default()
	cfg.Listen = ""

	path := opts.Path
	if path == "" {
		if p := DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, "", err
		}
	}

	envOpts := env.Options{}
	if opts.Environ != nil {
		envOpts.Environment = opts.Environ
	}
	var port portEnv
	if err := env.ParseWithOptions(&port, envOpts); err != nil {
		return nil, "", model.WrapCLIError(model.ExitInvalidInput, "invalid environment", err)
	}
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return nil, "", model.WrapCLIError(model.ExitInvalidInput, "invalid environment", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
		if port.Port != "" {
			cfg.Listen = ":" + port.Port
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, path, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.WrapCLIError(model.ExitNotFound, fmt.Sprintf("config file not found: %s", path), err)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	var errs []error
	if c.ConvergeTimeout <= 0 {
		errs = append(errs, errors.New("convergeTimeout must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("pollInterval must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("logFormat must be \"console\" or \"json\", got %q", c.LogFormat))
	}
	if c.TempSuffix != "" {
		if err := model.ValidateObjectName(c.TempSuffix); err != nil {
			errs = append(errs, fmt.Errorf("tempSuffix: %w", err))
		} else if len(c.TempSuffix) > rollout.MaxTempSuffixLength {
			errs = append(errs, fmt.Errorf("tempSuffix must be at most %d characters", rollout.MaxTempSuffixLength))
		}
	}
	if len(errs) > 0 {
		return model.WrapCLIError(model.ExitInvalidInput, "invalid configuration", errors.Join(errs...))
	}
	return nil
}

// WaitOptions returns the convergence settings for the docker package.
func (c *Config) WaitOptions() docker.WaitOptions {
	w := docker.DefaultWaitOptions()
	w.Timeout = time.Duration(c.ConvergeTimeout)
	w.PollInterval = time.Duration(c.PollInterval)
	if w.MaxPollInterval < w.PollInterval {
		w.MaxPollInterval = w.PollInterval
	}
	return w
}

// RolloutOptions returns the settings for a rollout.Updater.
func (c *Config) RolloutOptions() rollout.Options {
	return rollout.Options{
		Wait:       c.WaitOptions(),
		Rollback:   c.Rollback,
		TempSuffix: c.TempSuffix,
	}
}

// JournalEnabled reports whether rollouts are journaled.
func (c *Config) JournalEnabled() bool {
	return c.Journal != "" && c.Journal != JournalOff
}

// DefaultPath returns $XDG_CONFIG_HOME/swarm-secrets/config.jsonc, or ""
// when no config directory can be determined.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "swarm-secrets", "config.jsonc")
}

// defaultJournalPath follows the XDG base directory layout for state
// files: $XDG_STATE_HOME, falling back to ~/.local/state.
func defaultJournalPath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return JournalOff
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "swarm-secrets", "journal.db")
}
