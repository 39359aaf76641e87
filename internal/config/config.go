// Package config loads and validates the reconmap configuration file.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/reconmap/internal/advisor"
	"github.com/anstrom/reconmap/internal/auth"
	"github.com/anstrom/reconmap/internal/dispatcher"
	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/resolve"
	"github.com/anstrom/reconmap/internal/runner"
	"github.com/anstrom/reconmap/internal/scheduler"
	"github.com/anstrom/reconmap/internal/store"
)

const (
	defaultProjectPath    = "reconmap.json"
	defaultAPIPort        = 8080
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRequestSize = 10 << 20 // scan documents can be large
	defaultRateLimit      = 300
	defaultShutdown       = 10 * time.Second
	defaultSnapshotName   = "autosave"
	defaultSnapshotKeep   = 10
	defaultJobTimeout     = time.Minute
)

// Config represents the complete reconmap configuration.
type Config struct {
	Project    ProjectConfig     `yaml:"project" json:"project" mapstructure:"project"`
	Shell      runner.Config     `yaml:"shell" json:"shell" mapstructure:"shell"`
	Dispatcher dispatcher.Config `yaml:"dispatcher" json:"dispatcher" mapstructure:"dispatcher"`
	Logging    logging.Config    `yaml:"logging" json:"logging" mapstructure:"logging"`
	API        APIConfig         `yaml:"api" json:"api" mapstructure:"api"`
	Store      store.Config      `yaml:"store" json:"store" mapstructure:"store"`
	Scheduler  SchedulerConfig   `yaml:"scheduler" json:"scheduler" mapstructure:"scheduler"`
	Advisor    AdvisorConfig     `yaml:"advisor" json:"advisor" mapstructure:"advisor"`
	Resolver   resolve.Config    `yaml:"resolver" json:"resolver" mapstructure:"resolver"`
}

// ProjectConfig locates the project document.
type ProjectConfig struct {
	// Path of the project document read and written by the CLI.
	Path string `yaml:"path" json:"path" mapstructure:"path" validate:"required"`
	// AtomicImport discards the whole document when an XML import fails
	// halfway, instead of keeping the hosts committed before the failure.
	AtomicImport bool `yaml:"atomic_import" json:"atomic_import" mapstructure:"atomic_import"`
}

// APIConfig holds API server settings
type APIConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" mapstructure:"listen_addr"`
	Port       int    `yaml:"port" json:"port" mapstructure:"port" validate:"gte=0,lte=65535"`

	TLS TLSConfig `yaml:"tls" json:"tls" mapstructure:"tls"`

	// Keys are bcrypt hashes of accepted API keys. With no keys the API
	// only serves loopback clients.
	Keys []auth.KeyConfig `yaml:"keys" json:"keys" mapstructure:"keys" validate:"dive"`

	CORS      CORSConfig      `yaml:"cors" json:"cors" mapstructure:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`

	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout" mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxRequestSize  int64         `yaml:"max_request_size" json:"max_request_size" mapstructure:"max_request_size" validate:"gte=0"`
}

// TLSConfig holds TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file" mapstructure:"key_file"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers" mapstructure:"allowed_headers"`
}

// RateLimitConfig bounds requests per client address.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Requests int           `yaml:"requests" json:"requests" mapstructure:"requests" validate:"gte=0"`
	Window   time.Duration `yaml:"window" json:"window" mapstructure:"window"`
}

// SchedulerConfig holds the recurring jobs of the serve command.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	// Autosave is the cron expression of the snapshot job; empty disables it.
	Autosave string `yaml:"autosave" json:"autosave" mapstructure:"autosave"`
	// SnapshotName is the store name autosaves are written under.
	SnapshotName string `yaml:"snapshot_name" json:"snapshot_name" mapstructure:"snapshot_name"`
	// Keep is the number of autosave snapshots retained; 0 keeps all.
	Keep       int                   `yaml:"keep" json:"keep" mapstructure:"keep" validate:"gte=0"`
	JobTimeout time.Duration         `yaml:"job_timeout" json:"job_timeout" mapstructure:"job_timeout"`
	Jobs       []scheduler.JobConfig `yaml:"jobs" json:"jobs" mapstructure:"jobs" validate:"dive"`
}

// AdvisorConfig holds the advisor profiles and prompts.
type AdvisorConfig struct {
	// Profiles selected when a request names none.
	Profiles []string `yaml:"profiles" json:"profiles" mapstructure:"profiles"`
	// Prompts override or extend the built-in profile prompts.
	Prompts map[string]string `yaml:"prompts" json:"prompts" mapstructure:"prompts"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Project:    ProjectConfig{Path: defaultProjectPath},
		Shell:      runner.DefaultConfig(),
		Dispatcher: dispatcher.DefaultConfig(),
		Logging:    logging.DefaultConfig(),
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1",
			Port:       defaultAPIPort,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			},
			RateLimit: RateLimitConfig{
				Enabled:  true,
				Requests: defaultRateLimit,
				Window:   time.Minute,
			},
			RequestTimeout:  defaultRequestTimeout,
			ShutdownTimeout: defaultShutdown,
			MaxRequestSize:  defaultMaxRequestSize,
		},
		Store: store.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Enabled:      true,
			Autosave:     "@every 5m",
			SnapshotName: defaultSnapshotName,
			Keep:         defaultSnapshotKeep,
			JobTimeout:   defaultJobTimeout,
		},
		Advisor: AdvisorConfig{
			Profiles: []string{advisor.ProfileInfra},
		},
		Resolver: resolve.DefaultConfig(),
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// JSON is a subset of YAML, so one decoder serves both extensions.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may carry database credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate validates the configuration. Struct tags are checked first, then
// the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed on the '%s' rule", fe.Tag()), fieldPath(fe.Namespace()), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if c.Dispatcher.Tick < 0 {
		return errors.NewConfigFieldError(errors.CodeValidation, "dispatcher tick must not be negative", "dispatcher.tick", c.Dispatcher.Tick)
	}

	if c.API.Enabled {
		if c.API.Port <= 0 {
			return errors.NewConfigFieldError(errors.CodeValidation, "API port must be between 1 and 65535", "api.port", c.API.Port)
		}
		if c.API.ListenAddr == "" {
			return errors.NewConfigFieldError(errors.CodeValidation, "API listen address is required when API is enabled", "api.listen_addr", c.API.ListenAddr)
		}
	}
	if c.API.RateLimit.Enabled && (c.API.RateLimit.Requests <= 0 || c.API.RateLimit.Window <= 0) {
		return errors.NewConfigFieldError(errors.CodeValidation, "rate limit needs a positive request count and window", "api.rate_limit", c.API.RateLimit)
	}
	if c.API.TLS.Enabled {
		if c.API.TLS.CertFile == "" {
			return errors.NewConfigFieldError(errors.CodeValidation, "TLS certificate file is required when TLS is enabled", "api.tls.cert_file", "")
		}
		if c.API.TLS.KeyFile == "" {
			return errors.NewConfigFieldError(errors.CodeValidation, "TLS key file is required when TLS is enabled", "api.tls.key_file", "")
		}
	}
	for i, k := range c.API.Keys {
		if !strings.HasPrefix(k.Hash, "$2") {
			return errors.NewConfigFieldError(errors.CodeValidation, "API key hash is not a bcrypt hash",
				fmt.Sprintf("api.keys[%d].hash", i), k.Name)
		}
	}

	switch c.Store.Driver {
	case store.DriverSQLite:
		if c.Store.Path == "" {
			return errors.NewConfigFieldError(errors.CodeValidation, "store path is required for sqlite", "store.path", "")
		}
	case store.DriverPostgres:
		if c.Store.DSN == "" && (c.Store.Host == "" || c.Store.Database == "") {
			return errors.NewConfigFieldError(errors.CodeValidation, "postgres store needs a dsn or host and database", "store.dsn", "")
		}
	default:
		return errors.NewConfigFieldError(errors.CodeValidation, "invalid store driver", "store.driver", c.Store.Driver)
	}

	switch c.Logging.Level {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return errors.NewConfigFieldError(errors.CodeValidation, "invalid log level", "logging.level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case logging.FormatText, logging.FormatJSON:
	default:
		return errors.NewConfigFieldError(errors.CodeValidation, "invalid log format", "logging.format", c.Logging.Format)
	}

	names := make(map[string]bool, len(c.Scheduler.Jobs))
	for _, j := range c.Scheduler.Jobs {
		if names[j.Name] {
			return errors.NewConfigFieldError(errors.CodeValidation, "duplicate scheduled job name", "scheduler.jobs", j.Name)
		}
		names[j.Name] = true
	}
	if c.Scheduler.Autosave != "" && c.Scheduler.SnapshotName == "" {
		return errors.NewConfigFieldError(errors.CodeValidation, "snapshot name is required for autosave", "scheduler.snapshot_name", "")
	}

	return nil
}

// fieldPath turns a validator namespace such as Config.API.Keys[0].Hash into
// api.keys[0].hash.
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}

// Prompts returns the built-in profile prompts with the configured ones
// applied on top.
func (c *Config) Prompts() map[string]string {
	prompts := advisor.DefaultPrompts()
	for k, v := range c.Advisor.Prompts {
		prompts[k] = v
	}
	return prompts
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}
