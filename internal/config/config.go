package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/localrivet/configurator"
	"github.com/localrivet/contextvault/internal/errortypes"
	"github.com/localrivet/contextvault/internal/logger"
	"gopkg.in/yaml.v3"
)

// Config represents the context vault configuration
type Config struct {
	// Store selects and configures the backing document store.
	Store struct {
		// Backend is "supabase" or "sqlite".
		Backend string `json:"backend" yaml:"backend" env:"STORE_BACKEND" validate:"required"`

		// SupabaseURL is the project URL, e.g. https://xyz.supabase.co.
		SupabaseURL string `json:"supabase_url" yaml:"supabase_url" env:"SUPABASE_URL"`

		// SupabaseServiceKey is sent as apikey and bearer token. Never logged.
		SupabaseServiceKey string `json:"supabase_service_key" yaml:"supabase_service_key" env:"SUPABASE_SERVICE_KEY"`

		// SQLitePath is the database file used by the sqlite backend.
		SQLitePath string `json:"sqlite_path" yaml:"sqlite_path" env:"SQLITE_PATH"`

		// TimeoutSeconds bounds each outbound store call.
		TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds" env:"STORE_TIMEOUT_SECONDS"`
	} `json:"store" yaml:"store"`

	// Server contains HTTP listener configuration.
	Server struct {
		Port                   int      `json:"port" yaml:"port" env:"PORT"`
		AllowedOrigins         []string `json:"allowed_origins" yaml:"allowed_origins"`
		ReadTimeoutSeconds     int      `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int      `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
		IdleTimeoutSeconds     int      `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
		ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	} `json:"server" yaml:"server"`

	// Logging contains logging-related configuration.
	Logging struct {
		// Level is the minimum log level to display ("debug", "info", "warn", "error").
		Level string `json:"level" yaml:"level" env:"LOG_LEVEL" validate:"required"`

		// Format is the log format to use ("text", "json").
		Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	} `json:"logging" yaml:"logging"`

	// Internal state (not saved to config file)
	configPath     string       `json:"-" yaml:"-"`
	mutex          sync.RWMutex `json:"-" yaml:"-"`
	lastModifiedAt time.Time    `json:"-" yaml:"-"`
}

// Default configuration values
const (
	DefaultConfigFilename = ".contextvaultconfig"
	DefaultBackend        = "supabase"
	DefaultSQLitePath     = ".contextvault.db"
	DefaultPort           = 8000
	DefaultTimeoutSeconds = 30
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"

	// EnvPrefix prefixes the environment variables read by configurator.
	EnvPrefix = "CONTEXTVAULT"
)

// Store backends
const (
	BackendSupabase = "supabase"
	BackendSQLite   = "sqlite"
)

// NewConfig creates a new Config instance with default values
func NewConfig() *Config {
	config := &Config{}
	config.Store.Backend = DefaultBackend
	config.Store.SQLitePath = DefaultSQLitePath
	config.Store.TimeoutSeconds = DefaultTimeoutSeconds
	config.Server.Port = DefaultPort
	config.Server.AllowedOrigins = []string{"*"}
	config.Server.ReadTimeoutSeconds = 15
	config.Server.WriteTimeoutSeconds = 60
	config.Server.IdleTimeoutSeconds = 120
	config.Server.ShutdownTimeoutSeconds = 10
	config.Logging.Level = DefaultLogLevel
	config.Logging.Format = DefaultLogFormat
	return config
}

// LoadConfig loads the configuration from the default path
func LoadConfig() (*Config, error) {
	return LoadConfigWithPath(DefaultConfigFilename)
}

// LoadConfigWithPath loads defaults, then the file at configPath if it exists,
// then environment overrides, and validates the result. Every failure is an
// errortypes.ConfigError.
func LoadConfigWithPath(configPath string) (*Config, error) {
	stdLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg := NewConfig()

	if configPath == DefaultConfigFilename {
		foundPath, err := configurator.FindConfigFile(configPath)
		if err == nil {
			configPath = foundPath
			stdLogger.Debug("Found config file at " + foundPath)
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		stdLogger.Debug("Config file not found, using defaults and environment", "path", configPath)
	} else if isYAML(configPath) {
		stdLogger.Info("Loading configuration", "path", configPath, "format", "yaml")
		if err := loadYAML(configPath, cfg); err != nil {
			return nil, err
		}
	} else {
		stdLogger.Info("Loading configuration", "path", configPath, "format", "json")

		loader := configurator.New(stdLogger).
			WithProvider(configurator.NewDefaultProvider()).
			WithProvider(configurator.NewFileProvider(configPath)).
			WithProvider(configurator.NewEnvProvider(EnvPrefix)).
			WithValidator(configurator.NewDefaultValidator())

		if err := loader.Load(context.Background(), cfg); err != nil {
			return nil, errortypes.ConfigError(err, "failed to load configuration").
				WithField("path", configPath)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.configPath = configPath
	cfg.lastModifiedAt = time.Now()
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errortypes.ConfigError(err, "failed to read config file").WithField("path", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errortypes.ConfigError(err, "failed to parse config file").WithField("path", path)
	}
	return nil
}

// ApplyEnv overlays the plain environment variables the service has always
// honoured. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("SUPABASE_URL", &c.Store.SupabaseURL)
	str("SUPABASE_SERVICE_KEY", &c.Store.SupabaseServiceKey)
	str(EnvPrefix+"_STORE_BACKEND", &c.Store.Backend)
	str(EnvPrefix+"_SQLITE_PATH", &c.Store.SQLitePath)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errortypes.ConfigError(err, "PORT must be an integer").WithField("value", v)
		}
		c.Server.Port = port
	}

	if v, ok := lookup(EnvPrefix + "_ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		var origins []string
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		c.Server.AllowedOrigins = origins
	}

	return nil
}

// Validate checks that every value the selected backend needs is present.
func (c *Config) Validate() error {
	invalid := func(field, msg string) error {
		return errortypes.ConfigError(errors.New(msg), "invalid configuration").WithField("field", field)
	}

	switch c.Store.Backend {
	case BackendSupabase:
		if c.Store.SupabaseURL == "" {
			return invalid("SUPABASE_URL", "SUPABASE_URL is required")
		}
		if c.Store.SupabaseServiceKey == "" {
			return invalid("SUPABASE_SERVICE_KEY", "SUPABASE_SERVICE_KEY is required")
		}
		u, err := url.Parse(c.Store.SupabaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("SUPABASE_URL", "SUPABASE_URL must be an absolute http(s) URL")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return invalid("store.sqlite_path", "sqlite_path is required for the sqlite backend")
		}
	default:
		return invalid("store.backend", fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}

	if c.Store.TimeoutSeconds <= 0 {
		return invalid("store.timeout_seconds", "timeout_seconds must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("PORT", fmt.Sprintf("port %d out of range", c.Server.Port))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("LOG_LEVEL", fmt.Sprintf("unknown log level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return invalid("LOG_FORMAT", fmt.Sprintf("unknown log format %q", c.Logging.Format))
	}

	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// StoreTimeout is the per-call timeout for the store.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// SaveToFile saves the configuration to the specified file. A .yaml or .yml
// extension selects YAML, anything else JSON.
func (c *Config) SaveToFile(path string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if isYAML(path) {
		data, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
	} else if err := configurator.SaveToFile(c, path, configurator.FormatJSON); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	c.configPath = path
	c.lastModifiedAt = time.Now()

	return nil
}

// Save saves the configuration to the last used file path
func (c *Config) Save() error {
	if c.configPath == "" {
		c.configPath = DefaultConfigFilename
	}
	return c.SaveToFile(c.configPath)
}

// GetConfigPath returns the path of the currently loaded configuration file
func (c *Config) GetConfigPath() string {
	return c.configPath
}

// GetLoggerFromConfig creates the stderr slog logger described by the
// logging section. Stdout stays free for the MCP transport.
func GetLoggerFromConfig(cfg *Config) *slog.Logger {
	return newSlogLogger(cfg, os.Stderr)
}

func newSlogLogger(cfg *Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logger.ParseLevel(cfg.Logging.Level).SlogLevel()}
	if logger.ParseFormat(cfg.Logging.Format) == logger.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
