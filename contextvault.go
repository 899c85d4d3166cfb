// Package contextvault is an HTTP and MCP gateway that stores JSON context
// documents in a Supabase table and queries them back by user and type.
package contextvault

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/localrivet/contextvault/internal/config"
	"github.com/localrivet/contextvault/internal/contextstore"
	"github.com/localrivet/contextvault/internal/errortypes"
	"github.com/localrivet/contextvault/internal/logger"
	"github.com/localrivet/contextvault/internal/server"
	"github.com/localrivet/contextvault/internal/telemetry"
	"github.com/localrivet/contextvault/internal/tools"
	"github.com/localrivet/contextvault/internal/vault"
)

// Config represents the configuration for the context vault.
type Config = config.Config

// Request and record types re-exported for embedding callers.
type (
	ContextRecord       = contextstore.ContextRecord
	SaveContextRequest  = tools.SaveContextRequest
	QueryContextRequest = tools.QueryContextRequest
)

// Transports selectable in ServerOptions.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
)

// Server represents the context vault service.
type Server struct {
	config     *config.Config
	store      contextstore.ContextStore
	service    *vault.Service
	transport  server.Transport
	httpServer *server.HTTPServer
	logger     *slog.Logger
}

// ServerOptions defines the options for creating a new Server.
type ServerOptions struct {
	Config     *Config      // Pre-filled config. If nil, ConfigPath is used.
	ConfigPath string       // Path to config file. Used if Config is nil. If both are empty, LoadConfig defaults plus environment are used.
	Logger     *slog.Logger // External logger. If nil, slog.Default() is used.

	// Transport is TransportHTTP (default) or TransportMCP.
	Transport string

	// AccessLogger writes the HTTP access log. The default logger is used when nil.
	AccessLogger *logger.Logger
}

// NewServer creates a new context vault Server with the given options.
func NewServer(opts ServerOptions) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var cfg *Config
	var err error

	if opts.Config != nil {
		cfg = opts.Config
		log.Info("Using provided Config object for server initialization")
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else if opts.ConfigPath != "" {
		log.Info("Loading configuration for server initialization", "path", opts.ConfigPath)
		cfg, err = config.LoadConfigWithPath(opts.ConfigPath)
		if err != nil {
			log.Error("Failed to load configuration from path", "path", opts.ConfigPath, "error", err)
			return nil, err
		}
	} else {
		log.Info("No Config object or ConfigPath provided, loading defaults and environment")
		cfg, err = config.LoadConfig()
		if err != nil {
			return nil, err
		}
	}

	store, svc, err := CreateComponents(cfg, log)
	if err != nil {
		log.Error("Failed to create components during server initialization", "error", err)
		return nil, err
	}

	s := &Server{
		config:  cfg,
		store:   store,
		service: svc,
		logger:  log,
	}

	switch opts.Transport {
	case TransportMCP:
		log.Info("Initializing MCP context tool server component")
		s.transport = server.NewContextToolServer(svc, config.GetLoggerFromConfig(cfg))
	case TransportHTTP, "":
		log.Info("Initializing HTTP server component", "addr", cfg.Addr())
		s.httpServer = server.NewHTTPServer(svc, server.HTTPOptions{
			Addr:            cfg.Addr(),
			AllowedOrigins:  cfg.Server.AllowedOrigins,
			ReadTimeout:     time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
			WriteTimeout:    time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
			IdleTimeout:     time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
			ShutdownTimeout: cfg.ShutdownTimeout(),
			Registry:        telemetry.Init(log),
			Logger:          opts.AccessLogger,
		})
		s.transport = s.httpServer
	default:
		store.Close()
		return nil, errortypes.ConfigError(errors.New("unknown transport "+opts.Transport), "invalid server options")
	}

	if err := s.transport.Initialize(); err != nil {
		store.Close()
		log.Error("Failed to initialize transport", "error", err)
		return nil, err
	}

	log.Info("Context vault server successfully initialized", "store", store.Name())
	return s, nil
}

// DefaultConfig returns the default configuration for the context vault.
// The Supabase credentials still have to be supplied.
func DefaultConfig() *Config {
	return config.NewConfig()
}

// SaveConfig writes cfg to path, as YAML for .yaml/.yml and JSON otherwise.
func SaveConfig(cfg *Config, path string) error {
	if err := cfg.SaveToFile(path); err != nil {
		return errortypes.ConfigError(err, "failed to save configuration").WithField("path", path)
	}
	return nil
}

// Start serves requests and blocks until the transport stops.
func (s *Server) Start() error {
	s.logger.Info("Starting context vault service")
	return s.transport.Start()
}

// Stop stops the transport and closes the store.
func (s *Server) Stop() error {
	s.logger.Info("Stopping context vault service")
	if err := s.transport.Stop(); err != nil {
		s.logger.Error("Error stopping transport", "error", err)
		return err
	}

	s.logger.Info("Closing store")
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close store", "error", err)
		return errortypes.StoreError(err, "failed to close store")
	}

	s.logger.Info("Context vault service stopped")
	return nil
}

// Save validates req and stores one record.
func (s *Server) Save(ctx context.Context, req SaveContextRequest) (*ContextRecord, error) {
	return s.service.Save(ctx, req)
}

// Query returns records matching req, newest first.
func (s *Server) Query(ctx context.Context, req QueryContextRequest) ([]ContextRecord, error) {
	return s.service.Query(ctx, req)
}

// Handler returns the HTTP handler, or nil for the MCP transport.
func (s *Server) Handler() http.Handler {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Handler()
}

// GetStore returns the context store instance used by the server.
func (s *Server) GetStore() contextstore.ContextStore {
	return s.store
}

// GetConfig returns the configuration the server was built from.
func (s *Server) GetConfig() *Config {
	return s.config
}

// MetricsReport returns the in-process metrics as text.
func (s *Server) MetricsReport() string {
	return s.service.Metrics().GetReport()
}

// CreateComponents opens the configured store and builds the gateway service
// in front of it, without any transport.
func CreateComponents(cfg *Config, log *slog.Logger) (contextstore.ContextStore, *vault.Service, error) {
	if log == nil {
		log = slog.Default()
	}

	var store contextstore.ContextStore
	switch cfg.Store.Backend {
	case config.BackendSupabase:
		log.Info("Initializing Supabase context store", "url", cfg.Store.SupabaseURL)
		supa, err := contextstore.NewSupabaseContextStore(cfg.Store.SupabaseURL, cfg.Store.SupabaseServiceKey,
			contextstore.WithHTTPClient(contextstore.NewHTTPClient(cfg.StoreTimeout())))
		if err != nil {
			return nil, nil, errortypes.ConfigError(err, "failed to create Supabase context store")
		}
		store = supa
	case config.BackendSQLite:
		log.Info("Initializing SQLite context store", "path", cfg.Store.SQLitePath)
		lite := contextstore.NewSQLiteContextStore()
		if err := lite.Initialize(cfg.Store.SQLitePath); err != nil {
			return nil, nil, errortypes.StoreError(err, "failed to initialize SQLite context store").
				WithField("path", cfg.Store.SQLitePath)
		}
		store = lite
	default:
		return nil, nil, errortypes.ConfigError(errors.New("unknown store backend "+cfg.Store.Backend), "invalid configuration")
	}

	svc := vault.NewService(store, telemetry.NewMetricsCollector(), log)
	log.Info("Components successfully initialized", "store", store.Name())
	return store, svc, nil
}
