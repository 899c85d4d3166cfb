package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/localrivet/contextvault"
	"github.com/localrivet/contextvault/internal/config"
	"github.com/localrivet/contextvault/internal/errortypes"
	"github.com/localrivet/contextvault/internal/logger"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigFilename, "path to a JSON or YAML config file")
	mcpMode := flag.Bool("mcp", false, "serve MCP over stdio instead of HTTP")
	flag.Parse()

	// Initialize logging first thing
	appLogger := setupLogging()

	appLogger.Info("Context Vault - Starting...")

	cfg, err := config.LoadConfigWithPath(*configPath)
	if err != nil {
		logger.LogError(err)
		appLogger.Fatal("Failed to load configuration")
	}

	// Configure logging based on config
	appLogger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	appLogger.SetFormat(logger.ParseFormat(cfg.Logging.Format))
	slog.SetDefault(config.GetLoggerFromConfig(cfg))
	appLogger.Info("Log level set to %s", cfg.Logging.Level)

	transport := contextvault.TransportHTTP
	if *mcpMode {
		transport = contextvault.TransportMCP
	}

	srv, err := contextvault.NewServer(contextvault.ServerOptions{
		Config:       cfg,
		Logger:       slog.Default(),
		Transport:    transport,
		AccessLogger: appLogger,
	})
	if err != nil {
		logger.LogError(err)
		appLogger.Fatal("Failed to initialize context vault server")
	}
	appLogger.InfoContext("server", "Server initialized (transport=%s, store=%s)", transport, srv.GetStore().Name())

	shutdown := sync.OnceValue(srv.Stop)

	// Handle graceful shutdown
	setupSignalHandler(srv, shutdown, appLogger)

	appLogger.InfoContext("server", "Starting %s server...", transport)
	if err := srv.Start(); err != nil {
		err = errortypes.InternalError(err, "server failed")
		logger.LogError(err)
		appLogger.Fatal("Server stopped with an error")
	}

	// Start returns after a signal stopped the listener, or once stdin closed in MCP mode
	finish(srv, shutdown, appLogger)
}

// finish waits for the shared shutdown and logs the final metrics.
func finish(srv *contextvault.Server, shutdown func() error, log *logger.Logger) {
	if err := shutdown(); err != nil {
		var appErr *errortypes.AppError
		if !errors.As(err, &appErr) {
			err = errortypes.InternalError(err, "error during shutdown")
		}
		logger.LogError(err)
	}

	log.InfoContext("metrics", "Final metrics:\n%s", srv.MetricsReport())
	log.Info("Shutdown complete")
}

// setupLogging configures and returns the application logger
func setupLogging() *logger.Logger {
	logCfg := logger.DefaultConfig()

	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		logCfg.Level = logger.ParseLevel(levelStr)
	}
	if formatStr := os.Getenv("LOG_FORMAT"); formatStr != "" {
		logCfg.Format = logger.ParseFormat(formatStr)
	}

	appLogger := logger.New(logCfg)
	logger.SetDefaultLogger(appLogger)
	bootstrap := config.NewConfig()
	bootstrap.Logging.Level = os.Getenv("LOG_LEVEL")
	bootstrap.Logging.Format = os.Getenv("LOG_FORMAT")
	slog.SetDefault(config.GetLoggerFromConfig(bootstrap))

	return appLogger
}

// setupSignalHandler runs shutdown on SIGINT or SIGTERM. The MCP transport
// cannot be interrupted while reading stdin, so in that mode the process exits
// once shutdown finished.
func setupSignalHandler(srv *contextvault.Server, shutdown func() error, log *logger.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-c
		log.Info("Received %s, terminating gracefully...", sig)

		if srv.Handler() == nil {
			finish(srv, shutdown, log)
			os.Exit(0)
		}
		_ = shutdown()
	}()
}
