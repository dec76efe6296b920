package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	apperrors "github.com/CyberFlameGO/envkey/internal/errors"

	"github.com/CyberFlameGO/envkey/internal/app"
	"github.com/CyberFlameGO/envkey/internal/config"
)

// RunServer starts the local API server with graceful shutdown support.
// Loads configuration, initializes the DI container, hydrates persisted org
// graphs into memory, and starts the API and metrics servers. Blocks until
// receiving SIGINT/SIGTERM, a stop request over the API, or a fatal server
// error. On shutdown, stops the servers within DBConnMaxLifetime timeout.
func RunServer(ctx context.Context, version string) error {
	// Load configuration
	cfg := config.Load()

	// Set Gin mode based on log level
	gin.SetMode(cfg.GetGinMode())

	// Create DI container
	container := app.NewContainer(cfg)
	container.SetVersion(version)

	// Get logger from container
	logger := container.Logger()
	logger.Info("starting server", slog.String("version", version))

	// Ensure cleanup on exit
	defer closeContainer(container, logger)

	// Load persisted org graphs into the in-memory store. A missing schema is
	// an operator error; point at migrate first.
	if err := container.HydrateGraphs(ctx); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("failed to hydrate org graphs: %w", err)
	}

	// Get HTTP server from container (this initializes all dependencies)
	server, err := container.HTTPServer()
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	// Get Metrics server from container
	metricsServer, err := container.MetricsServer()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics server: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Drive the device-lock idle heartbeat for the lifetime of the server.
	go container.LockMachine().Run(ctx)

	// Start servers in goroutines
	serverErr := make(chan error, 2)
	go func() {
		if err := server.Start(ctx); err != nil {
			serverErr <- fmt.Errorf("api server error: %w", err)
		}
	}()

	if metricsServer != nil {
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				serverErr <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	// A nil *MetricsServer must stay nil as an interface value.
	var metricsShutdown apiServer
	if metricsServer != nil {
		metricsShutdown = metricsServer
	}

	// Wait for a shutdown signal, an API stop request, or a server error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return shutdownServers(cfg, server, metricsShutdown, nil)
	case <-server.StopRequested():
		logger.Info("stop requested via api")
		return shutdownServers(cfg, server, metricsShutdown, nil)
	case err := <-serverErr:
		// Attempt graceful shutdown if one server fails
		logger.Error("server error, initiating shutdown", slog.Any("error", err))
		return shutdownServers(cfg, server, metricsShutdown, err)
	}
}

// shutdownServers stops both servers within the configured timeout, joining
// any shutdown errors with the triggering error.
func shutdownServers(cfg *config.Config, server apiServer, metricsServer apiServer, cause error) error {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DBConnMaxLifetime)
	defer shutdownCancel()

	var shutdownErrors []error
	if cause != nil {
		shutdownErrors = append(shutdownErrors, cause)
	}

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("api server shutdown: %w", err))
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if len(shutdownErrors) > 0 {
		return errors.Join(shutdownErrors...)
	}
	return nil
}

// apiServer is the shutdown surface shared by both servers.
type apiServer interface {
	Shutdown(ctx context.Context) error
}
