// Package app provides dependency injection container for assembling application components.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/CyberFlameGO/envkey/internal/action"
	"github.com/CyberFlameGO/envkey/internal/broadcast"
	"github.com/CyberFlameGO/envkey/internal/config"
	"github.com/CyberFlameGO/envkey/internal/crypto"
	"github.com/CyberFlameGO/envkey/internal/database"
	"github.com/CyberFlameGO/envkey/internal/devicelock"
	"github.com/CyberFlameGO/envkey/internal/envkey"
	"github.com/CyberFlameGO/envkey/internal/graph"
	graphRepository "github.com/CyberFlameGO/envkey/internal/graph/repository"
	"github.com/CyberFlameGO/envkey/internal/http"
	"github.com/CyberFlameGO/envkey/internal/metrics"
)

// GraphRepository is the persistence surface the application wires: the
// pipeline's transactional store plus the lookup paths used by the fetch
// endpoint, graph hydration, and the counter audit.
type GraphRepository interface {
	action.Repository
	GetBlob(ctx context.Context, scopeKey string) ([]byte, error)
	GetCounter(ctx context.Context, orgID string) (int, error)
	ListOrgIDs(ctx context.Context) ([]string, error)
}

// Container holds all application dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	// Configuration
	config  *config.Config
	version string

	// Infrastructure
	logger *slog.Logger
	db     *sql.DB

	// Managers
	txManager database.TxManager

	// Domain components
	graphRepo     GraphRepository
	graphStore    *graph.Store
	cryptoService crypto.Service
	envkeyManager *envkey.Manager
	lockMachine   *devicelock.Machine
	hub           *broadcast.Hub
	dispatcher    action.Dispatcher

	// Observability
	metricsProvider *metrics.Provider

	// Servers
	httpServer    *http.Server
	metricsServer *http.MetricsServer

	// Initialization flags and mutex for thread-safety
	mu                  sync.Mutex
	loggerInit          sync.Once
	dbInit              sync.Once
	txManagerInit       sync.Once
	graphRepoInit       sync.Once
	graphStoreInit      sync.Once
	cryptoServiceInit   sync.Once
	envkeyManagerInit   sync.Once
	lockMachineInit     sync.Once
	hubInit             sync.Once
	dispatcherInit      sync.Once
	metricsProviderInit sync.Once
	httpServerInit      sync.Once
	metricsServerInit   sync.Once
	initErrors          map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		version:    "dev",
		initErrors: make(map[string]error),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// SetVersion records the build version reported by the alive endpoint.
// Must be called before the HTTP server is first accessed.
func (c *Container) SetVersion(version string) {
	if version != "" {
		c.version = version
	}
}

// Logger returns the configured logger instance.
// It creates a new logger on first access based on the log level in configuration.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// DB returns the database connection.
// It creates and configures the database connection on first access.
func (c *Container) DB() (*sql.DB, error) {
	c.dbInit.Do(func() {
		db, err := c.initDB()
		if err != nil {
			c.initErrors["db"] = err
			return
		}
		c.db = db
	})
	if storedErr, exists := c.initErrors["db"]; exists {
		return nil, storedErr
	}
	return c.db, nil
}

// TxManager returns the transaction manager.
// It requires a database connection to be initialized first.
func (c *Container) TxManager() (database.TxManager, error) {
	c.txManagerInit.Do(func() {
		txManager, err := c.initTxManager()
		if err != nil {
			c.initErrors["txManager"] = err
			return
		}
		c.txManager = txManager
	})
	if storedErr, exists := c.initErrors["txManager"]; exists {
		return nil, storedErr
	}
	return c.txManager, nil
}

// GraphRepository returns the graph repository instance.
func (c *Container) GraphRepository() (GraphRepository, error) {
	c.graphRepoInit.Do(func() {
		repo, err := c.initGraphRepository()
		if err != nil {
			c.initErrors["graphRepo"] = err
			return
		}
		c.graphRepo = repo
	})
	if storedErr, exists := c.initErrors["graphRepo"]; exists {
		return nil, storedErr
	}
	return c.graphRepo, nil
}

// GraphStore returns the in-memory graph store. The store starts empty;
// HydrateGraphs loads persisted org graphs into it.
func (c *Container) GraphStore() *graph.Store {
	c.graphStoreInit.Do(func() {
		c.graphStore = graph.NewStore()
	})
	return c.graphStore
}

// HydrateGraphs loads every persisted org graph into the in-memory store.
// Called once at server startup, after migrations have run.
func (c *Container) HydrateGraphs(ctx context.Context) error {
	repo, err := c.GraphRepository()
	if err != nil {
		return err
	}
	store := c.GraphStore()

	orgIDs, err := repo.ListOrgIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list org ids: %w", err)
	}

	for _, orgID := range orgIDs {
		g, version, err := repo.LoadGraph(ctx, orgID)
		if err != nil {
			return fmt.Errorf("failed to load graph for org %s: %w", orgID, err)
		}
		store.Load(orgID, g, version)
	}

	c.Logger().Info("hydrated org graphs", slog.Int("orgs", len(orgIDs)))
	return nil
}

// CryptoService returns the keeper-backed crypto service.
func (c *Container) CryptoService() (crypto.Service, error) {
	c.cryptoServiceInit.Do(func() {
		svc, err := c.initCryptoService()
		if err != nil {
			c.initErrors["cryptoService"] = err
			return
		}
		c.cryptoService = svc
	})
	if storedErr, exists := c.initErrors["cryptoService"]; exists {
		return nil, storedErr
	}
	return c.cryptoService, nil
}

// EnvkeyManager returns the envkey lifecycle manager.
func (c *Container) EnvkeyManager() (*envkey.Manager, error) {
	c.envkeyManagerInit.Do(func() {
		cryptoService, err := c.CryptoService()
		if err != nil {
			c.initErrors["envkeyManager"] = err
			return
		}
		c.envkeyManager = envkey.NewManager(cryptoService)
	})
	if storedErr, exists := c.initErrors["envkeyManager"]; exists {
		return nil, storedErr
	}
	return c.envkeyManager, nil
}

// LockMachine returns the device lock state machine.
func (c *Container) LockMachine() *devicelock.Machine {
	c.lockMachineInit.Do(func() {
		c.lockMachine = devicelock.NewMachine(
			c.config.DeviceLockout,
			c.config.DeviceHeartbeatInterval,
			c.Logger(),
		)
	})
	return c.lockMachine
}

// Hub returns the broadcast hub.
func (c *Container) Hub() *broadcast.Hub {
	c.hubInit.Do(func() {
		c.hub = broadcast.NewHub(c.config.SocketWriteTimeout, c.Logger())
	})
	return c.hub
}

// MetricsProvider returns the OpenTelemetry metrics provider, or nil when
// metrics are disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	c.metricsProviderInit.Do(func() {
		if !c.config.MetricsEnabled {
			return
		}
		provider, err := metrics.NewProvider(c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["metricsProvider"] = err
			return
		}
		c.metricsProvider = provider
	})
	if storedErr, exists := c.initErrors["metricsProvider"]; exists {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

// Dispatcher returns the action dispatcher with all builtin actions
// registered. When metrics are enabled the dispatcher is wrapped with the
// business metrics decorator.
func (c *Container) Dispatcher() (action.Dispatcher, error) {
	c.dispatcherInit.Do(func() {
		dispatcher, err := c.initDispatcher()
		if err != nil {
			c.initErrors["dispatcher"] = err
			return
		}
		c.dispatcher = dispatcher
	})
	if storedErr, exists := c.initErrors["dispatcher"]; exists {
		return nil, storedErr
	}
	return c.dispatcher, nil
}

// HTTPServer returns the local API server instance.
func (c *Container) HTTPServer() (*http.Server, error) {
	c.httpServerInit.Do(func() {
		server, err := c.initHTTPServer()
		if err != nil {
			c.initErrors["httpServer"] = err
			return
		}
		c.httpServer = server
	})
	if storedErr, exists := c.initErrors["httpServer"]; exists {
		return nil, storedErr
	}
	return c.httpServer, nil
}

// MetricsServer returns the metrics server instance, or nil when metrics are
// disabled.
func (c *Container) MetricsServer() (*http.MetricsServer, error) {
	c.metricsServerInit.Do(func() {
		if !c.config.MetricsEnabled {
			return
		}
		provider, err := c.MetricsProvider()
		if err != nil {
			c.initErrors["metricsServer"] = err
			return
		}
		c.metricsServer = http.NewMetricsServer(
			c.config.ServerHost,
			c.config.MetricsPort,
			c.Logger(),
			provider,
		)
	})
	if storedErr, exists := c.initErrors["metricsServer"]; exists {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

// Shutdown performs cleanup of all initialized resources.
// It should be called when the application is shutting down.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	// Close subscriber sockets first so clients learn the server is going away.
	if c.hub != nil {
		c.hub.Shutdown()
	}

	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown errors: %v", shutdownErrors)
	}

	return nil
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

// initDB creates and configures the database connection.
func (c *Container) initDB() (*sql.DB, error) {
	db, err := database.Connect(database.Config{
		Driver:             c.config.DBDriver,
		ConnectionString:   c.config.DBConnectionString,
		MaxOpenConnections: c.config.DBMaxOpenConnections,
		MaxIdleConnections: c.config.DBMaxIdleConnections,
		ConnMaxLifetime:    c.config.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// initTxManager creates the transaction manager using the database connection.
func (c *Container) initTxManager() (database.TxManager, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for tx manager: %w", err)
	}
	return database.NewTxManager(db), nil
}

// initGraphRepository creates the graph repository instance.
func (c *Container) initGraphRepository() (GraphRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for graph repository: %w", err)
	}

	// Select the appropriate repository based on the database driver
	switch c.config.DBDriver {
	case "mysql":
		return graphRepository.NewMySQLGraphRepository(db), nil
	case "postgres":
		return graphRepository.NewPostgreSQLGraphRepository(db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
	}
}

// initCryptoService opens the secrets keeper and wraps it in the crypto
// service. An unset keeper URI falls back to an ephemeral local key, which is
// only useful for development: sealed material does not survive a restart.
func (c *Container) initCryptoService() (crypto.Service, error) {
	keeperURI := c.config.KeeperURI
	if keeperURI == "" {
		c.Logger().Warn("KEEPER_URI not set, using an ephemeral local keeper")
		keeperURI = "base64key://"
	}

	keeper, err := crypto.OpenKeeper(context.Background(), keeperURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open secrets keeper: %w", err)
	}
	return crypto.NewService(keeper), nil
}

// initDispatcher wires the action pipeline.
func (c *Container) initDispatcher() (action.Dispatcher, error) {
	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for dispatcher: %w", err)
	}

	repo, err := c.GraphRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get graph repository for dispatcher: %w", err)
	}

	envkeyManager, err := c.EnvkeyManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get envkey manager for dispatcher: %w", err)
	}

	cryptoService, err := c.CryptoService()
	if err != nil {
		return nil, fmt.Errorf("failed to get crypto service for dispatcher: %w", err)
	}

	registry := action.NewRegistry()
	err = action.RegisterBuiltin(registry, action.Deps{
		Envkeys: envkeyManager,
		Crypto:  cryptoService,
		Lock:    c.LockMachine(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register builtin actions: %w", err)
	}

	dispatcher := action.NewDispatcher(
		registry,
		c.GraphStore(),
		txManager,
		repo,
		c.Hub(),
		c.LockMachine(),
		c.config.SerialWaitTimeout,
		c.Logger(),
	)

	if c.config.MetricsEnabled {
		provider, err := c.MetricsProvider()
		if err != nil {
			return nil, fmt.Errorf("failed to get metrics provider for dispatcher: %w", err)
		}
		businessMetrics, err := metrics.NewBusinessMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
		if err != nil {
			return nil, fmt.Errorf("failed to create business metrics: %w", err)
		}
		dispatcher = action.NewMetricsDispatcher(dispatcher, businessMetrics)
	}

	return dispatcher, nil
}

// initHTTPServer creates the local API server with all its dependencies.
func (c *Container) initHTTPServer() (*http.Server, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for http server: %w", err)
	}

	dispatcher, err := c.Dispatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatcher for http server: %w", err)
	}

	repo, err := c.GraphRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get graph repository for http server: %w", err)
	}

	opts := []http.ServerOption{http.WithVersion(c.version)}
	if c.config.MetricsEnabled {
		provider, err := c.MetricsProvider()
		if err != nil {
			return nil, fmt.Errorf("failed to get metrics provider for http server: %w", err)
		}
		opts = append(opts, http.WithMetricsMiddleware(
			metrics.HTTPMetricsMiddleware(provider.MeterProvider(), c.config.MetricsNamespace),
		))
	}

	server := http.NewServer(
		c.config,
		db,
		dispatcher,
		c.GraphStore(),
		c.Hub(),
		c.LockMachine(),
		repo,
		c.Logger(),
		opts...,
	)

	return server, nil
}
