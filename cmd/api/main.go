// cmd/api/main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"areareport/internal/adapter/cache"
	"areareport/internal/adapter/docstore"
	"areareport/internal/adapter/events"
	"areareport/internal/adapter/storage"
	"areareport/internal/config"
	"areareport/internal/server"
	"areareport/internal/server/handlers"
	geoService "areareport/internal/service/geo"
	messageService "areareport/internal/service/message"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := initLogger(cfg)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	checks := make(map[string]handlers.CheckFunc)

	// Initialize storage
	var container docstore.Container
	switch cfg.Messages.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := initDatabase(ctx, cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize database")
		}
		defer db.Close()

		pg, err := docstore.NewPostgresContainer(db, cfg.Messages.ContainerName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create message container")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare message container")
		}

		container = pg
		checks["postgres"] = db.Ping
		logger.Info().Str("container", cfg.Messages.ContainerName).Msg("connected to PostgreSQL")
	case config.StoreDriverMemory:
		container = docstore.NewMemoryContainer()
		logger.Warn().Msg("using in-memory message store, data is lost on restart")
	}

	// Record cache is optional
	var recordCache storage.RecordCache
	if cfg.Redis.URL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer client.Close()

		recordCache = cache.NewRedisRecordCache(client, cfg.Redis.CacheTTL)
		checks["redis"] = redisCheck(client)
		logger.Info().Msg("connected to Redis")
	}

	// Region events are optional
	var publisher messageService.Publisher
	var subscriber handlers.Subscriber
	if cfg.NATS.URL != "" {
		natsConn, err := events.Connect(cfg.NATS.URL, cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait, cfg.NATS.ConnectTimeout, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer natsConn.Close()

		publisher = events.NewNATSPublisher(natsConn, cfg.NATS.EventsTopic)
		subscriber = natsConn
		checks["nats"] = natsCheck(natsConn)
		logger.Info().Str("url", natsConn.ConnectedUrl()).Msg("connected to NATS")
	}

	// Initialize services
	coverage := geoService.NewCoverageService(geoService.CoverageConfig{
		Precision:  cfg.Messages.DefaultPrecision,
		MaxRegions: cfg.Messages.MaxRegionsPerArea,
	})

	repo := storage.NewMessageRepository(container, recordCache, logger, storage.MessageRepositoryConfig{
		MaxDataAgeDays:       cfg.Messages.MaxDataAgeToReturnDays,
		PageSize:             cfg.Messages.PageSize,
		MaxConcurrentBatches: cfg.Messages.MaxConcurrentBatches,
	})

	service := messageService.NewService(repo, coverage, publisher, logger, messageService.ServiceConfig{
		MaxRequestIDs:       cfg.Messages.MaxRequestIDs,
		MaxAreasPerReport:   cfg.Messages.MaxAreasPerReport,
		MaxRegionsPerReport: cfg.Messages.MaxRegionsPerReport,
	})

	// Initialize HTTP server
	httpServer := server.NewServer(
		cfg.Server,
		logger,
		handlers.NewMessageHandler(service, cfg.Messages.DefaultPrecision, logger),
		handlers.NewRegionFeedHandler(subscriber, cfg.NATS.EventsTopic, cfg.Messages.DefaultPrecision, logger),
		handlers.NewHealthHandler(checks),
	)

	// Start HTTP server
	go func() {
		logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	<-shutdown
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// initLogger builds the process logger from the logging config
func initLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}

	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("env", cfg.Environment).
		Logger()
}

// Initialize database connection
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxLifetime

	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	// Test connection
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return db, nil
}

func redisCheck(client *redis.Client) handlers.CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func natsCheck(conn *nats.Conn) handlers.CheckFunc {
	return func(ctx context.Context) error {
		if status := conn.Status(); status != nats.CONNECTED {
			return fmt.Errorf("nats connection %s", status)
		}
		return nil
	}
}
