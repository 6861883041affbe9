package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/courier-dispatch/internal/api/dto"
	"github.com/gocomet/courier-dispatch/internal/api/handlers"
	"github.com/gocomet/courier-dispatch/internal/api/middleware"
	"github.com/gocomet/courier-dispatch/internal/api/routes"
	"github.com/gocomet/courier-dispatch/internal/config"
	"github.com/gocomet/courier-dispatch/internal/domain/booking"
	"github.com/gocomet/courier-dispatch/internal/events"
	"github.com/gocomet/courier-dispatch/internal/repository"
	"github.com/gocomet/courier-dispatch/internal/service/lifecycle"
	"github.com/gocomet/courier-dispatch/internal/service/matching"
	"github.com/gocomet/courier-dispatch/internal/service/presence"
	"github.com/gocomet/courier-dispatch/pkg/cache"
	"github.com/gocomet/courier-dispatch/pkg/database"
	"github.com/gocomet/courier-dispatch/pkg/logger"
	"github.com/gocomet/courier-dispatch/pkg/monitoring"
	"github.com/gocomet/courier-dispatch/pkg/websocket"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Courier Dispatch",
		logger.String("env", cfg.Server.Env),
		logger.String("port", cfg.Server.Port),
		logger.String("storage", cfg.Storage.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize New Relic
	nrApp, err := monitoring.New(monitoring.Config{
		LicenseKey: cfg.NewRelic.LicenseKey,
		AppName:    cfg.NewRelic.AppName,
		Enabled:    cfg.NewRelic.Enabled,
		LogLevel:   cfg.NewRelic.LogLevel,
	})
	if err != nil {
		appLogger.Warn("Failed to initialize New Relic", logger.Err(err))
	} else if nrApp.IsEnabled() {
		appLogger.Info("New Relic APM initialized successfully",
			logger.String("app_name", cfg.NewRelic.AppName),
			logger.Bool("enabled", true))
	} else {
		appLogger.Info("New Relic APM disabled")
	}
	defer nrApp.Shutdown(10 * time.Second)

	// Initialize Redis
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedisClient(ctx, cache.Config{
			Addr:        cfg.Redis.Addr(),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			MaxRetries:  cfg.Redis.MaxRetries,
			PoolSize:    cfg.Redis.PoolSize,
			MinIdleConn: cfg.Redis.MinIdleConn,
			DialTimeout: cfg.Redis.DialTimeout,
			ReadTimeout: cfg.Redis.ReadTimeout,
		})
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", logger.Err(err))
		}
		defer cache.Close(redisClient)
		appLogger.Info("Connected to Redis successfully")
	}

	// Initialize booking storage
	var postgresDB *sql.DB
	var repo booking.Repository
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		postgresDB, err = database.NewPostgresDB(ctx, database.Config{
			DSN:         cfg.Database.DSN(),
			MaxConns:    cfg.Database.MaxConnections,
			MaxIdle:     cfg.Database.MaxIdleConns,
			MaxLifetime: cfg.Database.MaxLifetime,
		})
		if err != nil {
			appLogger.Fatal("Failed to connect to PostgreSQL", logger.Err(err))
		}
		defer postgresDB.Close()

		pgRepo := repository.NewPostgresBookingRepository(postgresDB)
		if cfg.Storage.Migrate {
			if err := pgRepo.Migrate(ctx); err != nil {
				appLogger.Fatal("Failed to migrate bookings schema", logger.Err(err))
			}
		}
		repo = pgRepo
		appLogger.Info("Connected to PostgreSQL successfully")
	default:
		repo = repository.NewMemoryBookingRepository()
	}
	if redisClient != nil {
		repo = repository.NewCachedBookingRepository(repo, redisClient, cfg.Storage.CacheTTL, appLogger)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(appLogger)
	go wsHub.Run(ctx)

	// Event publishers
	publishers := events.Multi{}
	if cfg.Events.LogEvents {
		publishers = append(publishers, events.NewLogPublisher(appLogger))
	}
	if nrApp.IsEnabled() {
		publishers = append(publishers, events.NewAPMPublisher(nrApp))
	}
	if cfg.Features.EnableRealTimeUpdates {
		publishers = append(publishers, events.NewHubPublisher(wsHub))
	}
	if redisClient != nil {
		publishers = append(publishers, events.NewRedisPublisher(redisClient, cfg.Events.RedisPrefix))
	}
	if cfg.Kafka.Enabled {
		kafkaPublisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaPublisher.Close()
		publishers = append(publishers, kafkaPublisher)
		appLogger.Info("Publishing booking events to Kafka",
			logger.String("topic", cfg.Kafka.Topic))
	}

	// Dispatch services
	registry := presence.NewRegistry(appLogger, presence.Config{
		LocationRate:  cfg.Presence.LocationUpdatesPerSecond,
		LocationBurst: cfg.Presence.LocationBurst,
	})
	selector := matching.NewNearestSelector(matching.SelectorConfig{
		MaxRadiusKM:         cfg.Matching.MaxRadiusKM,
		MaxExpandedRadiusKM: cfg.Matching.MaxExpandedRadiusKM,
	}, nil)
	clock := matching.RealClock()
	coordinator := matching.NewCoordinator(repo, registry, publishers, selector, clock, appLogger, matching.Config{
		OfferTTL:       cfg.Matching.OfferTTL,
		MaxOfferRounds: cfg.Matching.MaxOfferRounds,
		ExpiryTimeout:  cfg.Matching.ExpiryTimeout,
		ExpiryRetry:    cfg.Matching.ExpiryRetry,
	})
	defer coordinator.Stop()
	appLogger.Info("Offer coordination configured",
		logger.Duration("offer_ttl", cfg.Matching.OfferTTL),
		logger.Int("max_offer_rounds", cfg.Matching.MaxOfferRounds),
		logger.Float64("max_radius_km", cfg.Matching.MaxRadiusKM),
		logger.Float64("max_expanded_radius_km", cfg.Matching.MaxExpandedRadiusKM),
	)

	// Offers stored before a restart have no timer in this process.
	recoverTxn := nrApp.StartTransaction("coordinator.recover")
	if _, err := coordinator.Recover(newrelic.NewContext(ctx, recoverTxn)); err != nil {
		recoverTxn.NoticeError(err)
		appLogger.Error("Failed to recover offer timers", logger.Err(err))
	}
	recoverTxn.End()

	service := lifecycle.NewService(repo, coordinator, registry, clock, nrApp, appLogger, lifecycle.Config{
		AutoMatch: cfg.Features.EnableAutoMatching,
	})

	// Initialize handlers with dependencies
	if err := dto.RegisterValidators(); err != nil {
		appLogger.Fatal("Failed to register validators", logger.Err(err))
	}
	h := handlers.NewHandlers(service, wsHub, appLogger, handlers.Config{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
	})

	// Initialize Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(appLogger))

	// Setup all routes
	var nrApplication *newrelic.Application
	if nrApp.IsEnabled() {
		nrApplication = nrApp.Application
	}
	routes.SetupRoutes(router, h, nrApplication)

	appLogger.Info("Routes configured successfully")

	go reportPoolStats(ctx, nrApp, postgresDB, redisClient)

	// Create HTTP server
	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// Start server in a goroutine
	go func() {
		appLogger.Info("Server starting", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	appLogger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", logger.Err(err))
	}

	appLogger.Info("Server stopped gracefully")
}

// reportPoolStats forwards connection pool statistics to New Relic
func reportPoolStats(ctx context.Context, nrApp *monitoring.NewRelicApp, db *sql.DB, rdb *redis.Client) {
	if !nrApp.IsEnabled() {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				nrApp.RecordDatabasePoolStats(db.Stats())
			}
			if rdb != nil {
				nrApp.RecordRedisPoolStats(rdb.PoolStats())
			}
		}
	}
}
