package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/dca_service/internal/api/routes"
	"github.com/rail-service/dca_service/internal/infrastructure/config"
	"github.com/rail-service/dca_service/internal/infrastructure/database"
	"github.com/rail-service/dca_service/internal/infrastructure/di"
	"github.com/rail-service/dca_service/internal/workers/dca_scheduler"
	"github.com/rail-service/dca_service/pkg/graceful"
	"github.com/rail-service/dca_service/pkg/logger"
	"github.com/rail-service/dca_service/pkg/tracing"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.Environment)
	defer log.Sync()

	// Initialize OpenTelemetry tracing
	tracingConfig := tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		CollectorURL:   cfg.Tracing.CollectorURL,
		Environment:    cfg.Environment,
		ServiceVersion: version,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	}
	tracingShutdown, err := tracing.InitTracer(context.Background(), tracingConfig, log.Zap())
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}

	var db *sqlx.DB
	if cfg.Storage.Driver == "postgres" {
		db, err = database.NewConnection(context.Background(), cfg.Database, log.Zap())
		if err != nil {
			log.Fatal("Failed to connect to database", "error", err)
		}

		if err := database.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
			log.Fatal("Failed to run migrations", "error", err)
		}
	} else {
		log.Warn("Using in-memory storage; orders will not survive a restart", "driver", cfg.Storage.Driver)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	container, err := di.NewContainer(context.Background(), cfg, db, log)
	if err != nil {
		log.Fatal("Failed to create DI container", "error", err)
	}

	routes.Version = version
	router := routes.SetupRoutes(container)

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	shutdown := graceful.NewShutdownManager(server, time.Duration(cfg.Server.ShutdownTimeout)*time.Second, log)

	if cfg.Scheduler.Enabled {
		worker := dca_scheduler.NewWorker(container.Scheduler, cfg.Scheduler.Cron, log.Zap())
		if err := worker.Start(context.Background()); err != nil {
			log.Fatal("Failed to start DCA scheduler", "error", err)
		}
		shutdown.Register(worker)
		log.Info("DCA scheduler started", "cron", cfg.Scheduler.Cron)
	} else {
		log.Info("DCA scheduler disabled in configuration")
	}

	shutdown.RegisterCloser("tracing", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracingShutdown(ctx)
	})
	if db != nil {
		shutdown.RegisterCloser("database", db.Close)
	}
	shutdown.RegisterCloser("container", func() error {
		container.Close()
		return nil
	})

	go func() {
		log.Info("Starting server",
			"addr", server.Addr,
			"environment", cfg.Environment,
			"storage", cfg.Storage.Driver,
			"read_timeout", cfg.Server.ReadTimeout,
			"write_timeout", cfg.Server.WriteTimeout,
		)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	if db != nil {
		go collectPoolMetrics(metricsCtx, db)
	}

	shutdown.WaitForShutdown(context.Background())
	stopMetrics()
}

// collectPoolMetrics publishes connection pool usage every 30s
func collectPoolMetrics(ctx context.Context, db *sqlx.DB) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			database.RecordPoolStats(db)
		}
	}
}
