package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/asakaida/banken/internal/entities"
	"github.com/asakaida/banken/internal/handlers"
	"github.com/asakaida/banken/internal/infrastructure/config"
	"github.com/asakaida/banken/internal/infrastructure/database"
	"github.com/asakaida/banken/internal/infrastructure/metrics"
	"github.com/asakaida/banken/internal/repositories/postgres"
	"github.com/asakaida/banken/internal/services/enforcement"
	"github.com/asakaida/banken/pkg/cache/memorycache"
)

const defaultEnv = "dev"

func main() {
	// Get environment from ENV variable or use default
	env := os.Getenv("ENV")
	if env == "" {
		env = defaultEnv
	}

	// Initialize configuration
	if err := config.InitConfig(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load the compiled schema artifact
	schemaFile, err := os.Open(cfg.Schema.Path)
	if err != nil {
		logger.Fatal("Failed to open schema", zap.String("path", cfg.Schema.Path), zap.Error(err))
	}
	schema, err := entities.DecodeSchema(schemaFile)
	schemaFile.Close()
	if err != nil {
		logger.Fatal("Failed to decode schema", zap.String("path", cfg.Schema.Path), zap.Error(err))
	}

	// Connect to database
	pg, err := database.NewPostgres(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pg.Close()

	logger.Info("Connected to database",
		zap.String("user", cfg.Database.User),
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Database),
	)

	// Build the enforcement engine over the SQL store
	store := postgres.NewStore(pg.DB, schema)
	collector := metrics.NewCollector()

	var engine *enforcement.Engine
	if cfg.Cache.Enabled {
		programCache, err := memorycache.New(&memorycache.Config{
			MaxSizeBytes:  cfg.Cache.MaxMemoryBytes,
			DefaultTTL:    time.Duration(cfg.Cache.TTLMinutes) * time.Minute,
			EnableMetrics: cfg.Cache.Metrics,
		})
		if err != nil {
			logger.Fatal("Failed to create program cache", zap.Error(err))
		}
		collector.SetCache(programCache)
		engine, err = enforcement.NewEngineWithCache(schema, store, store, programCache,
			time.Duration(cfg.Cache.TTLMinutes)*time.Minute)
		if err != nil {
			logger.Fatal("Failed to build engine", zap.Error(err))
		}
	} else {
		engine, err = enforcement.NewEngine(schema, store, store)
		if err != nil {
			logger.Fatal("Failed to build engine", zap.Error(err))
		}
	}

	exporter := metrics.NewPrometheusExporter(collector)

	// HTTP router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.RequestLog(logger))

	api := router.Group("/api")
	api.Use(handlers.Auth(cfg.Auth.JWTSecret))
	api.Use(metrics.Middleware(collector, exporter))
	handlers.NewDataHandler(engine, logger).Register(api)

	router.GET("/healthz", func(c *gin.Context) {
		if err := pg.HealthCheck(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	// Separate metrics listener, gauge refresh every 10 seconds
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: metricsMux,
	}
	stopGauges := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				exporter.Update()
			case <-stopGauges:
				return
			}
		}
	}()

	serverErrors := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("http server error: %w", err)
		}
	}()
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serverErrors:
		logger.Fatal("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		close(stopGauges)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown", zap.Error(err))
		}
		if err := pg.Close(); err != nil {
			logger.Warn("Error closing database connection", zap.Error(err))
		}

		logger.Info("Shutdown complete")
	}
}
