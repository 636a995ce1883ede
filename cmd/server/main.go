// Command server runs the ThreatLens detection API: log upload and JSON
// detection over the five-layer pipeline, model retraining and persistence,
// optional LLM enrichment and Redis-backed rate limiting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/api"
	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/config"
	"github.com/lvonguyen/threatlens/internal/detect"
	"github.com/lvonguyen/threatlens/internal/detect/scoring"
	"github.com/lvonguyen/threatlens/internal/enrichment"
	"github.com/lvonguyen/threatlens/internal/features"
	"github.com/lvonguyen/threatlens/internal/mitre"
	"github.com/lvonguyen/threatlens/internal/modelstore"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/parsing"
)

// Set at build time via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "configs/config.yaml", "path to configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("threatlens %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "threatlens: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Observability.ServiceVersion = Version

	telemetry, err := observability.New(cfg.Observability)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger := telemetry.Logger()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting threatlens",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.Int("port", cfg.Server.Port),
	)

	redisClient := newRedisClient(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store, err := modelstore.NewStore(cfg.Models.StorePath, logger)
	if err != nil {
		return fmt.Errorf("init model store: %w", err)
	}
	scorer, err := loadOrTrainEngine(cfg, store, logger)
	if err != nil {
		return err
	}

	pipeline := detect.New(scorer, detect.Options{
		Logger:  logger,
		Tracer:  telemetry.Tracer(),
		Metrics: telemetry.Metrics(),
	})

	enricher, err := newEnricher(cfg, redisClient, telemetry, logger)
	if err != nil {
		return err
	}

	limiter := gateway.NewRateLimiter(redisClient, cfg.RateLimit, logger)

	server := api.NewServer(api.Deps{
		Pipeline:         pipeline,
		Parser:           parsing.NewParser(logger),
		Extractor:        features.NewExtractor(logger),
		Enricher:         enricher,
		Mapper:           mitre.NewMapper(logger),
		Store:            store,
		Limiter:          limiter,
		Metrics:          telemetry.Metrics(),
		Logger:           logger,
		MetricsHandler:   telemetry.MetricsHandler(),
		AuthToken:        os.Getenv(cfg.Server.AuthTokenEnv),
		DefaultModel:     cfg.Detection.DefaultModel,
		MaxUploadBytes:   cfg.Server.MaxUploadBytes,
		SaveAfterRetrain: cfg.Models.SaveAfterRetrain,
		Version:          Version,
	})

	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	telemetry.StartSystemMetricsCollector(collectorCtx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// loadConfig reads the config file, falling back to defaults when the default
// path does not exist so the server starts out of the box.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

func newRedisClient(cfg *config.Config, logger *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	var password string
	if cfg.Redis.PasswordEnv != "" {
		password = os.Getenv(cfg.Redis.PasswordEnv)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unreachable, shared caching and limits degrade to local",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
	}
	return client
}

// loadOrTrainEngine restores persisted models when a complete artifact set
// exists, otherwise trains fresh models on the synthetic baseline and saves
// them for the next start.
func loadOrTrainEngine(cfg *config.Config, store *modelstore.Store, logger *zap.Logger) (*scoring.Engine, error) {
	engine, err := store.LoadEngine(logger)
	if err == nil {
		logger.Info("restored persisted models", zap.String("path", cfg.Models.StorePath))
		return engine, nil
	}
	if !errors.Is(err, modelstore.ErrModelNotFound) {
		return nil, fmt.Errorf("load models: %w", err)
	}

	logger.Info("no persisted models, training on synthetic baseline",
		zap.Int("width", cfg.Detection.TrainingWidth),
	)
	engine, err = scoring.NewEngine(scoring.DefaultTrainingData(cfg.Detection.TrainingWidth), logger)
	if err != nil {
		return nil, fmt.Errorf("train models: %w", err)
	}
	if err := store.SaveEngine(engine); err != nil {
		logger.Warn("failed to persist freshly trained models", zap.Error(err))
	}
	return engine, nil
}

func newEnricher(cfg *config.Config, redisClient *redis.Client, telemetry *observability.Telemetry, logger *zap.Logger) (*enrichment.Service, error) {
	if !cfg.Enrichment.Enabled {
		return nil, nil
	}
	client, err := enrichment.NewOpenAIClient(cfg.Enrichment.Client, logger)
	if err != nil {
		return nil, fmt.Errorf("init enrichment client: %w", err)
	}
	cache, err := enrichment.NewCache(redisClient, cfg.Enrichment.CacheSize, cfg.Enrichment.CacheTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("init enrichment cache: %w", err)
	}
	return enrichment.NewService(client, cache, logger, telemetry.Metrics()), nil
}
