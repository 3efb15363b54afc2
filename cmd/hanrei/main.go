package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/hanrei/internal/auth"
	"github.com/ashita-ai/hanrei/internal/breaker"
	"github.com/ashita-ai/hanrei/internal/classifier"
	"github.com/ashita-ai/hanrei/internal/cluster"
	"github.com/ashita-ai/hanrei/internal/confidence"
	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/mcp"
	"github.com/ashita-ai/hanrei/internal/pipeline"
	"github.com/ashita-ai/hanrei/internal/ratelimit"
	"github.com/ashita-ai/hanrei/internal/retrieval"
	"github.com/ashita-ai/hanrei/internal/server"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/storage"
	"github.com/ashita-ai/hanrei/internal/telemetry"
	"github.com/ashita-ai/hanrei/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HANREI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("hanrei starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Pipeline metrics (after telemetry.Init).
	metrics, err := telemetry.NewPipelineMetrics()
	if err != nil {
		return fmt.Errorf("telemetry metrics: %w", err)
	}

	// Embedding: provider, then the caching + paced client in front of it.
	provider := newEmbeddingProvider(cfg, logger)
	embedder := embedding.NewClient(provider, db, cfg.Embedding, cfg.Retry, logger, metrics)

	// Bucket engine and context retrieval.
	engine := cluster.NewEngine(db, cfg.Clustering, logger)
	retriever := retrieval.New(engine, db, embedder, cfg.Retrieval, logger)

	// LLM classifier: Gemini generator behind a circuit breaker with the
	// keyword fallback for when the breaker is open or retries are exhausted.
	llmBreaker := breaker.New("llm", cfg.LLMBreaker, logger)
	labeler := classifier.New(
		classifier.NewGeminiGenerator(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.LLM),
		llmBreaker,
		classifier.NewFallback(),
		cfg.Retry,
		logger,
	)

	// Confidence calculation and historical calibration.
	calculator := confidence.NewCalculator(cfg.Confidence, logger)
	calibrator := confidence.NewCalibrator(db, cfg.Confidence.CalibrationWindowDays, logger)

	// Classification pipeline.
	storeBreaker := breaker.New("store", cfg.StoreBreaker, logger)
	recorder := pipeline.NewRecorder(db, logger)
	pipe := pipeline.New(db, embedder, retriever, labeler, engine,
		calculator, calibrator, recorder, storeBreaker, metrics, cfg, logger)

	// Create MCP server (shares the pipeline and retrieval stack with HTTP).
	mcpSrv := mcp.New(db, pipe, embedder, retriever, version, logger)

	// API key auth. The configured key is hashed once at startup; only the
	// hash is held in memory after this point.
	var apiKeyHash string
	if cfg.AdminAPIKey != "" {
		apiKeyHash, err = auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		logger.Warn("HANREI_ADMIN_API_KEY not set — API authentication disabled")
	}

	// Rate limiters: classification routes get a tighter bucket than admin.
	var classifyLimiter, adminLimiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		cl := ratelimit.NewMemoryLimiter(cfg.RateLimit.ClassifyRPS, cfg.RateLimit.ClassifyBurst)
		al := ratelimit.NewMemoryLimiter(cfg.RateLimit.AdminRPS, cfg.RateLimit.AdminBurst)
		defer func() { _ = cl.Close() }()
		defer func() { _ = al.Close() }()
		classifyLimiter, adminLimiter = cl, al
		logger.Info("rate limiting: memory (in-process token bucket)",
			"classify_rps", cfg.RateLimit.ClassifyRPS, "admin_rps", cfg.RateLimit.AdminRPS)
	} else {
		logger.Info("rate limiting: disabled")
	}

	// Create HTTP server (MCP mounted at /mcp).
	srv := server.New(server.Config{
		DB:                  db,
		Pipeline:            pipe,
		Engine:              engine,
		Logger:              logger,
		LLMBreaker:          llmBreaker,
		StoreBreaker:        storeBreaker,
		ClassifyLimiter:     classifyLimiter,
		AdminLimiter:        adminLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		APIKeyHash:          apiKeyHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start centroid recompute loop (picks up buckets marked stale by
	// reference ingestion).
	if cfg.BucketRecomputeInterval > 0 {
		go bucketRecomputeLoop(ctx, engine, logger, cfg.BucketRecomputeInterval)
	}

	// Start embedding cache purge loop.
	if cfg.CachePurgeInterval > 0 {
		go cachePurgeLoop(ctx, db, logger, cfg.CachePurgeInterval)
	}

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain
	// in-flight classifications before the deferred closes run.
	slog.Info("hanrei shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("hanrei stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Without a Gemini API key the noop provider keeps the server usable for
// rule-only and fallback classification; retrieval returns empty context.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.Embedding.Dimensions

	if cfg.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, using noop embedding provider (semantic retrieval disabled)")
		return embedding.NewNoopProvider(dims)
	}

	logger.Info("embedding provider: gemini", "model", cfg.Embedding.ModelID, "dimensions", dims)
	return embedding.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.Embedding.ModelID, dims, cfg.Embedding.Timeout)
}

func bucketRecomputeLoop(ctx context.Context, engine *cluster.Engine, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.RecomputeStale(ctx)
			if err != nil {
				logger.Warn("centroid recompute failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("recomputed stale centroids", "buckets", n)
			}
		}
	}
}

func cachePurgeLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeExpiredEmbeddings(ctx)
			if err != nil {
				logger.Warn("embedding cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired cached embeddings", "rows", n)
			}
		}
	}
}
