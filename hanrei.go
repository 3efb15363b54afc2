// Package hanrei is the public API for embedding the hanrei classification
// server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := hanrei.New(
//	    hanrei.WithVersion(version),
//	    hanrei.WithLogger(logger),
//	    hanrei.WithGenerator(myGenerator),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: hanrei (root) imports
// internal/*, but internal/* never imports hanrei (root). Public interfaces
// (EmbeddingProvider, Generator) have no internal imports; their adapters
// live here because this is the only file that sees both sides.
package hanrei

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

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

// App is the hanrei server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	engine       *cluster.Engine
	limiters     []ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the hanrei server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hanrei starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database and apply embedded migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	metrics, err := telemetry.NewPipelineMetrics()
	if err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("telemetry metrics: %w", err)
	}

	// Embedding provider — external override takes priority over config.
	var provider embedding.Provider
	if o.embeddingProvider != nil {
		provider = &providerAdapter{p: o.embeddingProvider}
	} else if cfg.GeminiAPIKey != "" {
		provider = embedding.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey,
			cfg.Embedding.ModelID, cfg.Embedding.Dimensions, cfg.Embedding.Timeout)
	} else {
		logger.Warn("GEMINI_API_KEY not set, using noop embedding provider (semantic retrieval disabled)")
		provider = embedding.NewNoopProvider(cfg.Embedding.Dimensions)
	}
	embedder := embedding.NewClient(provider, db, cfg.Embedding, cfg.Retry, logger, metrics)

	engine := cluster.NewEngine(db, cfg.Clustering, logger)
	retriever := retrieval.New(engine, db, embedder, cfg.Retrieval, logger)

	// Generator — external override takes priority over config.
	var gen classifier.Generator
	if o.generator != nil {
		gen = generatorAdapter{g: o.generator}
	} else {
		gen = classifier.NewGeminiGenerator(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.LLM)
	}
	llmBreaker := breaker.New("llm", cfg.LLMBreaker, logger)
	labeler := classifier.New(gen, llmBreaker, classifier.NewFallback(), cfg.Retry, logger)

	calculator := confidence.NewCalculator(cfg.Confidence, logger)
	calibrator := confidence.NewCalibrator(db, cfg.Confidence.CalibrationWindowDays, logger)

	storeBreaker := breaker.New("store", cfg.StoreBreaker, logger)
	recorder := pipeline.NewRecorder(db, logger)
	pipe := pipeline.New(db, embedder, retriever, labeler, engine,
		calculator, calibrator, recorder, storeBreaker, metrics, cfg, logger)

	mcpSrv := mcp.New(db, pipe, embedder, retriever, version, logger)

	var apiKeyHash string
	if cfg.AdminAPIKey != "" {
		apiKeyHash, err = auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			db.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("auth: %w", err)
		}
	} else {
		logger.Warn("HANREI_ADMIN_API_KEY not set — API authentication disabled")
	}

	var classifyLimiter, adminLimiter ratelimit.Limiter
	var limiters []ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		cl := ratelimit.NewMemoryLimiter(cfg.RateLimit.ClassifyRPS, cfg.RateLimit.ClassifyBurst)
		al := ratelimit.NewMemoryLimiter(cfg.RateLimit.AdminRPS, cfg.RateLimit.AdminBurst)
		classifyLimiter, adminLimiter = cl, al
		limiters = []ratelimit.Limiter{cl, al}
	}

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

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		engine:       engine,
		limiters:     limiters,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background loops and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.BucketRecomputeInterval > 0 {
		go a.bucketRecomputeLoop(ctx)
	}
	if a.cfg.CachePurgeInterval > 0 {
		go a.cachePurgeLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then releases the rate
// limiters, database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hanrei shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	for _, l := range a.limiters {
		_ = l.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("hanrei stopped")
	return nil
}

func (a *App) bucketRecomputeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.BucketRecomputeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.engine.RecomputeStale(ctx)
			if err != nil {
				a.logger.Warn("centroid recompute failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("recomputed stale centroids", "buckets", n)
			}
		}
	}
}

func (a *App) cachePurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CachePurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.db.PurgeExpiredEmbeddings(ctx)
			if err != nil {
				a.logger.Warn("embedding cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("purged expired cached embeddings", "rows", n)
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// providerAdapter wraps a public EmbeddingProvider to satisfy embedding.Provider.
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string, task embedding.Task) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text, string(task))
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string, task embedding.Task) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, text := range texts {
		v, err := a.Embed(ctx, text, task)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (a *providerAdapter) Dimensions() int { return a.p.Dimensions() }

func (a *providerAdapter) ModelID() string { return a.p.ModelID() }

// generatorAdapter wraps a public Generator to satisfy classifier.Generator.
type generatorAdapter struct {
	g Generator
}

func (a generatorAdapter) Generate(ctx context.Context, prompt string) (string, error) {
	return a.g.Generate(ctx, prompt)
}

func (a generatorAdapter) ModelVersion() string { return a.g.ModelVersion() }
