package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hanrei/internal/breaker"
	"github.com/ashita-ai/hanrei/internal/cluster"
	"github.com/ashita-ai/hanrei/internal/pipeline"
	"github.com/ashita-ai/hanrei/internal/ratelimit"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// Server is the classification service's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): LLMBreaker, StoreBreaker, ClassifyLimiter,
// AdminLimiter, MCPServer.
type Config struct {
	DB       *storage.DB
	Pipeline *pipeline.Pipeline
	Engine   *cluster.Engine
	Logger   *slog.Logger

	LLMBreaker   *breaker.Breaker
	StoreBreaker *breaker.Breaker

	// ClassifyLimiter throttles the expensive classification routes;
	// AdminLimiter covers everything else. Nil disables that class.
	ClassifyLimiter ratelimit.Limiter
	AdminLimiter    ratelimit.Limiter

	MCPServer *mcpserver.MCPServer

	// APIKeyHash is the Argon2id hash keys are checked against. Empty
	// disables auth (development mode).
	APIKeyHash string

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Pipeline:            cfg.Pipeline,
		Engine:              cfg.Engine,
		LLMBreaker:          cfg.LLMBreaker,
		StoreBreaker:        cfg.StoreBreaker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	classifyRL := ratelimit.Middleware(cfg.ClassifyLimiter, "classify", ratelimit.IPKeyFunc, reqIDFunc)
	adminRL := ratelimit.Middleware(cfg.AdminLimiter, "admin", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Classification pipeline.
	mux.Handle("POST /v1/classify", classifyRL(http.HandlerFunc(h.HandleClassify)))
	mux.Handle("POST /v1/classify/batch", classifyRL(http.HandlerFunc(h.HandleClassifyBatch)))
	mux.Handle("POST /v1/classifications/{classification_id}/reprocess", classifyRL(http.HandlerFunc(h.HandleReprocess)))

	// Classification results and review.
	mux.Handle("GET /v1/classifications/{classification_id}", adminRL(http.HandlerFunc(h.HandleGetClassification)))
	mux.Handle("POST /v1/classifications/{classification_id}/review", adminRL(http.HandlerFunc(h.HandleReview)))
	mux.Handle("GET /v1/documents/{document_id}/classifications", adminRL(http.HandlerFunc(h.HandleListClassifications)))
	mux.Handle("GET /v1/documents/{document_id}", adminRL(http.HandlerFunc(h.HandleGetDocument)))

	// Reference corpus management.
	mux.Handle("POST /v1/references", adminRL(http.HandlerFunc(h.HandleCreateReference)))
	mux.Handle("POST /v1/references/bulk", adminRL(http.HandlerFunc(h.HandleBulkReferences)))
	mux.Handle("GET /v1/references", adminRL(http.HandlerFunc(h.HandleListReferences)))
	mux.Handle("DELETE /v1/references/{document_id}", adminRL(http.HandlerFunc(h.HandleDeleteReference)))

	// Rule management.
	mux.Handle("POST /v1/rules", adminRL(http.HandlerFunc(h.HandleCreateRule)))
	mux.Handle("GET /v1/rules", adminRL(http.HandlerFunc(h.HandleListRules)))
	mux.Handle("GET /v1/rules/{rule_id}", adminRL(http.HandlerFunc(h.HandleGetRule)))
	mux.Handle("PUT /v1/rules/{rule_id}", adminRL(http.HandlerFunc(h.HandleUpdateRule)))
	mux.Handle("DELETE /v1/rules/{rule_id}", adminRL(http.HandlerFunc(h.HandleDeleteRule)))
	mux.Handle("GET /v1/rules/{rule_id}/versions", adminRL(http.HandlerFunc(h.HandleRuleVersions)))
	mux.Handle("GET /v1/rules/{rule_id}/stats", adminRL(http.HandlerFunc(h.HandleRuleStats)))

	// Bucket administration.
	mux.Handle("GET /v1/buckets", adminRL(http.HandlerFunc(h.HandleListBuckets)))
	mux.Handle("GET /v1/buckets/validate", adminRL(http.HandlerFunc(h.HandleValidateBuckets)))
	mux.Handle("GET /v1/buckets/{bucket_id}", adminRL(http.HandlerFunc(h.HandleGetBucket)))
	mux.Handle("POST /v1/buckets/rebuild", adminRL(http.HandlerFunc(h.HandleRebuildBuckets)))
	mux.Handle("POST /v1/buckets/merge", adminRL(http.HandlerFunc(h.HandleMergeBuckets)))
	mux.Handle("POST /v1/buckets/{bucket_id}/split", adminRL(http.HandlerFunc(h.HandleSplitBucket)))
	mux.Handle("POST /v1/buckets/recompute", adminRL(http.HandlerFunc(h.HandleRecomputeCentroids)))

	// Audit trail.
	mux.Handle("GET /v1/audit", adminRL(http.HandlerFunc(h.HandleAuditEvents)))

	// MCP StreamableHTTP transport (auth applies via the middleware chain).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.APIKeyHash, cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
