// Package mcp implements the Model Context Protocol server for the
// classification service. It exposes the pipeline's core operations as MCP
// tools so MCP-compatible agents can classify documents and inspect the
// reference corpus.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/pipeline"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// Server wraps the MCP server with the classification service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	pipeline  *pipeline.Pipeline
	embedder  pipeline.Embedder
	retriever pipeline.ContextRetriever
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, p *pipeline.Pipeline, embedder pipeline.Embedder, retriever pipeline.ContextRetriever, version string, logger *slog.Logger) *Server {
	s := &Server{
		db:        db,
		pipeline:  p,
		embedder:  embedder,
		retriever: retriever,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hanrei",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// hanrei://buckets — the current semantic bucket layout.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"hanrei://buckets",
			"Semantic Buckets",
			mcplib.WithResourceDescription("Current clustering of the reference corpus"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBucketsResource,
	)

	// hanrei://rules/active — the active override rule set.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"hanrei://rules/active",
			"Active Rules",
			mcplib.WithResourceDescription("Active severity-override rules in evaluation order"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveRulesResource,
	)
}

func (s *Server) registerTools() {
	// hanrei_classify — run the full classification pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanrei_classify",
			mcplib.WithDescription("Classify a legal document into LOW/MEDIUM/HIGH/CRITICAL severity with confidence, evidence, and routing"),
			mcplib.WithString("text", mcplib.Description("Full document text"), mcplib.Required()),
			mcplib.WithString("filename", mcplib.Description("Original filename, for audit context")),
		),
		s.handleClassify,
	)

	// hanrei_search_references — semantic lookup over the reference corpus.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanrei_search_references",
			mcplib.WithDescription("Find reference precedents semantically similar to a query. Returns ranked chunks with severity labels."),
			mcplib.WithString("query", mcplib.Description("Natural language query or document excerpt"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum chunks to return")),
		),
		s.handleSearchReferences,
	)

	// hanrei_get_classification — fetch a stored result with its factors.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanrei_get_classification",
			mcplib.WithDescription("Fetch a stored classification result by ID, including confidence factors, warnings, and applied rules"),
			mcplib.WithString("classification_id", mcplib.Description("Classification UUID"), mcplib.Required()),
		),
		s.handleGetClassification,
	)
}

func (s *Server) handleBucketsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	buckets, err := s.db.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list buckets: %w", err)
	}

	data, err := json.MarshalIndent(buckets, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal buckets: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "hanrei://buckets",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleActiveRulesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ruleSet, err := s.db.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list active rules: %w", err)
	}

	data, err := json.MarshalIndent(ruleSet, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal rules: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "hanrei://rules/active",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleClassify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	text := request.GetString("text", "")
	if text == "" {
		return errorResult("text is required"), nil
	}
	filename := request.GetString("filename", "")

	result, err := s.pipeline.Classify(ctx, model.Document{
		Text: text,
		Metadata: model.DocumentMetadata{
			Filename:   filename,
			UploadDate: time.Now().UTC(),
			FileSize:   int64(len(text)),
		},
	})
	if err != nil {
		return errorResult(fmt.Sprintf("classification failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(result, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleSearchReferences(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 5)

	vec, err := s.embedder.Embed(ctx, query, embedding.TaskQuery)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to embed query: %v", err)), nil
	}

	block, err := s.retriever.GetContext(ctx, vec.Slice())
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	chunks := block.Chunks
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"primary_bucket": block.PrimaryBucketName,
		"chunks":         chunks,
		"total":          len(chunks),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleGetClassification(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("classification_id", "")
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult("classification_id must be a UUID"), nil
	}

	result, err := s.db.GetClassification(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("lookup failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(result, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
