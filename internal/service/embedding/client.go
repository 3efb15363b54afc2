package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pgvector/pgvector-go"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/fault"
	"github.com/ashita-ai/hanrei/internal/ratelimit"
	"github.com/ashita-ai/hanrei/internal/storage"
	"github.com/ashita-ai/hanrei/internal/telemetry"
)

// memoryCacheSize bounds the in-process layer; the persistent table is the
// real cache, this just absorbs hot repeats within a process lifetime.
const memoryCacheSize = 4096

// Client wraps a Provider with a two-tier cache (in-process expirable LRU
// over the persistent embedding_cache table), outbound pacing against the
// provider quota, retry with exponential backoff, and request coalescing so
// concurrent identical texts cost one API call.
type Client struct {
	provider Provider
	store    *storage.DB
	pacer    *ratelimit.Pacer
	memory   *lru.LRU[string, pgvector.Vector]
	group    singleflight.Group
	retry    config.RetryConfig
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *telemetry.PipelineMetrics
}

// NewClient creates a caching embedding client.
func NewClient(provider Provider, store *storage.DB, cfg config.EmbeddingConfig, retryCfg config.RetryConfig, logger *slog.Logger, metrics *telemetry.PipelineMetrics) *Client {
	return &Client{
		provider: provider,
		store:    store,
		pacer:    ratelimit.NewPacer(cfg.RatePerMinute, cfg.RatePerMinute),
		memory:   lru.NewLRU[string, pgvector.Vector](memoryCacheSize, nil, cfg.CacheTTL),
		retry:    retryCfg,
		ttl:      cfg.CacheTTL,
		logger:   logger,
		metrics:  metrics,
	}
}

// Dimensions returns the underlying provider's vector size.
func (c *Client) Dimensions() int {
	return c.provider.Dimensions()
}

// ModelID returns the underlying provider's model identifier.
func (c *Client) ModelID() string {
	return c.provider.ModelID()
}

// Embed returns the embedding for text, from cache when possible. The
// cache is keyed by (model, text) alone: a chunk already embedded under
// the document task is reused when the same text is scored at query time.
func (c *Client) Embed(ctx context.Context, text string, task Task) (pgvector.Vector, error) {
	if strings.TrimSpace(text) == "" {
		return pgvector.Vector{}, fault.New(fault.KindInvalidInput, "embedding: empty text")
	}
	key := CacheKey(c.provider.ModelID(), text)

	if v, ok := c.memory.Get(key); ok {
		c.countHit(ctx)
		return v, nil
	}
	if c.store != nil {
		if v, err := c.store.GetCachedEmbedding(ctx, key); err == nil {
			c.memory.Add(key, v)
			c.countHit(ctx)
			return v, nil
		} else if !fault.Is(err, fault.KindNotFound) {
			c.logger.Warn("embedding cache read failed", "error", err)
		}
	}
	c.countMiss(ctx)

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, key, text, task)
	})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return v.(pgvector.Vector), nil
}

// EmbedBatch embeds each text, reusing the cache per item.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, task Task) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t, task)
		if err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err, "embedding: batch item %d", i)
		}
		out[i] = v
	}
	return out, nil
}

// fetch calls the provider under the pacer and retry policy, then populates
// both cache tiers.
func (c *Client) fetch(ctx context.Context, key, text string, task Task) (pgvector.Vector, error) {
	var vec pgvector.Vector

	backoff := retry.NewExponential(c.retry.BaseDelay)
	backoff = retry.WithJitterPercent(c.retry.JitterPercent, backoff)
	backoff = retry.WithCappedDuration(c.retry.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(c.retry.MaxAttempts-1), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		v, err := c.provider.Embed(ctx, text, task)
		if err != nil {
			if fault.Transient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return pgvector.Vector{}, err
	}

	c.memory.Add(key, vec)
	if c.store != nil {
		if err := c.store.PutCachedEmbedding(ctx, key, c.provider.ModelID(), vec, c.ttl); err != nil {
			// Cache writes must not fail the pipeline.
			c.logger.Warn("embedding cache write failed", "error", err)
		}
	}
	return vec, nil
}

func (c *Client) countHit(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.EmbeddingCacheHits.Add(ctx, 1)
	}
}

func (c *Client) countMiss(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.EmbeddingCacheMisses.Add(ctx, 1)
	}
}

// CacheKey derives the cache key for a (model, text) pair. The NUL separator
// keeps distinct pairs from colliding.
func CacheKey(modelID, text string) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
