package storage

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"
)

// GetCachedEmbedding returns the cached vector for a cache key, or
// KindNotFound when absent or expired.
func (db *DB) GetCachedEmbedding(ctx context.Context, key string) (pgvector.Vector, error) {
	var v pgvector.Vector
	err := db.pool.QueryRow(ctx,
		`SELECT embedding FROM embedding_cache WHERE cache_key = $1 AND expires_at > now()`,
		key).Scan(&v)
	if err != nil {
		return pgvector.Vector{}, wrapErr(err, "storage: get cached embedding")
	}
	return v, nil
}

// PutCachedEmbedding upserts a vector under a cache key with the given TTL.
func (db *DB) PutCachedEmbedding(ctx context.Context, key, modelID string, v pgvector.Vector, ttl time.Duration) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO embedding_cache (cache_key, model_id, embedding, created_at, expires_at)
		VALUES ($1, $2, $3, now(), now() + $4)
		ON CONFLICT (cache_key) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			model_id = EXCLUDED.model_id,
			expires_at = EXCLUDED.expires_at`,
		key, modelID, v, ttl)
	if err != nil {
		return wrapErr(err, "storage: put cached embedding")
	}
	return nil
}

// PurgeExpiredEmbeddings removes expired cache rows. Returns rows removed.
func (db *DB) PurgeExpiredEmbeddings(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM embedding_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, wrapErr(err, "storage: purge embedding cache")
	}
	return tag.RowsAffected(), nil
}
