// Package ratelimit provides in-memory rate limiting: a keyed token bucket
// for inbound HTTP traffic and a blocking pacer for outbound provider calls.
package ratelimit

import "context"

// Limiter answers whether a request identified by key may proceed now.
type Limiter interface {
	// Allow consumes one token for key. Returns false when rate limited.
	Allow(ctx context.Context, key string) (bool, error)
	// Close releases background resources.
	Close() error
}
