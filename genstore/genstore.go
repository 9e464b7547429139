// Package genstore keeps per-listing generations. The page cache embeds the
// current generation of a listing identity in every storage key, so bumping
// it orphans all cached pages of that listing at once.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// Use LocalGenStore (default) for in-process gens, or RedisGenStore when
// several processes share one backing store.
type GenStore interface {
	// Snapshot returns the current generation of identity; missing => 0.
	Snapshot(ctx context.Context, identity string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, identity string) (uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
