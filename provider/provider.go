// Package provider defines the byte store that holds committed values when an
// engine is configured with a codec.
//
// Implementations MUST be byte-for-byte transparent: Get returns exactly the
// bytes previously passed to Set for a key. Entries may disappear at any time
// (TTL, cost-based eviction); engines treat a vanished entry as a miss and
// re-fetch.
//
// Keys under "<kind>:<namespace>:" prefixes are owned by atomcache. Several
// engines may share one provider as long as their namespaces differ.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (<= 0 means no expiry). May ignore
	// cost. Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
