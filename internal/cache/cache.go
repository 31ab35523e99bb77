// Package cache defines the fast shared-state port used for admission
// counters, active-agent sets, and run-scoped pub/sub channels.
//
// The cache is a coordination optimization, never the source of truth for
// plan correctness. After a crash the durable repository wins and cache
// counters are reseeded from it.
package cache

import "context"

// Cache is the low-latency store the engine uses for counters, sets, and
// event channels. A process-local implementation lives in this package;
// a networked key-value store with pub/sub can be swapped in behind the
// same interface.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a value for key.
	Set(ctx context.Context, key, value string) error
	// SetNX stores a value only if the key is absent. Returns true if the
	// value was stored.
	SetNX(ctx context.Context, key, value string) (bool, error)
	// Incr atomically increments the integer at key and returns the new value.
	// A missing key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SAdd adds a member to the set at key.
	SAdd(ctx context.Context, key, member string) error
	// SRem removes a member from the set at key. Removing an absent member
	// is not an error.
	SRem(ctx context.Context, key, member string) error
	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Publish sends a payload to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of payloads published to channel and a
	// cancel function that must be called to release the subscription.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}
