package yak

import (
	"context"
	"time"
)

// Coordination store keys. A single key-value namespace is shared by the
// whole cluster.
const (
	keyLease        = "yak:lease"
	keyEpoch        = "yak:epoch"
	keyBrokerPrefix = "yak:brokers:"
)

// CoordStore is the narrow slice of a coordination service the cluster
// depends on: key reads, atomic compare-and-set with TTL, and expiring
// registrations. Any store offering these primitives works; the broker
// never assumes a particular product.
//
// CompareAndSet and CompareAndDelete treat old == nil as "key must be
// absent". Both return (false, nil) on a clean comparison failure and a
// non-nil error only for store trouble.
type CoordStore interface {
	// Get returns the current value of key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// CompareAndSet atomically replaces the value of key with new if the
	// current value equals old, applying ttl to the key (0 = no expiry).
	CompareAndSet(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete atomically removes key if its current value equals old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)

	// SetTTL unconditionally writes key with an expiry (0 = no expiry).
	SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete unconditionally removes key. Absent keys are not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns all live key-value pairs whose key starts with prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)

	Close() error
}
