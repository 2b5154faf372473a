package cache

import (
	"context"
	"strings"

	"github.com/miekg/dns"
)

// Key identifies a cacheable unit of resolution
type Key struct {
	Name string // lowercase FQDN
	Type uint16
}

// NewKey builds a key from a question name and type. Names are compared
// case-insensitively, so the key is lowercased and made fully qualified.
func NewKey(name string, qtype uint16) Key {
	return Key{Name: dns.Fqdn(strings.ToLower(name)), Type: qtype}
}

// String renders the key as name/TYPE for logs
func (k Key) String() string {
	return k.Name + "/" + dns.TypeToString[k.Type]
}

// Interface defines the operations the resolution engine needs from a cache.
type Interface interface {
	// Get returns a copy of the live payload for key. An expired entry is
	// removed and reported as absent.
	Get(ctx context.Context, key Key) ([]byte, bool)

	// Put stores payload under key until now + max(ttlSeconds, 0).
	Put(ctx context.Context, key Key, payload []byte, ttlSeconds int64)

	// Stats returns current cache statistics
	Stats() Stats

	// Clear removes all entries from the cache
	Clear()

	// Close stops background work
	Close() error
}

// Stats is a point-in-time view of cache counters
type Stats struct {
	Hits      uint64
	Misses    uint64
	Entries   int
	Evictions uint64 // removed to stay within capacity
	Expired   uint64 // removed because their TTL ran out
	Sets      uint64
	HitRate   float64 // hits / (hits + misses)
}

// Disabled is a cache that never stores anything
type Disabled struct{}

// Get always misses
func (Disabled) Get(context.Context, Key) ([]byte, bool) { return nil, false }

// Put discards the payload
func (Disabled) Put(context.Context, Key, []byte, int64) {}

// Stats returns zero counters
func (Disabled) Stats() Stats { return Stats{} }

// Clear does nothing
func (Disabled) Clear() {}

// Close does nothing
func (Disabled) Close() error { return nil }

var (
	_ Interface = (*ShardedCache)(nil)
	_ Interface = Disabled{}
)
