package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"

	"github.com/miekg/dns"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testCacheConfig() *config.CacheConfig {
	return &config.CacheConfig{
		Enabled:    true,
		MaxEntries: 100,
		ShardCount: 4,
		DefaultTTL: 60 * time.Second,
	}
}

func newTestCache(t *testing.T, cfg *config.CacheConfig, clock *fakeClock) *ShardedCache {
	t.Helper()
	opts := []Option{WithSweepInterval(0)}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	c, err := NewSharded(cfg, logging.NewDiscard(), nil, opts...)
	if err != nil {
		t.Fatalf("NewSharded() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testPayload(name string, ttl uint32) []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Response = true
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   []byte{192, 0, 2, 1},
	})
	b, err := m.Pack()
	if err != nil {
		panic(err)
	}
	return b
}

func TestNewSharded_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.CacheConfig
		wantErr bool
	}{
		{name: "nil config", cfg: nil, wantErr: true},
		{name: "zero max entries", cfg: &config.CacheConfig{MaxEntries: 0}, wantErr: true},
		{name: "negative max entries", cfg: &config.CacheConfig{MaxEntries: -1}, wantErr: true},
		{name: "zero shard count defaults", cfg: &config.CacheConfig{MaxEntries: 100}, wantErr: false},
		{name: "more shards than entries", cfg: &config.CacheConfig{MaxEntries: 2, ShardCount: 64}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewSharded(tt.cfg, logging.NewDiscard(), nil, WithSweepInterval(0))
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSharded() error = %v, wantErr %v", err, tt.wantErr)
			}
			if c != nil {
				_ = c.Close()
			}
		})
	}
}

func TestShardedCache_RoundTrip(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, testCacheConfig(), clock)
	ctx := context.Background()

	key := NewKey("example.com", dns.TypeA)
	payload := testPayload("example.com", 300)

	c.Put(ctx, key, payload, 300)

	got, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if !bytes.Equal(got, payload) {
		t.Error("Cached payload differs from stored payload")
	}

	clock.Advance(299 * time.Second)
	if _, ok := c.Get(ctx, key); !ok {
		t.Error("Entry should still be live one second before expiry")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get(ctx, key); ok {
		t.Error("Entry must not be returned at its expiry instant")
	}

	stats := c.Stats()
	if stats.Entries != 0 {
		t.Errorf("Expired entry should be removed on read, got %d entries", stats.Entries)
	}
	if stats.Expired != 1 {
		t.Errorf("Expected 1 expired entry, got %d", stats.Expired)
	}
}

func TestShardedCache_NeverPresent(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	if _, ok := c.Get(context.Background(), NewKey("nothing.test", dns.TypeA)); ok {
		t.Error("Expected miss for unknown key")
	}
	if c.Stats().Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", c.Stats().Misses)
	}
}

func TestShardedCache_ZeroAndNegativeTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, testCacheConfig(), clock)
	ctx := context.Background()

	zero := NewKey("zero.test", dns.TypeA)
	neg := NewKey("neg.test", dns.TypeA)

	c.Put(ctx, zero, []byte{1}, 0)
	c.Put(ctx, neg, []byte{2}, -30)

	if _, ok := c.Get(ctx, zero); ok {
		t.Error("Zero TTL entry should be expired immediately")
	}
	if _, ok := c.Get(ctx, neg); ok {
		t.Error("Negative TTL is clamped to zero and should be expired immediately")
	}
}

func TestShardedCache_Overwrite(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, testCacheConfig(), clock)
	ctx := context.Background()
	key := NewKey("example.com", dns.TypeA)

	c.Put(ctx, key, []byte("first"), 10)
	c.Put(ctx, key, []byte("second"), 100)

	clock.Advance(50 * time.Second)
	got, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("Last writer's TTL should apply")
	}
	if string(got) != "second" {
		t.Errorf("Expected last written payload, got %q", got)
	}
	if c.Stats().Entries != 1 {
		t.Errorf("Overwrite should not add an entry, got %d", c.Stats().Entries)
	}
}

func TestShardedCache_KeyNormalisation(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	c.Put(ctx, NewKey("Example.COM", dns.TypeA), []byte("x"), 60)

	if _, ok := c.Get(ctx, NewKey("example.com.", dns.TypeA)); !ok {
		t.Error("Keys should be case-insensitive and FQDN-normalised")
	}
	if _, ok := c.Get(ctx, NewKey("example.com", dns.TypeAAAA)); ok {
		t.Error("Different query types must not share an entry")
	}
}

func TestShardedCache_ReturnsCopy(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()
	key := NewKey("copy.test", dns.TypeA)

	src := []byte{1, 2, 3}
	c.Put(ctx, key, src, 60)
	src[0] = 9

	got, _ := c.Get(ctx, key)
	if got[0] != 1 {
		t.Error("Put must copy the payload")
	}

	got[1] = 9
	again, _ := c.Get(ctx, key)
	if again[1] != 2 {
		t.Error("Get must return a copy")
	}
}

func TestShardedCache_CapacityEviction(t *testing.T) {
	cfg := &config.CacheConfig{MaxEntries: 3, ShardCount: 1}
	c := newTestCache(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Put(ctx, NewKey(fmt.Sprintf("d%d.test", i), dns.TypeA), []byte{byte(i)}, 60)
	}

	// Touch d0 so d1 becomes least recently used
	if _, ok := c.Get(ctx, NewKey("d0.test", dns.TypeA)); !ok {
		t.Fatal("Expected d0 to be cached")
	}

	c.Put(ctx, NewKey("d3.test", dns.TypeA), []byte{3}, 60)

	if _, ok := c.Get(ctx, NewKey("d1.test", dns.TypeA)); ok {
		t.Error("Least recently used entry should have been evicted")
	}
	for _, name := range []string{"d0.test", "d2.test", "d3.test"} {
		if _, ok := c.Get(ctx, NewKey(name, dns.TypeA)); !ok {
			t.Errorf("Expected %s to remain cached", name)
		}
	}

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", stats.Evictions)
	}
	if stats.Entries != 3 {
		t.Errorf("Expected 3 entries, got %d", stats.Entries)
	}
}

func TestShardedCache_Sweep(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, testCacheConfig(), clock)
	ctx := context.Background()

	c.Put(ctx, NewKey("short.test", dns.TypeA), []byte{1}, 5)
	c.Put(ctx, NewKey("long.test", dns.TypeA), []byte{2}, 500)

	clock.Advance(10 * time.Second)
	if removed := c.Sweep(); removed != 1 {
		t.Errorf("Expected 1 entry swept, got %d", removed)
	}
	if c.Stats().Entries != 1 {
		t.Errorf("Expected 1 entry left, got %d", c.Stats().Entries)
	}
}

func TestShardedCache_Clear(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.Put(ctx, NewKey(fmt.Sprintf("d%d.test", i), dns.TypeA), []byte{byte(i)}, 60)
	}
	c.Clear()

	if c.Stats().Entries != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", c.Stats().Entries)
	}
}

func TestShardedCache_ConcurrentSameKey(t *testing.T) {
	c := newTestCache(t, testCacheConfig(), nil)
	ctx := context.Background()
	key := NewKey("hot.test", dns.TypeA)

	payloads := make(map[string]bool)
	for i := 0; i < 32; i++ {
		payloads[string(testPayload(fmt.Sprintf("hot%d.test", i), uint32(60+i)))] = true
	}

	var wg sync.WaitGroup
	var torn atomic.Int32
	i := 0
	for p := range payloads {
		wg.Add(2)
		go func(p []byte, ttl int64) {
			defer wg.Done()
			c.Put(ctx, key, p, ttl)
		}([]byte(p), int64(60+i))
		go func() {
			defer wg.Done()
			if got, ok := c.Get(ctx, key); ok && !payloads[string(got)] {
				torn.Add(1)
			}
		}()
		i++
	}
	wg.Wait()

	if torn.Load() != 0 {
		t.Errorf("Observed %d torn reads", torn.Load())
	}

	got, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("Expected an entry after concurrent puts")
	}
	if !payloads[string(got)] {
		t.Error("Final entry is not one of the written payloads")
	}
}

func TestShardedCache_Concurrent(t *testing.T) {
	c := newTestCache(t, &config.CacheConfig{MaxEntries: 1000, ShardCount: 16}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := NewKey(fmt.Sprintf("d%d.test", (g*31+i)%300), dns.TypeA)
				c.Put(ctx, key, []byte{byte(i)}, 60)
				c.Get(ctx, key)
			}
		}(g)
	}
	wg.Wait()

	stats := c.Stats()
	if stats.Entries > 1000 {
		t.Errorf("Cache exceeded capacity: %d", stats.Entries)
	}
	if stats.Sets != 16*200 {
		t.Errorf("Expected %d sets, got %d", 16*200, stats.Sets)
	}
}

func TestDisabledCache(t *testing.T) {
	var c Interface = Disabled{}
	key := NewKey("example.com", dns.TypeA)
	c.Put(context.Background(), key, []byte{1}, 60)
	if _, ok := c.Get(context.Background(), key); ok {
		t.Error("Disabled cache must never hit")
	}
	if err := c.Close(); err != nil {
		t.Error(err)
	}
}

func TestTTLFromReply(t *testing.T) {
	withAnswer := new(dns.Msg)
	withAnswer.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "a.test.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120}, A: []byte{192, 0, 2, 1}},
		&dns.A{Hdr: dns.RR_Header{Name: "a.test.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30}, A: []byte{192, 0, 2, 2}},
	}

	if got := TTLFromReply(withAnswer, DefaultTTL); got != 120 {
		t.Errorf("Expected first record TTL 120, got %d", got)
	}

	empty := new(dns.Msg)
	empty.Rcode = dns.RcodeNameError
	if got := TTLFromReply(empty, DefaultTTL); got != 60 {
		t.Errorf("Expected default 60 for empty answer, got %d", got)
	}

	if got := TTLFromReply(nil, 15*time.Second); got != 15 {
		t.Errorf("Expected 15 for nil reply, got %d", got)
	}
}

func TestKeyString(t *testing.T) {
	if got := NewKey("Example.com", dns.TypeAAAA).String(); got != "example.com./AAAA" {
		t.Errorf("Unexpected key string %q", got)
	}
}
