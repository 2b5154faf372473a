package dns

import (
	"context"
	"fmt"
	"testing"

	"dns-firewall/pkg/blocklist"
	"dns-firewall/pkg/cache"
	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"
	"dns-firewall/pkg/pattern"

	"github.com/miekg/dns"
)

func setupBenchmarkEngine(b *testing.B, blocklistSize int) *Engine {
	b.Helper()
	cfg := config.LoadWithDefaults()

	rules := make([]string, 0, blocklistSize+2)
	for i := 0; i < blocklistSize; i++ {
		rules = append(rules, fmt.Sprintf("blocked%d.test", i))
	}
	rules = append(rules, "*.ads.test", `re:^track[0-9]+\.`)
	m, err := pattern.NewMatcher(rules)
	if err != nil {
		b.Fatal(err)
	}
	mgr := blocklist.NewManager("unused", logging.NewDiscard(), nil)
	mgr.Swap(m)

	c, err := cache.NewSharded(&cfg.Cache, logging.NewDiscard(), nil, cache.WithSweepInterval(0))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = c.Close() })

	return NewEngine(cfg, mgr, c, &fakeForwarder{}, logging.NewDiscard())
}

func benchmarkResolve(b *testing.B, e *Engine, name string) {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	query, err := m.Pack()
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()

	// Warm the cache for names that are not blocked
	e.Resolve(ctx, query, testClient)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		e.Resolve(ctx, query, testClient)
	}
	b.StopTimer()
	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "qps")
}

func BenchmarkResolve_BlockedExact(b *testing.B) {
	benchmarkResolve(b, setupBenchmarkEngine(b, 100000), "blocked1000.test.")
}

func BenchmarkResolve_BlockedWildcard(b *testing.B) {
	benchmarkResolve(b, setupBenchmarkEngine(b, 100000), "a.b.c.ads.test.")
}

func BenchmarkResolve_CacheHit(b *testing.B) {
	benchmarkResolve(b, setupBenchmarkEngine(b, 100000), "example.com.")
}

func BenchmarkResolve_CacheHitParallel(b *testing.B) {
	e := setupBenchmarkEngine(b, 1000)
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	query, err := m.Pack()
	if err != nil {
		b.Fatal(err)
	}
	e.Resolve(context.Background(), query, testClient)

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			e.Resolve(ctx, query, testClient)
		}
	})
}
