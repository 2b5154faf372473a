package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing, so packages can be used without telemetry wired in.
type Metrics struct {
	// Query path
	DNSQueriesTotal     metric.Int64Counter
	DNSQueriesByType    metric.Int64Counter
	DNSQueryDuration    metric.Float64Histogram
	DNSCacheHits        metric.Int64Counter
	DNSCacheMisses      metric.Int64Counter
	DNSBlockedQueries   metric.Int64Counter
	DNSForwardedQueries metric.Int64Counter
	DNSCoalescedQueries metric.Int64Counter
	DNSUpstreamErrors   metric.Int64Counter
	DNSMalformedQueries metric.Int64Counter
	DNSRateLimited      metric.Int64Counter

	// Blocklist
	BlocklistSize    metric.Int64Gauge
	BlocklistReloads metric.Int64Counter

	// Cache
	CacheSize      metric.Int64UpDownCounter
	CacheEvictions metric.Int64Counter

	// Storage
	StorageQueriesDropped metric.Int64Counter

	// Feeds
	FeedUpdates metric.Int64Counter
	FeedDomains metric.Int64Gauge
}

// NewMetrics creates every instrument on the given provider
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.DNSQueriesTotal, "dns.queries.total", "Total number of DNS queries received"},
		{&m.DNSQueriesByType, "dns.queries.by_type", "DNS queries by query type"},
		{&m.DNSCacheHits, "dns.cache.hits", "Number of DNS cache hits"},
		{&m.DNSCacheMisses, "dns.cache.misses", "Number of DNS cache misses"},
		{&m.DNSBlockedQueries, "dns.queries.blocked", "Number of blocked DNS queries"},
		{&m.DNSForwardedQueries, "dns.queries.forwarded", "Number of queries sent upstream"},
		{&m.DNSCoalescedQueries, "dns.queries.coalesced", "Number of misses answered by another in-flight upstream call"},
		{&m.DNSUpstreamErrors, "dns.upstream.errors", "Number of failed upstream exchanges"},
		{&m.DNSMalformedQueries, "dns.queries.malformed", "Number of datagrams that did not parse as a query"},
		{&m.DNSRateLimited, "dns.queries.rate_limited", "Queries refused or dropped by the per-client rate limit"},
		{&m.BlocklistReloads, "blocklist.reloads", "Blocklist reload attempts by result"},
		{&m.CacheEvictions, "cache.evictions", "Entries evicted to stay within capacity"},
		{&m.StorageQueriesDropped, "storage.queries.dropped", "Number of queries dropped due to full buffer"},
		{&m.FeedUpdates, "feeds.updates", "Feed aggregation runs by result"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	if m.DNSQueryDuration, err = meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	if m.BlocklistSize, err = meter.Int64Gauge(
		"blocklist.size",
		metric.WithDescription("Number of rules in the active blocklist"),
	); err != nil {
		return nil, fmt.Errorf("failed to create blocklist size gauge: %w", err)
	}

	if m.CacheSize, err = meter.Int64UpDownCounter(
		"cache.size",
		metric.WithDescription("Number of entries in DNS cache"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache size gauge: %w", err)
	}

	if m.FeedDomains, err = meter.Int64Gauge(
		"feeds.domains",
		metric.WithDescription("Domains in the last published feed blocklist"),
	); err != nil {
		return nil, fmt.Errorf("failed to create feed domains gauge: %w", err)
	}

	return m, nil
}

// RecordQuery counts one finished query
func (m *Metrics) RecordQuery(ctx context.Context, outcome, qtype string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DNSQueriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.DNSQueriesByType.Add(ctx, 1, metric.WithAttributes(attribute.String("type", qtype)))
	m.DNSQueryDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AddCacheLookup counts a cache hit or miss
func (m *Metrics) AddCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.DNSCacheHits.Add(ctx, 1)
	} else {
		m.DNSCacheMisses.Add(ctx, 1)
	}
}

// AddBlocked counts a blocked query by the kind of rule that matched
func (m *Metrics) AddBlocked(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.DNSBlockedQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", kind)))
}

// AddForwarded counts one upstream exchange
func (m *Metrics) AddForwarded(ctx context.Context) {
	if m == nil {
		return
	}
	m.DNSForwardedQueries.Add(ctx, 1)
}

// AddCoalesced counts a miss that shared another query's upstream call
func (m *Metrics) AddCoalesced(ctx context.Context) {
	if m == nil {
		return
	}
	m.DNSCoalescedQueries.Add(ctx, 1)
}

// AddUpstreamError counts a failed exchange by error kind
func (m *Metrics) AddUpstreamError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.DNSUpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// AddMalformed counts an unparsable datagram
func (m *Metrics) AddMalformed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DNSMalformedQueries.Add(ctx, 1)
}

// AddRateLimited counts a query rejected by the client rate limit
func (m *Metrics) AddRateLimited(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.DNSRateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordReload records a blocklist reload and, on success, the new rule count
func (m *Metrics) RecordReload(ctx context.Context, ok bool, rules int) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.BlocklistReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if ok {
		m.BlocklistSize.Record(ctx, int64(rules))
	}
}

// AddCacheSize adjusts the cache size gauge
func (m *Metrics) AddCacheSize(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.CacheSize.Add(ctx, delta)
}

// AddCacheEviction counts capacity evictions
func (m *Metrics) AddCacheEviction(ctx context.Context) {
	if m == nil {
		return
	}
	m.CacheEvictions.Add(ctx, 1)
}

// AddDroppedQuery implements storage.MetricsRecorder
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m == nil {
		return
	}
	m.StorageQueriesDropped.Add(ctx, count)
}

// RecordFeedUpdate records one aggregation run
func (m *Metrics) RecordFeedUpdate(ctx context.Context, ok bool, domains int) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.FeedUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if ok {
		m.FeedDomains.Record(ctx, int64(domains))
	}
}
