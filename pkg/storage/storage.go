package storage

import (
	"context"
	"time"
)

// Outcome labels stored with every query row. They mirror the resolution
// outcomes reported by the DNS engine.
const (
	OutcomeBlocked   = "blocked"
	OutcomeCached    = "cached"
	OutcomeForwarded = "forwarded"
	OutcomeServFail  = "servfail"
	OutcomeMalformed = "malformed"
)

// Storage is the query log backend.
// Implementations must be safe for concurrent use.
type Storage interface {
	LogQuery(ctx context.Context, query *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error)

	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
	GetTopDomains(ctx context.Context, limit int, blocked bool) ([]*DomainStats, error)
	GetQueryTypeStats(ctx context.Context, limit int, since time.Time) ([]*QueryTypeStats, error)

	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
	Ping(ctx context.Context) error
}

// QueryLog is a single resolved (or refused) query
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	Domain         string    `json:"domain"`
	QueryType      string    `json:"query_type"`
	Outcome        string    `json:"outcome"`
	Rule           string    `json:"rule,omitempty"`
	Upstream       string    `json:"upstream,omitempty"`
	ID             int64     `json:"id"`
	ResponseCode   int       `json:"response_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	UpstreamTimeMs float64   `json:"upstream_time_ms"`
	Blocked        bool      `json:"blocked"`
	Cached         bool      `json:"cached"`
}

// Statistics aggregates the log over a time window
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	BlockedQueries    int64     `json:"blocked_queries"`
	CachedQueries     int64     `json:"cached_queries"`
	FailedQueries     int64     `json:"failed_queries"`
	UniqueDomains     int64     `json:"unique_domains"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	BlockRate         float64   `json:"block_rate"`     // percent
	CacheHitRate      float64   `json:"cache_hit_rate"` // percent
}

// DomainStats is the per-domain view returned by GetTopDomains
type DomainStats struct {
	LastQueried  time.Time `json:"last_queried"`
	FirstQueried time.Time `json:"first_queried,omitempty"`
	Domain       string    `json:"domain"`
	QueryCount   int64     `json:"query_count"`
	Blocked      bool      `json:"blocked"`
}

// QueryTypeStats represents aggregated counts per DNS record type.
type QueryTypeStats struct {
	QueryType string `json:"query_type"`
	Total     int64  `json:"total"`
	Blocked   int64  `json:"blocked"`
	Cached    int64  `json:"cached"`
}
