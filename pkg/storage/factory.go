package storage

import (
	"context"
	"time"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"
)

// New creates the query log described by cfg. A nil or disabled config
// yields a NoOpStorage.
func New(cfg *config.StorageConfig, metrics MetricsRecorder, logger *logging.Logger) (Storage, error) {
	if cfg == nil || !cfg.Enabled {
		return NewNoOpStorage(), nil
	}
	return NewSQLiteStorage(cfg, metrics, logger)
}

// NoOpStorage discards everything. Used when the query log is disabled.
type NoOpStorage struct{}

// NewNoOpStorage creates a new no-op storage
func NewNoOpStorage() *NoOpStorage {
	return &NoOpStorage{}
}

func (n *NoOpStorage) LogQuery(context.Context, *QueryLog) error { return nil }

func (n *NoOpStorage) GetRecentQueries(context.Context, int, int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

func (n *NoOpStorage) GetQueriesByDomain(context.Context, string, int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

func (n *NoOpStorage) GetStatistics(_ context.Context, since time.Time) (*Statistics, error) {
	return &Statistics{Since: since, Until: time.Now()}, nil
}

func (n *NoOpStorage) GetTopDomains(context.Context, int, bool) ([]*DomainStats, error) {
	return []*DomainStats{}, nil
}

func (n *NoOpStorage) GetQueryTypeStats(context.Context, int, time.Time) ([]*QueryTypeStats, error) {
	return []*QueryTypeStats{}, nil
}

func (n *NoOpStorage) Cleanup(context.Context, time.Time) (int64, error) { return 0, nil }

func (n *NoOpStorage) Close() error { return nil }

func (n *NoOpStorage) Ping(context.Context) error { return nil }
