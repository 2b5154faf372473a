// Package storage persists the query log. The SQLite backend buffers rows in
// memory and writes them in batches so logging never blocks resolution.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"

	_ "modernc.org/sqlite"
)

// MetricsRecorder is the slice of telemetry.Metrics the storage needs.
// Declared here so storage does not import telemetry.
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}

const queryColumns = `id, timestamp, client_ip, domain, query_type, outcome, response_code,
	blocked, cached, response_time_ms, upstream, upstream_time_ms, rule`

// SQLiteStorage implements Storage on modernc.org/sqlite
type SQLiteStorage struct {
	db              *sql.DB
	cfg             config.StorageConfig
	metrics         MetricsRecorder
	logger          *logging.Logger
	buffer          chan *QueryLog
	stmtInsertQuery *sql.Stmt
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// NewSQLiteStorage opens (or creates) the database at cfg.Path, migrates it
// and starts the flush worker
func NewSQLiteStorage(cfg *config.StorageConfig, metrics MetricsRecorder, logger *logging.Logger) (*SQLiteStorage, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	c := *cfg
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}

	db, err := sql.Open("sqlite", c.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// One connection: SQLite serialises writers anyway, and :memory: databases
	// are per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if c.Path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, domain, query_type, outcome, response_code, blocked, cached,
		 response_time_ms, upstream, upstream_time_ms, rule)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s := &SQLiteStorage{
		db:              db,
		cfg:             c,
		metrics:         metrics,
		logger:          logger.WithComponent("storage"),
		buffer:          make(chan *QueryLog, c.BufferSize),
		stmtInsertQuery: stmtInsert,
	}

	s.wg.Add(1)
	go s.flushWorker()

	s.logger.Info("Query log opened",
		"path", c.Path,
		"buffer_size", c.BufferSize,
		"batch_size", c.BatchSize,
		"flush_interval", c.FlushInterval)

	return s, nil
}

// LogQuery queues a row for the next batch. It never blocks: when the buffer
// is full the row is dropped, counted, and ErrBufferFull is returned.
func (s *SQLiteStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if query.Timestamp.IsZero() {
		query.Timestamp = time.Now()
	}

	select {
	case s.buffer <- query:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedQuery(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker drains the buffer, writing when a batch fills or the flush
// interval elapses. It exits after a final flush once the buffer is closed.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*QueryLog, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(batch); err != nil {
			s.logger.Error("Failed to flush query batch",
				"error", err,
				"batch_size", len(batch),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case query, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, query)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes queries in a single transaction
func (s *SQLiteStorage) flushBatch(queries []*QueryLog) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtInsertQuery)
	for _, q := range queries {
		_, err := stmt.Exec(
			q.Timestamp.UTC(),
			q.ClientIP,
			q.Domain,
			q.QueryType,
			q.Outcome,
			q.ResponseCode,
			q.Blocked,
			q.Cached,
			q.ResponseTimeMs,
			nullString(q.Upstream),
			q.UpstreamTimeMs,
			nullString(q.Rule),
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// GetRecentQueries returns the newest rows first
func (s *SQLiteStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queryColumns+`
		FROM queries
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetQueriesByDomain returns queries for a specific domain
func (s *SQLiteStorage) GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queryColumns+`
		FROM queries
		WHERE domain = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetStatistics aggregates every row logged at or after since
func (s *SQLiteStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Statistics{
		Since: since,
		Until: time.Now(),
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN blocked THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cached THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT domain),
			COUNT(DISTINCT client_ip),
			AVG(response_time_ms)
		FROM queries
		WHERE timestamp >= ?
	`, OutcomeServFail, since.UTC()).Scan(
		&stats.TotalQueries,
		&stats.BlockedQueries,
		&stats.CachedQueries,
		&stats.FailedQueries,
		&stats.UniqueDomains,
		&stats.UniqueClients,
		&avg,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	stats.AvgResponseTimeMs = avg.Float64

	if stats.TotalQueries > 0 {
		stats.BlockRate = float64(stats.BlockedQueries) / float64(stats.TotalQueries) * 100
		stats.CacheHitRate = float64(stats.CachedQueries) / float64(stats.TotalQueries) * 100
	}

	return stats, nil
}

// GetTopDomains returns the most queried domains, either blocked or allowed
func (s *SQLiteStorage) GetTopDomains(ctx context.Context, limit int, blocked bool) ([]*DomainStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			domain,
			COUNT(*) AS total_queries,
			MIN(timestamp) AS first_seen,
			MAX(timestamp) AS last_seen
		FROM queries
		WHERE blocked = ?
		GROUP BY domain
		ORDER BY total_queries DESC, domain ASC
		LIMIT ?
	`, blocked, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var domains []*DomainStats
	for rows.Next() {
		var d DomainStats
		var firstRaw, lastRaw sql.NullString
		if err := rows.Scan(&d.Domain, &d.QueryCount, &firstRaw, &lastRaw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if firstRaw.Valid {
			d.FirstQueried = parseSQLiteTime(firstRaw.String)
		}
		if lastRaw.Valid {
			d.LastQueried = parseSQLiteTime(lastRaw.String)
		}
		d.Blocked = blocked
		domains = append(domains, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return domains, nil
}

// GetQueryTypeStats returns counts grouped by record type.
// A zero since covers the whole log.
func (s *SQLiteStorage) GetQueryTypeStats(ctx context.Context, limit int, since time.Time) ([]*QueryTypeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	if limit <= 0 || limit > 100 {
		limit = 10
	}

	query := `
		SELECT
			COALESCE(NULLIF(UPPER(query_type), ''), 'UNKNOWN') AS type,
			COUNT(*) AS total,
			SUM(CASE WHEN blocked THEN 1 ELSE 0 END) AS blocked,
			SUM(CASE WHEN cached THEN 1 ELSE 0 END) AS cached
		FROM queries
	`
	args := make([]any, 0, 2)
	if !since.IsZero() {
		query += " WHERE timestamp >= ?"
		args = append(args, since.UTC())
	}
	query += `
		GROUP BY type
		ORDER BY total DESC, type ASC
		LIMIT ?
	`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var stats []*QueryTypeStats
	for rows.Next() {
		var stat QueryTypeStats
		if scanErr := rows.Scan(&stat.QueryType, &stat.Total, &stat.Blocked, &stat.Cached); scanErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, scanErr)
		}
		stats = append(stats, &stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return stats, nil
}

// Cleanup deletes rows older than olderThan and returns how many went
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	deleted, _ := result.RowsAffected()

	if deleted > 10000 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.logger.Error("VACUUM operation failed",
				"error", err,
				"deleted_rows", deleted,
			)
		}
	}

	return deleted, nil
}

// Close flushes buffered rows and closes the database. It is idempotent.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	if s.stmtInsertQuery != nil {
		_ = s.stmtInsertQuery.Close()
	}

	return s.db.Close()
}

// Ping checks if the storage is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.PingContext(ctx)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// scanQueryLogs reads rows selected with queryColumns. The caller closes rows.
func scanQueryLogs(rows *sql.Rows) ([]*QueryLog, error) {
	var queries []*QueryLog

	for rows.Next() {
		var q QueryLog
		var upstream, rule sql.NullString

		err := rows.Scan(
			&q.ID,
			&q.Timestamp,
			&q.ClientIP,
			&q.Domain,
			&q.QueryType,
			&q.Outcome,
			&q.ResponseCode,
			&q.Blocked,
			&q.Cached,
			&q.ResponseTimeMs,
			&upstream,
			&q.UpstreamTimeMs,
			&rule,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}

		q.Upstream = upstream.String
		q.Rule = rule.String
		queries = append(queries, &q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return queries, nil
}
