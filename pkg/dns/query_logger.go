package dns

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dns-firewall/pkg/logging"
	"dns-firewall/pkg/storage"
)

const logTimeout = 2 * time.Second

// QueryLogger is an EventSink that writes query events to storage from a
// fixed pool of workers, so the query path never waits on the database
type QueryLogger struct {
	logCh     chan *storage.QueryLog
	workers   int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	storage   storage.Storage
	logger    *logging.Logger
	dropped   atomic.Uint64
	buffered  atomic.Int64
	closeOnce sync.Once
}

// NewQueryLogger starts workers goroutines draining a buffer of bufferSize
// entries into stor
func NewQueryLogger(stor storage.Storage, logger *logging.Logger, bufferSize, workers int) *QueryLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	ql := &QueryLogger{
		logCh:   make(chan *storage.QueryLog, bufferSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		storage: stor,
		logger:  logger.WithComponent("query-logger"),
	}

	for i := 0; i < workers; i++ {
		ql.wg.Add(1)
		go ql.worker(i)
	}

	ql.logger.Info("Query logger worker pool started",
		"workers", workers,
		"buffer_size", bufferSize)

	return ql
}

// Record converts ev to a storage row and queues it. Malformed and
// rate-limited datagrams are not logged, so a flood cannot fill the log.
func (ql *QueryLogger) Record(_ context.Context, ev Event) {
	if ev.Outcome == OutcomeMalformed || ev.Outcome == OutcomeLimited {
		return
	}
	_ = ql.LogAsync(toQueryLog(ev))
}

func toQueryLog(ev Event) *storage.QueryLog {
	return &storage.QueryLog{
		Timestamp:      ev.Time,
		ClientIP:       ev.Client,
		Domain:         trimDot(ev.Name),
		QueryType:      ev.Type,
		Outcome:        string(ev.Outcome),
		Rule:           ev.Rule,
		Upstream:       ev.Upstream,
		ResponseCode:   ev.Rcode,
		ResponseTimeMs: float64(ev.Latency.Microseconds()) / 1000.0,
		UpstreamTimeMs: float64(ev.UpstreamLatency.Microseconds()) / 1000.0,
		Blocked:        ev.Outcome == OutcomeBlocked,
		Cached:         ev.Outcome == OutcomeCacheHit,
	}
}

func trimDot(name string) string {
	if len(name) > 1 && name[len(name)-1] == '.' {
		return name[:len(name)-1]
	}
	return name
}

func (ql *QueryLogger) worker(id int) {
	defer ql.wg.Done()

	for {
		select {
		case <-ql.ctx.Done():
			ql.drainChannel()
			return

		case entry := <-ql.logCh:
			ql.buffered.Add(-1)
			ql.write(ql.ctx, id, entry)
		}
	}
}

// drainChannel writes what is left in the buffer during shutdown
func (ql *QueryLogger) drainChannel() {
	for {
		select {
		case entry := <-ql.logCh:
			ql.buffered.Add(-1)
			// The pool context is already cancelled
			ql.write(context.Background(), -1, entry)
		default:
			return
		}
	}
}

func (ql *QueryLogger) write(parent context.Context, worker int, entry *storage.QueryLog) {
	ctx, cancel := context.WithTimeout(parent, logTimeout)
	defer cancel()

	if err := ql.storage.LogQuery(ctx, entry); err != nil {
		ql.logger.Error("Failed to log query",
			"worker", worker,
			"domain", entry.Domain,
			"client_ip", entry.ClientIP,
			"error", err)
	}
}

// LogAsync queues entry without blocking. When the buffer is full the entry is
// dropped and storage.ErrBufferFull returned.
func (ql *QueryLogger) LogAsync(entry *storage.QueryLog) error {
	select {
	case ql.logCh <- entry:
		ql.buffered.Add(1)
		return nil
	default:
		dropped := ql.dropped.Add(1)
		ql.logger.Warn("Query log buffer full, dropping entry",
			"domain", entry.Domain,
			"client_ip", entry.ClientIP,
			"dropped_total", dropped)
		return storage.ErrBufferFull
	}
}

// Close stops the workers after they drain the buffer. Safe to call more
// than once.
func (ql *QueryLogger) Close() error {
	ql.closeOnce.Do(func() {
		ql.logger.Info("Shutting down query logger",
			"buffered_entries", ql.buffered.Load(),
			"dropped_total", ql.dropped.Load())

		ql.cancel()
		ql.wg.Wait()

		ql.logger.Info("Query logger shutdown complete")
	})
	return nil
}

// Stats returns the number of queued and dropped entries
func (ql *QueryLogger) Stats() (buffered int64, dropped uint64) {
	return ql.buffered.Load(), ql.dropped.Load()
}
