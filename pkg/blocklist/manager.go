package blocklist

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"dns-firewall/pkg/logging"
	"dns-firewall/pkg/pattern"
	"dns-firewall/pkg/telemetry"

	"github.com/cespare/xxhash/v2"
)

// Manager owns the active blocklist snapshot. Readers take the current
// matcher with a single atomic load; Reload builds a new matcher off to the
// side and publishes it with a single atomic store.
type Manager struct {
	path    string
	logger  *logging.Logger
	metrics *telemetry.Metrics

	current atomic.Pointer[pattern.Matcher]

	// reloadMu serialises reloads so two triggers cannot publish out of order
	reloadMu   sync.Mutex
	digest     uint64
	haveDigest bool

	lastReload atomic.Pointer[time.Time]
	lastErr    atomic.Pointer[string]
	reloads    atomic.Uint64
	failures   atomic.Uint64
}

// NewManager creates a manager for the blocklist file at path. It starts with
// an empty snapshot so queries are served before the first load completes.
func NewManager(path string, logger *logging.Logger, metrics *telemetry.Metrics) *Manager {
	m := &Manager{
		path:    path,
		logger:  logger,
		metrics: metrics,
	}
	m.current.Store(pattern.Empty())
	return m
}

// Path returns the file this manager loads from
func (m *Manager) Path() string {
	return m.path
}

// Snapshot returns the current matcher. The result never changes underneath
// the caller; a concurrent reload only affects later Snapshot calls.
func (m *Manager) Snapshot() *pattern.Matcher {
	return m.current.Load()
}

// Matches reports whether name is blocked by the current snapshot
func (m *Manager) Matches(name string) bool {
	return m.Snapshot().Matches(name)
}

// Swap publishes a matcher built elsewhere and returns the previous one
func (m *Manager) Swap(next *pattern.Matcher) *pattern.Matcher {
	if next == nil {
		next = pattern.Empty()
	}
	return m.current.Swap(next)
}

// Reload re-reads the blocklist file and publishes the result. When the file
// cannot be read the previous snapshot stays active and ErrLoad is returned.
// Unchanged content is detected by digest and leaves the snapshot in place.
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	start := time.Now()
	m.reloads.Add(1)

	data, err := os.ReadFile(m.path)
	if err != nil {
		return m.fail(ctx, fmt.Errorf("%w: %v", ErrLoad, err))
	}

	sum := xxhash.Sum64(data)
	if m.haveDigest && sum == m.digest {
		m.logger.Debug("Blocklist unchanged, keeping current snapshot", "path", m.path)
		m.markReloaded()
		return nil
	}

	matcher, warnings, err := ParseBytes(data)
	if err != nil {
		return m.fail(ctx, err)
	}

	for _, w := range warnings {
		m.logger.Warn("Skipping invalid blocklist rule",
			"path", m.path,
			"line", w.Line,
			"rule", w.Text,
			"error", w.Err)
	}

	prev := m.current.Swap(matcher)
	m.digest = sum
	m.haveDigest = true
	m.markReloaded()

	stats := matcher.Stats()
	m.metrics.RecordReload(ctx, true, stats.Total)
	m.logger.Info("Blocklist loaded",
		"path", m.path,
		"exact", stats.Exact,
		"wildcard", stats.Wildcard,
		"regex", stats.Regex,
		"skipped", len(warnings),
		"delta", stats.Total-prev.Len(),
		"duration", time.Since(start))

	return nil
}

func (m *Manager) fail(ctx context.Context, err error) error {
	m.failures.Add(1)
	msg := err.Error()
	m.lastErr.Store(&msg)
	m.metrics.RecordReload(ctx, false, 0)
	m.logger.Warn("Blocklist reload failed, keeping last good snapshot",
		"path", m.path,
		"rules", m.Snapshot().Len(),
		"error", err)
	return err
}

func (m *Manager) markReloaded() {
	now := time.Now()
	m.lastReload.Store(&now)
	m.lastErr.Store(nil)
}

// Stats summarises the manager for logs and the check command
type Stats struct {
	Rules      pattern.Stats
	LastReload time.Time
	LastError  string
	Reloads    uint64
	Failures   uint64
}

// Stats returns current counters
func (m *Manager) Stats() Stats {
	s := Stats{
		Rules:    m.Snapshot().Stats(),
		Reloads:  m.reloads.Load(),
		Failures: m.failures.Load(),
	}
	if t := m.lastReload.Load(); t != nil {
		s.LastReload = *t
	}
	if e := m.lastErr.Load(); e != nil {
		s.LastError = *e
	}
	return s
}
