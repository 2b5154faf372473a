// Package ratelimit applies a token bucket per client address.
package ratelimit

import (
	"math"
	"net/netip"
	"sync"
	"time"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/time/rate"
)

// Manager tracks one limiter per client IP. A nil *Manager allows everything.
type Manager struct {
	limit   rate.Limit
	burst   int
	action  string
	maxIdle time.Duration
	logger  *logging.Logger

	exemptIPs   map[netip.Addr]struct{}
	exemptCIDRs []netip.Prefix

	// clients is ordered by last use, so the oldest entry is also the one
	// idle the longest
	mu      sync.Mutex
	clients *simplelru.LRU[netip.Addr, *clientLimiter]

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewManager returns nil when rate limiting is disabled
func NewManager(cfg *config.RateLimitConfig, logger *logging.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	size := cfg.MaxTrackedClients
	if size <= 0 {
		size = math.MaxInt
	}
	clients, err := simplelru.NewLRU[netip.Addr, *clientLimiter](size, nil)
	if err != nil {
		logger.Error("Failed to create client table, rate limiting disabled", "error", err)
		return nil
	}

	m := &Manager{
		limit:     rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.Burst,
		action:    cfg.Action,
		maxIdle:   cfg.CleanupInterval,
		logger:    logger.WithComponent("ratelimit"),
		exemptIPs: make(map[netip.Addr]struct{}),
		clients:   clients,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
	if m.action == "" {
		m.action = config.RateLimitActionDrop
	}
	m.parseExempt(cfg.Exempt)

	if m.maxIdle > 0 {
		go m.cleanupLoop()
	}

	m.logger.Info("Client rate limiting enabled",
		"requests_per_second", cfg.RequestsPerSecond,
		"burst", cfg.Burst,
		"action", m.action,
		"exempt", len(m.exemptIPs)+len(m.exemptCIDRs))
	return m
}

// Allow reports whether client may send another query now. Unparsable or
// exempt addresses are always allowed.
func (m *Manager) Allow(client string) bool {
	if m == nil {
		return true
	}
	addr, err := netip.ParseAddr(client)
	if err != nil {
		return true
	}
	addr = addr.Unmap()
	if m.exempt(addr) {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.clients.Get(addr)
	if !ok {
		// Adding to a full table drops the least recently seen client
		entry = &clientLimiter{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.clients.Add(addr, entry)
	}
	now := m.now()
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Action is what to do with a limited query: config.RateLimitActionDrop or
// config.RateLimitActionRefused
func (m *Manager) Action() string {
	if m == nil {
		return config.RateLimitActionDrop
	}
	return m.action
}

// Tracked returns the number of clients with live limiters
func (m *Manager) Tracked() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients.Len()
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) exempt(addr netip.Addr) bool {
	if _, ok := m.exemptIPs[addr]; ok {
		return true
	}
	for _, p := range m.exemptCIDRs {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.maxIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.cleanup(); n > 0 {
				m.logger.Debug("Expired idle client limiters", "removed", n)
			}
		case <-m.stopCh:
			return
		}
	}
}

// cleanup drops limiters idle for longer than the cleanup interval. A client
// idle that long has a full bucket again, so forgetting it changes nothing.
func (m *Manager) cleanup() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for {
		_, entry, ok := m.clients.GetOldest()
		if !ok || now.Sub(entry.lastSeen) <= m.maxIdle {
			return removed
		}
		m.clients.RemoveOldest()
		removed++
	}
}

func (m *Manager) parseExempt(entries []string) {
	for _, e := range entries {
		if addr, err := netip.ParseAddr(e); err == nil {
			m.exemptIPs[addr.Unmap()] = struct{}{}
			continue
		}
		prefix, err := netip.ParsePrefix(e)
		if err != nil {
			m.logger.Warn("Invalid rate limit exemption", "value", e, "error", err)
			continue
		}
		m.exemptCIDRs = append(m.exemptCIDRs, prefix.Masked())
	}
}
