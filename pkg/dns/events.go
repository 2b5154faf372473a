package dns

import (
	"context"
	"log/slog"
	"net"
	"time"

	"dns-firewall/pkg/logging"

	"github.com/miekg/dns"
)

// Event is emitted once per query after it has been answered
type Event struct {
	Time            time.Time
	Client          string
	Name            string
	Type            string
	Outcome         Outcome
	Rcode           int
	Rule            string
	Upstream        string
	Coalesced       bool
	Latency         time.Duration
	UpstreamLatency time.Duration
	Err             error
}

// EventSink receives query events. Record is called on the query path and
// must not block.
type EventSink interface {
	Record(ctx context.Context, ev Event)
}

func newEvent(client net.Addr, res *Result) Event {
	return Event{
		Time:            time.Now(),
		Client:          clientIP(client),
		Name:            res.Name,
		Type:            dns.TypeToString[res.Type],
		Outcome:         res.Outcome,
		Rcode:           res.Rcode,
		Rule:            res.Rule,
		Upstream:        res.Upstream,
		Coalesced:       res.Coalesced,
		Latency:         res.Latency,
		UpstreamLatency: res.UpstreamLatency,
		Err:             res.Err,
	}
}

// clientIP strips the port from a client address
func clientIP(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// LogSink writes one log line per query. Blocked queries log at info, upstream
// failures at warn, everything else at debug.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("query")}
}

// Record logs ev
func (s *LogSink) Record(ctx context.Context, ev Event) {
	level := slog.LevelDebug
	switch ev.Outcome {
	case OutcomeBlocked:
		level = slog.LevelInfo
	case OutcomeServFail:
		level = slog.LevelWarn
	}
	if !s.logger.Enabled(ctx, level) {
		return
	}

	attrs := []any{
		"client", ev.Client,
		"domain", ev.Name,
		"type", ev.Type,
		"outcome", string(ev.Outcome),
		"rcode", dns.RcodeToString[ev.Rcode],
		"duration_ms", float64(ev.Latency.Microseconds()) / 1000.0,
	}
	if ev.Rule != "" {
		attrs = append(attrs, "rule", ev.Rule)
	}
	if ev.Upstream != "" {
		attrs = append(attrs, "upstream", ev.Upstream)
	}
	if ev.Coalesced {
		attrs = append(attrs, "coalesced", true)
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}

	s.logger.Log(ctx, level, "DNS query processed", attrs...)
}

// MultiSink fans an event out to several sinks in order
type MultiSink []EventSink

// Record forwards ev to every non-nil sink
func (m MultiSink) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, ev)
		}
	}
}
