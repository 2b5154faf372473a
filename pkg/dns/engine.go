// Package dns implements the resolution engine and its UDP transport.
//
// A query moves through Parsed -> {Blocked | CacheHit | Miss} and a miss is
// Forwarded and then Cached. Every path ends in raw response bytes except a
// malformed datagram under the drop policy, which ends in nothing.
package dns

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"dns-firewall/pkg/cache"
	"dns-firewall/pkg/config"
	"dns-firewall/pkg/forwarder"
	"dns-firewall/pkg/logging"
	"dns-firewall/pkg/pattern"
	"dns-firewall/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"
)

// ErrMalformedQuery is reported for datagrams that are not a single-question
// standard query
var ErrMalformedQuery = errors.New("malformed query")

const headerLen = 12

// Outcome classifies how a query was answered
type Outcome string

const (
	OutcomeBlocked   Outcome = "blocked"
	OutcomeCacheHit  Outcome = "cached"
	OutcomeForwarded Outcome = "forwarded"
	OutcomeServFail  Outcome = "servfail"
	OutcomeMalformed Outcome = "malformed"
	OutcomeLimited   Outcome = "ratelimited"
)

// SnapshotSource hands out the current blocklist matcher. blocklist.Manager
// implements it.
type SnapshotSource interface {
	Snapshot() *pattern.Matcher
}

// Forwarder sends a raw query upstream and returns the raw reply.
// forwarder.Forwarder implements it.
type Forwarder interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
	Upstream() string
}

// RateLimiter decides per client whether a query is served.
// ratelimit.Manager implements it.
type RateLimiter interface {
	Allow(client string) bool
	Action() string
}

// Result is the outcome of one Resolve call. A nil Payload means nothing is
// sent back.
type Result struct {
	Payload         []byte
	Outcome         Outcome
	Name            string
	Type            uint16
	Rcode           int
	Rule            string
	Upstream        string
	Coalesced       bool
	Latency         time.Duration
	UpstreamLatency time.Duration
	Err             error
}

// Engine answers raw queries from the blocklist, the cache and the upstream,
// in that order. It is safe for concurrent use; it holds no per-query state.
type Engine struct {
	blocklist SnapshotSource
	cache     cache.Interface
	forwarder Forwarder
	logger    *logging.Logger

	metrics *telemetry.Metrics
	sink    EventSink
	tracer  trace.Tracer
	limiter RateLimiter

	blockRcode    int
	dropMalformed bool
	defaultTTL    time.Duration
	group         *singleflight.Group
}

// NewEngine wires an engine. A nil cache disables caching.
func NewEngine(cfg *config.Config, blocklist SnapshotSource, c cache.Interface, fwd Forwarder, logger *logging.Logger) *Engine {
	if c == nil {
		c = cache.Disabled{}
	}

	e := &Engine{
		blocklist:     blocklist,
		cache:         c,
		forwarder:     fwd,
		logger:        logger.WithComponent("engine"),
		tracer:        tracenoop.NewTracerProvider().Tracer(""),
		blockRcode:    dns.RcodeNameError,
		dropMalformed: cfg.Server.MalformedPolicy != config.MalformedFormErr,
		defaultTTL:    cfg.Cache.DefaultTTL,
	}
	if cfg.Server.BlockResponse == config.BlockResponseRefused {
		e.blockRcode = dns.RcodeRefused
	}
	if e.defaultTTL <= 0 {
		e.defaultTTL = cache.DefaultTTL
	}
	if cfg.Cache.CoalesceMisses {
		e.group = &singleflight.Group{}
	}

	return e
}

// SetMetrics sets the metrics collector
func (e *Engine) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

// SetEventSink sets the receiver of per-query events
func (e *Engine) SetEventSink(s EventSink) {
	e.sink = s
}

// SetRateLimiter enables per-client limiting
func (e *Engine) SetRateLimiter(l RateLimiter) {
	e.limiter = l
}

// SetTracer sets the tracer used for per-query spans
func (e *Engine) SetTracer(t trace.Tracer) {
	if t != nil {
		e.tracer = t
	}
}

// Resolve produces the response for one raw query from client. It never
// panics on bad input and never returns without a Result; failures are
// reported through Result.Outcome and Result.Err.
func (e *Engine) Resolve(ctx context.Context, raw []byte, client net.Addr) Result {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "dns.resolve", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	res := e.resolve(ctx, raw, client)
	res.Latency = time.Since(start)

	span.SetAttributes(
		attribute.String("dns.question.name", res.Name),
		attribute.String("dns.question.type", dns.TypeToString[res.Type]),
		attribute.String("dns.outcome", string(res.Outcome)),
		attribute.Int("dns.rcode", res.Rcode),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}

	e.metrics.RecordQuery(ctx, string(res.Outcome), dns.TypeToString[res.Type], res.Latency)
	if e.sink != nil {
		e.sink.Record(ctx, newEvent(client, &res))
	}

	return res
}

func (e *Engine) resolve(ctx context.Context, raw []byte, client net.Addr) Result {
	req, err := parseQuery(raw)
	if err != nil {
		return e.malformed(ctx, raw, req, err)
	}

	q := req.Question[0]
	res := Result{Name: q.Name, Type: q.Qtype}

	if e.limiter != nil && !e.limiter.Allow(clientIP(client)) {
		action := e.limiter.Action()
		e.metrics.AddRateLimited(ctx, action)
		res.Outcome = OutcomeLimited
		res.Rcode = dns.RcodeRefused
		if action == config.RateLimitActionRefused {
			res.Payload = e.synthesize(req, dns.RcodeRefused)
		}
		return res
	}

	// Blocked names never reach the cache, so a blocklist edit applies to the
	// very next query
	if rule, blocked := e.blocklist.Snapshot().Match(q.Name); blocked {
		res.Outcome = OutcomeBlocked
		res.Rule = rule.String()
		res.Rcode = e.blockRcode
		res.Payload = e.synthesize(req, e.blockRcode)
		e.metrics.AddBlocked(ctx, rule.Kind.String())
		return res
	}

	key := cache.NewKey(q.Name, q.Qtype)
	if payload, ok := e.cache.Get(ctx, key); ok {
		setID(payload, req.Id)
		setQuestionName(payload, q.Name)
		res.Outcome = OutcomeCacheHit
		res.Rcode = rcodeOf(payload)
		res.Payload = payload
		return res
	}

	res.Upstream = e.forwarder.Upstream()
	upstreamStart := time.Now()
	payload, shared, err := e.forward(ctx, key, raw)
	res.UpstreamLatency = time.Since(upstreamStart)
	if err != nil {
		e.metrics.AddUpstreamError(ctx, forwarder.ErrorKind(err))
		res.Outcome = OutcomeServFail
		res.Rcode = dns.RcodeServerFailure
		res.Err = err
		res.Payload = e.synthesize(req, dns.RcodeServerFailure)
		return res
	}

	if shared {
		// The leader's reply carries the leader's ID and question spelling
		payload = append([]byte(nil), payload...)
		setID(payload, req.Id)
		setQuestionName(payload, q.Name)
		res.Coalesced = true
		e.metrics.AddCoalesced(ctx)
	}

	res.Outcome = OutcomeForwarded
	res.Rcode = rcodeOf(payload)
	res.Payload = payload
	return res
}

// forward resolves a miss upstream, optionally sharing one exchange between
// concurrent misses for the same key
func (e *Engine) forward(ctx context.Context, key cache.Key, raw []byte) ([]byte, bool, error) {
	if e.group == nil {
		payload, err := e.exchange(ctx, key, raw)
		return payload, false, err
	}

	v, err, shared := e.group.Do(key.String(), func() (any, error) {
		return e.exchange(ctx, key, raw)
	})
	if err != nil {
		return nil, shared, err
	}
	return v.([]byte), shared, nil
}

// exchange forwards raw, then caches the reply under key for the TTL of its
// first answer record
func (e *Engine) exchange(ctx context.Context, key cache.Key, raw []byte) ([]byte, error) {
	e.metrics.AddForwarded(ctx)

	reply, err := e.forwarder.Exchange(ctx, raw)
	if err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(reply); err != nil {
		return nil, fmt.Errorf("%w: %v", forwarder.ErrMalformedReply, err)
	}

	// An abandoned call must not leave anything behind
	if ctx.Err() != nil {
		return reply, nil
	}

	ttl := cache.TTLFromReply(msg, e.defaultTTL)
	e.cache.Put(ctx, key, reply, ttl)
	e.logger.Debug("Cached upstream reply", "key", key.String(), "ttl", ttl)

	return reply, nil
}

// malformed handles a datagram that is not a usable query. req is whatever
// parsed, possibly nil.
func (e *Engine) malformed(ctx context.Context, raw []byte, req *dns.Msg, err error) Result {
	e.metrics.AddMalformed(ctx)
	res := Result{Outcome: OutcomeMalformed, Rcode: dns.RcodeFormatError, Err: err}
	if req != nil && len(req.Question) > 0 {
		res.Name = req.Question[0].Name
		res.Type = req.Question[0].Qtype
	}
	// Never answer something that claims to be a response
	if !e.dropMalformed && (req == nil || !req.Response) {
		res.Payload = formErr(raw, req)
	}
	return res
}

func (e *Engine) synthesize(req *dns.Msg, rcode int) []byte {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	m.RecursionAvailable = true
	out, err := m.Pack()
	if err != nil {
		e.logger.Error("Failed to pack synthesized response", "rcode", dns.RcodeToString[rcode], "error", err)
		return nil
	}
	return out
}

// parseQuery accepts exactly one question in a standard query. The parsed
// message is returned alongside an error when only the checks failed.
func parseQuery(raw []byte) (*dns.Msg, error) {
	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuery, err)
	}
	switch {
	case req.Response:
		return req, fmt.Errorf("%w: QR bit set", ErrMalformedQuery)
	case req.Opcode != dns.OpcodeQuery:
		return req, fmt.Errorf("%w: opcode %s", ErrMalformedQuery, dns.OpcodeToString[req.Opcode])
	case len(req.Question) != 1:
		return req, fmt.Errorf("%w: %d questions", ErrMalformedQuery, len(req.Question))
	}
	return req, nil
}

// formErr builds a FORMERR reply. When the message did not parse at all only
// the ID can be echoed, and not even that for datagrams shorter than two bytes.
func formErr(raw []byte, req *dns.Msg) []byte {
	m := new(dns.Msg)
	if req != nil {
		m.SetRcodeFormatError(req)
	} else {
		if len(raw) < 2 {
			return nil
		}
		m.Id = binary.BigEndian.Uint16(raw)
		m.Response = true
		m.Rcode = dns.RcodeFormatError
	}
	out, err := m.Pack()
	if err != nil {
		return nil
	}
	return out
}

func setID(payload []byte, id uint16) {
	if len(payload) >= 2 {
		binary.BigEndian.PutUint16(payload, id)
	}
}

// setQuestionName overwrites the question name of a packed single-question
// message with name when the two differ only in letter case. Cache keys are
// case-insensitive, but clients using 0x20 randomisation expect their own
// spelling back.
func setQuestionName(payload []byte, name string) {
	if len(payload) < headerLen || binary.BigEndian.Uint16(payload[4:]) != 1 {
		return
	}
	wire := make([]byte, len(name)+2)
	n, err := dns.PackDomainName(name, wire, 0, nil, false)
	if err != nil || headerLen+n > len(payload) {
		return
	}
	stored := payload[headerLen : headerLen+n]
	if !equalFoldASCII(stored, wire[:n]) {
		return
	}
	copy(stored, wire[:n])
}

func equalFoldASCII(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if lowerASCII(a[i]) != lowerASCII(b[i]) {
			return false
		}
	}
	return true
}

func lowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

// rcodeOf reads the 4-bit header RCODE of a packed message
func rcodeOf(payload []byte) int {
	if len(payload) < 4 {
		return dns.RcodeServerFailure
	}
	return int(payload[3] & 0x0f)
}
