// Package resolver resolves hostnames for the proxy's own outbound traffic
// through the configured upstream, so feed downloads do not depend on the
// host resolver (which may well point back at this proxy).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"dns-firewall/pkg/logging"

	"github.com/miekg/dns"
)

// Exchanger sends one parsed query upstream. forwarder.Forwarder implements it.
type Exchanger interface {
	ExchangeMsg(ctx context.Context, m *dns.Msg) (*dns.Msg, error)
	Upstream() string
}

// Resolver looks up A and AAAA records through an Exchanger
type Resolver struct {
	logger   *logging.Logger
	dialer   *net.Dialer
	upstream Exchanger
	strict   bool // when true, never fall back to the system resolver
}

// New creates a resolver using upstream. A nil upstream means the system
// resolver is used for everything.
func New(upstream Exchanger, logger *logging.Logger) *Resolver {
	return newWithOptions(upstream, logger, false)
}

// NewStrict creates a resolver that fails instead of falling back to the
// system resolver when the upstream cannot answer
func NewStrict(upstream Exchanger, logger *logging.Logger) *Resolver {
	return newWithOptions(upstream, logger, true)
}

func newWithOptions(upstream Exchanger, logger *logging.Logger, strict bool) *Resolver {
	logger = logger.WithComponent("resolver")
	if upstream == nil {
		logger.Warn("No upstream configured, using system default resolver")
	} else {
		logger.Debug("Resolver initialized", "upstream", upstream.Upstream(), "strict", strict)
	}

	return &Resolver{
		upstream: upstream,
		logger:   logger,
		strict:   strict,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// LookupIP resolves host. network is "ip", "ip4" or "ip6" as in net.Resolver.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if r.upstream == nil {
		return net.DefaultResolver.LookupIP(ctx, network, host)
	}

	var qtypes []uint16
	switch network {
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	case "ip":
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	var (
		ips  []net.IP
		errs []error
	)
	for _, qtype := range qtypes {
		found, err := r.lookup(ctx, host, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ips = append(ips, found...)
	}
	if len(ips) > 0 {
		r.logger.Debug("DNS resolution successful", "host", host, "ips", ips)
		return ips, nil
	}

	lastErr := errors.Join(errs...)
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	if r.strict {
		return nil, fmt.Errorf("failed to resolve %s via %s (strict mode): %w", host, r.upstream.Upstream(), lastErr)
	}

	r.logger.Warn("Upstream resolution failed, falling back to system resolver",
		"host", host,
		"upstream", r.upstream.Upstream(),
		"error", lastErr,
	)
	sysIPs, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, errors.Join(lastErr, err))
	}
	return sysIPs, nil
}

func (r *Resolver) lookup(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	reply, err := r.upstream.ExchangeMsg(ctx, m)
	if err != nil {
		return nil, err
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s %s: %s", host, dns.TypeToString[qtype], dns.RcodeToString[reply.Rcode])
	}

	var ips []net.IP
	for _, rr := range reply.Answer {
		switch v := rr.(type) {
		case *dns.A:
			ips = append(ips, v.A)
		case *dns.AAAA:
			ips = append(ips, v.AAAA)
		}
	}
	return ips, nil
}

// DialContext dials addr, resolving its host through the upstream. It has
// the signature of http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}

	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}

	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %s", host)
	}

	// Try each address in turn; the first is usually enough
	var lastErr error
	for _, ip := range ips {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
