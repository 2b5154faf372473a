package forwarder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"

	"github.com/miekg/dns"
)

// Failure classes for an upstream exchange
var (
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrMalformedReply      = errors.New("malformed upstream reply")
)

const headerLen = 12

// Forwarder relays raw DNS queries to a single upstream over UDP
type Forwarder struct {
	upstream string
	timeout  time.Duration
	udpSize  int
	logger   *logging.Logger
}

// NewForwarder creates a forwarder for the configured upstream
func NewForwarder(cfg *config.UpstreamConfig, logger *logging.Logger) *Forwarder {
	upstream := cfg.Address
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		upstream = net.JoinHostPort(upstream, "53")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	udpSize := cfg.UDPSize
	if udpSize < dns.MinMsgSize {
		udpSize = dns.MinMsgSize
	}

	f := &Forwarder{
		upstream: upstream,
		timeout:  timeout,
		udpSize:  udpSize,
		logger:   logger,
	}

	logger.Info("Forwarder initialized",
		"upstream", upstream,
		"timeout", timeout,
		"udp_size", udpSize,
	)

	return f
}

// Upstream returns the upstream address
func (f *Forwarder) Upstream() string {
	return f.upstream
}

// Timeout returns the per-exchange bound
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

// Exchange sends query to the upstream verbatim and returns the raw reply.
// The wait is bounded by the forwarder timeout and by ctx, whichever ends
// first. Datagrams whose ID does not match the query are ignored. Errors wrap
// ErrUpstreamTimeout, ErrUpstreamUnreachable or ErrMalformedReply.
func (f *Forwarder) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) < headerLen {
		return nil, fmt.Errorf("query too short: %d bytes", len(query))
	}
	id := binary.BigEndian.Uint16(query)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	client := &dns.Client{Net: "udp", UDPSize: uint16(f.udpSize), Timeout: f.timeout}
	co, err := client.DialContext(ctx, f.upstream)
	if err != nil {
		return nil, f.classify(ctx, err)
	}
	defer func() { _ = co.Close() }()

	// Abandon the read as soon as the caller goes away
	stop := context.AfterFunc(ctx, func() { _ = co.SetDeadline(time.Now()) })
	defer stop()

	deadline, _ := ctx.Deadline()
	if err := co.SetDeadline(deadline); err != nil {
		return nil, f.classify(ctx, err)
	}

	start := time.Now()
	if _, err := co.Write(query); err != nil {
		return nil, f.classify(ctx, err)
	}

	buf := make([]byte, f.udpSize)
	for {
		n, err := co.Read(buf)
		if err != nil {
			return nil, f.classify(ctx, err)
		}

		reply := buf[:n]
		if n < headerLen || binary.BigEndian.Uint16(reply) != id {
			f.logger.Debug("Ignoring stray upstream datagram", "upstream", f.upstream, "bytes", n)
			continue
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(reply); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
		}
		if !msg.Response {
			return nil, fmt.Errorf("%w: QR bit not set", ErrMalformedReply)
		}

		f.logger.Debug("Upstream exchange succeeded",
			"upstream", f.upstream,
			"rtt", time.Since(start),
			"rcode", dns.RcodeToString[msg.Rcode],
			"answers", len(msg.Answer),
		)

		out := make([]byte, n)
		copy(out, reply)
		return out, nil
	}
}

// ExchangeMsg is Exchange for callers that already hold a parsed message
func (f *Forwarder) ExchangeMsg(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	query, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack query: %w", err)
	}
	raw, err := f.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	reply := new(dns.Msg)
	if err := reply.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return reply, nil
}

func (f *Forwarder) classify(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", ErrUpstreamTimeout, f.upstream, f.timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %s: %v", ErrUpstreamUnreachable, f.upstream, ctx.Err())
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %s: %v", ErrUpstreamTimeout, f.upstream, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %s refused the connection", ErrUpstreamUnreachable, f.upstream)
	default:
		return fmt.Errorf("%w: %s: %v", ErrUpstreamUnreachable, f.upstream, err)
	}
}

// ErrorKind maps an Exchange error to a short label for logs and metrics
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedReply):
		return "malformed"
	case errors.Is(err, ErrUpstreamUnreachable):
		return "unreachable"
	default:
		return "other"
	}
}
