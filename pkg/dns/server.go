package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"
)

const maxDatagram = 65535

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, maxDatagram)
		return &b
	},
}

// Server is the client-facing UDP transport. Each datagram is resolved on its
// own goroutine and answered with at most one datagram to the sender.
type Server struct {
	addr   string
	engine *Engine
	logger *logging.Logger

	mu        sync.RWMutex
	conn      net.PacketConn
	running   bool
	ready     chan struct{}
	serveDone chan struct{}
	stopping  atomic.Bool

	// baseCtx is cancelled when a graceful shutdown runs out of time, which
	// abandons in-flight upstream exchanges
	baseCtx    context.Context
	cancelBase context.CancelFunc
	inflight   sync.WaitGroup
}

// NewServer creates a server for cfg.ListenAddress
func NewServer(cfg *config.ServerConfig, engine *Engine, logger *logging.Logger) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:       cfg.ListenAddress,
		engine:     engine,
		logger:     logger.WithComponent("server"),
		ready:      make(chan struct{}),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// Start listens and serves until ctx is cancelled, then shuts down. It
// returns an error if the socket cannot be opened or reading fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.conn = conn
	s.running = true
	s.stopping.Store(false)
	serveDone := make(chan struct{})
	s.serveDone = serveDone
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.mu.Unlock()

	s.logger.Info("DNS server started", "address", conn.LocalAddr().String(), "network", "udp")

	errChan := make(chan error, 1)
	go func() {
		defer close(serveDone)
		errChan <- s.serve(conn)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		if err != nil {
			s.logger.Error("DNS server error", "error", err)
		}
		_ = s.Shutdown(context.Background())
		return err
	}
}

func (s *Server) serve(conn net.PacketConn) error {
	for {
		bufPtr := bufPool.Get().(*[]byte)
		buf := *bufPtr

		n, client, err := conn.ReadFrom(buf)
		if err != nil {
			bufPool.Put(bufPtr)
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if s.stopping.Load() {
					return nil
				}
				continue
			}
			return fmt.Errorf("UDP read failed: %w", err)
		}

		query := make([]byte, n)
		copy(query, buf[:n])
		bufPool.Put(bufPtr)

		s.inflight.Add(1)
		go s.handle(conn, client, query)
	}
}

func (s *Server) handle(conn net.PacketConn, client net.Addr, query []byte) {
	defer s.inflight.Done()

	res := s.engine.Resolve(s.baseCtx, query, client)
	if res.Payload == nil {
		return
	}
	if _, err := conn.WriteTo(res.Payload, client); err != nil {
		// Client gone
		s.logger.Debug("Failed to write response", "client", client.String(), "error", err)
	}
}

// Shutdown stops reading, waits for in-flight queries to be answered and then
// closes the socket. If ctx ends first the remaining upstream calls are
// abandoned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	conn := s.conn
	serveDone := s.serveDone
	s.mu.Unlock()

	// Unblock the read loop but keep the socket open for pending replies
	s.stopping.Store(true)
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		s.logger.Warn("Failed to interrupt UDP read", "error", err)
		_ = conn.Close()
	}

	// No new handlers start once the read loop has returned
	<-serveDone

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Abandoning in-flight queries", "error", ctx.Err())
		s.cancelBase()
		<-done
	}

	err := conn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("UDP shutdown: %w", err)
	}

	s.logger.Info("DNS server shut down successfully")
	return nil
}

// Ready is closed once the socket is bound
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
