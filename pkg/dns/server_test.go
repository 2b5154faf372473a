package dns

import (
	"context"
	"net"
	"testing"
	"time"

	"dns-firewall/pkg/config"
	"dns-firewall/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, env *testEnv) (string, func()) {
	t.Helper()
	srv := NewServer(&config.ServerConfig{ListenAddress: "127.0.0.1:0"}, env.engine, logging.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("server failed to start: %v", err)
	}
	require.True(t, srv.IsRunning())

	stop := func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		assert.False(t, srv.IsRunning())
	}
	return srv.Addr().String(), stop
}

func TestServer_AnswersOverUDP(t *testing.T) {
	env := newTestEnv(t, []string{"malware.test"}, nil)
	addr, stop := startServer(t, env)
	defer stop()

	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	resp, _, err := client.Exchange(m, addr)
	require.NoError(t, err)
	assert.Equal(t, m.Id, resp.Id)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)

	m.SetQuestion("malware.test.", dns.TypeA)
	resp, _, err = client.Exchange(m, addr)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestServer_DropsMalformed(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	addr, stop := startServer(t, env)
	defer stop()

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, 512)
	_, err = conn.Read(buf)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "no reply is sent for a dropped datagram")
}

func TestServer_ShutdownIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	srv := NewServer(&config.ServerConfig{ListenAddress: "127.0.0.1:0"}, env.engine, logging.NewDiscard())

	assert.NoError(t, srv.Shutdown(context.Background()), "shutdown before start")
	assert.Nil(t, srv.Addr())
}

func TestServer_ListenError(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	srv := NewServer(&config.ServerConfig{ListenAddress: "127.0.0.1:99999"}, env.engine, logging.NewDiscard())

	assert.Error(t, srv.Start(context.Background()))
}

func TestServer_ShutdownAbandonsSlowUpstream(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.fwd.gate = make(chan struct{}) // never opened
	srv := NewServer(&config.ServerConfig{ListenAddress: "127.0.0.1:0"}, env.engine, logging.NewDiscard())

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()
	<-srv.Ready()

	m := new(dns.Msg)
	m.SetQuestion("slow.test.", dns.TypeA)
	q, err := m.Pack()
	require.NoError(t, err)
	conn, err := net.Dial("udp", srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_, err = conn.Write(q)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.fwd.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, env.cached("slow.test", dns.TypeA))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Error("Start did not return after Shutdown")
	}
}

func TestServer_ShutdownDeliversPendingReplies(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.fwd.gate = make(chan struct{})
	srv := NewServer(&config.ServerConfig{ListenAddress: "127.0.0.1:0"}, env.engine, logging.NewDiscard())

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()
	<-srv.Ready()

	m := new(dns.Msg)
	m.SetQuestion("pending.test.", dns.TypeA)
	q, err := m.Pack()
	require.NoError(t, err)
	conn, err := net.Dial("udp", srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_, err = conn.Write(q)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.fwd.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(env.fwd.gate)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err, "reply finished during shutdown must reach the client")

	resp := unpack(t, buf[:n])
	assert.Equal(t, m.Id, resp.Id)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	assert.True(t, env.cached("pending.test", dns.TypeA))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Error("Start did not return after Shutdown")
	}
}
