// Package dgridtest runs in-process cluster members over loopback QUIC,
// for exercising a [dgrid.Client] end to end.
package dgridtest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/dgrid"
	"github.com/gordian-engine/dgrid/dquic"
	"github.com/gordian-engine/dgrid/dquic/dquictest"
	"github.com/gordian-engine/dgrid/dwire"
	"github.com/gordian-engine/dgrid/internal/dtest"
	"github.com/stretchr/testify/require"
)

// Handler answers one request.
type Handler func(req []byte) (dwire.Status, []byte)

// StatusMalformed is not a valid [dwire.Status].
// A [Handler] returning it makes the member send a response
// that clients cannot decode.
const StatusMalformed dwire.Status = 0xff

// Echo answers every request with its own payload.
func Echo(req []byte) (dwire.Status, []byte) {
	return dwire.StatusOK, req
}

// Member is a cluster member serving requests with a [Handler].
type Member struct {
	log *slog.Logger

	l       *dquictest.Listener
	handler Handler

	mu       sync.Mutex
	conns    []dquic.Conn
	requests []string
	stopped  bool

	wg sync.WaitGroup
}

func newMember(t *testing.T, ctx context.Context, log *slog.Logger, pair dquictest.TLSPair, h Handler) *Member {
	t.Helper()

	m := &Member{
		log:     log,
		l:       dquictest.NewListenerWithTLS(t, pair),
		handler: h,
	}

	m.wg.Add(1)
	go m.acceptLoop(ctx)

	t.Cleanup(func() {
		m.Stop()
		m.wg.Wait()
	})

	return m
}

// Addr is the address clients dial.
func (m *Member) Addr() string { return m.l.Addr() }

// Requests returns every request payload received, in arrival order.
func (m *Member) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// DropConnections closes every accepted connection
// while continuing to accept new ones.
func (m *Member) DropConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithError(dquic.MemberShutdownErrorCode, "member dropped connection")
	}
}

// Stop closes every connection and the listener's socket.
// Further dials to the member fail.
func (m *Member) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.DropConnections()
	_ = m.l.QL.Close()
	_ = m.l.QT.Close()
	_ = m.l.QT.Conn.Close()
}

func (m *Member) acceptLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		qc, err := m.l.QL.Accept(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
				m.log.Debug("Member stopped accepting", "err", err)
			}
			return
		}

		conn := dquic.WrapConn(qc)

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			_ = conn.CloseWithError(dquic.MemberShutdownErrorCode, "member stopped")
			return
		}
		m.conns = append(m.conns, conn)
		m.mu.Unlock()

		m.wg.Add(1)
		go m.serve(ctx, conn)
	}
}

func (m *Member) serve(ctx context.Context, conn dquic.Conn) {
	defer m.wg.Done()

	s, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}

	br := bufio.NewReader(s)
	var out []byte
	for {
		f, err := dwire.ReadRequest(br)
		if err != nil {
			return
		}

		m.mu.Lock()
		m.requests = append(m.requests, string(f.Payload))
		m.mu.Unlock()

		status, resp := m.handler(f.Payload)
		out, err = dwire.AppendResponse(out[:0], f.ID, status, resp, dwire.DefaultCompressThreshold)
		if err != nil {
			m.log.Warn("Failed to frame response", "call_id", f.ID, "err", err)
			return
		}
		if _, err := s.Write(out); err != nil {
			return
		}
	}
}

// Cluster is a set of members sharing one certificate,
// so a single client TLS configuration trusts all of them.
type Cluster struct {
	TLS dquictest.TLSPair

	Members []*Member
}

// NewCluster starts n members that all answer with h.
func NewCluster(t *testing.T, ctx context.Context, n int, h Handler) *Cluster {
	t.Helper()

	log := dtest.NewLogger(t)
	pair := dquictest.NewTLSPair(t)

	c := &Cluster{
		TLS:     pair,
		Members: make([]*Member, n),
	}
	for i := range n {
		c.Members[i] = newMember(t, ctx, log.With("member", i), pair, h)
	}
	return c
}

// Addrs returns the member addresses, in member order.
func (c *Cluster) Addrs() []string {
	out := make([]string, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.Addr()
	}
	return out
}

// ClientConfig returns a client configuration for the cluster
// with short timings, on a fresh loopback socket closed in t.Cleanup.
func (c *Cluster) ClientConfig(t *testing.T) dgrid.ClientConfig {
	t.Helper()

	uc, err := net.ListenUDP("udp", &net.UDPAddr{
		IP: net.IPv4(127, 0, 0, 1),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := uc.Close(); err != nil {
			t.Logf("Error closing client UDP socket: %v", err)
		}
	})

	return dgrid.ClientConfig{
		Members: c.Addrs(),
		UDPConn: uc,
		TLS:     c.TLS.Client,

		DialTimeout:  250 * time.Millisecond,
		WriteTimeout: time.Second,

		DequeueTimeout:     10 * time.Millisecond,
		ReconnectPause:     2 * time.Millisecond,
		BacklogPollTimeout: 2 * time.Millisecond,
	}
}
