package dquictest

import (
	"context"
	"net"
	"testing"

	"github.com/gordian-engine/dgrid/dquic"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// NewLoopbackTransport returns a QUIC transport bound to an ephemeral loopback port.
// The transport and its socket are closed in t.Cleanup.
func NewLoopbackTransport(t testing.TB) *quic.Transport {
	t.Helper()

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{
		IP: net.IPv4(127, 0, 0, 1),
	})
	require.NoError(t, err)

	qt := dquic.NewTransport(udpConn)
	t.Cleanup(func() {
		_ = qt.Close()
		_ = udpConn.Close()
	})
	return qt
}

// Listener is a member-side QUIC listener on loopback.
type Listener struct {
	TLS TLSPair

	QT *quic.Transport
	QL *quic.Listener
}

// NewListener starts a listener with fresh TLS material.
func NewListener(t testing.TB) *Listener {
	t.Helper()
	return NewListenerWithTLS(t, NewTLSPair(t))
}

// NewListenerWithTLS starts a listener presenting pair's certificate,
// so several listeners can be trusted by one client configuration.
func NewListenerWithTLS(t testing.TB, pair TLSPair) *Listener {
	t.Helper()

	qt := NewLoopbackTransport(t)

	ql, err := dquic.Listen(qt, pair.Server, dquic.DefaultQUICConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ql.Close() })

	return &Listener{TLS: pair, QT: qt, QL: ql}
}

// Addr is the host:port to dial.
func (l *Listener) Addr() string {
	return l.QL.Addr().String()
}

// Dialer returns a dialer, on its own loopback transport,
// that trusts this listener.
func (l *Listener) Dialer(t testing.TB) dquic.Dialer {
	t.Helper()

	return dquic.Dialer{
		TLSConf: l.TLS.Client,

		QUICTransport: NewLoopbackTransport(t),
		QUICConfig:    dquic.DefaultQUICConfig(),
	}
}

// AcceptCh accepts one connection in the background.
// The returned channel receives the connection, or nil if accepting failed.
func (l *Listener) AcceptCh(t testing.TB, ctx context.Context) <-chan dquic.Conn {
	ch := make(chan dquic.Conn, 1)
	go func() {
		qc, err := l.QL.Accept(ctx)
		if err != nil {
			t.Error(err)
			ch <- nil
			return
		}
		ch <- dquic.WrapConn(qc)
	}()
	return ch
}
