package dquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated by clients and members.
const ALPN = "dgrid/1"

// Dialer establishes QUIC connections to cluster members.
type Dialer struct {
	TLSConf *tls.Config

	QUICTransport *quic.Transport
	QUICConfig    *quic.Config
}

// Dial opens a QUIC connection to addr, a host:port string.
func (d Dialer) Dial(ctx context.Context, addr string) (Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve member address %q: %w", addr, err)
	}

	qc, err := d.QUICTransport.Dial(ctx, udpAddr, WithALPN(d.TLSConf), d.QUICConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial member %q: %w", addr, err)
	}

	return WrapConn(qc), nil
}

// WithALPN returns a clone of conf that advertises [ALPN].
func WithALPN(conf *tls.Config) *tls.Config {
	conf = conf.Clone()
	if !slices.Contains(conf.NextProtos, ALPN) {
		conf.NextProtos = append(conf.NextProtos, ALPN)
	}
	return conf
}

// NewTransport returns a QUIC transport over udpConn.
// The caller still owns udpConn and must close it
// after closing the transport.
func NewTransport(udpConn *net.UDPConn) *quic.Transport {
	// Using a quic Transport directly,
	// so a client can dial many members from a single socket.
	return &quic.Transport{
		Conn: udpConn,

		// Skip: ConnectionIDLength: default of 4 is fine.
		// Skip: StatelessResetKey: clients do not restart in place.
		// Skip: Tracer: not needed yet.
	}
}

// Listen starts a member-side listener on qt.
func Listen(qt *quic.Transport, tlsConf *tls.Config, qConf *quic.Config) (*quic.Listener, error) {
	ql, err := qt.Listen(WithALPN(tlsConf), qConf)
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC listener: %w", err)
	}
	return ql, nil
}

// DefaultQUICConfig is the default QUIC configuration for dialing members.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		// Defaults to 5s otherwise; a member that slow to answer is treated as down.
		HandshakeIdleTimeout: 2 * time.Second,

		// Idle connections are kept open by keepalives,
		// so a silent member is noticed within MaxIdleTimeout.
		MaxIdleTimeout:  15 * time.Second,
		KeepAlivePeriod: 5 * time.Second,

		// One request stream carries every call, so it gets most of the window.
		InitialStreamReceiveWindow:     512 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
		InitialConnectionReceiveWindow: 1024 * 1024,
		MaxConnectionReceiveWindow:     32 * 1024 * 1024,

		// Just the request stream, with a little headroom.
		MaxIncomingStreams: 4,

		// No unidirectional streams are used.
		MaxIncomingUniStreams: -1,
	}
}
