package dgrid

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gordian-engine/dgrid/dcall"
	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/dlisten"
	"github.com/gordian-engine/dgrid/dmember"
	"github.com/gordian-engine/dgrid/dout"
	"github.com/gordian-engine/dgrid/dpubsub"
	"github.com/gordian-engine/dgrid/dquic"
	"github.com/gordian-engine/dgrid/dwire"
	"github.com/gordian-engine/dgrid/internal/dtask"
	"github.com/gordian-engine/dgrid/internal/dtrace"
	"github.com/quic-go/quic-go"
)

// Client sends calls to a cluster over one member connection at a time.
//
// Create an instance with [NewClient].
type Client struct {
	log *slog.Logger

	ids       *dcall.IDSource
	table     *dcall.Table
	listeners *dlisten.Registry

	src *dmember.Source
	w   *dwire.Writer
	d   *dout.Dispatcher

	pool *dtask.Pool
	qt   *quic.Transport

	// Closed once construction finishes,
	// so background tasks may use every field.
	ready chan struct{}

	done chan struct{}
}

// ClientConfig is the configuration for a [Client].
type ClientConfig struct {
	// Member addresses, as host:port, tried in order.
	Members []string

	// The client dials from this socket.
	// The client does not close it.
	UDPConn *net.UDPConn

	// TLS configuration for dialing members.
	// RootCAs must trust the members' certificates.
	TLS *tls.Config

	// Optional; defaults to [dquic.DefaultQUICConfig].
	QUIC *quic.Config

	// Optional; see [dmember.DefaultDialTimeout].
	DialTimeout time.Duration

	// Optional deadline for each write to the member.
	WriteTimeout time.Duration

	// Optional; see [dwire.WriterConfig].
	CompressThreshold int

	// Optional dispatcher tuning; see [dout.Config].
	DequeueTimeout      time.Duration
	ReconnectPause      time.Duration
	BacklogPollTimeout  time.Duration
	BacklogPollAttempts int

	// Optional.
	Metrics *dout.Metrics

	// Optional; defaults to the otel no-op provider.
	TracerProvider dtrace.TracerProvider
}

// validate panics if there are any illegal settings in the configuration.
func (c ClientConfig) validate() {
	var panicErrs error

	if len(c.Members) == 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("ClientConfig.Members must not be empty"),
		)
	}

	if c.UDPConn == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("ClientConfig.UDPConn may not be nil"),
		)
	}

	if c.TLS == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("ClientConfig.TLS may not be nil"),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// NewClient returns a new Client with the given configuration.
// The ctx parameter controls the lifecycle of the Client;
// cancel the context to stop the client,
// and then use [*Client.Wait] to block until all background work has completed.
//
// No member is dialed until the first call is submitted,
// or until [*Client.WaitConnected] is called.
//
// Configuration errors cause a panic.
func NewClient(ctx context.Context, log *slog.Logger, cfg ClientConfig) *Client {
	cfg.validate()

	quicConf := cfg.QUIC
	if quicConf == nil {
		quicConf = dquic.DefaultQUICConfig()
	}

	ids := new(dcall.IDSource)
	c := &Client{
		log: log,

		ids:       ids,
		table:     dcall.NewTable(),
		listeners: dlisten.NewRegistry(ids),

		// Response readers and connection recovery share the pool.
		pool: dtask.NewPool(ctx, 0),
		qt:   dquic.NewTransport(cfg.UDPConn),

		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	c.w = dwire.NewWriter(log.With("sys", "wire"), dwire.WriterConfig{
		WriteTimeout:      cfg.WriteTimeout,
		CompressThreshold: cfg.CompressThreshold,
	})

	c.src = dmember.NewSource(ctx, log.With("sys", "member"), dmember.Config{
		Members: cfg.Members,
		Dialer: dquic.Dialer{
			TLSConf: cfg.TLS,

			QUICTransport: c.qt,
			QUICConfig:    quicConf,
		},
		DialTimeout: cfg.DialTimeout,
		OnChange:    c.onConnChange,
	})

	c.d = dout.NewDispatcher(ctx, log.With("sys", "dispatch"), dout.Config{
		Source:       c.src,
		Writer:       c.w,
		Listeners:    c.listeners,
		Table:        c.table,
		OnDisconnect: c.onDisconnect,

		Pool: c.pool,

		DequeueTimeout:      cfg.DequeueTimeout,
		ReconnectPause:      cfg.ReconnectPause,
		BacklogPollTimeout:  cfg.BacklogPollTimeout,
		BacklogPollAttempts: cfg.BacklogPollAttempts,

		Metrics:        cfg.Metrics,
		TracerProvider: cfg.TracerProvider,
	})

	close(c.ready)

	go c.shutdownOnDone(ctx)

	return c
}

// Wait blocks until the client has stopped.
// Cancel the context passed to [NewClient] first.
func (c *Client) Wait() {
	<-c.done
}

func (c *Client) shutdownOnDone(ctx context.Context) {
	defer close(c.done)

	<-ctx.Done()

	// The dispatcher fails every waiting call,
	// and the source closes the connection,
	// which unblocks the response reader.
	c.d.Wait()
	c.src.Wait()
	c.pool.Wait()

	if err := c.qt.Close(); err != nil {
		c.log.Debug("Error closing QUIC transport", "err", err)
	}
}

// Submit queues req and returns its call without waiting for a response.
func (c *Client) Submit(req []byte) (*dcall.Call, error) {
	call := dcall.New(c.ids.Next(), req)
	if err := c.d.Enqueue(call); err != nil {
		return nil, fmt.Errorf("failed to submit call: %w", err)
	}
	return call, nil
}

// Invoke submits req and waits for its response.
func (c *Client) Invoke(ctx context.Context, req []byte) ([]byte, error) {
	call, err := c.Submit(req)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// AddListener registers a server-side listener with the registration request req,
// and submits the registration.
// The registration is replayed on every new connection until removed.
// The returned call resolves with the member's answer to the first registration.
func (c *Client) AddListener(req []byte) (dlisten.RegistrationID, *dcall.Call, error) {
	id, call := c.listeners.Add(req)

	if err := c.d.Enqueue(call); err != nil {
		c.listeners.Deregister(id)
		return 0, nil, fmt.Errorf("failed to submit listener registration: %w", err)
	}
	return id, call, nil
}

// RemoveListener stops replaying the registration id.
// It does not send anything to the member.
func (c *Client) RemoveListener(id dlisten.RegistrationID) bool {
	return c.listeners.Deregister(id)
}

// WaitConnected blocks until the client has a confirmed connection,
// starting a search for a member if there is none.
func (c *Client) WaitConnected(ctx context.Context) error {
	// With no calls queued, the dispatcher would not look at the connection.
	c.d.Probe()
	return c.src.WaitOpened(ctx)
}

// ConnectionChanges returns a stream of member connections
// becoming current or being torn down, starting after this call.
// Callers must keep following the stream or drop their reference to it.
func (c *Client) ConnectionChanges() *dpubsub.Stream[dconn.Change] {
	return c.src.Changes()
}

// InterruptWaitingCalls fails every call that has not yet been answered
// with a [dcall.NoMemberAvailableError].
// It returns the number of calls failed.
func (c *Client) InterruptWaitingCalls(reason string) int {
	return c.d.InterruptWaitingCalls(reason)
}

func (c *Client) onConnChange(ch dconn.Change) {
	if !ch.Adding {
		c.w.Forget(ch.Handle)
		return
	}

	conn := ch.Handle.(*dmember.Conn)
	c.pool.Go(func(ctx context.Context) {
		c.readResponses(ctx, conn)
	})
}

func (c *Client) readResponses(ctx context.Context, conn *dmember.Conn) {
	select {
	case <-ctx.Done():
		return
	case <-c.ready:
	}

	err := dwire.ReadResponses(ctx, c.log.With("sys", "reader"), conn, c.table, func(h dconn.Handle) bool {
		return c.src.Current() == h
	})
	if ctx.Err() != nil {
		return
	}

	c.log.Info("Response stream ended; destroying connection", "conn", conn, "err", err)

	// Without a reader no call on conn can be answered,
	// even if the QUIC connection itself is still open.
	c.src.Destroy(conn)
	c.d.RequestReconnect(conn)
}

func (c *Client) onDisconnect(old dconn.Handle) {
	c.log.Info("Member connection replaced", "old_conn", old)
}
