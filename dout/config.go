package dout

import (
	"errors"
	"time"

	"github.com/gordian-engine/dgrid/dcall"
	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/internal/dtask"
	"github.com/gordian-engine/dgrid/internal/dtrace"
)

const (
	DefaultDequeueTimeout      = 100 * time.Millisecond
	DefaultReconnectPause      = 50 * time.Millisecond
	DefaultBacklogPollTimeout  = 100 * time.Millisecond
	DefaultBacklogPollAttempts = 50
)

// Config is the configuration for [NewDispatcher].
type Config struct {
	// Owns the current connection and finds new ones.
	Source dconn.Source

	// Serializes calls onto a connection.
	Writer dconn.PacketWriter

	// Supplies listener registrations to replay after a reconnect.
	Listeners dconn.ListenerSource

	// Pending calls, shared with whatever reads responses.
	Table *dcall.Table

	// Optional hook called with the replaced connection
	// when a reconnect is observed.
	OnDisconnect dconn.DisconnectFunc

	// Pool for the recovery task.
	// If nil, the dispatcher uses its own unbounded pool.
	// A shared pool must not be so saturated that it blocks the dispatch loop.
	Pool *dtask.Pool

	// How long a single dequeue waits before the loop
	// services the reconnection backlog anyway.
	DequeueTimeout time.Duration

	// How long the loop sleeps per iteration while a recovery is running.
	ReconnectPause time.Duration

	// How long the backlog check waits on each replay call,
	// and how many such waits a replay call gets before it is given up on.
	BacklogPollTimeout  time.Duration
	BacklogPollAttempts int

	// Optional.
	Metrics *Metrics

	// Optional; defaults to the otel no-op provider.
	TracerProvider dtrace.TracerProvider
}

// validate panics if any required field is missing or any setting is illegal.
func (c Config) validate() {
	var panicErrs error

	if c.Source == nil {
		panicErrs = errors.Join(panicErrs, errors.New("Config.Source may not be nil"))
	}
	if c.Writer == nil {
		panicErrs = errors.Join(panicErrs, errors.New("Config.Writer may not be nil"))
	}
	if c.Listeners == nil {
		panicErrs = errors.Join(panicErrs, errors.New("Config.Listeners may not be nil"))
	}
	if c.Table == nil {
		panicErrs = errors.Join(panicErrs, errors.New("Config.Table may not be nil"))
	}

	if c.DequeueTimeout < 0 || c.ReconnectPause < 0 || c.BacklogPollTimeout < 0 {
		panicErrs = errors.Join(panicErrs, errors.New("Config durations may not be negative"))
	}
	if c.BacklogPollAttempts < 0 {
		panicErrs = errors.Join(panicErrs, errors.New("Config.BacklogPollAttempts may not be negative"))
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// withDefaults returns a copy of c with zero timings replaced by defaults.
func (c Config) withDefaults() Config {
	if c.DequeueTimeout == 0 {
		c.DequeueTimeout = DefaultDequeueTimeout
	}
	if c.ReconnectPause == 0 {
		c.ReconnectPause = DefaultReconnectPause
	}
	if c.BacklogPollTimeout == 0 {
		c.BacklogPollTimeout = DefaultBacklogPollTimeout
	}
	if c.BacklogPollAttempts == 0 {
		c.BacklogPollAttempts = DefaultBacklogPollAttempts
	}
	return c
}
