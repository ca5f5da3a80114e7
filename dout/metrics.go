package dout

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the prometheus collectors updated by a [Dispatcher].
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	callsSent         prometheus.Counter
	sendFailures      prometheus.Counter
	recoveriesStarted prometheus.Counter
	recoveriesFailed  prometheus.Counter
	resubscribes      prometheus.Counter
	callsInterrupted  prometheus.Counter
	queueLength       prometheus.Gauge
}

// NewMetrics creates dispatcher metrics under the given namespace.
// Use [*Metrics.Register] to expose them.
func NewMetrics(namespace string) *Metrics {
	const subsystem = "dispatcher"
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		callsSent:         counter("calls_sent_total", "calls written and flushed to a connection"),
		sendFailures:      counter("send_failures_total", "write or flush errors treated as connection loss"),
		recoveriesStarted: counter("recoveries_started_total", "connection recovery tasks started"),
		recoveriesFailed:  counter("recoveries_failed_total", "recovery tasks that found no alive member"),
		resubscribes:      counter("resubscribes_total", "listener replays after a connection change"),
		callsInterrupted:  counter("calls_interrupted_total", "calls failed because no member was available"),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_length",
			Help:      "entries in the send queue, sampled once per dispatch iteration",
		}),
	}
}

// Register registers every collector with registerer.
// It panics on duplicate registration.
func (m *Metrics) Register(registerer prometheus.Registerer) {
	registerer.MustRegister(
		m.callsSent,
		m.sendFailures,
		m.recoveriesStarted,
		m.recoveriesFailed,
		m.resubscribes,
		m.callsInterrupted,
		m.queueLength,
	)
}

func (m *Metrics) callSent() {
	if m != nil {
		m.callsSent.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) recoveryStarted() {
	if m != nil {
		m.recoveriesStarted.Inc()
	}
}

func (m *Metrics) recoveryFailed() {
	if m != nil {
		m.recoveriesFailed.Inc()
	}
}

func (m *Metrics) resubscribed() {
	if m != nil {
		m.resubscribes.Inc()
	}
}

func (m *Metrics) interrupted(n int) {
	if m != nil && n > 0 {
		m.callsInterrupted.Add(float64(n))
	}
}

func (m *Metrics) observeQueue(n int) {
	if m != nil {
		m.queueLength.Set(float64(n))
	}
}
