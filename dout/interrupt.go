package dout

import "github.com/gordian-engine/dgrid/dcall"

// InterruptWaitingCalls fails every call in the send queue,
// the reconnection backlog, and the pending table
// with a [dcall.NoMemberAvailableError] carrying reason.
// Each call is resolved at most once and removed from the pending table.
//
// It returns the number of calls this invocation failed.
// Calling it again is harmless.
func (d *Dispatcher) InterruptWaitingCalls(reason string) int {
	err := dcall.NoMemberAvailableError{Reason: reason}

	n := 0
	fail := func(c *dcall.Call) {
		d.table.Remove(c.ID())
		if c.Fail(err) {
			n++
		}
	}

	for _, e := range d.q.drain() {
		if e.isProbe() {
			continue
		}
		fail(e.call)
	}

	for _, c := range d.bl.drain() {
		fail(c)
	}

	n += d.table.FailAll(err)

	d.m.interrupted(n)
	if n > 0 {
		d.log.Info("Interrupted waiting calls", "n", n, "reason", reason)
	}
	return n
}
