package dout

import (
	"context"

	"github.com/gordian-engine/dgrid/dcall"
	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/internal/dtrace"
)

// resubscribe runs when the loop finds that cur has replaced old.
// trigger is the entry whose dequeue revealed the change;
// it has not been sent anywhere.
//
// The send queue is rebuilt as:
//  1. fresh listener replay calls, in the order the listener source gives them;
//  2. the trigger, then everything that was queued, in original order, without probes;
//  3. calls still in the pending table, by ascending ID.
//
// The third group was sent on old and never answered, so it is assumed lost.
// A call appears at most once in the rebuilt queue.
func (d *Dispatcher) resubscribe(ctx context.Context, old, cur dconn.Handle, trigger entry) {
	_, span := d.tracer.Start(ctx, "resubscribe", dtrace.WithAttributes(
		dtrace.ConnAttr(cur),
	))
	defer span.End()

	if d.onDisconnect != nil {
		d.onDisconnect(old)
	}

	var replay []*dcall.Call
	var nHeld, nUnanswered int

	d.q.rebuild(func(held []entry) []entry {
		replay = d.listeners.ListenerCalls()
		d.bl.add(replay)

		queued := make(map[dcall.ID]struct{}, len(replay)+len(held))
		out := make([]entry, 0, len(replay)+len(held))

		for _, c := range replay {
			queued[c.ID()] = struct{}{}
			out = append(out, entry{call: c})
		}

		unsent := held
		if !trigger.isProbe() {
			unsent = append([]entry{trigger}, held...)
		}

		for _, e := range unsent {
			if e.isProbe() {
				continue
			}
			if _, ok := queued[e.call.ID()]; ok {
				continue
			}
			queued[e.call.ID()] = struct{}{}
			out = append(out, e)
			nHeld++
		}

		for _, c := range d.table.Calls() {
			if _, ok := queued[c.ID()]; ok {
				continue
			}
			if c.HasResponse() {
				d.table.Remove(c.ID())
				continue
			}
			queued[c.ID()] = struct{}{}
			out = append(out, entry{call: c})
			nUnanswered++
		}

		return out
	})

	d.m.resubscribed()
	span.SetAttributes(
		dtrace.CountAttr("listeners", len(replay)),
		dtrace.CountAttr("held", nHeld),
		dtrace.CountAttr("unanswered", nUnanswered),
	)
	d.log.Info(
		"Connection changed; replaying listeners",
		"old_conn", old,
		"new_conn", cur,
		"listeners", len(replay),
		"held", nHeld,
		"unanswered", nUnanswered,
	)

	if len(replay) == 0 {
		// Nothing to confirm.
		d.src.NotifyOpened()
	}
}
