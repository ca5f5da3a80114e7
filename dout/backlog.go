package dout

import (
	"sync"
	"time"

	"github.com/gordian-engine/dgrid/dcall"
)

type backlogEntry struct {
	call *dcall.Call

	// Unsent entries are not polled and do not use up attempts.
	sent     bool
	attempts int
}

// backlog is the set of listener replay calls
// whose responses confirm that a new connection is usable.
type backlog struct {
	mu      sync.Mutex
	entries []backlogEntry
}

// add appends calls that are about to be sent.
// A call already in the backlog is not added twice;
// it starts over as unsent.
func (b *backlog) add(calls []*dcall.Call) {
	b.mu.Lock()
	defer b.mu.Unlock()

	have := make(map[*dcall.Call]int, len(b.entries))
	for i, e := range b.entries {
		have[e.call] = i
	}
	for _, c := range calls {
		if i, ok := have[c]; ok {
			b.entries[i] = backlogEntry{call: c}
			continue
		}
		b.entries = append(b.entries, backlogEntry{call: c})
	}
}

// markSent records that c was written to a connection,
// reporting whether c is in the backlog.
func (b *backlog) markSent(c *dcall.Call) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		if b.entries[i].call == c {
			b.entries[i].sent = true
			return true
		}
	}
	return false
}

func (b *backlog) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *backlog) drain() []*dcall.Call {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	out := make([]*dcall.Call, len(entries))
	for i, e := range entries {
		out[i] = e.call
	}
	return out
}

// check drops the calls that have a response
// or have used up maxAttempts polls.
// It reports whether this check emptied the backlog.
//
// If justSent is a backlog member, it alone is polled for pollTimeout,
// and the rest are only examined if it is still unanswered.
// Otherwise every sent call is polled, sharing a single pollTimeout,
// so one check never waits longer than pollTimeout per step
// however many calls are outstanding.
//
// The lock is not held while polling,
// so the backlog may be drained concurrently.
func (b *backlog) check(justSent *dcall.Call, pollTimeout time.Duration, maxAttempts int) (emptied bool) {
	b.mu.Lock()
	snapshot := make([]backlogEntry, len(b.entries))
	copy(snapshot, b.entries)
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return false
	}

	done := make(map[*dcall.Call]bool, len(snapshot))
	polled := make(map[*dcall.Call]bool, len(snapshot))

	if justSent != nil {
		for _, e := range snapshot {
			if e.call != justSent || !e.sent {
				continue
			}
			polled[e.call] = true
			if e.call.Poll(pollTimeout) || e.attempts+1 >= maxAttempts {
				done[e.call] = true
			}
		}
	}

	if !done[justSent] {
		deadline := time.Now().Add(pollTimeout)
		for _, e := range snapshot {
			if polled[e.call] {
				continue
			}
			if e.call.HasResponse() {
				done[e.call] = true
				continue
			}
			if !e.sent {
				continue
			}
			polled[e.call] = true
			if e.call.Poll(max(time.Until(deadline), 0)) || e.attempts+1 >= maxAttempts {
				done[e.call] = true
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	before := len(b.entries)
	kept := b.entries[:0]
	for _, e := range b.entries {
		if done[e.call] {
			continue
		}
		if polled[e.call] {
			e.attempts++
		}
		kept = append(kept, e)
	}
	clear(b.entries[len(kept):])
	b.entries = kept

	return before > 0 && len(b.entries) == 0
}
