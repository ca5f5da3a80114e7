package dcall

import (
	"cmp"
	"slices"
	"sync"
)

// Table maps call IDs to calls that have been handed to a connection
// (or are about to be) and are still awaiting a response.
//
// The outbound side inserts entries;
// the inbound side removes them as responses arrive.
// All methods are safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	calls map[ID]*Call
}

func NewTable() *Table {
	return &Table{calls: make(map[ID]*Call)}
}

// Put records c as pending.
// Putting a call whose ID is already present replaces the earlier entry.
func (t *Table) Put(c *Call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[c.ID()] = c
}

// Take removes and returns the call with the given ID,
// or nil if there was none.
func (t *Table) Take(id ID) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return c
}

func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, id)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Calls returns a snapshot of the pending calls, ordered by ascending ID.
func (t *Table) Calls() []*Call {
	t.mu.Lock()
	out := make([]*Call, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, c)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b *Call) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return out
}

// Resolve removes the call with the given ID and resolves it with val.
// It reports false if no such call was pending
// or if the call had already been resolved.
func (t *Table) Resolve(id ID, val []byte) bool {
	c := t.Take(id)
	if c == nil {
		return false
	}
	return c.Resolve(val)
}

// Fail removes the call with the given ID and fails it with err.
func (t *Table) Fail(id ID, err error) bool {
	c := t.Take(id)
	if c == nil {
		return false
	}
	return c.Fail(err)
}

// FailAll empties the table, failing every call with err.
// It returns the number of calls this invocation resolved;
// calls that were already resolved are removed but not counted.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[ID]*Call, len(calls))
	t.mu.Unlock()

	n := 0
	for _, c := range calls {
		if c.Fail(err) {
			n++
		}
	}
	return n
}
