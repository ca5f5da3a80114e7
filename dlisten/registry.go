// Package dlisten tracks server-side listener registrations,
// so that they can be replayed onto a new connection after reconnecting.
package dlisten

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/dgrid/dcall"
)

// RegistrationID identifies one listener registration for its whole lifetime,
// independent of the call IDs used each time it is replayed.
type RegistrationID uint64

type registration struct {
	id      RegistrationID
	request []byte

	// The most recent call carrying request, if any.
	last *dcall.Call
}

// Registry holds the request payloads of live listener registrations.
// It implements [dconn.ListenerSource].
//
// Registrations are kept in slots in registration order;
// live is the set of occupied slots.
type Registry struct {
	ids *dcall.IDSource

	mu     sync.Mutex
	nextID RegistrationID
	slots  []registration
	live   *bitset.BitSet
}

// NewRegistry returns an empty registry.
// Replay calls are numbered from ids,
// which must be the same source used for ordinary calls
// so that replay calls never collide with them in the pending table.
func NewRegistry(ids *dcall.IDSource) *Registry {
	return &Registry{
		ids:  ids,
		live: bitset.New(0),
	}
}

// Register records a listener registration request.
func (r *Registry) Register(request []byte) RegistrationID {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.registerLocked(request, nil)
}

// Add records a listener registration request
// and returns the call that first sends it.
// Until that call has a response, replays reuse it
// instead of sending the registration again.
func (r *Registry) Add(request []byte) (RegistrationID, *dcall.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := dcall.New(r.ids.Next(), request)
	return r.registerLocked(request, c), c
}

func (r *Registry) registerLocked(request []byte, last *dcall.Call) RegistrationID {
	r.nextID++
	id := r.nextID

	slot := uint(len(r.slots))
	r.slots = append(r.slots, registration{id: id, request: request, last: last})
	r.live.Set(slot)

	return id
}

// Deregister removes the registration with the given ID,
// reporting whether it was present.
func (r *Registry) Deregister(id RegistrationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := r.live.NextSet(0); e; i, e = r.live.NextSet(i + 1) {
		if r.slots[i].id != id {
			continue
		}

		r.live.Clear(i)
		r.slots[i] = registration{}
		r.maybeCompact()
		return true
	}

	return false
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.live.Count())
}

// ListenerCalls returns one call per live registration,
// in registration order.
//
// A registration whose previous call is still unanswered
// gets that same call back, so the registration is not sent twice.
// Otherwise it gets a new call.
func (r *Registry) ListenerCalls() []*dcall.Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*dcall.Call, 0, r.live.Count())
	for i, e := r.live.NextSet(0); e; i, e = r.live.NextSet(i + 1) {
		reg := &r.slots[i]
		if reg.last == nil || reg.last.HasResponse() {
			reg.last = dcall.New(r.ids.Next(), reg.request)
		}
		out = append(out, reg.last)
	}
	return out
}

// maybeCompact rewrites the slots without gaps
// once dead slots outnumber live ones.
// The caller must hold r.mu.
func (r *Registry) maybeCompact() {
	live := r.live.Count()
	if uint(len(r.slots))-live <= live {
		return
	}

	compacted := make([]registration, 0, live)
	for i, e := r.live.NextSet(0); e; i, e = r.live.NextSet(i + 1) {
		compacted = append(compacted, r.slots[i])
	}

	r.slots = compacted
	r.live = bitset.New(uint(len(compacted)))
	for i := range compacted {
		r.live.Set(uint(i))
	}
}
