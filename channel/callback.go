package channel

import (
	"sync"

	tllerrors "github.com/untoxa/tll/errors"
)

// Mask selects which message Types a callback wants to observe.
type Mask uint32

const (
	MaskData Mask = 1 << iota
	MaskControl
	MaskState
	MaskChannel
	MaskAll = MaskData | MaskControl | MaskState | MaskChannel
)

func maskFor(t Type) Mask {
	switch t {
	case Data:
		return MaskData
	case Control:
		return MaskControl
	case MsgState:
		return MaskState
	case MsgChannel:
		return MaskChannel
	default:
		return 0
	}
}

// Callback is invoked with the owning channel and a delivered Msg. The
// return value mirrors the C original's error-code contract but is
// otherwise informational; delivery to the remaining observers always
// continues.
type Callback func(c Channel, msg *Msg) int

type entry struct {
	cb   Callback
	user any
	mask Mask
}

// Registry is a channel's observer list. Delivery order is insertion
// order; duplicate (callback, user, mask) registrations are rejected.
// Dispatch iterates over a stable snapshot so observers may unregister
// themselves, or others, from within a callback (spec §4.1).
type Registry struct {
	mu      sync.Mutex
	entries []*entry
}

// Add registers cb to be invoked for messages matching mask, tagged with
// user for later removal. Returns ErrDuplicateCallback if an identical
// (cb, user, mask) triple is already registered.
func (r *Registry) Add(cb Callback, user any, mask Mask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.user == user && e.mask == mask && sameFunc(e.cb, cb) {
			return tllerrors.ErrDuplicateCallback
		}
	}
	r.entries = append(r.entries, &entry{cb: cb, user: user, mask: mask})
	return nil
}

// Remove unregisters every entry tagged with user. If cb is non-nil, only
// entries whose callback pointer matches cb are removed.
func (r *Registry) Remove(cb Callback, user any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.entries[:0:0]
	for _, e := range r.entries {
		if e.user == user && (cb == nil || sameFunc(e.cb, cb)) {
			continue
		}
		out = append(out, e)
	}
	r.entries = out
}

// Dispatch delivers msg to every registered observer whose mask matches
// msg.Type, in insertion order, over a snapshot taken before the first
// call so concurrent Add/Remove calls made by an observer do not disturb
// the in-flight dispatch.
func (r *Registry) Dispatch(owner Channel, msg *Msg) {
	r.mu.Lock()
	snapshot := make([]*entry, len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	m := maskFor(msg.Type)
	for _, e := range snapshot {
		if e.mask&m != 0 {
			e.cb(owner, msg)
		}
	}
}

// Len reports the number of registered observers, for tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sameFunc compares two Callback values for pointer equality. Go forbids
// comparing funcs with ==, so this compares the code pointers funcAddr
// obtains through reflect.Value.Pointer.
func sameFunc(a, b Callback) bool {
	return funcAddr(a) == funcAddr(b)
}
