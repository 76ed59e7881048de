package streams

import (
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
)

// InstanceID is the handle a consumer holds for one registration.
type InstanceID uint64

// IDAllocator mints instance ids that are unique for its lifetime. The
// application context owns exactly one and hands it to whatever needs ids.
type IDAllocator struct {
	next atomic.Uint64
}

func NewIDAllocator() *IDAllocator {
	return &IDAllocator{}
}

// Next returns a fresh id. Ids start at 1.
func (a *IDAllocator) Next() InstanceID {
	return InstanceID(a.next.Add(1))
}

type InstanceState int

const (
	// Active instances want live results.
	Active InstanceState = iota
	// Inactive instances are paused and keep their cursor.
	Inactive
	// Reactivating instances were resumed and owe one catch-up fetch.
	Reactivating
)

func (s InstanceState) String() string {
	switch s {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	case Reactivating:
		return "reactivating"
	default:
		return "unknown"
	}
}

// counted reports whether the state contributes to a stream's activity.
func (s InstanceState) counted() bool {
	return s == Active || s == Reactivating
}

// Instance is one consumer's registration against a stream.
type Instance struct {
	lastSeen    nostr.Timestamp
	hasLastSeen bool
	status      InstanceState
}

// NewInstance returns an Active instance with no cursor.
func NewInstance() *Instance {
	return &Instance{status: Active}
}

func (i *Instance) Pause() {
	i.status = Inactive
}

// Resume moves an Inactive instance to Reactivating. Any other state is left
// alone so that resuming twice never schedules a second catch-up.
func (i *Instance) Resume() {
	if i.status == Inactive {
		i.status = Reactivating
	}
}

func (i *Instance) SetLastSeen(ts nostr.Timestamp) {
	i.lastSeen = ts
	i.hasLastSeen = true
}

func (i *Instance) LastSeen() (nostr.Timestamp, bool) {
	return i.lastSeen, i.hasLastSeen
}

func (i *Instance) Status() InstanceState {
	return i.status
}

func (i *Instance) SetStatus(s InstanceState) {
	i.status = s
}
