package streams

import (
	"maps"
	"slices"

	"github.com/nbd-wtf/go-nostr"
)

// Subscription pairs the local database subscription with the relay
// subscription opened for the same filters.
type Subscription struct {
	Local  uint64
	Remote string
}

type MutationKind int

const (
	MutatePause MutationKind = iota
	MutateResume
	MutateLastSeen
	MutateStatus
)

// Mutation is a change applied to an instance through NoteStream.ModifyInstance.
type Mutation struct {
	Kind     MutationKind
	LastSeen nostr.Timestamp
	Status   InstanceState
}

func PauseMutation() Mutation  { return Mutation{Kind: MutatePause} }
func ResumeMutation() Mutation { return Mutation{Kind: MutateResume} }

func LastSeenMutation(ts nostr.Timestamp) Mutation {
	return Mutation{Kind: MutateLastSeen, LastSeen: ts}
}

func StatusMutation(s InstanceState) Mutation {
	return Mutation{Kind: MutateStatus, Status: s}
}

func (m Mutation) apply(i *Instance) {
	switch m.Kind {
	case MutatePause:
		i.Pause()
	case MutateResume:
		i.Resume()
	case MutateLastSeen:
		i.SetLastSeen(m.LastSeen)
	case MutateStatus:
		i.SetStatus(m.Status)
	}
}

// NoteStream owns one filter identity, the subscription allocated for it, and
// every instance registered against it.
//
// active always equals the number of instances that are Active or
// Reactivating.
type NoteStream struct {
	identity     FilterIdentity
	subscription *Subscription
	active       int
	instances    map[InstanceID]*Instance
}

func NewNoteStream(identity FilterIdentity) *NoteStream {
	return &NoteStream{
		identity:  identity,
		instances: make(map[InstanceID]*Instance),
	}
}

// AddInstance inserts (or replaces) the instance under id.
func (s *NoteStream) AddInstance(id InstanceID, inst *Instance) {
	s.RemoveInstance(id)
	if inst.Status().counted() {
		s.active++
	}
	s.instances[id] = inst
}

// RemoveInstance drops the instance. Unknown ids are ignored.
func (s *NoteStream) RemoveInstance(id InstanceID) {
	inst, ok := s.instances[id]
	if !ok {
		return
	}
	if inst.Status().counted() {
		s.active--
	}
	delete(s.instances, id)
}

// ModifyInstance applies m and adjusts the activity count when the instance
// crosses between counted and uncounted states. It reports whether id exists.
func (s *NoteStream) ModifyInstance(id InstanceID, m Mutation) bool {
	inst, ok := s.instances[id]
	if !ok {
		return false
	}
	before := inst.Status().counted()
	m.apply(inst)
	after := inst.Status().counted()
	switch {
	case !before && after:
		s.active++
	case before && !after:
		s.active--
	}
	return true
}

func (s *NoteStream) Instance(id InstanceID) *Instance {
	return s.instances[id]
}

// InstanceIDs returns the registered ids in ascending order.
func (s *NoteStream) InstanceIDs() []InstanceID {
	return slices.Sorted(maps.Keys(s.instances))
}

func (s *NoteStream) Len() int {
	return len(s.instances)
}

func (s *NoteStream) ActiveInstances() int {
	return s.active
}

// IsActive reports whether any instance wants results.
func (s *NoteStream) IsActive() bool {
	return s.active != 0
}

func (s *NoteStream) HasSubscription() bool {
	return s.subscription != nil
}

func (s *NoteStream) Subscription() (Subscription, bool) {
	if s.subscription == nil {
		return Subscription{}, false
	}
	return *s.subscription, true
}

func (s *NoteStream) AddSubscription(sub Subscription) {
	s.subscription = &sub
}

// TakeSubscription clears and returns the subscription, if any.
func (s *NoteStream) TakeSubscription() (Subscription, bool) {
	if s.subscription == nil {
		return Subscription{}, false
	}
	sub := *s.subscription
	s.subscription = nil
	return sub, true
}

func (s *NoteStream) Identity() FilterIdentity {
	return s.identity
}
