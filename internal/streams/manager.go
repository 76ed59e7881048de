package streams

import (
	"maps"
	"slices"

	"github.com/nbd-wtf/go-nostr"
)

// FetchTarget is one instance's query for the current tick.
type FetchTarget struct {
	ID      InstanceID
	Filters []nostr.Filter
	// CatchUp is set for a Reactivating instance whose filters are scoped to
	// the gap since its cursor.
	CatchUp bool
	// Subscription is the stream's subscription, when one is open.
	Subscription *Subscription
}

// Stats summarizes the registry.
type Stats struct {
	Streams       int
	ActiveStreams int
	Instances     int
	Subscriptions int
}

// Manager is the registry of note streams. It maps filter hashes to streams
// and instance ids back to the hash of the stream holding them.
//
// Manager is not safe for concurrent use; the reconciliation pass is its only
// writer.
type Manager struct {
	streams  map[uint64]*NoteStream
	idToHash map[InstanceID]uint64

	// subscriptions left behind by streams whose last instance was removed
	orphaned []Subscription
}

func NewManager() *Manager {
	return &Manager{
		streams:  make(map[uint64]*NoteStream),
		idToHash: make(map[InstanceID]uint64),
	}
}

// PendingNewSubscriptions returns the filters of every stream that wants
// results but has no subscription yet.
func (m *Manager) PendingNewSubscriptions() [][]nostr.Filter {
	var pending [][]nostr.Filter
	for _, hash := range m.sortedHashes() {
		stream := m.streams[hash]
		if stream.IsActive() && !stream.HasSubscription() {
			pending = append(pending, stream.Identity().Filters())
		}
	}
	return pending
}

// PendingSubscriptionTeardowns takes the subscription of every stream that
// no longer wants results, plus those of removed streams. Handles are
// cleared as they are returned, so a second call yields nothing new.
func (m *Manager) PendingSubscriptionTeardowns() []Subscription {
	teardowns := m.orphaned
	m.orphaned = nil
	for _, hash := range m.sortedHashes() {
		stream := m.streams[hash]
		if stream.IsActive() || !stream.HasSubscription() {
			continue
		}
		if sub, ok := stream.TakeSubscription(); ok {
			teardowns = append(teardowns, sub)
		}
	}
	return teardowns
}

// SaveSubscription attaches handles to the stream for filters. It reports
// false, and does nothing, when that stream no longer exists.
func (m *Manager) SaveSubscription(filters []nostr.Filter, local uint64, remote string) bool {
	stream, ok := m.streams[NewFilterIdentity(filters).Hash()]
	if !ok {
		return false
	}
	stream.AddSubscription(Subscription{Local: local, Remote: remote})
	return true
}

// ActiveFetchTargets lists what to fetch this tick. Active instances get the
// stream filters; Reactivating instances with a cursor get the filters scoped
// by since(cursor). Reactivating instances without a cursor and Inactive
// instances are skipped.
func (m *Manager) ActiveFetchTargets() []FetchTarget {
	var targets []FetchTarget
	for _, hash := range m.sortedHashes() {
		stream := m.streams[hash]
		if !stream.IsActive() {
			continue
		}
		var sub *Subscription
		if s, ok := stream.Subscription(); ok {
			sub = &s
		}
		filters := stream.Identity().Filters()
		for _, id := range stream.InstanceIDs() {
			inst := stream.Instance(id)
			switch inst.Status() {
			case Active:
				targets = append(targets, FetchTarget{ID: id, Filters: filters, Subscription: sub})
			case Reactivating:
				lastSeen, ok := inst.LastSeen()
				if !ok {
					continue
				}
				targets = append(targets, FetchTarget{
					ID:           id,
					Filters:      WithSince(filters, lastSeen),
					CatchUp:      true,
					Subscription: sub,
				})
			}
		}
	}
	return targets
}

// Register adds an Active instance under id, creating the stream for the
// identity if it is new. Registering an id that is already known does nothing.
func (m *Manager) Register(id InstanceID, identity FilterIdentity) {
	if _, exists := m.idToHash[id]; exists {
		return
	}
	hash := identity.Hash()
	stream, ok := m.streams[hash]
	if !ok {
		stream = NewNoteStream(identity)
		m.streams[hash] = stream
	}
	stream.AddInstance(id, NewInstance())
	m.idToHash[id] = hash
}

// Remove forgets the instance. A stream left without instances is deleted
// and its subscription, if any, is queued for teardown.
func (m *Manager) Remove(id InstanceID) {
	hash, ok := m.idToHash[id]
	if !ok {
		return
	}
	delete(m.idToHash, id)

	stream, ok := m.streams[hash]
	if !ok {
		return
	}
	stream.RemoveInstance(id)
	if stream.Len() > 0 {
		return
	}
	if sub, ok := stream.TakeSubscription(); ok {
		m.orphaned = append(m.orphaned, sub)
	}
	delete(m.streams, hash)
}

func (m *Manager) Pause(id InstanceID) {
	m.modify(id, PauseMutation())
}

func (m *Manager) Resume(id InstanceID) {
	m.modify(id, ResumeMutation())
}

// Promote finishes a catch-up: a Reactivating instance becomes Active.
func (m *Manager) Promote(id InstanceID) {
	if inst := m.Instance(id); inst != nil && inst.Status() == Reactivating {
		m.modify(id, StatusMutation(Active))
	}
}

// RecordLastSeen advances the instance cursor. It never moves it backwards
// and never changes the instance state.
func (m *Manager) RecordLastSeen(id InstanceID, ts nostr.Timestamp) {
	inst := m.Instance(id)
	if inst == nil {
		return
	}
	if prev, ok := inst.LastSeen(); ok && prev >= ts {
		return
	}
	m.modify(id, LastSeenMutation(ts))
}

// Instance returns the instance for id, or nil.
func (m *Manager) Instance(id InstanceID) *Instance {
	stream := m.streamFor(id)
	if stream == nil {
		return nil
	}
	return stream.Instance(id)
}

// Stream returns the stream holding id, or nil.
func (m *Manager) Stream(id InstanceID) *NoteStream {
	return m.streamFor(id)
}

func (m *Manager) Stats() Stats {
	st := Stats{Streams: len(m.streams), Instances: len(m.idToHash)}
	for _, stream := range m.streams {
		if stream.IsActive() {
			st.ActiveStreams++
		}
		if stream.HasSubscription() {
			st.Subscriptions++
		}
	}
	return st
}

func (m *Manager) modify(id InstanceID, mut Mutation) {
	if stream := m.streamFor(id); stream != nil {
		stream.ModifyInstance(id, mut)
	}
}

func (m *Manager) streamFor(id InstanceID) *NoteStream {
	hash, ok := m.idToHash[id]
	if !ok {
		return nil
	}
	return m.streams[hash]
}

func (m *Manager) sortedHashes() []uint64 {
	return slices.Sorted(maps.Keys(m.streams))
}
