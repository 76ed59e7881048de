package streams

import (
	"slices"

	"github.com/nbd-wtf/go-nostr"
)

// Record is a fetched note: its local database key, its event id, and its
// creation time. Content stays in the database.
type Record struct {
	Key       uint64
	ID        string
	CreatedAt nostr.Timestamp
}

// SortRecords orders records newest first, breaking ties by key.
func SortRecords(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		switch {
		case a.CreatedAt > b.CreatedAt:
			return -1
		case a.CreatedAt < b.CreatedAt:
			return 1
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
}

type CommandKind int

const (
	CommandNewInstance CommandKind = iota
	CommandPause
	CommandResume
	CommandStop
)

func (k CommandKind) String() string {
	switch k {
	case CommandNewInstance:
		return "new"
	case CommandPause:
		return "pause"
	case CommandResume:
		return "resume"
	case CommandStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Command is a deferred consumer intent. Identity is only set for
// CommandNewInstance.
type Command struct {
	Kind     CommandKind
	ID       InstanceID
	Identity FilterIdentity
}

// Apply executes the command against the manager.
func (c Command) Apply(m *Manager) {
	switch c.Kind {
	case CommandNewInstance:
		m.Register(c.ID, c.Identity)
	case CommandPause:
		m.Pause(c.ID)
	case CommandResume:
		m.Resume(c.ID)
	case CommandStop:
		m.Remove(c.ID)
	}
}

// Interactor is the consumer-facing side of the engine. Consumers queue
// intents here and collect fetched records; the reconciliation pass drains
// the queue into the Manager once per tick and fills the cache.
type Interactor struct {
	ids      *IDAllocator
	commands []Command
	cache    map[InstanceID][]Record
}

func NewInteractor(ids *IDAllocator) *Interactor {
	return &Interactor{
		ids:   ids,
		cache: make(map[InstanceID][]Record),
	}
}

// BeginWatching queues a registration for filters and returns its id. The
// stream is not live until the next tick.
func (it *Interactor) BeginWatching(filters []nostr.Filter) InstanceID {
	id := it.ids.Next()
	it.commands = append(it.commands, Command{
		Kind:     CommandNewInstance,
		ID:       id,
		Identity: NewFilterIdentity(filters),
	})
	return id
}

func (it *Interactor) ResumeWatching(id InstanceID) {
	it.commands = append(it.commands, Command{Kind: CommandResume, ID: id})
}

func (it *Interactor) PauseWatching(id InstanceID) {
	it.commands = append(it.commands, Command{Kind: CommandPause, ID: id})
}

// StopWatching queues removal of the instance and drops anything cached for it.
func (it *Interactor) StopWatching(id InstanceID) {
	it.commands = append(it.commands, Command{Kind: CommandStop, ID: id})
	delete(it.cache, id)
}

// TakeUnseen removes and returns the records fetched for id since the last
// call. The second of two calls without a tick in between returns false.
func (it *Interactor) TakeUnseen(id InstanceID) ([]Record, bool) {
	records, ok := it.cache[id]
	if !ok {
		return nil, false
	}
	delete(it.cache, id)
	return records, true
}

// DrainCommands returns the queued commands in submission order and empties
// the queue.
func (it *Interactor) DrainCommands() []Command {
	commands := it.commands
	it.commands = nil
	return commands
}

// Pending returns the number of queued commands.
func (it *Interactor) Pending() int {
	return len(it.commands)
}

// Deliver merges records into the cache entry for id. A batch the consumer
// has not taken yet is kept: records are deduplicated by key and kept newest
// first. Empty batches leave the cache untouched.
func (it *Interactor) Deliver(id InstanceID, records []Record) {
	if len(records) == 0 {
		return
	}
	existing := it.cache[id]
	seen := make(map[uint64]struct{}, len(existing)+len(records))
	merged := make([]Record, 0, len(existing)+len(records))
	for _, batch := range [][]Record{existing, records} {
		for _, r := range batch {
			if _, dup := seen[r.Key]; dup {
				continue
			}
			seen[r.Key] = struct{}{}
			merged = append(merged, r)
		}
	}
	SortRecords(merged)
	it.cache[id] = merged
}
