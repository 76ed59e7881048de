package store

import (
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrClosed              = errors.New("store closed")
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// NoteRef points at a stored event by its local key.
type NoteRef struct {
	Key       uint64          `json:"key"`
	ID        string          `json:"id"`
	CreatedAt nostr.Timestamp `json:"created_at"`
}

type Stats struct {
	Events        int64           `json:"events"`
	Tags          int64           `json:"tags"`
	Subscriptions int             `json:"subscriptions"`
	Oldest        nostr.Timestamp `json:"oldest"`
	Newest        nostr.Timestamp `json:"newest"`
	SizeBytes     int64           `json:"size_bytes"`
	LastReceived  time.Time       `json:"last_received"`
}

type Store interface {
	// Events
	SaveEvent(ev *nostr.Event) (bool, error)
	GetEvent(id string) (*nostr.Event, error)
	GetEventByKey(key uint64) (*nostr.Event, error)
	QueryEvents(filters []nostr.Filter, limit int) ([]NoteRef, error)
	NoteRefs(keys []uint64) ([]NoteRef, error)

	// Subscriptions
	Subscribe(filters []nostr.Filter) (uint64, error)
	Unsubscribe(handle uint64) error
	Poll(handle uint64, max int) ([]uint64, error)

	// Lifecycle
	Stats() (*Stats, error)
	Close() error
}
