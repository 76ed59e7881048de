// Package columns builds the filter sets behind the common timeline views and
// keeps one watched instance per open view.
package columns

import (
	"errors"
	"maps"
	"slices"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/maorbril/notestream/internal/streams"
)

const (
	kindTextNote    = 1
	kindContactList = 3
	kindRepost      = 6

	// DefaultLimit caps the initial fetch of timeline columns.
	DefaultLimit = 500
)

var ErrEmptyContactList = errors.New("contact list follows nobody")

// ThreadFilters selects the root note and every kind-1 reply tagging it.
func ThreadFilters(rootID string) []nostr.Filter {
	return []nostr.Filter{
		{Kinds: []int{kindTextNote}, Tags: nostr.TagMap{"e": []string{rootID}}},
		{IDs: []string{rootID}, Limit: 1},
	}
}

// ProfileFilters selects an author's notes and reposts.
func ProfileFilters(pubkey string) []nostr.Filter {
	return []nostr.Filter{
		{Kinds: []int{kindTextNote, kindRepost}, Authors: []string{pubkey}, Limit: DefaultLimit},
	}
}

// HashtagFilters selects kind-1 notes carrying tag. Hashtags are matched in
// lower case.
func HashtagFilters(tag string) []nostr.Filter {
	return []nostr.Filter{
		{Kinds: []int{kindTextNote}, Tags: nostr.TagMap{"t": []string{normalizeTag(tag)}}},
	}
}

// UniverseFilters selects every text note.
func UniverseFilters() []nostr.Filter {
	return []nostr.Filter{{Kinds: []int{kindTextNote}, Limit: DefaultLimit}}
}

// NotificationsFilters selects text notes mentioning pubkey.
func NotificationsFilters(pubkey string) []nostr.Filter {
	return []nostr.Filter{
		{Kinds: []int{kindTextNote}, Tags: nostr.TagMap{"p": []string{pubkey}}, Limit: DefaultLimit},
	}
}

// ContactListFilters selects the newest contact list of pubkey. A contacts
// column watches it until the list is available locally.
func ContactListFilters(pubkey string) []nostr.Filter {
	return []nostr.Filter{{Kinds: []int{kindContactList}, Authors: []string{pubkey}, Limit: 1}}
}

// FollowFilters selects the text notes of everyone a contact list follows.
func FollowFilters(contactList *nostr.Event) ([]nostr.Filter, error) {
	var follows []string
	for _, tag := range contactList.Tags {
		if len(tag) >= 2 && tag[0] == "p" && nostr.IsValid32ByteHex(tag[1]) {
			follows = append(follows, tag[1])
		}
	}
	if len(follows) == 0 {
		return nil, ErrEmptyContactList
	}
	follows = slices.Compact(slices.Sorted(slices.Values(follows)))
	return []nostr.Filter{{Kinds: []int{kindTextNote}, Authors: follows, Limit: DefaultLimit}}, nil
}

func ThreadKey(rootID string) string        { return "thread:" + rootID }
func ProfileKey(pubkey string) string       { return "profile:" + pubkey }
func HashtagKey(tag string) string          { return "hashtag:" + normalizeTag(tag) }
func UniverseKey() string                   { return "universe" }
func NotificationsKey(pubkey string) string { return "notifications:" + pubkey }
func ContactsKey(pubkey string) string      { return "contacts:" + pubkey }
func normalizeTag(tag string) string        { return strings.ToLower(strings.TrimPrefix(tag, "#")) }

// Watcher is the part of the interactor a registry drives.
type Watcher interface {
	BeginWatching(filters []nostr.Filter) streams.InstanceID
	StopWatching(id streams.InstanceID)
}

type column struct {
	id   streams.InstanceID
	hash uint64
}

// Registry maps column keys to watched instances so reopening a column
// reuses its instance instead of registering a new one.
type Registry struct {
	watcher Watcher
	open    map[string]column
}

func NewRegistry(w Watcher) *Registry {
	return &Registry{watcher: w, open: make(map[string]column)}
}

// Open returns the instance for key, beginning to watch filters if the column
// is not open yet. fresh reports whether a new instance was created.
func (r *Registry) Open(key string, filters []nostr.Filter) (id streams.InstanceID, fresh bool) {
	if col, ok := r.open[key]; ok {
		return col.id, false
	}
	id = r.watcher.BeginWatching(filters)
	r.open[key] = column{id: id, hash: streams.NewFilterIdentity(filters).Hash()}
	return id, true
}

// Bound reports whether key is open on exactly filters.
func (r *Registry) Bound(key string, filters []nostr.Filter) bool {
	col, ok := r.open[key]
	return ok && col.hash == streams.NewFilterIdentity(filters).Hash()
}

// Close stops watching the column's instance and returns it.
func (r *Registry) Close(key string) (streams.InstanceID, bool) {
	col, ok := r.open[key]
	if !ok {
		return 0, false
	}
	delete(r.open, key)
	r.watcher.StopWatching(col.id)
	return col.id, true
}

// Forget drops any column bound to id without stopping it. Used when the
// instance was stopped directly.
func (r *Registry) Forget(id streams.InstanceID) {
	for key, col := range r.open {
		if col.id == id {
			delete(r.open, key)
		}
	}
}

// Lookup returns the instance open under key.
func (r *Registry) Lookup(key string) (streams.InstanceID, bool) {
	col, ok := r.open[key]
	return col.id, ok
}

// Keys returns the open column keys in sorted order.
func (r *Registry) Keys() []string {
	return slices.Sorted(maps.Keys(r.open))
}
