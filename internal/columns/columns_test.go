package columns

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/maorbril/notestream/internal/streams"
)

type recordingWatcher struct {
	ids     *streams.IDAllocator
	begun   [][]nostr.Filter
	stopped []streams.InstanceID
}

func (w *recordingWatcher) BeginWatching(filters []nostr.Filter) streams.InstanceID {
	w.begun = append(w.begun, filters)
	return w.ids.Next()
}

func (w *recordingWatcher) StopWatching(id streams.InstanceID) {
	w.stopped = append(w.stopped, id)
}

func newTestRegistry() (*Registry, *recordingWatcher) {
	w := &recordingWatcher{ids: streams.NewIDAllocator()}
	return NewRegistry(w), w
}

// Filter builder tests

func TestThreadFilters(t *testing.T) {
	f := ThreadFilters("root")
	if len(f) != 2 {
		t.Fatalf("expected 2 filters, got %d", len(f))
	}
	if !slices.Equal(f[0].Kinds, []int{1}) || !slices.Equal(f[0].Tags["e"], []string{"root"}) {
		t.Errorf("unexpected reply filter: %+v", f[0])
	}
	if !slices.Equal(f[1].IDs, []string{"root"}) || f[1].Limit != 1 {
		t.Errorf("unexpected root filter: %+v", f[1])
	}
}

func TestProfileFilters(t *testing.T) {
	f := ProfileFilters("pk")
	if len(f) != 1 {
		t.Fatalf("expected 1 filter, got %d", len(f))
	}
	if !slices.Equal(f[0].Kinds, []int{1, 6}) || !slices.Equal(f[0].Authors, []string{"pk"}) {
		t.Errorf("unexpected filter: %+v", f[0])
	}
	if f[0].Limit != DefaultLimit {
		t.Errorf("expected limit %d, got %d", DefaultLimit, f[0].Limit)
	}
}

func TestHashtagFilters_Normalizes(t *testing.T) {
	a := streams.NewFilterIdentity(HashtagFilters("#Nostr"))
	b := streams.NewFilterIdentity(HashtagFilters("nostr"))
	if a.Hash() != b.Hash() {
		t.Error("expected #Nostr and nostr to share an identity")
	}
	if HashtagKey("#Nostr") != HashtagKey("nostr") {
		t.Error("expected #Nostr and nostr to share a key")
	}
}

func TestUniverseFilters(t *testing.T) {
	f := UniverseFilters()
	if len(f) != 1 || !slices.Equal(f[0].Kinds, []int{1}) || f[0].Limit != DefaultLimit {
		t.Errorf("unexpected filters: %+v", f)
	}
	if len(f[0].Authors) != 0 || len(f[0].Tags) != 0 {
		t.Error("universe should not narrow by author or tag")
	}
}

func TestNotificationsFilters(t *testing.T) {
	f := NotificationsFilters("pk")
	if len(f) != 1 || !slices.Equal(f[0].Tags["p"], []string{"pk"}) || !slices.Equal(f[0].Kinds, []int{1}) {
		t.Errorf("unexpected filters: %+v", f)
	}
}

func TestContactListFilters(t *testing.T) {
	f := ContactListFilters("pk")
	if len(f) != 1 || !slices.Equal(f[0].Kinds, []int{3}) || !slices.Equal(f[0].Authors, []string{"pk"}) || f[0].Limit != 1 {
		t.Errorf("unexpected filters: %+v", f)
	}
}

func TestFollowFilters(t *testing.T) {
	alice, bob := strings.Repeat("a", 64), strings.Repeat("b", 64)
	list := &nostr.Event{
		Kind: 3,
		Tags: nostr.Tags{
			{"p", bob},
			{"p", alice, "wss://relay.example"},
			{"p", bob},
			{"p", "not-a-pubkey"},
			{"t", "go"},
		},
	}

	f, err := FollowFilters(list)
	if err != nil {
		t.Fatalf("FollowFilters failed: %v", err)
	}
	if len(f) != 1 || !slices.Equal(f[0].Authors, []string{alice, bob}) {
		t.Errorf("expected sorted unique follows, got %+v", f)
	}
	if !slices.Equal(f[0].Kinds, []int{1}) || f[0].Limit != DefaultLimit {
		t.Errorf("unexpected filter: %+v", f[0])
	}
}

func TestFollowFilters_Empty(t *testing.T) {
	_, err := FollowFilters(&nostr.Event{Kind: 3, Tags: nostr.Tags{{"t", "go"}}})
	if !errors.Is(err, ErrEmptyContactList) {
		t.Errorf("expected ErrEmptyContactList, got %v", err)
	}
}

// Registry tests

func TestRegistry_OpenReusesInstance(t *testing.T) {
	r, w := newTestRegistry()

	id, fresh := r.Open(ThreadKey("root"), ThreadFilters("root"))
	if !fresh {
		t.Error("expected first open to be fresh")
	}

	again, fresh := r.Open(ThreadKey("root"), ThreadFilters("root"))
	if fresh || again != id {
		t.Errorf("expected reuse of %d, got %d (fresh=%v)", id, again, fresh)
	}
	if len(w.begun) != 1 {
		t.Errorf("expected one watch, got %d", len(w.begun))
	}

	other, fresh := r.Open(ProfileKey("pk"), ProfileFilters("pk"))
	if !fresh || other == id {
		t.Errorf("expected a new instance for another column, got %d", other)
	}
	if keys := r.Keys(); !slices.Equal(keys, []string{"profile:pk", "thread:root"}) {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestRegistry_Close(t *testing.T) {
	r, w := newTestRegistry()

	id, _ := r.Open(ThreadKey("root"), ThreadFilters("root"))
	closed, ok := r.Close(ThreadKey("root"))
	if !ok || closed != id {
		t.Errorf("expected to close %d, got %d (ok=%v)", id, closed, ok)
	}
	if !slices.Equal(w.stopped, []streams.InstanceID{id}) {
		t.Errorf("expected %d stopped, got %v", id, w.stopped)
	}
	if _, ok := r.Close(ThreadKey("root")); ok {
		t.Error("expected second close to report nothing open")
	}

	if _, fresh := r.Open(ThreadKey("root"), ThreadFilters("root")); !fresh {
		t.Error("closed column should reopen with a new instance")
	}
}

func TestRegistry_Bound(t *testing.T) {
	r, _ := newTestRegistry()
	key := ContactsKey("pk")
	r.Open(key, ContactListFilters("pk"))

	if !r.Bound(key, ContactListFilters("pk")) {
		t.Error("expected column to be bound to its filters")
	}
	if r.Bound(key, UniverseFilters()) {
		t.Error("expected other filters not to match")
	}
	if r.Bound(ContactsKey("other"), ContactListFilters("other")) {
		t.Error("closed column is not bound")
	}
}

func TestRegistry_Forget(t *testing.T) {
	r, w := newTestRegistry()

	id, _ := r.Open(HashtagKey("go"), HashtagFilters("go"))
	r.Forget(id)
	if _, ok := r.Lookup(HashtagKey("go")); ok {
		t.Error("expected column to be forgotten")
	}
	if len(w.stopped) != 0 {
		t.Error("Forget must not stop the instance")
	}
}
