package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/maorbril/notestream/internal/reconcile"
	"github.com/maorbril/notestream/internal/store"
	"github.com/maorbril/notestream/internal/streams"
)

func setupTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *testclock.Clock, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "notestream-engine-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	st, err := store.NewSQLiteStore(tmpDir)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("failed to create store: %v", err)
	}
	cleanup := func() {
		_ = st.Close()
		_ = os.RemoveAll(tmpDir)
	}

	clk := testclock.NewClock(time.Unix(1700000000, 0))
	return New(st, nil, zerolog.Nop(), reconcile.Options{Clock: clk}), st, clk, cleanup
}

func saveEvent(t *testing.T, st *store.SQLiteStore, n, kind int, pubkey string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		ID:        fmt.Sprintf("%064x", n),
		PubKey:    pubkey,
		CreatedAt: nostr.Timestamp(1000 + n),
		Kind:      kind,
		Tags:      tags,
		Content:   fmt.Sprintf("note %d", n),
		Sig:       "sig",
	}
	if _, err := st.SaveEvent(ev); err != nil {
		t.Fatalf("SaveEvent failed: %v", err)
	}
	return ev
}

func saveNote(t *testing.T, st *store.SQLiteStore, n int, pubkey string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	return saveEvent(t, st, n, 1, pubkey, tags)
}

func takeIDs(t *testing.T, e *Engine, id streams.InstanceID) []string {
	t.Helper()
	notes, ok, err := e.TakeUnseen(id)
	if err != nil {
		t.Fatalf("TakeUnseen failed: %v", err)
	}
	if !ok {
		t.Fatalf("instance %d has no results yet", id)
	}
	ids := make([]string, len(notes))
	for i, n := range notes {
		ids[i] = n.Event.ID
	}
	return ids
}

func mustStatus(t *testing.T, e *Engine) *Status {
	t.Helper()
	status, err := e.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	return status
}

func TestEngine_WatchTakeUnseen(t *testing.T) {
	e, st, _, cleanup := setupTestEngine(t)
	defer cleanup()
	first := saveNote(t, st, 1, "alice", nil)
	second := saveNote(t, st, 2, "alice", nil)
	saveNote(t, st, 3, "bob", nil)

	id, err := e.Watch([]nostr.Filter{{Authors: []string{"alice"}}})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	notes, ok, err := e.TakeUnseen(id)
	if err != nil {
		t.Fatalf("TakeUnseen failed: %v", err)
	}
	if ok || len(notes) != 0 {
		t.Errorf("expected nothing before the first tick, got %d notes (ok=%v)", len(notes), ok)
	}

	e.Tick()
	notes, ok, err = e.TakeUnseen(id)
	if err != nil {
		t.Fatalf("TakeUnseen failed: %v", err)
	}
	if !ok || len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d (ok=%v)", len(notes), ok)
	}
	if notes[0].Event.ID != second.ID || notes[1].Event.ID != first.ID {
		t.Errorf("expected newest first, got %s, %s", notes[0].Event.ID, notes[1].Event.ID)
	}
	if notes[0].Event.Content != "note 2" {
		t.Errorf("expected content 'note 2', got '%s'", notes[0].Event.Content)
	}
}

func TestEngine_WatchRequiresFilters(t *testing.T) {
	e, _, _, cleanup := setupTestEngine(t)
	defer cleanup()
	if _, err := e.Watch(nil); !errors.Is(err, ErrNoFilters) {
		t.Errorf("expected ErrNoFilters, got %v", err)
	}
}

func TestEngine_UnknownInstance(t *testing.T) {
	e, _, _, cleanup := setupTestEngine(t)
	defer cleanup()
	if err := e.Pause(42); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("Pause: expected ErrUnknownInstance, got %v", err)
	}
	if err := e.Resume(42); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("Resume: expected ErrUnknownInstance, got %v", err)
	}
	if err := e.Stop(42); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("Stop: expected ErrUnknownInstance, got %v", err)
	}
	if _, _, err := e.TakeUnseen(42); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("TakeUnseen: expected ErrUnknownInstance, got %v", err)
	}
}

func TestEngine_OpenThreadReusesColumn(t *testing.T) {
	e, st, _, cleanup := setupTestEngine(t)
	defer cleanup()
	root := saveNote(t, st, 1, "alice", nil)
	reply := saveNote(t, st, 2, "bob", nostr.Tags{{"e", root.ID}})

	id, fresh := e.OpenThread(root.ID)
	if !fresh {
		t.Error("expected first open to be fresh")
	}
	again, fresh := e.OpenThread(root.ID)
	if fresh || again != id {
		t.Errorf("expected reuse of %d, got %d (fresh=%v)", id, again, fresh)
	}

	e.Tick()
	ids := takeIDs(t, e, id)
	if len(ids) != 2 || ids[0] != reply.ID || ids[1] != root.ID {
		t.Errorf("expected reply then root, got %v", ids)
	}

	status := mustStatus(t, e)
	if len(status.Instances) != 1 || status.Instances[0].Column != "thread:"+root.ID {
		t.Errorf("unexpected instances: %+v", status.Instances)
	}
}

func TestEngine_OpenUniverseAndNotifications(t *testing.T) {
	e, st, _, cleanup := setupTestEngine(t)
	defer cleanup()
	saveNote(t, st, 1, "alice", nil)
	mention := saveNote(t, st, 2, "bob", nostr.Tags{{"p", "alice"}})
	saveEvent(t, st, 3, 3, "alice", nil)

	universe, _ := e.OpenUniverse()
	notifications, _ := e.OpenNotifications("alice")
	if universe == notifications {
		t.Fatal("expected distinct instances")
	}
	e.Tick()

	if ids := takeIDs(t, e, universe); len(ids) != 2 {
		t.Errorf("expected both text notes in the universe, got %v", ids)
	}
	if ids := takeIDs(t, e, notifications); len(ids) != 1 || ids[0] != mention.ID {
		t.Errorf("expected only the mention, got %v", ids)
	}
}

func TestEngine_OpenContactsWaitsForList(t *testing.T) {
	e, st, _, cleanup := setupTestEngine(t)
	defer cleanup()
	me := strings.Repeat("1", 64)
	alice, bob := strings.Repeat("a", 64), strings.Repeat("b", 64)

	pending, err := e.OpenContacts(me)
	if err != nil {
		t.Fatalf("OpenContacts failed: %v", err)
	}
	if !pending.Fresh || pending.Follows != 0 {
		t.Errorf("expected a fresh column waiting for the list, got %+v", pending)
	}

	list := saveEvent(t, st, 10, 3, me, nostr.Tags{{"p", alice}, {"p", bob}})
	e.Tick()
	if ids := takeIDs(t, e, pending.ID); len(ids) != 1 || ids[0] != list.ID {
		t.Errorf("expected the contact list, got %v", ids)
	}

	note := saveNote(t, st, 11, alice, nil)
	saveNote(t, st, 12, strings.Repeat("c", 64), nil)
	follows, err := e.OpenContacts(me)
	if err != nil {
		t.Fatalf("OpenContacts failed: %v", err)
	}
	if !follows.Fresh || follows.ID == pending.ID || follows.Follows != 2 {
		t.Errorf("expected a new column over 2 follows, got %+v", follows)
	}
	if _, _, err := e.TakeUnseen(pending.ID); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("expected the pending column to be stopped, got %v", err)
	}

	e.Tick()
	if ids := takeIDs(t, e, follows.ID); len(ids) != 1 || ids[0] != note.ID {
		t.Errorf("expected only the followed author's note, got %v", ids)
	}

	again, err := e.OpenContacts(me)
	if err != nil {
		t.Fatalf("OpenContacts failed: %v", err)
	}
	if again.Fresh || again.ID != follows.ID {
		t.Errorf("expected reuse of %d, got %+v", follows.ID, again)
	}
}

func TestEngine_OpenContactsEmptyList(t *testing.T) {
	e, st, _, cleanup := setupTestEngine(t)
	defer cleanup()
	me := strings.Repeat("1", 64)
	saveEvent(t, st, 1, 3, me, nostr.Tags{{"t", "go"}})

	c, err := e.OpenContacts(me)
	if err != nil {
		t.Fatalf("OpenContacts failed: %v", err)
	}
	if c.Follows != 0 {
		t.Errorf("expected an empty list to keep waiting, got %+v", c)
	}
}

func TestEngine_CloseColumn(t *testing.T) {
	e, _, _, cleanup := setupTestEngine(t)
	defer cleanup()
	id, _ := e.OpenHashtag("go")
	e.Tick()

	closed, err := e.CloseColumn("hashtag:go")
	if err != nil {
		t.Fatalf("CloseColumn failed: %v", err)
	}
	if closed != id {
		t.Errorf("expected to close %d, got %d", id, closed)
	}
	e.Tick()

	status := mustStatus(t, e)
	if len(status.Instances) != 0 || status.Streams.Streams != 0 {
		t.Errorf("expected nothing left, got %+v", status)
	}
	if _, err := e.CloseColumn("hashtag:go"); !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("expected ErrUnknownColumn, got %v", err)
	}
}

func TestEngine_StopClosesColumn(t *testing.T) {
	e, _, _, cleanup := setupTestEngine(t)
	defer cleanup()
	id, _ := e.OpenProfile("alice")
	e.Tick()

	if err := e.Stop(id); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	e.Tick()

	status := mustStatus(t, e)
	if len(status.Instances) != 0 {
		t.Errorf("expected no instances, got %+v", status.Instances)
	}
	if status.Streams.Streams != 0 {
		t.Errorf("expected no streams, got %d", status.Streams.Streams)
	}

	next, fresh := e.OpenProfile("alice")
	if !fresh || next == id {
		t.Errorf("expected a new instance after stop, got %d (fresh=%v)", next, fresh)
	}
}

func TestEngine_PauseResumeStatus(t *testing.T) {
	e, st, _, cleanup := setupTestEngine(t)
	defer cleanup()
	id, _ := e.OpenHashtag("nostr")

	status := mustStatus(t, e)
	if len(status.Instances) != 1 || !status.Instances[0].Pending {
		t.Fatalf("expected one pending instance, got %+v", status.Instances)
	}
	if status.Commands != 1 {
		t.Errorf("expected 1 pending command, got %d", status.Commands)
	}

	e.Tick()
	if err := e.Pause(id); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	e.Tick()

	status = mustStatus(t, e)
	if status.Instances[0].State != "inactive" {
		t.Errorf("expected inactive, got %s", status.Instances[0].State)
	}
	if status.Streams.ActiveStreams != 0 {
		t.Errorf("expected no active streams, got %d", status.Streams.ActiveStreams)
	}
	if status.Ticks != 2 {
		t.Errorf("expected 2 ticks, got %d", status.Ticks)
	}

	saveNote(t, st, 5, "carol", nostr.Tags{{"t", "nostr"}})
	if err := e.Resume(id); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	e.Tick()

	if ids := takeIDs(t, e, id); len(ids) != 1 {
		t.Errorf("expected 1 note after resume, got %v", ids)
	}
	if state := mustStatus(t, e).Instances[0].State; state != "active" {
		t.Errorf("expected active, got %s", state)
	}
}

type monitoredRelays struct{}

func (monitoredRelays) Subscribe(string, []nostr.Filter) {}
func (monitoredRelays) Unsubscribe(string)               {}
func (monitoredRelays) Status() map[string]bool {
	return map[string]bool{"wss://a.example": true, "wss://b.example": false}
}
func (monitoredRelays) Subscriptions() []string { return []string{"1", "2"} }

func TestEngine_StatusReportsRelays(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "notestream-engine-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	st, err := store.NewSQLiteStore(tmpDir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	e := New(st, monitoredRelays{}, zerolog.Nop(), reconcile.Options{})
	status := mustStatus(t, e)
	if !status.Relays["wss://a.example"] || status.Relays["wss://b.example"] {
		t.Errorf("unexpected relays: %v", status.Relays)
	}
	if status.RemoteSubscriptions != 2 {
		t.Errorf("expected 2 remote subscriptions, got %d", status.RemoteSubscriptions)
	}

	offline, _, _, cleanup := setupTestEngine(t)
	defer cleanup()
	if relays := mustStatus(t, offline).Relays; relays != nil {
		t.Errorf("expected no relays offline, got %v", relays)
	}
}

func TestEngine_RunTicksOnClock(t *testing.T) {
	e, st, clk, cleanup := setupTestEngine(t)
	defer cleanup()
	saveNote(t, st, 1, "alice", nil)
	id, err := e.Watch([]nostr.Filter{{Authors: []string{"alice"}}})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, time.Second) }()

	if err := clk.WaitAdvance(time.Second, time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok, _ := e.TakeUnseen(id); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a tick")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestEngine_RunRejectsBadInterval(t *testing.T) {
	e, _, _, cleanup := setupTestEngine(t)
	defer cleanup()
	if err := e.Run(context.Background(), 0); err == nil {
		t.Error("expected an error for a zero interval")
	}
}
