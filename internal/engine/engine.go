// Package engine owns one instance of the streaming core and serializes
// access to it. Consumer calls and reconciliation ticks share a single lock.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/maorbril/notestream/internal/columns"
	"github.com/maorbril/notestream/internal/reconcile"
	"github.com/maorbril/notestream/internal/store"
	"github.com/maorbril/notestream/internal/streams"
)

var (
	ErrUnknownInstance = errors.New("unknown instance")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrNoFilters       = errors.New("at least one filter is required")
)

// RelayMonitor is implemented by relay pools that report connectivity.
type RelayMonitor interface {
	Status() map[string]bool
	Subscriptions() []string
}

// Note is a delivered event with its local key.
type Note struct {
	Key   uint64       `json:"key"`
	Event *nostr.Event `json:"event"`
}

// InstanceStatus describes one watched instance.
type InstanceStatus struct {
	ID       streams.InstanceID `json:"id"`
	State    string             `json:"state"`
	LastSeen *nostr.Timestamp   `json:"last_seen,omitempty"`
	Column   string             `json:"column,omitempty"`
	// Pending is set while the registration has not been applied by a tick.
	Pending bool `json:"pending,omitempty"`
}

type Status struct {
	Streams   streams.Stats    `json:"streams"`
	Store     *store.Stats     `json:"store,omitempty"`
	Instances []InstanceStatus `json:"instances"`
	Commands  int              `json:"pending_commands"`
	Ticks     uint64           `json:"ticks"`
	Uptime    time.Duration    `json:"uptime"`
	// Relays maps relay urls to whether they are connected.
	Relays              map[string]bool `json:"relays,omitempty"`
	RemoteSubscriptions int             `json:"remote_subscriptions"`
}

// Contacts describes an open contacts column.
type Contacts struct {
	ID    streams.InstanceID
	Fresh bool
	// Follows is the number of followed authors, 0 while the column still
	// waits for the contact list.
	Follows int
}

type Engine struct {
	mu sync.Mutex

	store      store.Store
	relays     reconcile.RelayPool
	manager    *streams.Manager
	interactor *streams.Interactor
	columns    *columns.Registry
	driver     *reconcile.Driver
	clock      clock.Clock
	log        zerolog.Logger

	// ids handed out and not yet stopped
	issued  map[streams.InstanceID]struct{}
	ticks   uint64
	started time.Time
}

// New builds an engine over st. relays may be nil.
func New(st store.Store, relays reconcile.RelayPool, log zerolog.Logger, opts reconcile.Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	manager := streams.NewManager()
	interactor := streams.NewInteractor(streams.NewIDAllocator())
	return &Engine{
		store:      st,
		relays:     relays,
		manager:    manager,
		interactor: interactor,
		columns:    columns.NewRegistry(interactor),
		driver:     reconcile.NewDriver(st, relays, manager, interactor, log, opts),
		clock:      opts.Clock,
		log:        log.With().Str("component", "engine").Logger(),
		issued:     make(map[streams.InstanceID]struct{}),
		started:    opts.Clock.Now(),
	}
}

// Tick runs one reconciliation pass.
func (e *Engine) Tick() reconcile.TickResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticks++
	return e.driver.Tick()
}

// Run ticks every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid tick interval %s", interval)
	}
	e.log.Info().Dur("interval", interval).Msg("reconciliation started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("reconciliation stopped")
			return nil
		case <-e.clock.After(interval):
			res := e.Tick()
			if res.Commands > 0 || res.Subscribed > 0 || res.TornDown > 0 || res.Failed > 0 {
				e.log.Debug().
					Int("commands", res.Commands).
					Int("subscribed", res.Subscribed).
					Int("failed", res.Failed).
					Int("torn_down", res.TornDown).
					Int("delivered", res.Delivered).
					Msg("tick")
			}
		}
	}
}

// Watch begins watching filters under a new instance.
func (e *Engine) Watch(filters []nostr.Filter) (streams.InstanceID, error) {
	if len(filters) == 0 {
		return 0, ErrNoFilters
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.interactor.BeginWatching(filters)
	e.issued[id] = struct{}{}
	return id, nil
}

func (e *Engine) OpenThread(rootID string) (streams.InstanceID, bool) {
	return e.openColumn(columns.ThreadKey(rootID), columns.ThreadFilters(rootID))
}

func (e *Engine) OpenProfile(pubkey string) (streams.InstanceID, bool) {
	return e.openColumn(columns.ProfileKey(pubkey), columns.ProfileFilters(pubkey))
}

func (e *Engine) OpenHashtag(tag string) (streams.InstanceID, bool) {
	return e.openColumn(columns.HashtagKey(tag), columns.HashtagFilters(tag))
}

func (e *Engine) OpenUniverse() (streams.InstanceID, bool) {
	return e.openColumn(columns.UniverseKey(), columns.UniverseFilters())
}

func (e *Engine) OpenNotifications(pubkey string) (streams.InstanceID, bool) {
	return e.openColumn(columns.NotificationsKey(pubkey), columns.NotificationsFilters(pubkey))
}

// OpenContacts opens the home timeline of pubkey: notes by everyone its
// newest local contact list follows. Without a usable list the column
// watches the contact list itself; opening it again once the list has
// arrived switches it to the follows under a new instance.
func (e *Engine) OpenContacts(pubkey string) (Contacts, error) {
	filters, follows, err := e.contactFilters(pubkey)
	if err != nil {
		return Contacts{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := columns.ContactsKey(pubkey)
	if _, open := e.columns.Lookup(key); open && !e.columns.Bound(key, filters) {
		if prev, ok := e.columns.Close(key); ok {
			delete(e.issued, prev)
		}
	}
	id, fresh := e.columns.Open(key, filters)
	e.issued[id] = struct{}{}
	return Contacts{ID: id, Fresh: fresh, Follows: follows}, nil
}

func (e *Engine) contactFilters(pubkey string) ([]nostr.Filter, int, error) {
	pending := columns.ContactListFilters(pubkey)
	refs, err := e.store.QueryEvents(pending, 1)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to look up contact list: %w", err)
	}
	if len(refs) == 0 {
		return pending, 0, nil
	}
	list, err := e.store.GetEventByKey(refs[0].Key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load contact list: %w", err)
	}
	if list == nil {
		return pending, 0, nil
	}
	filters, err := columns.FollowFilters(list)
	if errors.Is(err, columns.ErrEmptyContactList) {
		return pending, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return filters, len(filters[0].Authors), nil
}

// CloseColumn stops the instance open under key.
func (e *Engine) CloseColumn(key string) (streams.InstanceID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.columns.Close(key)
	if !ok {
		return 0, fmt.Errorf("close %s: %w", key, ErrUnknownColumn)
	}
	delete(e.issued, id)
	return id, nil
}

func (e *Engine) openColumn(key string, filters []nostr.Filter) (streams.InstanceID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, fresh := e.columns.Open(key, filters)
	e.issued[id] = struct{}{}
	return id, fresh
}

func (e *Engine) Pause(id streams.InstanceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.issued[id]; !ok {
		return fmt.Errorf("pause %d: %w", id, ErrUnknownInstance)
	}
	e.interactor.PauseWatching(id)
	return nil
}

func (e *Engine) Resume(id streams.InstanceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.issued[id]; !ok {
		return fmt.Errorf("resume %d: %w", id, ErrUnknownInstance)
	}
	e.interactor.ResumeWatching(id)
	return nil
}

// Stop forgets the instance and any column bound to it.
func (e *Engine) Stop(id streams.InstanceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.issued[id]; !ok {
		return fmt.Errorf("stop %d: %w", id, ErrUnknownInstance)
	}
	delete(e.issued, id)
	e.columns.Forget(id)
	e.interactor.StopWatching(id)
	return nil
}

// TakeUnseen returns the notes fetched for id since the last call, newest
// first. ok is false when nothing was fetched.
func (e *Engine) TakeUnseen(id streams.InstanceID) (notes []Note, ok bool, err error) {
	e.mu.Lock()
	if _, known := e.issued[id]; !known {
		e.mu.Unlock()
		return nil, false, fmt.Errorf("take unseen %d: %w", id, ErrUnknownInstance)
	}
	records, ok := e.interactor.TakeUnseen(id)
	e.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	notes = make([]Note, 0, len(records))
	for _, rec := range records {
		ev, err := e.store.GetEventByKey(rec.Key)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load note %s: %w", rec.ID, err)
		}
		if ev == nil {
			continue
		}
		notes = append(notes, Note{Key: rec.Key, Event: ev})
	}
	return notes, true, nil
}

// Status snapshots the registry and the store.
func (e *Engine) Status() (*Status, error) {
	e.mu.Lock()
	st := &Status{
		Streams:  e.manager.Stats(),
		Commands: e.interactor.Pending(),
		Ticks:    e.ticks,
		Uptime:   e.clock.Now().Sub(e.started),
	}
	columnOf := make(map[streams.InstanceID]string)
	for _, key := range e.columns.Keys() {
		if id, ok := e.columns.Lookup(key); ok {
			columnOf[id] = key
		}
	}
	for id := range e.issued {
		is := InstanceStatus{ID: id, Column: columnOf[id]}
		if inst := e.manager.Instance(id); inst != nil {
			is.State = inst.Status().String()
			if ts, ok := inst.LastSeen(); ok {
				is.LastSeen = &ts
			}
		} else {
			is.Pending = true
		}
		st.Instances = append(st.Instances, is)
	}
	e.mu.Unlock()

	slices.SortFunc(st.Instances, func(a, b InstanceStatus) int {
		return cmp.Compare(a.ID, b.ID)
	})
	if m, ok := e.relays.(RelayMonitor); ok {
		st.Relays = m.Status()
		st.RemoteSubscriptions = len(m.Subscriptions())
	}
	storeStats, err := e.store.Stats()
	if err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}
	st.Store = storeStats
	return st, nil
}
