package reconcile

import (
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/maorbril/notestream/internal/store"
	"github.com/maorbril/notestream/internal/streams"
)

// LocalDB is the embedded event database the driver subscribes and queries.
type LocalDB interface {
	Subscribe(filters []nostr.Filter) (uint64, error)
	Unsubscribe(handle uint64) error
	QueryEvents(filters []nostr.Filter, limit int) ([]store.NoteRef, error)
	Poll(handle uint64, max int) ([]uint64, error)
	NoteRefs(keys []uint64) ([]store.NoteRef, error)
}

// RelayPool mirrors subscriptions to remote relays. Events it receives land
// in the LocalDB, where polls pick them up.
type RelayPool interface {
	Subscribe(id string, filters []nostr.Filter)
	Unsubscribe(id string)
}

type Options struct {
	QueryLimit     int
	PollLimit      int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Clock          clock.Clock
	// NewRemoteID mints relay subscription ids. Defaults to random UUIDs.
	NewRemoteID func() string
}

func (o *Options) setDefaults() {
	if o.QueryLimit <= 0 {
		o.QueryLimit = store.MaxLimit
	}
	if o.PollLimit <= 0 {
		o.PollLimit = store.MaxLimit
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.NewRemoteID == nil {
		o.NewRemoteID = uuid.NewString
	}
}

// TickResult counts what one reconciliation pass did.
type TickResult struct {
	Commands   int
	Subscribed int
	Failed     int
	Deferred   int
	TornDown   int
	Targets    int
	Delivered  int
}

// Driver runs the per-tick reconciliation between the stream registry and
// the local database and relays. It is the only writer of subscription
// handles.
type Driver struct {
	db         LocalDB
	relays     RelayPool
	manager    *streams.Manager
	interactor *streams.Interactor
	backoff    *Backoff
	log        zerolog.Logger
	opts       Options

	// local handles opened during the current tick
	opened map[uint64]struct{}
	// per instance, the keys already delivered at its cursor second
	edges map[streams.InstanceID]*cursorEdge
}

// cursorEdge holds the keys delivered with created_at equal to the cursor.
// Cursor queries include that second and drop these keys.
type cursorEdge struct {
	at   nostr.Timestamp
	keys map[uint64]struct{}
}

// NewDriver wires a driver. relays may be nil to run against the local
// database only.
func NewDriver(db LocalDB, relays RelayPool, manager *streams.Manager, interactor *streams.Interactor, log zerolog.Logger, opts Options) *Driver {
	opts.setDefaults()
	return &Driver{
		db:         db,
		relays:     relays,
		manager:    manager,
		interactor: interactor,
		backoff:    NewBackoff(opts.Clock, opts.BackoffInitial, opts.BackoffMax),
		log:        log.With().Str("component", "reconcile").Logger(),
		opts:       opts,
		opened:     make(map[uint64]struct{}),
		edges:      make(map[streams.InstanceID]*cursorEdge),
	}
}

// Tick applies queued commands, opens and closes subscriptions, then fetches
// for every active instance and hands the results to the interactor.
func (d *Driver) Tick() TickResult {
	var r TickResult
	clear(d.opened)
	d.applyCommands(&r)
	d.openSubscriptions(&r)
	d.closeSubscriptions(&r)
	d.fetch(&r)
	return r
}

func (d *Driver) applyCommands(r *TickResult) {
	for _, cmd := range d.interactor.DrainCommands() {
		cmd.Apply(d.manager)
		r.Commands++
		d.log.Debug().Stringer("command", cmd.Kind).Uint64("instance", uint64(cmd.ID)).Msg("applied command")

		if cmd.Kind == streams.CommandStop {
			delete(d.edges, cmd.ID)
		}

		// With no cursor there is no gap to catch up on.
		if cmd.Kind == streams.CommandResume {
			if inst := d.manager.Instance(cmd.ID); inst != nil {
				if _, ok := inst.LastSeen(); !ok {
					d.manager.Promote(cmd.ID)
				}
			}
		}
	}
}

func (d *Driver) openSubscriptions(r *TickResult) {
	for _, filters := range d.manager.PendingNewSubscriptions() {
		key := streams.NewFilterIdentity(filters).Hash()
		if !d.backoff.Ready(key) {
			r.Deferred++
			continue
		}

		handle, err := d.db.Subscribe(filters)
		if err != nil {
			wait := d.backoff.Failure(key)
			r.Failed++
			d.log.Warn().Err(err).
				Uint64("stream", key).
				Int("failures", d.backoff.Failures(key)).
				Dur("retry_in", wait).
				Msg("failed to open local subscription")
			continue
		}

		remote := d.opts.NewRemoteID()
		if d.relays != nil {
			d.relays.Subscribe(remote, filters)
		}
		if !d.manager.SaveSubscription(filters, handle, remote) {
			d.release(streams.Subscription{Local: handle, Remote: remote})
			continue
		}
		d.backoff.Success(key)
		d.opened[handle] = struct{}{}
		r.Subscribed++
		d.log.Debug().Uint64("stream", key).Uint64("local", handle).Str("remote", remote).Msg("opened subscription")
	}
}

func (d *Driver) closeSubscriptions(r *TickResult) {
	for _, sub := range d.manager.PendingSubscriptionTeardowns() {
		d.release(sub)
		r.TornDown++
		d.log.Debug().Uint64("local", sub.Local).Str("remote", sub.Remote).Msg("closed subscription")
	}
}

func (d *Driver) release(sub streams.Subscription) {
	if err := d.db.Unsubscribe(sub.Local); err != nil {
		d.log.Warn().Err(err).Uint64("local", sub.Local).Msg("failed to close local subscription")
	}
	if d.relays != nil {
		d.relays.Unsubscribe(sub.Remote)
	}
}

type pollResult struct {
	records []streams.Record
	err     error
}

func (d *Driver) fetch(r *TickResult) {
	// one poll per subscription per tick, shared by the stream's instances
	polled := make(map[uint64]pollResult)

	for _, target := range d.manager.ActiveFetchTargets() {
		r.Targets++
		inst := d.manager.Instance(target.ID)
		if inst == nil {
			continue
		}
		lastSeen, hasCursor := inst.LastSeen()

		var records []streams.Record
		var err error
		switch {
		case !hasCursor:
			records, err = d.query(target.Filters)
		case target.CatchUp:
			records, err = d.query(target.Filters)
			records = d.pastEdge(target.ID, records)
		case target.Subscription != nil && !d.justOpened(target.Subscription):
			res, ok := polled[target.Subscription.Local]
			if !ok {
				res.records, res.err = d.poll(target.Subscription.Local)
				polled[target.Subscription.Local] = res
			}
			records, err = d.pastEdge(target.ID, res.records), res.err
		default:
			// No subscription, or one opened this tick whose poll cursor
			// starts now: close the gap since the cursor with a query.
			records, err = d.query(streams.WithSince(target.Filters, lastSeen))
			records = d.pastEdge(target.ID, records)
		}
		if err != nil {
			d.log.Warn().Err(err).Uint64("instance", uint64(target.ID)).Msg("fetch failed")
			continue
		}

		if newest, ok := newestCreatedAt(records); ok {
			d.manager.RecordLastSeen(target.ID, newest)
			d.markEdge(target.ID, records)
		} else if !hasCursor {
			d.manager.RecordLastSeen(target.ID, 0)
		}
		d.interactor.Deliver(target.ID, records)
		r.Delivered += len(records)

		if target.CatchUp {
			d.manager.Promote(target.ID)
		}
	}
}

func (d *Driver) justOpened(sub *streams.Subscription) bool {
	_, ok := d.opened[sub.Local]
	return ok
}

// pastEdge drops records already delivered at the instance's cursor second.
func (d *Driver) pastEdge(id streams.InstanceID, records []streams.Record) []streams.Record {
	edge, ok := d.edges[id]
	if !ok || len(records) == 0 {
		return records
	}
	out := make([]streams.Record, 0, len(records))
	for _, rec := range records {
		if rec.CreatedAt == edge.at {
			if _, seen := edge.keys[rec.Key]; seen {
				continue
			}
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// markEdge advances the instance's edge to the newest delivered second.
func (d *Driver) markEdge(id streams.InstanceID, records []streams.Record) {
	inst := d.manager.Instance(id)
	if inst == nil {
		return
	}
	cursor, ok := inst.LastSeen()
	if !ok {
		return
	}
	edge, ok := d.edges[id]
	if !ok || edge.at != cursor {
		edge = &cursorEdge{at: cursor, keys: make(map[uint64]struct{})}
		d.edges[id] = edge
	}
	for _, rec := range records {
		if rec.CreatedAt == cursor {
			edge.keys[rec.Key] = struct{}{}
		}
	}
}

func (d *Driver) query(filters []nostr.Filter) ([]streams.Record, error) {
	refs, err := d.db.QueryEvents(filters, d.opts.QueryLimit)
	if err != nil {
		return nil, err
	}
	return toRecords(refs), nil
}

func (d *Driver) poll(handle uint64) ([]streams.Record, error) {
	keys, err := d.db.Poll(handle, d.opts.PollLimit)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	refs, err := d.db.NoteRefs(keys)
	if err != nil {
		return nil, err
	}
	return toRecords(refs), nil
}

func toRecords(refs []store.NoteRef) []streams.Record {
	if len(refs) == 0 {
		return nil
	}
	records := make([]streams.Record, len(refs))
	for i, ref := range refs {
		records[i] = streams.Record{Key: ref.Key, ID: ref.ID, CreatedAt: ref.CreatedAt}
	}
	return records
}

func newestCreatedAt(records []streams.Record) (nostr.Timestamp, bool) {
	if len(records) == 0 {
		return 0, false
	}
	newest := records[0].CreatedAt
	for _, rec := range records[1:] {
		if rec.CreatedAt > newest {
			newest = rec.CreatedAt
		}
	}
	return newest, true
}
