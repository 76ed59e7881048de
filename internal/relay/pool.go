package relay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a frame to a relay.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from a relay.
	maxMessageSize = 1 << 20

	// Frames queued per relay before the connection is dropped and rebuilt
	// from the subscription set.
	sendQueueSize = 256
)

var errQueueFull = errors.New("send queue full")

// Sink receives every new event a relay delivers.
type Sink interface {
	SaveEvent(ev *nostr.Event) (bool, error)
}

type Options struct {
	VerifySignatures bool
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	SeenCacheSize    int
	Clock            clock.Clock
	Dialer           *websocket.Dialer
}

func (o *Options) setDefaults() {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = time.Minute
	}
	if o.SeenCacheSize <= 0 {
		o.SeenCacheSize = 10000
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Pool keeps one websocket per relay and mirrors every open subscription on
// each of them. Subscriptions survive reconnects: a relay that comes back is
// sent a REQ for each one.
//
// Subscribe and Unsubscribe never block on the network. Frames go to a
// per-relay queue drained by that relay's writer.
type Pool struct {
	sink Sink
	log  zerolog.Logger
	opts Options
	seen *lru.Cache[string, struct{}]

	mu     sync.Mutex
	relays map[string]*conn
	subs   map[string][]nostr.Filter

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// conn is one relay. out and ws are set while connected and guarded by
// Pool.mu.
type conn struct {
	url string
	out chan []byte
	ws  *websocket.Conn
}

func NewPool(urls []string, sink Sink, log zerolog.Logger, opts Options) (*Pool, error) {
	opts.setDefaults()
	seen, err := lru.New[string, struct{}](opts.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen cache: %w", err)
	}
	p := &Pool{
		sink:   sink,
		log:    log.With().Str("component", "relay").Logger(),
		opts:   opts,
		seen:   seen,
		relays: make(map[string]*conn),
		subs:   make(map[string][]nostr.Filter),
	}
	for _, url := range urls {
		p.relays[url] = &conn{url: url}
	}
	return p, nil
}

// Start connects to every relay in the background until ctx is done or
// Close is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, c := range p.conns() {
		p.wg.Add(1)
		go func(c *conn) {
			defer p.wg.Done()
			p.run(ctx, c)
		}(c)
	}
}

func (p *Pool) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

// Subscribe queues a REQ for filters under id to every connected relay.
func (p *Pool) Subscribe(id string, filters []nostr.Filter) {
	frame, err := reqFrame(id, filters)
	if err != nil {
		p.log.Warn().Err(err).Str("sub", id).Msg("failed to encode REQ")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[id] = slices.Clone(filters)
	for _, c := range p.relays {
		p.enqueueLocked(c, frame)
	}
}

// Unsubscribe queues a CLOSE for id to every connected relay.
func (p *Pool) Unsubscribe(id string) {
	frame, err := closeFrame(id)
	if err != nil {
		p.log.Warn().Err(err).Str("sub", id).Msg("failed to encode CLOSE")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[id]; !ok {
		return
	}
	delete(p.subs, id)
	for _, c := range p.relays {
		p.enqueueLocked(c, frame)
	}
}

// Status reports, per relay url, whether it is connected.
func (p *Pool) Status() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := make(map[string]bool, len(p.relays))
	for url, c := range p.relays {
		status[url] = c.out != nil
	}
	return status
}

// Subscriptions returns the ids of the open subscriptions.
func (p *Pool) Subscriptions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.subs))
}

func (p *Pool) conns() []*conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*conn, 0, len(p.relays))
	for _, url := range slices.Sorted(maps.Keys(p.relays)) {
		out = append(out, p.relays[url])
	}
	return out
}

// enqueueLocked hands frame to c's writer. A relay that cannot keep up is
// disconnected; the reconnect replays the current subscription set.
func (p *Pool) enqueueLocked(c *conn, frame []byte) {
	if c.out == nil {
		return
	}
	select {
	case c.out <- frame:
	default:
		p.log.Warn().Err(errQueueFull).Str("relay", c.url).Msg("dropping relay connection")
		_ = c.ws.Close()
	}
}

// run keeps c connected until ctx is done. Dialing is retried with doubling
// delays; a session that ends resets the schedule after ReconnectMin.
func (p *Pool) run(ctx context.Context, c *conn) {
	for {
		var ws *websocket.Conn
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				var err error
				ws, _, err = p.opts.Dialer.DialContext(ctx, c.url, nil)
				return err
			},
			NotifyFunc: func(err error, attempt int) {
				p.log.Warn().Err(err).Str("relay", c.url).Int("attempt", attempt).Msg("failed to connect to relay")
			},
			Attempts:    retry.UnlimitedAttempts,
			Delay:       p.opts.ReconnectMin,
			MaxDelay:    p.opts.ReconnectMax,
			BackoffFunc: retry.DoubleDelay,
			Clock:       p.opts.Clock,
			Stop:        ctx.Done(),
		})
		if err != nil {
			return
		}

		err = p.session(ctx, c, ws)
		if ctx.Err() != nil {
			return
		}
		p.log.Warn().Err(err).Str("relay", c.url).Dur("retry_in", p.opts.ReconnectMin).Msg("relay disconnected")

		select {
		case <-ctx.Done():
			return
		case <-p.opts.Clock.After(p.opts.ReconnectMin):
		}
	}
}

// session runs one connection until it fails or ctx is done.
func (p *Pool) session(ctx context.Context, c *conn, ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)

	// Replay under the lock so no Subscribe or Unsubscribe slips between the
	// snapshot and the queue going live. The queue has room for the whole
	// replay plus the usual backlog.
	p.mu.Lock()
	out := make(chan []byte, len(p.subs)+sendQueueSize)
	c.out, c.ws = out, ws
	for _, id := range slices.Sorted(maps.Keys(p.subs)) {
		frame, err := reqFrame(id, p.subs[id])
		if err != nil {
			continue
		}
		out <- frame
	}
	p.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = ws.Close()
	}()
	go func() {
		for {
			select {
			case <-done:
				return
			case frame := <-out:
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					p.log.Debug().Err(err).Str("relay", c.url).Msg("write failed")
					_ = ws.Close()
					return
				}
			}
		}
	}()

	defer func() {
		p.mu.Lock()
		c.out, c.ws = nil, nil
		p.mu.Unlock()
	}()

	p.log.Info().Str("relay", c.url).Msg("relay connected")

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		p.handle(c, message)
	}
}

func (p *Pool) handle(c *conn, message []byte) {
	switch env := nostr.ParseMessage(message).(type) {
	case *nostr.EventEnvelope:
		p.accept(c, &env.Event)
	case *nostr.EOSEEnvelope:
		p.log.Debug().Str("relay", c.url).Str("sub", string(*env)).Msg("end of stored events")
	case *nostr.ClosedEnvelope:
		p.log.Warn().Str("relay", c.url).Str("sub", env.SubscriptionID).Str("reason", env.Reason).Msg("relay closed subscription")
	case *nostr.NoticeEnvelope:
		p.log.Info().Str("relay", c.url).Str("notice", string(*env)).Msg("relay notice")
	case nil:
		p.log.Debug().Str("relay", c.url).Msg("dropping malformed frame")
	}
}

func (p *Pool) accept(c *conn, ev *nostr.Event) {
	if p.seen.Contains(ev.ID) {
		return
	}
	if p.opts.VerifySignatures {
		if ok, err := ev.CheckSignature(); !ok {
			p.log.Debug().Err(err).Str("relay", c.url).Str("event", ev.ID).Msg("dropping event with bad signature")
			return
		}
	}
	p.seen.Add(ev.ID, struct{}{})

	if _, err := p.sink.SaveEvent(ev); err != nil {
		p.log.Warn().Err(err).Str("relay", c.url).Str("event", ev.ID).Msg("failed to store event")
	}
}

func reqFrame(id string, filters []nostr.Filter) ([]byte, error) {
	return nostr.ReqEnvelope{SubscriptionID: id, Filters: nostr.Filters(filters)}.MarshalJSON()
}

func closeFrame(id string) ([]byte, error) {
	return nostr.CloseEnvelope(id).MarshalJSON()
}
