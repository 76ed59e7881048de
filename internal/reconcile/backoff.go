package reconcile

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

type retryState struct {
	failures int
	next     time.Time
}

// Backoff tracks failed subscription attempts per filter hash. After n
// consecutive failures the next attempt waits initial*2^(n-1), capped at max.
type Backoff struct {
	clock clock.Clock
	delay func(time.Duration, int) time.Duration
	state map[uint64]*retryState
}

func NewBackoff(clk clock.Clock, initial, max time.Duration) *Backoff {
	return &Backoff{
		clock: clk,
		delay: retry.ExpBackoff(initial, max, 2, false),
		state: make(map[uint64]*retryState),
	}
}

// Ready reports whether key may be attempted now.
func (b *Backoff) Ready(key uint64) bool {
	st, ok := b.state[key]
	if !ok {
		return true
	}
	return !b.clock.Now().Before(st.next)
}

// Failure records a failed attempt and returns the wait before the next one.
func (b *Backoff) Failure(key uint64) time.Duration {
	st, ok := b.state[key]
	if !ok {
		st = &retryState{}
		b.state[key] = st
	}
	st.failures++

	wait := b.delay(0, st.failures-1)
	st.next = b.clock.Now().Add(wait)
	return wait
}

// Success forgets key's failures.
func (b *Backoff) Success(key uint64) {
	delete(b.state, key)
}

// Failures returns the consecutive failure count for key.
func (b *Backoff) Failures(key uint64) int {
	if st, ok := b.state[key]; ok {
		return st.failures
	}
	return 0
}
