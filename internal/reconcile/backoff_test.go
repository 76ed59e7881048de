package reconcile

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1000, 0))
	b := NewBackoff(clk, time.Second, 5*time.Second)

	if !b.Ready(1) {
		t.Fatal("expected unknown key to be ready")
	}
	if wait := b.Failure(1); wait != time.Second {
		t.Errorf("expected first wait of 1s, got %s", wait)
	}
	if b.Ready(1) {
		t.Error("expected key to wait after a failure")
	}

	clk.Advance(time.Second)
	if !b.Ready(1) {
		t.Error("expected key to be ready once the wait elapsed")
	}

	for i, want := range []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second} {
		if wait := b.Failure(1); wait != want {
			t.Errorf("failure %d: expected wait %s, got %s", i+2, want, wait)
		}
	}
	if n := b.Failures(1); n != 5 {
		t.Errorf("expected 5 failures, got %d", n)
	}
	if !b.Ready(2) {
		t.Error("failures of one key should not delay another")
	}

	b.Success(1)
	if !b.Ready(1) || b.Failures(1) != 0 {
		t.Error("expected success to reset the key")
	}
}
