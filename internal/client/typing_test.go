package client

import (
	"sync"
	"testing"
	"time"
)

type emission struct {
	conversationID int64
	isTyping       bool
}

type recorder struct {
	mu        sync.Mutex
	emissions []emission
}

func (r *recorder) emit(conversationID int64, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = append(r.emissions, emission{conversationID, isTyping})
}

func (r *recorder) snapshot() []emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]emission, len(r.emissions))
	copy(out, r.emissions)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []emission {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d emissions, have %v", n, got)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKeystrokesEmitSingleTypingTrue(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(50*time.Millisecond, rec.emit)

	d.Keystroke(5)
	d.Keystroke(5)
	d.Keystroke(5)

	got := rec.snapshot()
	if len(got) != 1 || got[0] != (emission{5, true}) {
		t.Fatalf("expected a single typing:true, got %v", got)
	}
}

func TestInactivityTimeoutEmitsTypingFalse(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(30*time.Millisecond, rec.emit)

	d.Keystroke(5)
	got := rec.waitFor(t, 2)
	if got[1] != (emission{5, false}) {
		t.Fatalf("expected typing:false on timeout, got %v", got)
	}

	// Idle expiry happened once; no further emissions follow.
	time.Sleep(60 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 2 {
		t.Fatalf("expected exactly 2 emissions, got %v", got)
	}
}

func TestKeystrokeResetsInactivityTimer(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(60*time.Millisecond, rec.emit)

	d.Keystroke(5)
	time.Sleep(35 * time.Millisecond)
	d.Keystroke(5) // inside the window: timer restarts, no new emission
	time.Sleep(35 * time.Millisecond)

	// 70ms after the first keystroke but only 35ms after the second:
	// still typing.
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("timer was not reset: %v", got)
	}

	got := rec.waitFor(t, 2)
	if got[1] != (emission{5, false}) {
		t.Fatalf("expected eventual typing:false, got %v", got)
	}
}

func TestStopForcesIdleExactlyOnce(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(time.Minute, rec.emit)

	d.Keystroke(5)
	d.Stop()
	d.Stop()

	got := rec.snapshot()
	if len(got) != 2 || got[1] != (emission{5, false}) {
		t.Fatalf("expected true,false; got %v", got)
	}

	// The cancelled timer never fires a duplicate false.
	time.Sleep(20 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 2 {
		t.Fatalf("expected no further emissions, got %v", got)
	}
}

func TestStopWithoutTypingEmitsNothing(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(time.Minute, rec.emit)

	d.Stop()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected no emissions, got %v", got)
	}
}

func TestStaleTimerFiringAfterKeystrokeEmitsNothing(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(time.Minute, rec.emit)

	// A timer that already fired can still be waiting on the mutex when
	// the next keystroke restarts the window. Replaying such a fire with
	// its old generation must not produce a spurious typing:false.
	d.Keystroke(5)
	d.mu.Lock()
	stale := d.gen
	d.mu.Unlock()

	d.Keystroke(5) // restarts the window, invalidating the first timer
	d.expire(stale)

	if got := rec.snapshot(); len(got) != 1 || got[0] != (emission{5, true}) {
		t.Fatalf("stale timer leaked an emission: %v", got)
	}

	// The live generation still expires normally.
	d.mu.Lock()
	live := d.gen
	d.mu.Unlock()
	d.expire(live)
	got := rec.waitFor(t, 2)
	if got[1] != (emission{5, false}) {
		t.Fatalf("expected typing:false from live timer, got %v", got)
	}
}

func TestStaleTimerAfterStopAndRestartEmitsNothing(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(time.Minute, rec.emit)

	d.Keystroke(5)
	d.mu.Lock()
	stale := d.gen
	d.mu.Unlock()

	d.Stop()
	d.Keystroke(5) // typing again; the pre-Stop timer is dead

	d.expire(stale)
	got := rec.snapshot()
	want := []emission{{5, true}, {5, false}, {5, true}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestConversationSwitchStopsPreviousConversation(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(time.Minute, rec.emit)

	d.Keystroke(5)
	d.Keystroke(6)

	got := rec.snapshot()
	want := []emission{{5, true}, {5, false}, {6, true}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("emission %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}
