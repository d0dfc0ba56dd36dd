package client

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long after the last keystroke the typing
// indicator auto-clears.
const DefaultTypingIdle = 3 * time.Second

// Debouncer is the per-user typing state machine: Idle -> Typing on
// the first keystroke (one typing:true emitted, repeats suppressed),
// back to Idle on the inactivity timeout, an explicit Stop, or a
// conversation switch. Every transition to Idle from Typing emits
// typing:false so peers are never left with a stale indicator.
type Debouncer struct {
	mu             sync.Mutex
	idle           time.Duration
	emit           func(conversationID int64, isTyping bool)
	timer          *time.Timer
	gen            uint64
	active         bool
	conversationID int64
}

// NewDebouncer builds a debouncer emitting transitions through emit.
// idle <= 0 selects DefaultTypingIdle.
func NewDebouncer(idle time.Duration, emit func(conversationID int64, isTyping bool)) *Debouncer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Debouncer{idle: idle, emit: emit}
}

// Keystroke records composing activity in a conversation. The first
// keystroke emits typing:true; subsequent ones only reset the
// inactivity timer. Typing in a different conversation first
// force-idles the previous one.
func (d *Debouncer) Keystroke(conversationID int64) {
	var stops []int64
	var start bool

	d.mu.Lock()
	if d.active && d.conversationID != conversationID {
		stops = append(stops, d.conversationID)
		d.active = false
	}
	if !d.active {
		d.active = true
		d.conversationID = conversationID
		start = true
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	// Stop does not guarantee the old timer never fires: it may already
	// be blocked on the mutex. Stamping each timer with a generation
	// lets expire tell a live timer from one that lost that race.
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.idle, func() { d.expire(gen) })
	d.mu.Unlock()

	for _, id := range stops {
		d.emit(id, false)
	}
	if start {
		d.emit(conversationID, true)
	}
}

// Stop force-idles the state machine, emitting typing:false when it
// was Typing. Safe to call repeatedly; used on send and disconnect.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	id := d.conversationID
	d.mu.Unlock()

	d.emit(id, false)
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	id := d.conversationID
	d.mu.Unlock()

	d.emit(id, false)
}
