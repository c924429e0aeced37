// Package panel turns successive switch-state snapshots into edge events.
package panel

import (
	"errors"
	"fmt"
	"sync"
)

var ErrMalformedSnapshot = errors.New("panel: malformed snapshot")

// Event is a single switch edge. Switch is byteIndex*8 + bit.
type Event struct {
	Switch  int
	Enabled bool
}

func (e Event) String() string {
	if e.Enabled {
		return fmt.Sprintf("switch %d on", e.Switch)
	}
	return fmt.Sprintf("switch %d off", e.Switch)
}

// Events walks the changed bits between two snapshots. It is consumed once.
type Events struct {
	prev, next []byte
	i          int // next bit position to inspect
}

// Diff compares two equal-length snapshots. Events come out in ascending
// switch order.
func Diff(prev, next []byte) (*Events, error) {
	if len(next) == 0 || len(prev) != len(next) {
		return nil, fmt.Errorf("%w: %d bytes against %d", ErrMalformedSnapshot, len(next), len(prev))
	}
	return &Events{prev: prev, next: next}, nil
}

// Next yields the next edge, or false once every bit has been inspected.
func (e *Events) Next() (Event, bool) {
	for e.i < len(e.next)*8 {
		idx := e.i
		e.i++
		byteIdx, bit := idx/8, uint(idx%8)
		changed := (e.prev[byteIdx] ^ e.next[byteIdx]) & (1 << bit)
		if changed == 0 {
			continue
		}
		return Event{Switch: idx, Enabled: e.next[byteIdx]&(1<<bit) != 0}, true
	}
	return Event{}, false
}

// All drains the cursor.
func (e *Events) All() []Event {
	var out []Event
	for ev, ok := e.Next(); ok; ev, ok = e.Next() {
		out = append(out, ev)
	}
	return out
}

// Apply sets or clears the event's bit in snapshot, in place.
func Apply(snapshot []byte, ev Event) error {
	byteIdx, bit := ev.Switch/8, uint(ev.Switch%8)
	if ev.Switch < 0 || byteIdx >= len(snapshot) {
		return fmt.Errorf("%w: switch %d outside %d-byte snapshot", ErrMalformedSnapshot, ev.Switch, len(snapshot))
	}
	if ev.Enabled {
		snapshot[byteIdx] |= 1 << bit
	} else {
		snapshot[byteIdx] &^= 1 << bit
	}
	return nil
}

// Differ remembers the last accepted snapshot. The first snapshot after a
// Reset is compared against all zeros, so every switch already on at connect
// time produces an enabled event.
type Differ struct {
	mu       sync.Mutex
	baseline []byte
}

func NewDiffer() *Differ {
	return &Differ{}
}

// Update diffs snapshot against the baseline and adopts it. A malformed
// snapshot leaves the baseline untouched.
func (d *Differ) Update(snapshot []byte) (*Events, error) {
	next := append([]byte(nil), snapshot...)

	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.baseline
	if prev == nil {
		prev = make([]byte, len(next))
	}
	ev, err := Diff(prev, next)
	if err != nil {
		return nil, err
	}
	d.baseline = next
	return ev, nil
}

// Baseline returns a copy of the last accepted snapshot.
func (d *Differ) Baseline() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.baseline...)
}

// Reset forgets the baseline.
func (d *Differ) Reset() {
	d.mu.Lock()
	d.baseline = nil
	d.mu.Unlock()
}
