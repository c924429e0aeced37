// Package flags holds the bit-packed indicator words sent to the panel.
//
// A Word is only transmitted when its visible value changed since the last
// successful send. Each word has its own lock, so updates to the primary word
// never wait on the secondary one.
package flags

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shaunagostinho/panelbridge/internal/protocol"
	"github.com/shaunagostinho/panelbridge/internal/vehicle"
)

var ErrUnknownField = errors.New("flags: unknown field")

// Field is a 1- or 2-bit slot in a Word.
type Field struct {
	Name      string
	Offset    uint
	Bits      uint
	Transform Transform
}

func (f Field) mask() uint16 {
	return (uint16(1)<<f.Bits - 1) << f.Offset
}

// Word is one 8- or 16-bit flag register.
type Word struct {
	Name    string
	Command protocol.Command
	Tag     byte
	Width   uint

	mu     sync.Mutex
	value  uint16
	dirty  bool
	seq    uint64
	fields map[string]Field
}

// NewWord validates the layout: fields must fit the width and not overlap.
func NewWord(name string, width uint, cmd protocol.Command, tag byte, fields ...Field) (*Word, error) {
	if width != 8 && width != 16 {
		return nil, fmt.Errorf("flags: word %s: width must be 8 or 16, got %d", name, width)
	}
	w := &Word{
		Name:    name,
		Command: cmd,
		Tag:     tag,
		Width:   width,
		fields:  make(map[string]Field, len(fields)),
	}
	var used uint16
	for _, f := range fields {
		if f.Bits != 1 && f.Bits != 2 {
			return nil, fmt.Errorf("flags: word %s field %s: width must be 1 or 2 bits", name, f.Name)
		}
		if f.Offset+f.Bits > width {
			return nil, fmt.Errorf("flags: word %s field %s: offset %d overflows %d-bit word", name, f.Name, f.Offset, width)
		}
		if used&f.mask() != 0 {
			return nil, fmt.Errorf("flags: word %s field %s overlaps another field", name, f.Name)
		}
		if _, dup := w.fields[f.Name]; dup {
			return nil, fmt.Errorf("flags: word %s: duplicate field %s", name, f.Name)
		}
		used |= f.mask()
		w.fields[f.Name] = f
	}
	return w, nil
}

// SetField transforms raw and installs it. It reports whether the word's
// value changed, not whether the call happened.
func (w *Word) SetField(name string, raw vehicle.Value) (bool, error) {
	f, ok := w.fields[name]
	if !ok {
		return false, fmt.Errorf("%w: %s.%s", ErrUnknownField, w.Name, name)
	}
	return w.install(f, f.Transform.Apply(raw, f.Bits)), nil
}

// setBits installs an already-encoded field value.
func (w *Word) setBits(name string, v uint16) (bool, error) {
	f, ok := w.fields[name]
	if !ok {
		return false, fmt.Errorf("%w: %s.%s", ErrUnknownField, w.Name, name)
	}
	return w.install(f, v), nil
}

func (w *Word) install(f Field, v uint16) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := (w.value &^ f.mask()) | ((v << f.Offset) & f.mask())
	if next == w.value {
		return false
	}
	w.value = next
	w.dirty = true
	w.seq++
	return true
}

// Value returns the current bits.
func (w *Word) Value() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// Field returns the current bits of one field.
func (w *Word) Field(name string) (uint16, error) {
	f, ok := w.fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrUnknownField, w.Name, name)
	}
	return (w.Value() & f.mask()) >> f.Offset, nil
}

func (w *Word) pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

// Reset zeroes the word for a fresh connection. The word is left dirty: the
// panel's copy is unknown until the first emission.
func (w *Word) Reset() {
	w.mu.Lock()
	w.value = 0
	w.dirty = true
	w.seq++
	w.mu.Unlock()
}

// Frame renders v in both wire representations.
func (w *Word) Frame(v uint16) protocol.Frame {
	digits := int(w.Width / 4)
	return protocol.Frame{
		Command: w.Command,
		Value:   int32(v),
		Tag:     w.Tag,
		Text:    fmt.Sprintf("%0*X", digits, v),
	}
}

// EmitIfDirty sends the word if it changed. The dirty flag is cleared only
// after send succeeds and only if nothing was written in the meantime, so a
// concurrent update is never lost.
func (w *Word) EmitIfDirty(send func(protocol.Frame) error) (bool, error) {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return false, nil
	}
	v, seq := w.value, w.seq
	w.mu.Unlock()

	if err := send(w.Frame(v)); err != nil {
		return false, fmt.Errorf("flags: send %s: %w", w.Name, err)
	}

	w.mu.Lock()
	if w.seq == seq {
		w.dirty = false
	}
	w.mu.Unlock()
	return true, nil
}

// Register is an ordered set of independent words.
type Register struct {
	words []*Word
	index map[string]*Word
}

func NewRegister(words ...*Word) *Register {
	r := &Register{index: make(map[string]*Word, len(words))}
	for _, w := range words {
		r.words = append(r.words, w)
		r.index[w.Name] = w
	}
	return r
}

// Word looks a word up by name.
func (r *Register) Word(name string) (*Word, bool) {
	w, ok := r.index[name]
	return w, ok
}

// Words returns the words in emission order.
func (r *Register) Words() []*Word {
	return r.words
}

// Reset zeroes every word and marks it for emission.
func (r *Register) Reset() {
	for _, w := range r.words {
		w.Reset()
	}
}

// EmitDirty flushes each dirty word in order and stops at the first failure.
func (r *Register) EmitDirty(send func(protocol.Frame) error) (int, error) {
	sent := 0
	for _, w := range r.words {
		ok, err := w.EmitIfDirty(send)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}
