// Package protocol implements the panel wire format.
//
// Two profiles exist. The binary profile frames every packet as a command byte
// followed by a little-endian payload whose width is fixed by the range the
// command falls in. The text profile wraps a one-character tag and a hex or
// formatted payload in square brackets, and resynchronises on the delimiters.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrValueRange     = errors.New("value does not fit payload width")
	ErrShortFrame     = errors.New("frame length does not match payload width")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Command identifies a packet on the wire.
type Command uint8

// Version selects the command range convention in force.
type Version int

const (
	// Version1 is the first protocol iteration: 64-wide ranges over the full byte.
	Version1 Version = 1
	// Version2 is the current convention: 0-7 / 8-31 / 32-63.
	Version2 Version = 2
)

// Span is one half-open command range and the payload class it carries.
type Span struct {
	Lo, Hi int  // [Lo, Hi)
	Width  int  // payload bytes: 0, 1, 2 or 4
	Signed bool // payload is two's complement
}

// Convention is the static range table for one protocol version.
type Convention struct {
	Version Version
	Spans   []Span
}

var conventions = map[Version]Convention{
	Version1: {
		Version: Version1,
		Spans: []Span{
			{Lo: 0, Hi: 64, Width: 0},
			{Lo: 64, Hi: 128, Width: 1},
			{Lo: 128, Hi: 192, Width: 2, Signed: true},
			{Lo: 192, Hi: 256, Width: 4, Signed: true},
		},
	},
	Version2: {
		Version: Version2,
		Spans: []Span{
			{Lo: 0, Hi: 8, Width: 0},
			{Lo: 8, Hi: 32, Width: 1},
			{Lo: 32, Hi: 64, Width: 4, Signed: true},
		},
	},
}

// ConventionFor returns the range table for v.
func ConventionFor(v Version) (Convention, error) {
	c, ok := conventions[v]
	if !ok {
		return Convention{}, fmt.Errorf("protocol: unsupported version %d", v)
	}
	return c, nil
}

// MustConvention is ConventionFor for a version known to exist. It panics
// on an unknown version.
func MustConvention(v Version) Convention {
	c, err := ConventionFor(v)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the span id falls into.
func (c Convention) Lookup(id Command) (Span, error) {
	for _, s := range c.Spans {
		if int(id) >= s.Lo && int(id) < s.Hi {
			return s, nil
		}
	}
	return Span{}, fmt.Errorf("%w: %d (protocol v%d)", ErrUnknownCommand, id, c.Version)
}

// Width returns the payload width for id.
func (c Convention) Width(id Command) (int, error) {
	s, err := c.Lookup(id)
	if err != nil {
		return 0, err
	}
	return s.Width, nil
}

// Packet is a decoded binary frame.
type Packet struct {
	Command Command
	Value   int32
}

// Encode builds [id][payload]. Payload-less commands ignore value.
func (c Convention) Encode(id Command, value int32) ([]byte, error) {
	s, err := c.Lookup(id)
	if err != nil {
		return nil, err
	}
	if err := s.check(value); err != nil {
		return nil, fmt.Errorf("command %d: %w", id, err)
	}

	out := make([]byte, 1+s.Width)
	out[0] = byte(id)
	switch s.Width {
	case 1:
		out[1] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(out[1:], uint16(int16(value)))
	case 4:
		binary.LittleEndian.PutUint32(out[1:], uint32(value))
	}
	return out, nil
}

func (s Span) check(v int32) error {
	var lo, hi int64
	switch {
	case s.Width == 0:
		return nil
	case s.Width == 4 && s.Signed:
		return nil
	case s.Signed:
		hi = int64(1)<<(8*s.Width-1) - 1
		lo = -hi - 1
	default:
		hi = int64(1)<<(8*s.Width) - 1
	}
	if int64(v) < lo || int64(v) > hi {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrValueRange, v, lo, hi)
	}
	return nil
}

// Decode parses exactly one binary frame.
func (c Convention) Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, ErrShortFrame
	}
	id := Command(b[0])
	s, err := c.Lookup(id)
	if err != nil {
		return Packet{}, err
	}
	if len(b) != 1+s.Width {
		return Packet{}, fmt.Errorf("%w: command %d wants %d bytes, got %d", ErrShortFrame, id, 1+s.Width, len(b))
	}
	return Packet{Command: id, Value: s.value(b[1:])}, nil
}

func (s Span) value(p []byte) int32 {
	switch s.Width {
	case 1:
		if s.Signed {
			return int32(int8(p[0]))
		}
		return int32(p[0])
	case 2:
		v := binary.LittleEndian.Uint16(p)
		if s.Signed {
			return int32(int16(v))
		}
		return int32(v)
	case 4:
		return int32(binary.LittleEndian.Uint32(p))
	}
	return 0
}

// ReadPacket reads one binary frame from r. An unknown command byte fails
// closed: the caller cannot know how many payload bytes follow it.
func (c Convention) ReadPacket(r io.Reader) (Packet, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	s, err := c.Lookup(Command(hdr[0]))
	if err != nil {
		return Packet{}, err
	}
	buf := make([]byte, 1+s.Width)
	buf[0] = hdr[0]
	if _, err := io.ReadFull(r, buf[1:]); err != nil {
		return Packet{}, fmt.Errorf("read payload of command %d: %w", hdr[0], err)
	}
	return c.Decode(buf)
}

// ClampInt32 saturates a float into the 4-byte payload range.
func ClampInt32(v float64) int32 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
