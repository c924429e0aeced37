package protocol

import (
	"fmt"
	"io"
	"strings"
)

// Direction tags traffic for observers.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Frame carries a message in both wire representations. The binary profile
// uses Command/Value, the text profile uses Tag/Text.
type Frame struct {
	Command Command
	Value   int32
	Tag     byte
	Text    string
}

func (f Frame) String() string {
	if f.Tag != 0 {
		return fmt.Sprintf("%c:%s", f.Tag, f.Text)
	}
	return fmt.Sprintf("%d=%d", f.Command, f.Value)
}

// FrameReader yields inbound frames from a stream.
type FrameReader interface {
	ReadFrame() (Frame, error)
}

// Profile is a wire format. Encode must be pure.
type Profile interface {
	Name() string
	Encode(f Frame) ([]byte, error)
	NewReader(r io.Reader) FrameReader
}

// ProfileFor resolves the configured profile name.
func ProfileFor(name string, v Version) (Profile, error) {
	switch strings.ToLower(name) {
	case "", "binary":
		c, err := ConventionFor(v)
		if err != nil {
			return nil, err
		}
		return Binary{Convention: c}, nil
	case "text":
		return Text{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown profile %q", name)
	}
}

// Binary is the fixed-width binary profile.
type Binary struct {
	Convention Convention
}

func (Binary) Name() string { return "binary" }

func (b Binary) Encode(f Frame) ([]byte, error) {
	return b.Convention.Encode(f.Command, f.Value)
}

func (b Binary) NewReader(r io.Reader) FrameReader {
	return binaryReader{r: r, c: b.Convention}
}

type binaryReader struct {
	r io.Reader
	c Convention
}

func (br binaryReader) ReadFrame() (Frame, error) {
	p, err := br.c.ReadPacket(br.r)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Command: p.Command, Value: p.Value}, nil
}

// Text is the bracket-delimited profile.
type Text struct{}

func (Text) Name() string { return "text" }

func (Text) Encode(f Frame) ([]byte, error) {
	return EncodeText(f.Tag, f.Text)
}

func (Text) NewReader(r io.Reader) FrameReader {
	return textReader{s: NewTextScanner(r)}
}

type textReader struct {
	s *TextScanner
}

func (tr textReader) ReadFrame() (Frame, error) {
	tf, err := tr.s.Next()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Tag: tf.Tag, Text: tf.Payload}, nil
}
