package protocol

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	frameOpen  = '['
	frameClose = ']'
	frameSep   = ':'

	// maxTextFrame bounds an open frame so a missing ']' cannot grow the buffer forever.
	maxTextFrame = 256
)

// TextFrame is one bracket-delimited frame. Tag is 0 for untagged bodies,
// which is how the panel reports its switch snapshot.
type TextFrame struct {
	Tag     byte
	Payload string
}

// EncodeText builds "[tag:payload]".
func EncodeText(tag byte, payload string) ([]byte, error) {
	if tag < 0x21 || tag > 0x7e || isDelimiter(tag) {
		return nil, fmt.Errorf("%w: tag %q", ErrMalformedFrame, tag)
	}
	if strings.ContainsAny(payload, "[]:") {
		return nil, fmt.Errorf("%w: payload %q contains a delimiter", ErrMalformedFrame, payload)
	}
	out := make([]byte, 0, len(payload)+4)
	out = append(out, frameOpen, tag, frameSep)
	out = append(out, payload...)
	return append(out, frameClose), nil
}

// ParseTextBody splits the bytes found between '[' and ']'.
func ParseTextBody(body []byte) (TextFrame, error) {
	if len(body) >= 2 && body[1] == frameSep {
		if isDelimiter(body[0]) {
			return TextFrame{}, fmt.Errorf("%w: tag %q", ErrMalformedFrame, body[0])
		}
		payload := string(body[2:])
		if strings.IndexByte(payload, frameSep) >= 0 {
			return TextFrame{}, fmt.Errorf("%w: stray %q in payload %q", ErrMalformedFrame, frameSep, payload)
		}
		return TextFrame{Tag: body[0], Payload: payload}, nil
	}
	if strings.IndexByte(string(body), frameSep) >= 0 {
		return TextFrame{}, fmt.Errorf("%w: %q", ErrMalformedFrame, body)
	}
	return TextFrame{Payload: string(body)}, nil
}

// Bytes hex-decodes the payload.
func (f TextFrame) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return b, nil
}

func isDelimiter(b byte) bool {
	return b == frameOpen || b == frameClose || b == frameSep
}

// TextScanner pulls frames out of a byte stream. Anything outside an open
// frame is discarded; a '[' while a frame is open restarts it.
type TextScanner struct {
	r    *bufio.Reader
	body []byte
	open bool
}

// NewTextScanner wraps r.
func NewTextScanner(r io.Reader) *TextScanner {
	return &TextScanner{r: bufio.NewReader(r), body: make([]byte, 0, 32)}
}

// Next blocks until a complete frame arrives or r fails.
func (s *TextScanner) Next() (TextFrame, error) {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return TextFrame{}, err
		}
		switch {
		case b == frameOpen:
			s.body = s.body[:0]
			s.open = true
		case !s.open:
			// noise between frames
		case b == frameClose:
			s.open = false
			return ParseTextBody(s.body)
		case len(s.body) >= maxTextFrame:
			s.open = false
		default:
			s.body = append(s.body, b)
		}
	}
}
