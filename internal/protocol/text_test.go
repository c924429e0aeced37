package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeText(t *testing.T) {
	b, err := EncodeText('f', "A5")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "[f:A5]" {
		t.Fatalf("got %q", b)
	}

	if _, err := EncodeText('a', "1:2"); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("payload with ':' accepted: %v", err)
	}
	if _, err := EncodeText('[', "00"); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("delimiter tag accepted: %v", err)
	}
	if _, err := EncodeText(0, "00"); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("zero tag accepted: %v", err)
	}
}

func TestTextScanner_Resync(t *testing.T) {
	in := "garbage]![0005]xx[f:0A][a:-1.1M"
	s := NewTextScanner(strings.NewReader(in + "[[v:12]"))

	want := []TextFrame{
		{Tag: 0, Payload: "0005"},
		{Tag: 'f', Payload: "0A"},
		{Tag: 'v', Payload: "12"},
	}
	for i, w := range want {
		got, err := s.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got != w {
			t.Errorf("frame %d = %+v, want %+v", i, got, w)
		}
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestTextScanner_OverlongFrameDropped(t *testing.T) {
	long := "[" + strings.Repeat("0", maxTextFrame+10) + "][f:01]"
	s := NewTextScanner(strings.NewReader(long))
	got, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got.Tag != 'f' || got.Payload != "01" {
		t.Fatalf("expected overlong frame to be dropped, got %+v", got)
	}
}

func TestTextFrame_Bytes(t *testing.T) {
	b, err := TextFrame{Payload: "00A1ff"}.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, []byte{0x00, 0xA1, 0xFF}) {
		t.Fatalf("got % X", b)
	}
	if _, err := (TextFrame{Payload: "0"}).Bytes(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("odd-length hex accepted: %v", err)
	}
}

func TestParseTextBody_StrayColon(t *testing.T) {
	for _, body := range []string{"ab:cd", "a:1:2", "a::"} {
		if _, err := ParseTextBody([]byte(body)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%q: expected ErrMalformedFrame, got %v", body, err)
		}
	}
	if _, err := EncodeText('a', "1:2"); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("encode accepted a separator: %v", err)
	}
}

func TestProfiles_RoundTrip(t *testing.T) {
	bin, err := ProfileFor("binary", Version2)
	if err != nil {
		t.Fatal(err)
	}
	txt, err := ProfileFor("text", Version2)
	if err != nil {
		t.Fatal(err)
	}

	frames := []Frame{
		{Command: 8, Value: 0xA5, Tag: 'f', Text: "A5"},
		{Command: 37, Value: -250, Tag: 'A', Text: "-250"},
	}
	for _, p := range []Profile{bin, txt} {
		var buf bytes.Buffer
		for _, f := range frames {
			b, err := p.Encode(f)
			if err != nil {
				t.Fatalf("%s encode %v: %v", p.Name(), f, err)
			}
			buf.Write(b)
		}
		r := p.NewReader(&buf)
		for _, f := range frames {
			got, err := r.ReadFrame()
			if err != nil {
				t.Fatalf("%s read: %v", p.Name(), err)
			}
			if p.Name() == "binary" && (got.Command != f.Command || got.Value != f.Value) {
				t.Errorf("binary got %v want %v", got, f)
			}
			if p.Name() == "text" && (got.Tag != f.Tag || got.Text != f.Text) {
				t.Errorf("text got %v want %v", got, f)
			}
		}
	}

	if _, err := ProfileFor("morse", Version2); err == nil {
		t.Fatal("expected unknown profile error")
	}
}
