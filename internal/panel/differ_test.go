package panel

import (
	"bytes"
	"errors"
	"testing"
)

func TestDiff_SingleByte(t *testing.T) {
	ev, err := Diff([]byte{0x00}, []byte{0x05})
	if err != nil {
		t.Fatal(err)
	}
	got := ev.All()
	want := []Event{{0, true}, {2, true}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %v, want %v", i, got[i], want[i])
		}
	}
	if _, ok := ev.Next(); ok {
		t.Fatal("cursor yielded after exhaustion")
	}
}

func TestDiff_AscendingAcrossBytes(t *testing.T) {
	prev := []byte{0xFF, 0x00, 0x10}
	next := []byte{0x7F, 0x81, 0x00}
	ev, err := Diff(prev, next)
	if err != nil {
		t.Fatal(err)
	}
	got := ev.All()
	want := []Event{{7, false}, {8, true}, {15, true}, {20, false}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDiff_Malformed(t *testing.T) {
	cases := [][2][]byte{
		{{0x00}, {0x00, 0x01}},
		{{}, {}},
		{{0x01}, nil},
	}
	for _, c := range cases {
		if _, err := Diff(c[0], c[1]); !errors.Is(err, ErrMalformedSnapshot) {
			t.Errorf("Diff(%v, %v): expected ErrMalformedSnapshot, got %v", c[0], c[1], err)
		}
	}
}

func TestApply_ReplayReproducesSnapshot(t *testing.T) {
	pairs := [][2][]byte{
		{{0x00, 0x00, 0x00, 0x00}, {0x00, 0x00, 0x7E, 0x48}},
		{{0xA5, 0x5A}, {0x5A, 0xA5}},
		{{0x12}, {0x12}},
	}
	for _, p := range pairs {
		ev, err := Diff(p[0], p[1])
		if err != nil {
			t.Fatal(err)
		}
		replay := append([]byte(nil), p[0]...)
		for e, ok := ev.Next(); ok; e, ok = ev.Next() {
			if err := Apply(replay, e); err != nil {
				t.Fatal(err)
			}
		}
		if !bytes.Equal(replay, p[1]) {
			t.Fatalf("replay of %x -> %x produced %x", p[0], p[1], replay)
		}
	}
}

func TestDiffer_BaselineAndReset(t *testing.T) {
	d := NewDiffer()

	ev, err := d.Update([]byte{0x00, 0x06})
	if err != nil {
		t.Fatal(err)
	}
	if got := ev.All(); len(got) != 2 || got[0] != (Event{9, true}) || got[1] != (Event{10, true}) {
		t.Fatalf("first snapshot events = %v", got)
	}

	ev, _ = d.Update([]byte{0x00, 0x04})
	if got := ev.All(); len(got) != 1 || got[0] != (Event{9, false}) {
		t.Fatalf("second snapshot events = %v", got)
	}

	if _, err := d.Update([]byte{0x01}); !errors.Is(err, ErrMalformedSnapshot) {
		t.Fatalf("expected ErrMalformedSnapshot, got %v", err)
	}
	if !bytes.Equal(d.Baseline(), []byte{0x00, 0x04}) {
		t.Fatalf("malformed snapshot moved the baseline to %x", d.Baseline())
	}

	d.Reset()
	ev, _ = d.Update([]byte{0x00, 0x04})
	if got := ev.All(); len(got) != 1 || got[0] != (Event{10, true}) {
		t.Fatalf("post-reset events = %v", got)
	}
}
