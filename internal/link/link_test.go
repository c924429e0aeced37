package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/panelbridge/internal/protocol"
)

// fakePort reads from a script and records writes. An empty script reads as
// a timeout.
type fakePort struct {
	mu      sync.Mutex
	in      bytes.Buffer
	out     bytes.Buffer
	timeout time.Duration
	closed  bool
	resets  int
}

func (p *fakePort) feed(b []byte) {
	p.mu.Lock()
	p.in.Write(b)
	p.mu.Unlock()
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if p.in.Len() == 0 {
		return 0, nil
	}
	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
	return nil
}

func (p *fakePort) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.out.Bytes()...)
}

type frameLog struct {
	mu     sync.Mutex
	frames []string
}

func (fl *frameLog) ObserveFrame(dir protocol.Direction, f protocol.Frame) {
	fl.mu.Lock()
	fl.frames = append(fl.frames, string(dir)+" "+f.String())
	fl.mu.Unlock()
}

var v2 = protocol.CommandsFor(protocol.Version2)

func binaryProfile() protocol.Profile {
	return protocol.Binary{Convention: protocol.MustConvention(protocol.Version2)}
}

func TestParseReadTimeout(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		fail bool
	}{
		{in: "infinite", want: serial.NoTimeout},
		{in: "", want: serial.NoTimeout},
		{in: "0", want: 0},
		{in: "250ms", want: 250 * time.Millisecond},
		{in: "soon", fail: true},
		{in: "-1s", fail: true},
	}
	for _, tt := range tests {
		got, err := ParseReadTimeout(tt.in)
		if tt.fail {
			if err == nil {
				t.Errorf("ParseReadTimeout(%q) should fail", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseReadTimeout(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestHandshake_TextSkipsNoiseAndEchoes(t *testing.T) {
	port := &fakePort{}
	port.feed([]byte("boot\x00garbage!"))
	l, err := New(port, Config{ReadTimeout: "0", EchoHello: true}, protocol.Text{}, v2)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Handshake(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := port.written(); string(got) != "!" {
		t.Fatalf("echo = %q", got)
	}
	if port.timeout != 0 {
		t.Fatalf("read timeout not restored: %v", port.timeout)
	}
	if port.resets != 1 {
		t.Fatalf("input reset %d times", port.resets)
	}
}

func TestHandshake_BinaryHello(t *testing.T) {
	port := &fakePort{}
	port.feed([]byte{0xAA, 0x55, byte(v2.Hello)})
	l, _ := New(port, Config{ReadTimeout: "0"}, binaryProfile(), v2)
	if err := l.Handshake(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(port.written()) != 0 {
		t.Fatal("echoed hello without EchoHello")
	}
}

func TestHandshake_Timeout(t *testing.T) {
	port := &fakePort{}
	l, _ := New(port, Config{ReadTimeout: "0", HandshakeTimeout: 30 * time.Millisecond}, protocol.Text{}, v2)
	if err := l.Handshake(context.Background()); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
}

func TestHandshake_Cancelled(t *testing.T) {
	port := &fakePort{}
	l, _ := New(port, Config{ReadTimeout: "0"}, protocol.Text{}, v2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Handshake(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSendAndRead_Binary(t *testing.T) {
	port := &fakePort{}
	l, _ := New(port, Config{ReadTimeout: "0"}, binaryProfile(), v2)
	obs := &frameLog{}
	l.AddObserver(obs)

	if err := l.Send(protocol.Frame{Command: 9, Value: 7}); err != nil {
		t.Fatal(err)
	}
	if got := port.written(); !bytes.Equal(got, []byte{0x09, 0x07}) {
		t.Fatalf("wire = % X", got)
	}

	port.feed([]byte{byte(v2.PanelState), 0x05, 0x00, 0x00, 0x00})
	f, err := l.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Command != v2.PanelState || f.Value != 5 {
		t.Fatalf("frame = %+v", f)
	}
	if len(obs.frames) != 2 || obs.frames[0] != "out 9=7" || obs.frames[1] != "in 32=5" {
		t.Fatalf("observed %v", obs.frames)
	}
	if st := l.Stats(); st.FramesIn != 1 || st.FramesOut != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSend_RejectsUnencodable(t *testing.T) {
	port := &fakePort{}
	l, _ := New(port, Config{ReadTimeout: "0"}, binaryProfile(), v2)
	if err := l.Send(protocol.Frame{Command: 9, Value: 300}); !errors.Is(err, protocol.ErrValueRange) {
		t.Fatalf("expected ErrValueRange, got %v", err)
	}
	if len(port.written()) != 0 {
		t.Fatal("partial frame written")
	}
}

func TestReadFrame_TextProfile(t *testing.T) {
	port := &fakePort{}
	l, _ := New(port, Config{ReadTimeout: "0"}, protocol.Text{}, v2)
	port.feed([]byte("noise[0500]"))
	f, err := l.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Tag != protocol.TagSnapshot || f.Text != "0500" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestClose_UnblocksReaderAndSaysBye(t *testing.T) {
	port := &fakePort{}
	l, _ := New(port, Config{ReadTimeout: "0", SendBye: true}, binaryProfile(), v2)

	errc := make(chan error, 1)
	go func() {
		_, err := l.ReadFrame()
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) && !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("reader returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after Close")
	}
	if got := port.written(); !bytes.Equal(got, []byte{byte(v2.Bye)}) {
		t.Fatalf("bye = % X", got)
	}
	if err := l.Send(protocol.Frame{Command: 9}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

type failingOpener struct{ calls int }

func (f *failingOpener) open(path string, baud int) (Port, error) {
	f.calls++
	return nil, errors.New("no such device")
}

func TestOpen_DefaultsAndErrors(t *testing.T) {
	fo := &failingOpener{}
	if _, err := Open(Config{PortPath: "/dev/null0"}, protocol.Text{}, v2, fo.open); err == nil {
		t.Fatal("expected open error")
	}

	port := &fakePort{}
	var gotBaud int
	l, err := Open(Config{PortPath: "/dev/ttyFAKE", ReadTimeout: "250ms"}, protocol.Text{}, v2, func(path string, baud int) (Port, error) {
		gotBaud = baud
		return port, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if gotBaud != 57600 || port.timeout != 250*time.Millisecond {
		t.Fatalf("baud=%d timeout=%v", gotBaud, port.timeout)
	}
}

func TestReadFrame_FiniteTimeoutFails(t *testing.T) {
	port := &fakePort{}
	l, err := New(port, Config{ReadTimeout: "50ms"}, protocol.Text{}, v2)
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := l.ReadFrame()
		errc <- err
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrReadTimeout) {
			t.Fatalf("expected read timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader ignored the configured timeout")
	}
}

func TestReadFrame_PolledModeWaits(t *testing.T) {
	port := &fakePort{}
	l, _ := New(port, Config{ReadTimeout: "0"}, protocol.Text{}, v2)

	errc := make(chan error, 1)
	go func() {
		_, err := l.ReadFrame()
		errc <- err
	}()
	select {
	case err := <-errc:
		t.Fatalf("polled reader returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	port.feed([]byte("[A:75]"))
	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("polled reader never saw the frame")
	}
}

func TestClose_ConcurrentSendsOneBye(t *testing.T) {
	port := &fakePort{}
	l, _ := New(port, Config{ReadTimeout: "0", SendBye: true}, binaryProfile(), v2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Close()
		}()
	}
	wg.Wait()
	if got := port.written(); !bytes.Equal(got, []byte{byte(v2.Bye)}) {
		t.Fatalf("bye written as % X", got)
	}
}
