// Package link owns the serial port shared by the inbound and outbound sides
// of the bridge. Nothing else reads or writes the port.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/panelbridge/internal/protocol"
)

var (
	ErrClosed           = errors.New("link: closed")
	ErrHandshakeTimeout = errors.New("link: no handshake from panel")
	ErrReadTimeout      = errors.New("link: read timed out")
)

const (
	// Sentinel the panel sends when it boots in the text profile.
	textSentinel = '!'

	handshakePoll = 100 * time.Millisecond
	idlePoll      = 5 * time.Millisecond
)

// Port is the subset of serial.Port the link needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Config holds connection settings for the panel.
type Config struct {
	PortPath         string        `yaml:"port_path" json:"portPath"`
	BaudRate         int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeout      string        `yaml:"read_timeout" json:"readTimeout"` // "infinite", "0" or a duration
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshakeTimeout"`
	EchoHello        bool          `yaml:"echo_hello" json:"echoHello"`
	SendBye          bool          `yaml:"send_bye" json:"sendBye"`
}

// ParseReadTimeout maps the config form onto serial.Port.SetReadTimeout.
// "0" makes reads return immediately and the link polls.
func ParseReadTimeout(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "infinite", "none":
		return serial.NoTimeout, nil
	case "0":
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("link: bad read timeout %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("link: negative read timeout %q", s)
	}
	return d, nil
}

// Opener opens a port. OpenSerial is the real one.
type Opener func(path string, baud int) (Port, error)

// OpenSerial opens path as 8N1.
func OpenSerial(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("link: failed to open %s: %w", path, err)
	}
	return port, nil
}

// Observer sees every frame that crosses the link. It is called on the
// reading or writing goroutine and must not block.
type Observer interface {
	ObserveFrame(dir protocol.Direction, f protocol.Frame)
}

// Link is one open connection to the panel.
type Link struct {
	cfg         Config
	profile     protocol.Profile
	cmds        protocol.CommandSet
	port        Port
	readTimeout time.Duration
	reader      protocol.FrameReader

	wmu       sync.Mutex
	omu       sync.RWMutex
	observers []Observer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	framesIn  atomic.Uint64
	framesOut atomic.Uint64
}

// Open opens and configures the port. Call Handshake before using it.
func Open(cfg Config, profile protocol.Profile, cmds protocol.CommandSet, open Opener) (*Link, error) {
	if open == nil {
		open = OpenSerial
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 57600
	}
	port, err := open(cfg.PortPath, cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	l, err := New(port, cfg, profile, cmds)
	if err != nil {
		port.Close()
		return nil, err
	}
	log.Printf("[link] opened %s at %d baud (profile=%s)", cfg.PortPath, cfg.BaudRate, profile.Name())
	return l, nil
}

// New wraps an already open port.
func New(port Port, cfg Config, profile protocol.Profile, cmds protocol.CommandSet) (*Link, error) {
	rt, err := ParseReadTimeout(cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(rt); err != nil {
		return nil, fmt.Errorf("link: failed to set timeout: %w", err)
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	l := &Link{
		cfg:         cfg,
		profile:     profile,
		cmds:        cmds,
		port:        port,
		readTimeout: rt,
		done:        make(chan struct{}),
	}
	l.reader = profile.NewReader(portReader{l: l})
	return l, nil
}

// AddObserver registers o for all later traffic.
func (l *Link) AddObserver(o Observer) {
	l.omu.Lock()
	l.observers = append(l.observers, o)
	l.omu.Unlock()
}

func (l *Link) notify(dir protocol.Direction, f protocol.Frame) {
	l.omu.RLock()
	defer l.omu.RUnlock()
	for _, o := range l.observers {
		o.ObserveFrame(dir, f)
	}
}

// Handshake discards input until the panel's hello arrives, then optionally
// answers with ours.
func (l *Link) Handshake(ctx context.Context) error {
	if err := l.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("link: reset input: %w", err)
	}
	if err := l.port.SetReadTimeout(handshakePoll); err != nil {
		return fmt.Errorf("link: failed to set timeout: %w", err)
	}
	defer l.port.SetReadTimeout(l.readTimeout)

	sentinel := l.sentinel()
	log.Printf("[link] waiting for panel hello (%#02x)...", sentinel)

	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	buf := make([]byte, 1)
	skipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.closed.Load() {
			return ErrClosed
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %v (%d bytes discarded)", ErrHandshakeTimeout, l.cfg.HandshakeTimeout, skipped)
		}
		n, err := l.port.Read(buf)
		if err != nil && n == 0 {
			return fmt.Errorf("link: handshake read: %w", err)
		}
		if n == 0 {
			time.Sleep(idlePoll)
			continue
		}
		if buf[0] == sentinel {
			break
		}
		skipped++
	}
	log.Printf("[link] panel connected")

	if l.cfg.EchoHello {
		if err := l.writeRaw(l.helloBytes()); err != nil {
			return fmt.Errorf("link: echo hello: %w", err)
		}
	}
	return nil
}

func (l *Link) sentinel() byte {
	if _, ok := l.profile.(protocol.Binary); ok {
		return byte(l.cmds.Hello)
	}
	return textSentinel
}

func (l *Link) helloBytes() []byte {
	if _, ok := l.profile.(protocol.Binary); ok {
		return []byte{byte(l.cmds.Hello)}
	}
	return []byte{textSentinel}
}

// Encode renders f in the link's profile without sending it.
func (l *Link) Encode(f protocol.Frame) ([]byte, error) {
	return l.profile.Encode(f)
}

// Send encodes and writes one frame. Writers are serialized.
func (l *Link) Send(f protocol.Frame) error {
	b, err := l.profile.Encode(f)
	if err != nil {
		return err
	}
	if err := l.writeRaw(b); err != nil {
		return fmt.Errorf("link: write %s: %w", f, err)
	}
	l.framesOut.Add(1)
	l.notify(protocol.Outbound, f)
	return nil
}

func (l *Link) writeRaw(b []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_, err := l.port.Write(b)
	return err
}

// ReadFrame blocks for the next inbound frame. Only one goroutine may read.
func (l *Link) ReadFrame() (protocol.Frame, error) {
	f, err := l.reader.ReadFrame()
	if err != nil {
		if l.closed.Load() {
			return protocol.Frame{}, ErrClosed
		}
		return protocol.Frame{}, err
	}
	l.framesIn.Add(1)
	l.notify(protocol.Inbound, f)
	return f, nil
}

// Profile returns the wire profile in use.
func (l *Link) Profile() protocol.Profile { return l.profile }

// Commands returns the command ids in use.
func (l *Link) Commands() protocol.CommandSet { return l.cmds }

// Stats counts frames since the link was opened.
type Stats struct {
	FramesIn  uint64 `json:"frames_in"`
	FramesOut uint64 `json:"frames_out"`
}

func (l *Link) Stats() Stats {
	return Stats{FramesIn: l.framesIn.Load(), FramesOut: l.framesOut.Load()}
}

// Close says goodbye if configured to and closes the port. A blocked
// ReadFrame returns ErrClosed. Only the first call does anything.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		if l.cfg.SendBye {
			if _, ok := l.profile.(protocol.Binary); ok {
				if err := l.Send(protocol.Frame{Command: l.cmds.Bye}); err != nil {
					log.Printf("[link] bye: %v", err)
				}
			}
		}
		l.closed.Store(true)
		close(l.done)
		l.wmu.Lock()
		defer l.wmu.Unlock()
		l.closeErr = l.port.Close()
	})
	return l.closeErr
}

// portReader hides empty reads from frame readers. In polled mode ("0") and
// with no timeout it waits for data; with a finite timeout an empty read
// fails with ErrReadTimeout.
type portReader struct {
	l *Link
}

func (r portReader) Read(p []byte) (int, error) {
	for {
		select {
		case <-r.l.done:
			return 0, ErrClosed
		default:
		}
		n, err := r.l.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		switch r.l.readTimeout {
		case 0:
			time.Sleep(idlePoll)
		case serial.NoTimeout:
		default:
			return 0, fmt.Errorf("%w after %v", ErrReadTimeout, r.l.readTimeout)
		}
	}
}
