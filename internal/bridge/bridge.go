// Package bridge runs one panel session: the inbound side turns panel frames
// into vessel actions, the outbound side runs the telemetry schedule. Both
// share a single link.
package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shaunagostinho/panelbridge/internal/dispatch"
	"github.com/shaunagostinho/panelbridge/internal/flags"
	"github.com/shaunagostinho/panelbridge/internal/link"
	"github.com/shaunagostinho/panelbridge/internal/panel"
	"github.com/shaunagostinho/panelbridge/internal/protocol"
	"github.com/shaunagostinho/panelbridge/internal/session"
	"github.com/shaunagostinho/panelbridge/internal/telemetry"
	"github.com/shaunagostinho/panelbridge/internal/vehicle"
)

// Link is what a session needs from the serial connection.
type Link interface {
	ReadFrame() (protocol.Frame, error)
	Encode(f protocol.Frame) ([]byte, error)
	Send(f protocol.Frame) error
	Profile() protocol.Profile
	Close() error
}

// EventObserver is told about every switch edge and what dispatching it did.
type EventObserver interface {
	ObserveEvent(ev panel.Event, err error)
}

// Bridge holds state that outlives a single connection.
type Bridge struct {
	vessel     vehicle.Vessel
	register   *flags.Register
	differ     *panel.Differ
	dispatcher *dispatch.Dispatcher
	state      *session.State
	telemetry  telemetry.Config
	cmds       protocol.CommandSet

	mu        sync.Mutex
	sched     *telemetry.Scheduler
	observers []EventObserver
}

type Options struct {
	Vessel     vehicle.Vessel
	Register   *flags.Register
	Dispatcher *dispatch.Dispatcher
	State      *session.State
	Telemetry  telemetry.Config
}

func New(opts Options) *Bridge {
	return &Bridge{
		vessel:     opts.Vessel,
		register:   opts.Register,
		differ:     panel.NewDiffer(),
		dispatcher: opts.Dispatcher,
		state:      opts.State,
		telemetry:  opts.Telemetry,
		cmds:       opts.Telemetry.Commands,
	}
}

// AddObserver registers o for switch events.
func (b *Bridge) AddObserver(o EventObserver) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Run serves one connection until ctx ends or either side fails. All session
// state is zeroed first, and l is closed before Run returns. The first
// failure is returned; a cancelled ctx returns nil.
func (b *Bridge) Run(ctx context.Context, l Link) error {
	sched, err := telemetry.New(b.telemetry, b.vessel, b.register, b.state, l)
	if err != nil {
		l.Close()
		return err
	}
	b.register.Reset()
	b.differ.Reset()
	b.state.Reset()

	b.mu.Lock()
	b.sched = sched
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- b.inbound(ctx, l) }()
	go func() { errc <- sched.Run(ctx) }()

	first := <-errc
	cancel()
	l.Close()
	second := <-errc

	if first == nil && !errors.Is(second, link.ErrClosed) {
		first = second
	}
	if first != nil {
		log.Printf("[bridge] session ended: %v", first)
	}
	return first
}

func (b *Bridge) inbound(ctx context.Context, l Link) error {
	_, isBinary := l.Profile().(protocol.Binary)
	for {
		f, err := l.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !isBinary && errors.Is(err, protocol.ErrMalformedFrame) {
				log.Printf("[bridge] dropped frame: %v", err)
				continue
			}
			return fmt.Errorf("bridge: read: %w", err)
		}
		b.handle(ctx, f, isBinary)
	}
}

// handle never fails the session: bad snapshots and unbound switches are
// logged and skipped.
func (b *Bridge) handle(ctx context.Context, f protocol.Frame, isBinary bool) {
	snap, ok, err := b.snapshot(f, isBinary)
	if err != nil {
		log.Printf("[bridge] bad snapshot %s: %v", f, err)
		return
	}
	if !ok {
		if !isBinary {
			log.Printf("[bridge] ignoring frame %s", f)
			return
		}
		b.report(b.dispatcher.DispatchCommand(ctx, f.Command, f.Value), nil)
		return
	}

	events, err := b.differ.Update(snap)
	if err != nil {
		log.Printf("[bridge] %v", err)
		return
	}
	for ev, more := events.Next(); more; ev, more = events.Next() {
		ev := ev
		b.report(b.dispatcher.DispatchEvent(ctx, ev), &ev)
	}
}

func (b *Bridge) report(err error, ev *panel.Event) {
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrUnhandledSwitch):
		log.Printf("[bridge] %v", err)
	default:
		log.Printf("[bridge] action failed: %v", err)
	}
	if ev == nil {
		return
	}
	b.mu.Lock()
	obs := b.observers
	b.mu.Unlock()
	for _, o := range obs {
		o.ObserveEvent(*ev, err)
	}
}

// snapshot extracts switch bytes from a panel-state frame.
func (b *Bridge) snapshot(f protocol.Frame, isBinary bool) ([]byte, bool, error) {
	if isBinary {
		if f.Command != b.cmds.PanelState {
			return nil, false, nil
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(f.Value))
		return buf[:], true, nil
	}
	if f.Tag != protocol.TagSnapshot && f.Tag != protocol.TagPanelState {
		return nil, false, nil
	}
	snap, err := protocol.TextFrame{Tag: f.Tag, Payload: f.Text}.Bytes()
	if err != nil {
		return nil, true, err
	}
	return snap, true, nil
}

// Status describes the current session for the monitor.
type Status struct {
	Telemetry telemetry.Status         `json:"telemetry"`
	Session   session.Snapshot         `json:"session"`
	Switches  []dispatch.SwitchBinding `json:"switches"`
	Baseline  string                   `json:"baseline"`
	Flags     map[string]string        `json:"flags"`
}

func (b *Bridge) Status() Status {
	b.mu.Lock()
	sched := b.sched
	b.mu.Unlock()

	st := Status{
		Session:  b.state.Snapshot(),
		Switches: b.dispatcher.Switches(),
		Baseline: fmt.Sprintf("%X", b.differ.Baseline()),
		Flags:    make(map[string]string),
	}
	if sched != nil {
		st.Telemetry = sched.Status()
	}
	for _, w := range b.register.Words() {
		st.Flags[w.Name] = w.Frame(w.Value()).Text
	}
	return st
}
