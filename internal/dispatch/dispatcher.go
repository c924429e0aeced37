// Package dispatch routes switch edges and inbound commands to vessel actions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/shaunagostinho/panelbridge/internal/panel"
	"github.com/shaunagostinho/panelbridge/internal/protocol"
	"github.com/shaunagostinho/panelbridge/internal/session"
	"github.com/shaunagostinho/panelbridge/internal/vehicle"
)

var ErrUnhandledSwitch = errors.New("dispatch: unhandled switch")

// UnhandledSwitchError reports a switch or command with no binding. Callers
// log it and carry on.
type UnhandledSwitchError struct {
	Switch  int
	Command bool // Switch holds a command id rather than a switch index
}

func (e *UnhandledSwitchError) Error() string {
	if e.Command {
		return fmt.Sprintf("dispatch: no binding for command %d", e.Switch)
	}
	return fmt.Sprintf("dispatch: no binding for switch %d", e.Switch)
}

func (e *UnhandledSwitchError) Is(target error) bool { return target == ErrUnhandledSwitch }

// Dispatcher owns the binding tables. Tables are fixed after New.
type Dispatcher struct {
	vessel   vehicle.Vessel
	state    *session.State
	switches map[int]Binding
	commands map[protocol.Command]Binding
}

// New validates both tables and copies them.
func New(v vehicle.Vessel, st *session.State, switches map[int]Binding, commands map[protocol.Command]Binding) (*Dispatcher, error) {
	d := &Dispatcher{
		vessel:   v,
		state:    st,
		switches: make(map[int]Binding, len(switches)),
		commands: make(map[protocol.Command]Binding, len(commands)),
	}
	for idx, b := range switches {
		if idx < 0 {
			return nil, fmt.Errorf("dispatch: negative switch index %d", idx)
		}
		if err := b.validate(); err != nil {
			return nil, fmt.Errorf("dispatch: switch %d: %w", idx, err)
		}
		d.switches[idx] = b
	}
	for cmd, b := range commands {
		if err := b.validate(); err != nil {
			return nil, fmt.Errorf("dispatch: command %d: %w", cmd, err)
		}
		d.commands[cmd] = b
	}
	return d, nil
}

// Switches lists the switch table in index order.
func (d *Dispatcher) Switches() []SwitchBinding {
	out := make([]SwitchBinding, 0, len(d.switches))
	for idx, b := range d.switches {
		out = append(out, SwitchBinding{Switch: idx, Binding: b.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Switch < out[j].Switch })
	return out
}

// SwitchBinding is the printable form of one table entry.
type SwitchBinding struct {
	Switch  int    `json:"switch"`
	Binding string `json:"binding"`
}

// Dispatch applies one switch edge.
func (d *Dispatcher) Dispatch(ctx context.Context, idx int, enabled bool) error {
	b, ok := d.switches[idx]
	if !ok {
		return &UnhandledSwitchError{Switch: idx}
	}
	if err := d.apply(ctx, b, enabled); err != nil {
		return fmt.Errorf("dispatch: switch %d (%s): %w", idx, b, err)
	}
	return nil
}

// DispatchEvent is Dispatch for a differ event.
func (d *Dispatcher) DispatchEvent(ctx context.Context, ev panel.Event) error {
	return d.Dispatch(ctx, ev.Switch, ev.Enabled)
}

// DispatchCommand routes an inbound binary command. Any nonzero value counts
// as enabled.
func (d *Dispatcher) DispatchCommand(ctx context.Context, cmd protocol.Command, value int32) error {
	b, ok := d.commands[cmd]
	if !ok {
		return &UnhandledSwitchError{Switch: int(cmd), Command: true}
	}
	if err := d.apply(ctx, b, value != 0); err != nil {
		return fmt.Errorf("dispatch: command %d (%s): %w", cmd, b, err)
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, b Binding, enabled bool) error {
	if b.Kind == KindDirect {
		return d.direct(ctx, b, enabled)
	}
	switch b.Handler {
	case HandlerStage:
		return d.stage(ctx, enabled)
	case HandlerArmStaging:
		d.state.SetStagingArmed(enabled)
		log.Printf("[dispatch] Staging armed: %v", enabled)
		return nil
	case HandlerUndock:
		return d.undock(ctx, enabled)
	case HandlerEngines:
		return d.engines(ctx, enabled)
	case HandlerResourceMode:
		mode := session.Fuel
		if enabled {
			mode = session.LifeSupport
		}
		if d.state.SetResourceMode(mode) {
			log.Printf("[dispatch] Resource display: %s", mode)
		}
		return nil
	}
	return fmt.Errorf("unknown handler %q", b.Handler)
}

func (d *Dispatcher) direct(ctx context.Context, b Binding, enabled bool) error {
	if b.Policy == Set {
		return d.vessel.SetControl(ctx, b.Control, enabled)
	}
	if !enabled {
		return nil
	}
	cur, err := d.vessel.Control(ctx, b.Control)
	if err != nil {
		return err
	}
	return d.vessel.SetControl(ctx, b.Control, !cur)
}

func (d *Dispatcher) stage(ctx context.Context, enabled bool) error {
	if !enabled {
		return nil
	}
	if !d.state.StagingArmed() {
		log.Printf("[dispatch] Stage ignored: staging not armed")
		return nil
	}
	if err := d.vessel.ActivateNextStage(ctx); err != nil {
		return err
	}
	log.Printf("[dispatch] Stage fired")
	return nil
}

func (d *Dispatcher) undock(ctx context.Context, enabled bool) error {
	if !enabled {
		return nil
	}
	ports, err := d.vessel.DockingPorts(ctx)
	if err != nil {
		return err
	}
	for _, p := range ports {
		if p.State == "docked" {
			log.Printf("[dispatch] Undocking %s", p.ID)
			return d.vessel.Undock(ctx, p.ID)
		}
	}
	return nil
}

func (d *Dispatcher) engines(ctx context.Context, enabled bool) error {
	stage, err := d.vessel.CurrentStage(ctx)
	if err != nil {
		return err
	}
	engines, err := d.vessel.Engines(ctx, stage)
	if err != nil {
		return err
	}
	for _, e := range engines {
		if e.Active == enabled {
			continue
		}
		if err := d.vessel.SetEngineActive(ctx, e.ID, enabled); err != nil {
			return err
		}
	}
	return nil
}
